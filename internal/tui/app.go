// Package tui is the operator's terminal client for a recording session.
//
// The client reads one command per line ("lot 1234567-10", "at 0.4 0.7",
// "save U12 コテ不足", "next", ...) and drives a session.Controller from a
// single goroutine. Background results are applied between commands and
// while waiting for input, so status lines appear as they arrive. When the
// terminal is interactive, missing command arguments are asked for with
// forms.
package tui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ktec-smt/aoirecord/internal/lookup"
	"github.com/ktec-smt/aoirecord/internal/session"
)

// ErrQuit is returned by Exec for the quit command after the session has
// been closed.
var ErrQuit = errors.New("quit")

// Options configures an App.
type Options struct {
	In  io.Reader
	Out io.Writer

	// Interactive asks for missing arguments with forms instead of
	// reading plain lines.
	Interactive bool

	// Plain disables colors.
	Plain bool

	// Tick is how often queued background results are applied while
	// waiting for input. Defaults to 200ms.
	Tick time.Duration

	// DefectNames are offered while entering a defect.
	DefectNames []lookup.DefectName

	// OnState receives the session state after every command and every
	// batch of background results.
	OnState func(session.State)

	Logger *log.Logger
}

type line struct {
	text string
	err  error
}

// App is the terminal client. It implements session.Prompter and
// session.StatusSink.
type App struct {
	opts   Options
	out    io.Writer
	styles Styles
	logger *log.Logger

	c *session.Controller

	scanner *bufio.Scanner
	want    chan struct{}
	lines   chan line
}

// New creates a client. Attach must be called before Run.
func New(opts Options) *App {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Tick <= 0 {
		opts.Tick = 200 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[tui] ", log.LstdFlags)
	}
	return &App{
		opts:    opts,
		out:     opts.Out,
		styles:  NewStyles(opts.Out, opts.Plain),
		logger:  logger,
		scanner: bufio.NewScanner(opts.In),
	}
}

// Attach binds the client to c and subscribes to its status messages.
func (a *App) Attach(c *session.Controller) {
	a.c = c
	c.Subscribe(a)
}

// Notify prints a status line.
func (a *App) Notify(st session.Status) {
	fmt.Fprintln(a.out, a.styles.Status(st))
}

// PromptItemCode asks for the item code of a lot the schedule does not
// know.
func (a *App) PromptItemCode(ctx context.Context, lot string) (string, bool) {
	if a.opts.Interactive {
		return ItemCodeForm(ctx, lot)
	}
	text, err := a.readLine(ctx, fmt.Sprintf("指図 %s の品目コード: ", lot), false)
	if err != nil {
		return "", false
	}
	text = strings.TrimSpace(text)
	return text, text != ""
}

// Run reads and executes commands until quit or end of input, which both
// close the session.
func (a *App) Run(ctx context.Context) error {
	if a.c == nil {
		return errors.New("tui: no session attached")
	}
	defer a.stopReader()
	a.render()
	for {
		text, err := a.readLine(ctx, a.promptText(), true)
		if errors.Is(err, io.EOF) {
			text = "quit"
		} else if err != nil {
			return err
		}
		err = a.Exec(ctx, text)
		a.publish()
		if errors.Is(err, ErrQuit) {
			return nil
		}
		if err != nil {
			a.logger.Printf("command %q failed: %v", text, err)
			fmt.Fprintln(a.out, a.styles.Error.Render(ErrorMessage(err)))
		}
	}
}

// Exec executes one command line.
func (a *App) Exec(ctx context.Context, text string) error {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	c := a.c

	switch cmd {
	case "help", "?":
		fmt.Fprint(a.out, helpText)

	case "user", "u":
		if len(args) != 1 {
			return usage("user <ID>")
		}
		return c.SetUser(args[0])

	case "lot", "l":
		lot := strings.Join(args, "")
		if lot == "" {
			return usage("lot <指図番号>")
		}
		if err := c.SelectLot(ctx, lot); err != nil {
			return err
		}
		a.render()

	case "at", "pos":
		var x, y float64
		switch {
		case len(args) == 2:
			var err error
			if x, err = strconv.ParseFloat(args[0], 64); err != nil {
				return usage("at <x> <y>")
			}
			if y, err = strconv.ParseFloat(args[1], 64); err != nil {
				return usage("at <x> <y>")
			}
		case len(args) == 0 && a.opts.Interactive:
			var err error
			if x, y, err = CoordinateForm(ctx); err != nil {
				return err
			}
		default:
			return usage("at <x> <y>")
		}
		return c.SetCoordinates(x, y)

	case "save", "s":
		var in session.Input
		switch {
		case len(args) >= 2:
			in = session.Input{Reference: args[0], DefectName: args[1]}
			if len(args) > 2 {
				in.Serial = strings.Join(args[2:], " ")
			}
		case len(args) == 0 && a.opts.Interactive:
			var err error
			if in, err = DefectForm(ctx, a.suggestions()); err != nil {
				return err
			}
		default:
			return usage("save <リファレンス> <不良名> [シリアル]")
		}
		if _, err := c.Save(ctx, in); err != nil {
			return err
		}
		a.render()

	case "select", "sel":
		if len(args) != 1 {
			return usage("select <行>")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return usage("select <行>")
		}
		if err := c.Select(n - 1); err != nil {
			return err
		}
		a.render()

	case "clear":
		c.ClearSelection()
		a.render()

	case "delete", "del":
		if a.opts.Interactive {
			ok, err := ConfirmForm(ctx, "選択した不良を削除しますか？")
			if err != nil || !ok {
				return err
			}
		}
		if _, err := c.Delete(ctx); err != nil {
			return err
		}
		a.render()

	case "next", "n":
		if err := c.NextBoard(ctx); err != nil {
			return err
		}
		a.render()

	case "prev", "p":
		if err := c.PrevBoard(); err != nil {
			return err
		}
		a.render()

	case "rows", "ls", "status":
		a.render()

	case "reload":
		if err := c.Reload(ctx); err != nil {
			return err
		}
		a.render()

	case "check":
		c.CheckConnectionAsync()

	case "export":
		var path string
		var err error
		if len(args) > 0 && args[0] == "repairs" {
			path, err = c.ExportRepairsCSV()
		} else {
			path, err = c.ExportCSV()
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "出力中: %s\n", path)

	case "names":
		for _, n := range a.opts.DefectNames {
			fmt.Fprintf(a.out, "%3d  %s\n", n.No, n.Name)
		}

	case "quit", "exit", "q":
		res, err := c.Close(ctx)
		fmt.Fprintln(a.out, CloseSummary(res))
		if err != nil {
			fmt.Fprintln(a.out, a.styles.Error.Render(ErrorMessage(err)))
		}
		return ErrQuit

	default:
		return fmt.Errorf("unknown command %q (help で一覧)", cmd)
	}
	return nil
}

// readLine prints prompt and waits for the next input line. With drain set
// queued background results are applied while waiting.
func (a *App) readLine(ctx context.Context, prompt string, drain bool) (string, error) {
	a.startReader()
	fmt.Fprint(a.out, prompt)
	a.want <- struct{}{}

	tick := time.NewTicker(a.opts.Tick)
	defer tick.Stop()
	for {
		select {
		case l := <-a.lines:
			return l.text, l.err
		case <-tick.C:
			if drain && a.c.Drain() > 0 {
				a.publish()
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// startReader starts the input goroutine. It reads only when asked, so
// forms can use the terminal between reads.
func (a *App) startReader() {
	if a.want != nil {
		return
	}
	a.want = make(chan struct{})
	a.lines = make(chan line, 1)
	go func() {
		for range a.want {
			if a.scanner.Scan() {
				a.lines <- line{text: a.scanner.Text()}
				continue
			}
			err := a.scanner.Err()
			if err == nil {
				err = io.EOF
			}
			a.lines <- line{err: err}
		}
	}()
}

func (a *App) stopReader() {
	if a.want != nil {
		close(a.want)
		a.want = nil
	}
}

func (a *App) publish() {
	if a.opts.OnState != nil {
		a.opts.OnState(a.c.State())
	}
}

func (a *App) render() {
	st := a.c.State()
	fmt.Fprintln(a.out, a.styles.SessionHeader(st))
	if st.Phase == session.PhaseBoardActive {
		fmt.Fprintln(a.out, a.styles.Rows(a.c.VisibleRows(), st.Selected))
	}
}

func (a *App) promptText() string {
	st := a.c.State()
	if st.Phase == session.PhaseBoardActive {
		return fmt.Sprintf("%s #%d> ", st.LotNumber, st.BoardIndex)
	}
	return "aoi> "
}

func (a *App) suggestions() []string {
	out := make([]string, 0, len(a.opts.DefectNames))
	for _, n := range a.opts.DefectNames {
		out = append(out, n.Name)
	}
	return out
}

// CloseSummary describes the outcome of closing a session.
func CloseSummary(res session.CloseResult) string {
	s := fmt.Sprintf("終了: キントーン登録 %d件, ローカル保存 %d件", res.Posted, res.Upserted)
	if res.Merged {
		s += fmt.Sprintf(", 共有DB反映 %d件", res.Merge.Upserted)
	}
	if res.Abandoned > 0 {
		s += fmt.Sprintf(", 未完了タスク %d件", res.Abandoned)
	}
	return s
}

// ErrorMessage returns the operator-facing text of a session error.
func ErrorMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrUserNotSet):
		return "AOI担当者を設定してください。"
	case errors.Is(err, session.ErrUnknownUser):
		return "登録されていないIDです。"
	case errors.Is(err, session.ErrInvalidLot):
		return "指図番号は 1234567-10 または 1234567-20 の形式で入力してください。"
	case errors.Is(err, session.ErrItemCodeCancelled):
		return "品目コードが入力されませんでした。"
	case errors.Is(err, session.ErrImageNotFound):
		return "基板画像が見つかりません。"
	case errors.Is(err, session.ErrImageName):
		return "基板画像のファイル名が不正です。"
	case errors.Is(err, session.ErrNoLot):
		return "指図を選択してください。"
	case errors.Is(err, session.ErrMissingInput):
		return "リファレンスと不良名を入力してください。"
	case errors.Is(err, session.ErrNoCoordinates):
		return "基板画像上の位置を指定してください。"
	case errors.Is(err, session.ErrNoSelection):
		return "不良が選択されていません。"
	case errors.Is(err, session.ErrFirstBoard):
		return "最初の基板です。"
	case errors.Is(err, session.ErrDataDirUnavailable):
		return "データフォルダにアクセスできません。"
	case errors.Is(err, session.ErrClosed):
		return "セッションは終了しています。"
	default:
		return err.Error()
	}
}

func usage(s string) error {
	return fmt.Errorf("使い方: %s", s)
}

const helpText = `コマンド:
  user <ID>                       AOI担当者を設定
  lot <指図番号>                   指図を選択
  at <x> <y>                      基板画像上の位置 (0-1)
  save <リファレンス> <不良名> [シリアル]  不良を登録 (行選択中は置換)
  select <行> / clear              行の選択 / 解除
  delete                          選択した不良を削除
  next / prev                     次の基板 / 前の基板
  rows                            不良一覧を表示
  reload                          ローカルDBから再読み込み
  check                           キントーン接続を確認
  export [repairs]                CSV出力
  names                           不良名の番号一覧
  quit                            終了 (保存して共有DBへ反映)
`
