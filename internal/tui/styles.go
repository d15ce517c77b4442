package tui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"

	"github.com/ktec-smt/aoirecord/internal/session"
)

// Styles renders session output for one writer.
type Styles struct {
	r *lipgloss.Renderer

	Header    lipgloss.Style
	Label     lipgloss.Style
	Info      lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Online    lipgloss.Style
	Offline   lipgloss.Style
	Selected  lipgloss.Style
	Repaired  lipgloss.Style
	TableHead lipgloss.Style
}

// NewStyles creates styles for w. Plain forces ASCII output without
// colors, e.g. when w is not a terminal.
func NewStyles(w io.Writer, plain bool) Styles {
	var r *lipgloss.Renderer
	if plain {
		r = lipgloss.NewRenderer(w, termenv.WithProfile(termenv.Ascii))
	} else {
		r = lipgloss.NewRenderer(w)
	}
	return Styles{
		r:         r,
		Header:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		Label:     r.NewStyle().Faint(true),
		Info:      r.NewStyle(),
		Warning:   r.NewStyle().Foreground(lipgloss.Color("214")),
		Error:     r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		Online:    r.NewStyle().Foreground(lipgloss.Color("10")),
		Offline:   r.NewStyle().Foreground(lipgloss.Color("9")),
		Selected:  r.NewStyle().Reverse(true),
		Repaired:  r.NewStyle().Foreground(lipgloss.Color("10")),
		TableHead: r.NewStyle().Bold(true).Padding(0, 1),
	}
}

// Status renders one status line.
func (s Styles) Status(st session.Status) string {
	var style lipgloss.Style
	switch st.Level {
	case session.LevelError:
		style = s.Error
	case session.LevelWarning:
		style = s.Warning
	default:
		style = s.Info
	}
	return fmt.Sprintf("%s %s", s.Label.Render(st.Time.Format("15:04:05")), style.Render(st.Message))
}

// Header renders the session summary line.
func (s Styles) SessionHeader(st session.State) string {
	remote := s.Offline.Render(session.MsgDisconnected)
	if st.RemoteConnected {
		remote = s.Online.Render(session.MsgConnected)
	}

	parts := []string{
		s.Label.Render("AOI担当:") + " " + orDash(st.UserName),
		s.Label.Render("指図:") + " " + orDash(st.LotNumber),
		s.Label.Render("品目:") + " " + orDash(st.ItemCode),
	}
	if st.LineName != "" {
		parts = append(parts, s.Label.Render("号機:")+" "+st.LineName)
	}
	if st.Phase == session.PhaseBoardActive {
		parts = append(parts, s.Header.Render(fmt.Sprintf("基板 %d / %d", st.BoardIndex, st.TotalBoards)))
		if st.Image.Base != "" {
			parts = append(parts, st.Image.BoardLabel())
		}
	}
	parts = append(parts, remote, s.Label.Render("SMT:")+" "+st.ScheduleStatus)
	return strings.Join(parts, "  ")
}

// Rows renders the visible defect list. selected is the selected row index
// or -1.
func (s Styles) Rows(rows []session.Row, selected int) string {
	if len(rows) == 0 {
		return s.Label.Render("(不良なし)")
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("#", "No", "リファレンス", "不良名", "修理").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return s.TableHead
			}
			st := s.r.NewStyle().Padding(0, 1)
			if row == selected {
				return st.Inherit(s.Selected)
			}
			if col == 4 {
				return st.Inherit(s.Repaired)
			}
			return st
		})
	for _, r := range rows {
		t.Row(fmt.Sprint(r.Index+1), fmt.Sprint(r.DefectNumber), r.Reference, r.DefectName, r.Repaired)
	}
	return t.String()
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
