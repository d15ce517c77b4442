package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ktec-smt/aoirecord/internal/lookup"
	"github.com/ktec-smt/aoirecord/internal/schema"
	"github.com/ktec-smt/aoirecord/internal/snapshot"
	aoisync "github.com/ktec-smt/aoirecord/internal/sync"
)

// Options configures a Controller. Every collaborator may be nil: without a
// local store the session keeps records in memory only, without a remote
// it never syncs, without a merger Close skips the shared store.
type Options struct {
	DataDir  string
	ImageDir string

	Local       LocalStore
	Remote      Remote
	Merger      aoisync.Merger
	Schedule    Schedule
	Users       *lookup.Users
	DefectNames *lookup.DefectNames
	Snapshots   Snapshotter
	Prompter    Prompter
	Metrics     Metrics

	// TaskTimeout bounds each background operation.
	TaskTimeout time.Duration

	// CloseTimeout bounds the final remote post and local write in Close.
	CloseTimeout time.Duration

	// ExportTimeout bounds a CSV export, and how long Close waits for
	// background work before giving up on it.
	ExportTimeout time.Duration

	// ExportAttempts and ExportRetryDelay control retries of exports
	// blocked by a file held open elsewhere.
	ExportAttempts   int
	ExportRetryDelay time.Duration

	// QueueSize is the capacity of the event queue.
	QueueSize int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger for session activity. Defaults to stderr.
	Logger *log.Logger
}

func (o *Options) setDefaults() {
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = time.Minute
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 10 * time.Second
	}
	if o.ExportTimeout <= 0 {
		o.ExportTimeout = 30 * time.Second
	}
	if o.ExportAttempts <= 0 {
		o.ExportAttempts = 3
	}
	if o.ExportRetryDelay <= 0 {
		o.ExportRetryDelay = time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
}

// Input is what the operator typed for a defect.
type Input struct {
	Reference  string
	DefectName string
	Serial     string
}

// Controller drives one inspection session.
type Controller struct {
	opts   Options
	logger *log.Logger
	state  State
	sinks  []StatusSink

	events    chan envelope
	pending   int
	localTail chan struct{}

	// Every in-memory record carries a key that survives renumbering, so
	// that results of background work find their record again.
	keys    map[string]uint64
	nextKey uint64
	dropped map[uint64]bool
	posting map[uint64]bool
	dirty   map[uint64]bool

	exportSem chan struct{}
}

// New creates a controller in PhaseNoLot.
func New(opts Options) *Controller {
	opts.setDefaults()
	c := &Controller{
		opts:      opts,
		logger:    opts.Logger,
		events:    make(chan envelope, opts.QueueSize),
		keys:      make(map[string]uint64),
		dropped:   make(map[uint64]bool),
		posting:   make(map[uint64]bool),
		dirty:     make(map[uint64]bool),
		exportSem: make(chan struct{}, 1),
	}
	c.state = State{
		Phase:          PhaseNoLot,
		Selected:       -1,
		LocalReady:     opts.Local != nil,
		ScheduleStatus: ScheduleUnset,
	}
	if opts.Remote != nil {
		c.state.RemoteConnected = opts.Remote.Connected()
	}
	if opts.Schedule != nil {
		c.state.ScheduleStatus = ScheduleLoaded
	}
	return c
}

// Subscribe registers a sink for status messages.
func (c *Controller) Subscribe(sink StatusSink) {
	c.sinks = append(c.sinks, sink)
}

// State returns a copy of the session state.
func (c *Controller) State() State {
	return c.state.clone()
}

// SetUser sets the operator. The id is matched upper-cased against the user
// directory; without a directory the id doubles as the display name.
func (c *Controller) SetUser(id string) error {
	if c.state.Phase == PhaseClosed {
		return ErrClosed
	}
	id = strings.ToUpper(strings.TrimSpace(id))
	if id == "" {
		return ErrUnknownUser
	}
	name := id
	if c.opts.Users != nil {
		user, ok := c.opts.Users.Lookup(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownUser, id)
		}
		name = user.Name
	}
	c.state.UserID = id
	c.state.UserName = name
	c.notify(LevelInfo, SourceSession, fmt.Sprintf("AOI担当: %s", name))
	return nil
}

// SelectLot switches the session to lot. Records of the previous lot are
// posted and written locally before the list is cleared. On any failure
// the session falls back to PhaseNoLot.
func (c *Controller) SelectLot(ctx context.Context, lot string) error {
	if c.state.Phase == PhaseClosed || c.state.Phase == PhaseClosing {
		return ErrClosed
	}
	if c.state.UserID == "" {
		return ErrUserNotSet
	}
	lot = strings.TrimSpace(lot)

	c.flushLot()

	if err := schema.ValidateLotNumber(lot); err != nil {
		c.resetLot()
		return err
	}

	var item, line string
	if c.opts.Schedule != nil {
		if info, ok := c.opts.Schedule.Lookup(lot); ok {
			item, line = info.ModelCode, info.LineName
		}
	}
	if item == "" {
		code, ok := "", false
		if c.opts.Prompter != nil {
			code, ok = c.opts.Prompter.PromptItemCode(ctx, lot)
		}
		code = strings.ToUpper(strings.TrimSpace(code))
		if !ok || code == "" {
			c.resetLot()
			return ErrItemCodeCancelled
		}
		item = code
	}

	if c.opts.ImageDir == "" {
		c.resetLot()
		return fmt.Errorf("%w: image directory not set", ErrImageNotFound)
	}
	imagePath, err := lookup.FindImage(c.opts.ImageDir, lot, item)
	if err != nil {
		c.resetLot()
		return err
	}
	name, err := lookup.ParseImageName(imagePath)
	if err != nil {
		c.resetLot()
		return err
	}

	c.state.LotNumber = lot
	c.state.ItemCode = item
	c.state.LineName = line
	c.state.ImagePath = imagePath
	c.state.Image = name
	c.state.Phase = PhaseLotSelected

	defects, repairs := c.loadLot(ctx, lot)
	c.state.Defects = defects
	c.state.Repairs = schema.IndexRepairs(repairs)
	for _, d := range defects {
		c.keyOf(d.ID)
	}
	c.state.TotalBoards = schema.MaxBoardIndex(defects)
	c.state.BoardIndex = 1
	c.state.Phase = PhaseBoardActive

	c.notify(LevelInfo, SourceSession, fmt.Sprintf("品目コード: %s、指図: %s に変更されました。", item, lot))
	return nil
}

func (c *Controller) loadLot(ctx context.Context, lot string) ([]schema.Defect, []schema.Repair) {
	if c.opts.Local == nil {
		return nil, nil
	}
	defects, err := c.opts.Local.DefectsByLotContext(ctx, lot)
	if err != nil {
		c.state.LocalReady = false
		c.notify(LevelWarning, SourceLocal, fmt.Sprintf("データベースの読み込みに失敗しました: %v", err))
		return nil, nil
	}
	repairs, err := c.opts.Local.RepairsByLot(ctx, lot)
	if err != nil {
		c.logger.Printf("WARNING: Failed to load repairs for %s: %v", lot, err)
	}
	return defects, repairs
}

// flushLot persists the current list and clears it.
func (c *Controller) flushLot() {
	if len(c.state.Defects) > 0 {
		c.postRemote(c.state.Defects)
		c.writeLocal(c.state.Defects)
	}
	c.state.Defects = nil
	c.state.Repairs = nil
	c.state.Selected = -1
	c.state.Coord = nil
}

func (c *Controller) resetLot() {
	c.state.Phase = PhaseNoLot
	c.state.LotNumber = ""
	c.state.ItemCode = ""
	c.state.LineName = ""
	c.state.ImagePath = ""
	c.state.Image = lookup.ImageName{}
	c.state.BoardIndex = 0
	c.state.TotalBoards = 0
}

// Select selects row i of the visible list. The next Save replaces that
// defect.
func (c *Controller) Select(i int) error {
	if err := c.requireBoard(); err != nil {
		return err
	}
	idx := c.visibleIndices()
	if i < 0 || i >= len(idx) {
		return fmt.Errorf("%w: row %d", ErrNoSelection, i)
	}
	c.state.Selected = i
	if p := c.state.Defects[idx[i]].Coord; p != nil {
		q := *p
		c.state.Coord = &q
	}
	return nil
}

// ClearSelection drops the row selection.
func (c *Controller) ClearSelection() {
	c.state.Selected = -1
}

// SetCoordinates records the position the operator picked on the image.
func (c *Controller) SetCoordinates(x, y float64) error {
	if err := c.requireBoard(); err != nil {
		return err
	}
	// Written so that NaN fails too.
	if !(x >= 0 && x <= 1) || !(y >= 0 && y <= 1) {
		return fmt.Errorf("%w: (%g, %g) is outside the image", ErrNoCoordinates, x, y)
	}
	c.state.Coord = &schema.Point{X: x, Y: y}
	return nil
}

// Save records a defect at the selected position on the current board. With
// a row selected the defect replaces that row, otherwise it is appended
// with the next number. The whole list is then written locally and the
// defect posted remotely, both in the background.
func (c *Controller) Save(ctx context.Context, in Input) (schema.Defect, error) {
	if err := c.requireBoard(); err != nil {
		return schema.Defect{}, err
	}
	if err := c.checkDataDir(); err != nil {
		return schema.Defect{}, err
	}

	ref := strings.ToUpper(strings.TrimSpace(in.Reference))
	name := c.opts.DefectNames.Convert(strings.TrimSpace(in.DefectName))
	if ref == "" || name == "" {
		return schema.Defect{}, ErrMissingInput
	}
	if c.state.Coord == nil {
		return schema.Defect{}, ErrNoCoordinates
	}

	replace := -1
	number := schema.NextDefectNumber(c.state.Defects, c.state.BoardIndex)
	if idx := c.visibleIndices(); c.state.Selected >= 0 && c.state.Selected < len(idx) {
		replace = idx[c.state.Selected]
		number = c.state.Defects[replace].DefectNumber
	}

	coord := *c.state.Coord
	d := schema.Defect{
		ModelCode:    c.state.ItemCode,
		LotNumber:    c.state.LotNumber,
		BoardIndex:   c.state.BoardIndex,
		DefectNumber: number,
		ModelLabel:   c.state.Image.ModelLabel(),
		BoardLabel:   c.state.Image.BoardLabel(),
		LineName:     c.state.LineName,
		Serial:       in.Serial,
		Reference:    ref,
		DefectName:   name,
		Coord:        &coord,
		AOIUser:      c.state.UserName,
	}
	d.Normalize()
	d.Stamp(c.opts.Now())
	d.AssignID()
	if err := d.Validate(); err != nil {
		return schema.Defect{}, err
	}

	if replace >= 0 {
		d.RemoteID = c.state.Defects[replace].RemoteID
		c.state.Defects[replace] = d
	} else {
		c.state.Defects = append(c.state.Defects, d)
	}
	c.keyOf(d.ID)
	c.state.Selected = -1
	c.state.Coord = nil

	c.renderSnapshot(d)
	c.writeLocal(c.state.Defects)
	c.postRemote([]schema.Defect{d})
	return d.Clone(), nil
}

func (c *Controller) renderSnapshot(d schema.Defect) {
	if c.opts.Snapshots == nil || c.state.ImagePath == "" {
		return
	}
	var markers []schema.Point
	for _, b := range schema.BoardDefects(c.state.Defects, d.BoardIndex) {
		if b.Coord != nil {
			markers = append(markers, *b.Coord)
		}
	}
	err := c.opts.Snapshots.Render(snapshot.Request{
		ImagePath:  c.state.ImagePath,
		OutPath:    snapshot.Path(c.opts.DataDir, d.LotNumber, d.BoardIndex, d.DefectNumber),
		Markers:    markers,
		Reference:  d.Reference,
		DefectName: d.DefectName,
	})
	if err != nil {
		c.notify(LevelWarning, SourceExport, fmt.Sprintf("画像の出力に失敗しました: %v", err))
	}
}

// Delete removes the selected defect and renumbers its board. Renumbered
// records get new identities: their old identities are deleted locally and
// the records written under the new ones.
func (c *Controller) Delete(ctx context.Context) (schema.Defect, error) {
	if err := c.requireBoard(); err != nil {
		return schema.Defect{}, err
	}
	idx := c.visibleIndices()
	if c.state.Selected < 0 || c.state.Selected >= len(idx) {
		return schema.Defect{}, ErrNoSelection
	}
	at := idx[c.state.Selected]
	removed := c.state.Defects[at].Clone()

	rest := make([]schema.Defect, 0, len(c.state.Defects)-1)
	rest = append(rest, c.state.Defects[:at]...)
	rest = append(rest, c.state.Defects[at+1:]...)
	list, changed := schema.RenumberBoard(rest, removed.BoardIndex)
	c.state.Defects = list
	c.state.Selected = -1
	c.state.Coord = nil

	if k, ok := c.keys[removed.ID]; ok {
		delete(c.keys, removed.ID)
		c.dropped[k] = true
	}
	c.rekey(changed)

	ids := []string{removed.ID}
	var moved []schema.Defect
	for _, r := range changed {
		ids = append(ids, r.OldID)
		moved = append(moved, r.Defect)
	}
	c.deleteLocal(ids, moved)

	if removed.RemoteID != "" {
		c.deleteRemote(removed.RemoteID)
	}
	var synced []schema.Defect
	for _, d := range moved {
		if d.RemoteID != "" {
			synced = append(synced, d)
		}
	}
	if len(synced) > 0 {
		c.postRemote(synced)
	}

	c.notify(LevelInfo, SourceSession, "不良情報を削除しました。")
	return removed, nil
}

// NextBoard writes the list locally and advances to the next board,
// extending the board count when needed.
func (c *Controller) NextBoard(ctx context.Context) error {
	if err := c.requireBoard(); err != nil {
		return err
	}
	if err := c.checkDataDir(); err != nil {
		return err
	}
	if len(c.state.Defects) > 0 {
		c.writeLocal(c.state.Defects)
	}
	c.state.BoardIndex++
	if c.state.BoardIndex > c.state.TotalBoards {
		c.state.TotalBoards = c.state.BoardIndex
	}
	c.state.Selected = -1
	c.state.Coord = nil
	return nil
}

// PrevBoard moves back one board.
func (c *Controller) PrevBoard() error {
	if err := c.requireBoard(); err != nil {
		return err
	}
	if c.state.BoardIndex <= 1 {
		return ErrFirstBoard
	}
	c.state.BoardIndex--
	c.state.Selected = -1
	c.state.Coord = nil
	return nil
}

// VisibleRows returns the defects of the current board in list order.
func (c *Controller) VisibleRows() []Row {
	idx := c.visibleIndices()
	rows := make([]Row, 0, len(idx))
	for i, at := range idx {
		d := c.state.Defects[at]
		row := Row{
			Index:        i,
			DefectNumber: d.DefectNumber,
			Reference:    d.Reference,
			DefectName:   d.DefectName,
		}
		if r, ok := c.state.Repairs[d.ID]; ok && r.IsRepaired() {
			row.Repaired = RepairedMark
		}
		rows = append(rows, row)
	}
	return rows
}

// Reload re-reads the current lot from the local store, keeping the board
// position.
func (c *Controller) Reload(ctx context.Context) error {
	if err := c.requireBoard(); err != nil {
		return err
	}
	if c.opts.Local == nil {
		return nil
	}
	defects, repairs := c.loadLot(ctx, c.state.LotNumber)
	c.state.Defects = defects
	c.state.Repairs = schema.IndexRepairs(repairs)
	for _, d := range defects {
		c.keyOf(d.ID)
	}
	if n := schema.MaxBoardIndex(defects); n > c.state.TotalBoards {
		c.state.TotalBoards = n
	}
	c.state.Selected = -1
	return nil
}

// Stores are the collaborators swapped in after a settings change.
type Stores struct {
	DataDir  string
	ImageDir string
	Local    LocalStore
	Remote   Remote
	Merger   aoisync.Merger
}

// Reconfigure waits for background work, replaces the stores, reloads the
// current lot and re-checks the remote connection. The previous local store
// is closed when it is replaced. A new local store that is not adopted
// because of an error is closed as well.
func (c *Controller) Reconfigure(ctx context.Context, s Stores) error {
	if c.state.Phase == PhaseClosed {
		c.discardLocal(s.Local)
		return ErrClosed
	}
	if err := c.Settle(ctx); err != nil {
		c.discardLocal(s.Local)
		return fmt.Errorf("failed to wait for background work: %w", err)
	}
	if old := c.opts.Local; old != nil && old != s.Local {
		if err := old.Close(); err != nil {
			c.logger.Printf("WARNING: Failed to close local store: %v", err)
		}
	}
	c.opts.DataDir = s.DataDir
	c.opts.ImageDir = s.ImageDir
	c.opts.Local = s.Local
	c.opts.Remote = s.Remote
	c.opts.Merger = s.Merger
	c.state.LocalReady = s.Local != nil

	if c.state.Phase == PhaseBoardActive {
		if err := c.Reload(ctx); err != nil {
			return err
		}
	}
	c.CheckConnectionAsync()
	return nil
}

func (c *Controller) discardLocal(l LocalStore) {
	if l == nil || l == c.opts.Local {
		return
	}
	if err := l.Close(); err != nil {
		c.logger.Printf("WARNING: Failed to close unused local store: %v", err)
	}
}

// SetSchedule replaces the schedule used by SelectLot.
func (c *Controller) SetSchedule(s Schedule) {
	c.opts.Schedule = s
	if s != nil {
		c.state.ScheduleStatus = ScheduleLoaded
	}
}

func (c *Controller) requireBoard() error {
	switch c.state.Phase {
	case PhaseClosing, PhaseClosed:
		return ErrClosed
	case PhaseBoardActive:
		return nil
	default:
		return ErrNoLot
	}
}

func (c *Controller) checkDataDir() error {
	if c.opts.DataDir == "" {
		return fmt.Errorf("%w: not set", ErrDataDirUnavailable)
	}
	info, err := os.Stat(c.opts.DataDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDataDirUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrDataDirUnavailable, c.opts.DataDir)
	}
	return nil
}

// visibleIndices maps visible rows to positions in the record list.
func (c *Controller) visibleIndices() []int {
	var idx []int
	for i, d := range c.state.Defects {
		if d.BoardIndex == c.state.BoardIndex {
			idx = append(idx, i)
		}
	}
	return idx
}

func (c *Controller) keyOf(id string) uint64 {
	if k, ok := c.keys[id]; ok {
		return k
	}
	c.nextKey++
	c.keys[id] = c.nextKey
	return c.nextKey
}

// rekey moves keys from old to new identities. All old identities are
// released before any new one is taken because they overlap.
func (c *Controller) rekey(changed []schema.Renumbered) {
	moved := make([]uint64, len(changed))
	for i, r := range changed {
		moved[i] = c.keyOf(r.OldID)
		delete(c.keys, r.OldID)
	}
	for i, r := range changed {
		c.keys[r.Defect.ID] = moved[i]
	}
}

// indexByKey returns the list position of the record holding key, or -1.
func (c *Controller) indexByKey(key uint64) int {
	for i, d := range c.state.Defects {
		if k, ok := c.keys[d.ID]; ok && k == key {
			return i
		}
	}
	return -1
}

func (c *Controller) notify(level Level, source, msg string) {
	c.emit(Status{
		Time:      c.opts.Now(),
		Level:     level,
		Source:    source,
		Message:   msg,
		Connected: c.state.RemoteConnected,
	})
}

func (c *Controller) emit(st Status) {
	if st.Level == LevelInfo {
		c.logger.Printf("%s: %s", st.Source, st.Message)
	} else {
		c.logger.Printf("WARNING: %s: %s", st.Source, st.Message)
	}
	for _, s := range c.sinks {
		s.Notify(st)
	}
}
