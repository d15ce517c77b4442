package session

import (
	"context"
	"fmt"

	"github.com/ktec-smt/aoirecord/internal/kintone"
	"github.com/ktec-smt/aoirecord/internal/lookup"
	"github.com/ktec-smt/aoirecord/internal/schema"
)

// Status messages of the remote app, as operators know them.
const (
	MsgConnected          = "キントーン接続済み"
	MsgDisconnected       = "キントーン未接続"
	MsgPosted             = "キントーンアプリにレコードを登録しました。"
	MsgDeleted            = "キントーンアプリからレコードを削除しました。"
	MsgPostNotConnected   = "キントーンAPIに接続されていない為、レコードの登録が失敗しました。"
	MsgDeleteNotConnected = "キントーンAPIに接続されていない為、レコードの削除が失敗しました。"
)

// Local store operations reported to Metrics.
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

type envelope struct {
	ev   Event
	task bool
}

// spawn runs fn on a new goroutine and queues its result. Settle waits for
// every spawned task.
func (c *Controller) spawn(fn func(ctx context.Context) Event) {
	c.pending++
	timeout := c.opts.TaskTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		c.events <- envelope{ev: fn(ctx), task: true}
	}()
}

// Post queues ev from any goroutine. It blocks while the queue is full.
func (c *Controller) Post(ev Event) {
	c.events <- envelope{ev: ev}
}

// Pending returns the number of background tasks whose result has not been
// applied yet.
func (c *Controller) Pending() int {
	return c.pending
}

// Drain applies every queued event without blocking and returns how many
// were applied.
func (c *Controller) Drain() int {
	n := 0
	for {
		select {
		case env := <-c.events:
			c.dispatch(env)
			n++
		default:
			return n
		}
	}
}

// Run applies events as they arrive until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case env := <-c.events:
			c.dispatch(env)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Settle applies events until every spawned task has reported back or ctx
// is done.
func (c *Controller) Settle(ctx context.Context) error {
	for c.pending > 0 {
		select {
		case env := <-c.events:
			c.dispatch(env)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.Drain()
	return nil
}

func (c *Controller) dispatch(env envelope) {
	if env.task {
		c.pending--
	}
	env.ev.apply(c)
}

// spawnLocal runs fn in the background after every local store task spawned
// before it has finished, so writes reach the store in call order.
func (c *Controller) spawnLocal(fn func(ctx context.Context) Event) {
	prev := c.localTail
	done := make(chan struct{})
	c.localTail = done
	c.spawn(func(ctx context.Context) Event {
		if prev != nil {
			<-prev
		}
		defer close(done)
		return fn(ctx)
	})
}

// writeLocal upserts a copy of defects in the background.
func (c *Controller) writeLocal(defects []schema.Defect) {
	local := c.opts.Local
	if local == nil {
		c.logger.Printf("WARNING: No local store, %d records kept in memory only", len(defects))
		return
	}
	batch := schema.CloneAll(defects)
	c.spawnLocal(func(ctx context.Context) Event {
		err := local.UpsertDefectsContext(ctx, batch)
		return LocalWrittenEvent{Op: OpUpsert, Count: len(batch), Err: err}
	})
}

// deleteLocal removes ids and then upserts a copy of defects, in that order,
// in one background task.
func (c *Controller) deleteLocal(ids []string, defects []schema.Defect) {
	local := c.opts.Local
	if local == nil {
		return
	}
	batch := schema.CloneAll(defects)
	now := c.opts.Now()
	c.spawnLocal(func(ctx context.Context) Event {
		if err := local.DeleteDefectsContext(ctx, ids, now); err != nil {
			return LocalWrittenEvent{Op: OpDelete, Count: len(ids), Err: err}
		}
		if len(batch) > 0 {
			if err := local.UpsertDefectsContext(ctx, batch); err != nil {
				return LocalWrittenEvent{Op: OpUpsert, Count: len(batch), Err: err}
			}
		}
		return LocalWrittenEvent{Op: OpDelete, Count: len(ids)}
	})
}

// postRemote posts targets together with every record that still lacks a
// remote reference and has no create in flight. While disconnected it only
// raises a status.
func (c *Controller) postRemote(targets []schema.Defect) {
	remote := c.opts.Remote
	if remote == nil || !remote.Connected() {
		c.state.RemoteConnected = false
		c.notify(LevelWarning, SourceRemote, MsgPostNotConnected)
		return
	}

	var batch []schema.Defect
	var keys []uint64
	seen := make(map[uint64]bool)
	add := func(d schema.Defect) {
		k := c.keyOf(d.ID)
		if seen[k] {
			return
		}
		seen[k] = true
		if d.RemoteID == "" && c.posting[k] {
			c.dirty[k] = true
			return
		}
		batch = append(batch, d.Clone())
		keys = append(keys, k)
	}
	for _, d := range targets {
		add(d)
	}
	for _, d := range c.state.Defects {
		if d.RemoteID == "" {
			add(d)
		}
	}
	if len(batch) == 0 {
		return
	}
	for i, d := range batch {
		if d.RemoteID == "" {
			c.posting[keys[i]] = true
		}
	}

	c.spawn(func(ctx context.Context) Event {
		out, err := remote.PostRecords(ctx, batch)
		return RemotePostedEvent{Defects: out, Err: err, keys: keys}
	})
}

func (c *Controller) deleteRemote(remoteID string) {
	remote := c.opts.Remote
	if remote == nil || !remote.Connected() {
		c.state.RemoteConnected = false
		c.notify(LevelWarning, SourceRemote, MsgDeleteNotConnected)
		return
	}
	c.spawn(func(ctx context.Context) Event {
		return RemoteDeletedEvent{RemoteID: remoteID, Err: remote.DeleteRecord(ctx, remoteID)}
	})
}

// CheckConnectionAsync probes the remote app in the background.
func (c *Controller) CheckConnectionAsync() {
	remote := c.opts.Remote
	if remote == nil {
		ConnectivityEvent{Connected: false, Err: kintone.ErrNotConfigured}.apply(c)
		return
	}
	c.spawn(func(ctx context.Context) Event {
		ok, err := remote.CheckConnection(ctx)
		return ConnectivityEvent{Connected: ok, Err: err}
	})
}

// LoadScheduleAsync runs load in the background and installs the schedule
// it returns.
func (c *Controller) LoadScheduleAsync(load func(ctx context.Context) (*lookup.Schedule, error)) {
	c.state.ScheduleStatus = ScheduleLoading
	c.notify(LevelInfo, SourceSchedule, "SMTスケジュールを読み込み中...")
	c.spawn(func(ctx context.Context) Event {
		s, err := load(ctx)
		return ScheduleLoadedEvent{Schedule: s, Err: err}
	})
}

func (e StatusEvent) apply(c *Controller) {
	st := e.Status
	if st.Time.IsZero() {
		st.Time = c.opts.Now()
	}
	st.Connected = c.state.RemoteConnected
	c.emit(st)
}

func (e LocalWrittenEvent) apply(c *Controller) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.LocalWrite(e.Op, e.Err)
	}
	if e.Err != nil {
		c.state.LocalReady = false
		c.notify(LevelWarning, SourceLocal, fmt.Sprintf("データベースへの書き込みに失敗しました: %v", e.Err))
		return
	}
	c.state.LocalReady = true
}

// apply copies returned remote references onto the records they were sent
// for. Records that left the list with the previous lot are written locally
// so the reference is not lost; records deleted meanwhile have their new
// remote copy deleted.
func (e RemotePostedEvent) apply(c *Controller) {
	if c.opts.Remote != nil {
		c.state.RemoteConnected = c.opts.Remote.Connected()
	}

	dirty := make(map[uint64]bool)
	for _, k := range e.keys {
		delete(c.posting, k)
		if c.dirty[k] {
			dirty[k] = true
			delete(c.dirty, k)
		}
	}

	var persist, repost []schema.Defect
	for i, d := range e.Defects {
		if i >= len(e.keys) {
			break
		}
		k := e.keys[i]
		if d.RemoteID == "" {
			continue
		}
		if at := c.indexByKey(k); at >= 0 {
			cur := &c.state.Defects[at]
			if cur.RemoteID == "" {
				cur.RemoteID = d.RemoteID
				persist = append(persist, cur.Clone())
				if dirty[k] {
					repost = append(repost, cur.Clone())
				}
			}
			continue
		}
		if c.dropped[k] {
			c.deleteRemote(d.RemoteID)
			continue
		}
		persist = append(persist, d)
	}
	if len(persist) > 0 {
		c.writeLocal(persist)
	}
	if len(repost) > 0 {
		c.postRemote(repost)
	}

	switch {
	case e.Err == nil:
		c.notify(LevelInfo, SourceRemote, MsgPosted)
	case kintone.IsNotConnected(e.Err):
		c.notify(LevelWarning, SourceRemote, MsgPostNotConnected)
	default:
		c.notify(LevelError, SourceRemote, fmt.Sprintf("API送信エラー: %v", e.Err))
	}
}

func (e RemoteDeletedEvent) apply(c *Controller) {
	if c.opts.Remote != nil {
		c.state.RemoteConnected = c.opts.Remote.Connected()
	}
	switch {
	case e.Err == nil:
		c.notify(LevelInfo, SourceRemote, MsgDeleted)
	case kintone.IsNotConnected(e.Err):
		c.notify(LevelWarning, SourceRemote, MsgDeleteNotConnected)
	default:
		c.notify(LevelError, SourceRemote, fmt.Sprintf("API削除エラー: %v", e.Err))
	}
}

func (e ConnectivityEvent) apply(c *Controller) {
	c.state.RemoteConnected = e.Connected
	if c.opts.Metrics != nil {
		c.opts.Metrics.Connected(e.Connected)
	}
	if e.Connected {
		c.notify(LevelInfo, SourceRemote, MsgConnected)
		return
	}
	if e.Err != nil {
		c.logger.Printf("WARNING: Remote connection check failed: %v", e.Err)
	}
	c.notify(LevelWarning, SourceRemote, MsgDisconnected)
}

func (e MergeEvent) apply(c *Controller) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.Merge(e.Err, e.Result.Upserted)
	}
	if e.Err != nil {
		c.notify(LevelWarning, SourceShared, fmt.Sprintf("共有データベースへの反映に失敗しました: %v", e.Err))
		return
	}
	c.notify(LevelInfo, SourceShared, fmt.Sprintf("共有データベースに%d件を反映しました。", e.Result.Upserted))
}

func (e ExportEvent) apply(c *Controller) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.Export(e.Kind, e.Err)
	}
	if e.Err != nil {
		c.notify(LevelError, SourceExport, fmt.Sprintf("CSV出力エラー: %v", e.Err))
		return
	}
	c.notify(LevelInfo, SourceExport, fmt.Sprintf("CSVを出力しました: %s", e.Path))
}

func (e ScheduleLoadedEvent) apply(c *Controller) {
	if e.Err != nil {
		c.state.ScheduleStatus = ScheduleError
		c.notify(LevelError, SourceSchedule, fmt.Sprintf("SMTスケジュール読み込みエラー: %v", e.Err))
		return
	}
	if e.Schedule == nil {
		c.state.ScheduleStatus = ScheduleUnset
		c.notify(LevelWarning, SourceSchedule, "設定からディレクトリ設定を完了してください")
		return
	}
	c.opts.Schedule = e.Schedule
	c.state.ScheduleStatus = ScheduleLoaded
	c.notify(LevelInfo, SourceSchedule, "SMTスケジュールの読み込みが完了しました")
}
