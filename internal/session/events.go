package session

import (
	"time"

	"github.com/ktec-smt/aoirecord/internal/lookup"
	"github.com/ktec-smt/aoirecord/internal/schema"
	aoisync "github.com/ktec-smt/aoirecord/internal/sync"
)

// Level classifies a status message.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Status sources.
const (
	SourceSession  = "session"
	SourceLocal    = "local"
	SourceRemote   = "remote"
	SourceShared   = "shared"
	SourceExport   = "export"
	SourceSchedule = "schedule"
)

// Status is a message for the operator.
type Status struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Source  string    `json:"source"`
	Message string    `json:"message"`

	// Connected is the remote connectivity flag when the status was raised.
	Connected bool `json:"connected"`
}

// StatusSink receives every status the controller raises, on the
// interactive goroutine.
type StatusSink interface {
	Notify(Status)
}

// StatusFunc adapts a function to StatusSink.
type StatusFunc func(Status)

// Notify calls f(s).
func (f StatusFunc) Notify(s Status) { f(s) }

// Event is the result of background work, applied on the interactive
// goroutine.
type Event interface {
	apply(c *Controller)
}

// FuncEvent runs on the interactive goroutine. Other goroutines Post one to
// call Controller methods safely.
type FuncEvent func(c *Controller)

func (f FuncEvent) apply(c *Controller) { f(c) }

// StatusEvent raises a status from a background goroutine.
type StatusEvent struct {
	Status Status
}

// LocalWrittenEvent reports a local store write.
type LocalWrittenEvent struct {
	Op    string
	Count int
	Err   error
}

// RemotePostedEvent carries the records returned by a remote post. Their
// remote references are copied onto the in-memory records by identity.
type RemotePostedEvent struct {
	Defects []schema.Defect
	Err     error

	keys []uint64
}

// RemoteDeletedEvent reports a remote delete.
type RemoteDeletedEvent struct {
	RemoteID string
	Err      error
}

// ConnectivityEvent reports a remote connection check.
type ConnectivityEvent struct {
	Connected bool
	Err       error
}

// MergeEvent reports a shared store merge.
type MergeEvent struct {
	Result aoisync.Result
	Err    error
}

// ExportEvent reports a CSV export.
type ExportEvent struct {
	Kind string
	Path string
	Err  error
}

// ScheduleLoadedEvent delivers a freshly read production schedule.
type ScheduleLoadedEvent struct {
	Schedule *lookup.Schedule
	Err      error
}
