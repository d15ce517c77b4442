package kintone

import (
	"context"
	"errors"
	"log"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ktec-smt/aoirecord/internal/schema"
)

// Remote operation names reported to Metrics.
const (
	OpCheck  = "check"
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Metrics receives the outcome of every remote operation.
type Metrics interface {
	RemoteRequest(op string, err error, elapsed time.Duration)
}

// Syncer keeps the defect app eventually consistent with local records.
//
// Every call blocks; callers run them on background goroutines. While the
// connectivity flag is false, PostRecords and DeleteRecord return
// ErrNotConnected at once without network I/O. A rejected credential flips
// the flag to false until the next CheckConnection.
type Syncer struct {
	client    *Client
	connected atomic.Bool
	checks    singleflight.Group
	metrics   Metrics
	logger    *log.Logger
}

// NewSyncer wraps client. A nil client yields a Syncer that is never
// connected, which is what an unconfigured workstation gets.
//
// If logger is nil, a default logger writing to stderr is used.
func NewSyncer(client *Client, metrics Metrics, logger *log.Logger) *Syncer {
	if logger == nil {
		logger = log.New(os.Stderr, "[kintone] ", log.LstdFlags)
	}
	return &Syncer{client: client, metrics: metrics, logger: logger}
}

// Connected reports the connectivity flag.
func (s *Syncer) Connected() bool {
	return s.connected.Load()
}

// SetConnected overrides the connectivity flag.
func (s *Syncer) SetConnected(v bool) {
	s.connected.Store(v)
}

// CheckConnection probes the app and updates the connectivity flag.
// Concurrent checks share one probe.
func (s *Syncer) CheckConnection(ctx context.Context) (bool, error) {
	if s.client == nil {
		s.connected.Store(false)
		return false, ErrNotConfigured
	}

	v, err, _ := s.checks.Do("check", func() (interface{}, error) {
		start := time.Now()
		err := s.client.Ping(ctx)
		s.observe(OpCheck, err, start)
		ok := err == nil
		s.connected.Store(ok)
		if err != nil {
			s.logger.Printf("WARNING: Connection check failed: %v", err)
		} else {
			s.logger.Printf("Connected to %s", s.client.BaseURL())
		}
		return ok, err
	})
	return v.(bool), err
}

// PostRecords creates a remote record for every defect without a remote
// reference and updates the others. It returns a copy of defects with the
// new references filled in. On a partial failure the returned copy carries
// the references that were created before the error.
func (s *Syncer) PostRecords(ctx context.Context, defects []schema.Defect) ([]schema.Defect, error) {
	out := schema.CloneAll(defects)
	if !s.Connected() || s.client == nil {
		return out, ErrNotConnected
	}

	var creates []int
	var updates []RecordUpdate
	for i, d := range out {
		if d.RemoteID == "" {
			creates = append(creates, i)
		} else {
			updates = append(updates, RecordUpdate{ID: d.RemoteID, Record: RecordFromDefect(d)})
		}
	}

	if len(creates) > 0 {
		records := make([]Record, len(creates))
		for j, i := range creates {
			records[j] = RecordFromDefect(out[i])
		}
		start := time.Now()
		ids, err := s.client.CreateRecords(ctx, records)
		s.observe(OpCreate, err, start)
		for j, id := range ids {
			out[creates[j]].RemoteID = id
		}
		if err != nil {
			return out, s.fail(err)
		}
	}

	if len(updates) > 0 {
		start := time.Now()
		err := s.client.UpdateRecords(ctx, updates)
		s.observe(OpUpdate, err, start)
		if err != nil {
			return out, s.fail(err)
		}
	}

	return out, nil
}

// DeleteRecord removes one remote record. An empty reference is a no-op.
func (s *Syncer) DeleteRecord(ctx context.Context, remoteID string) error {
	if remoteID == "" {
		return nil
	}
	if !s.Connected() || s.client == nil {
		return ErrNotConnected
	}

	start := time.Now()
	err := s.client.DeleteRecords(ctx, []string{remoteID})
	s.observe(OpDelete, err, start)
	if err != nil {
		return s.fail(err)
	}
	return nil
}

// fail flips the connectivity flag on rejected credentials.
func (s *Syncer) fail(err error) error {
	if IsAuthError(err) {
		s.connected.Store(false)
		s.logger.Printf("WARNING: Credentials rejected, suspending remote sync: %v", err)
	}
	return err
}

func (s *Syncer) observe(op string, err error, start time.Time) {
	if s.metrics != nil {
		s.metrics.RemoteRequest(op, err, time.Since(start))
	}
}

// IsNotConnected reports whether err came from a gated call.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrNotConfigured)
}
