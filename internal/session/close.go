package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ktec-smt/aoirecord/internal/schema"
	aoisync "github.com/ktec-smt/aoirecord/internal/sync"
)

// CloseResult summarizes Close.
type CloseResult struct {
	Posted   int
	Upserted int
	Merged   bool
	Merge    aoisync.Result

	// Abandoned counts background tasks still running when Close gave up
	// waiting for them.
	Abandoned int
}

// Close ends the session. It waits a bounded time for background work,
// posts the records remotely while writing them locally, closes the local
// store and merges it into the shared store. Every step is attempted even
// when an earlier one fails; the failures are returned joined.
func (c *Controller) Close(ctx context.Context) (CloseResult, error) {
	var res CloseResult
	if c.state.Phase == PhaseClosed || c.state.Phase == PhaseClosing {
		return res, ErrClosed
	}
	c.state.Phase = PhaseClosing

	waitCtx, cancel := context.WithTimeout(ctx, c.opts.ExportTimeout)
	if err := c.Settle(waitCtx); err != nil {
		res.Abandoned = c.pending
		c.logger.Printf("WARNING: %d background tasks still running at close", c.pending)
	}
	cancel()

	var errs []error
	local, remote := c.opts.Local, c.opts.Remote

	// An abandoned write still holds the local store. Writing or closing
	// under it could reorder records or pull the store from under it.
	if local != nil && !c.waitLocal(ctx) {
		c.logger.Printf("WARNING: Local store still writing at close, leaving it open")
		errs = append(errs, ErrLocalBusy)
		local = nil
		c.state.LocalReady = false
	}

	if len(c.state.Defects) > 0 {
		records := schema.CloneAll(c.state.Defects)
		finalCtx, cancel := context.WithTimeout(ctx, c.opts.CloseTimeout)

		var g errgroup.Group
		var posted []schema.Defect
		var remoteErr, localErr error
		if remote != nil && remote.Connected() {
			g.Go(func() error {
				posted, remoteErr = remote.PostRecords(finalCtx, records)
				return remoteErr
			})
		}
		if local != nil {
			g.Go(func() error {
				localErr = local.UpsertDefectsContext(finalCtx, records)
				return localErr
			})
		}
		_ = g.Wait()
		cancel()

		if remoteErr != nil {
			errs = append(errs, fmt.Errorf("failed to post records: %w", remoteErr))
		}
		if localErr != nil {
			errs = append(errs, fmt.Errorf("failed to write records: %w", localErr))
		} else if local != nil {
			res.Upserted = len(records)
		}

		changed := c.adoptRemoteIDs(posted)
		for _, d := range c.state.Defects {
			if d.RemoteID != "" {
				res.Posted++
			}
		}
		if len(changed) > 0 && local != nil {
			if err := local.UpsertDefectsContext(ctx, changed); err != nil {
				errs = append(errs, fmt.Errorf("failed to write remote references: %w", err))
			}
		}
	}

	if local != nil {
		if err := local.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close local store: %w", err))
		}
		c.state.LocalReady = false
	}

	if c.opts.Merger != nil {
		mres, err := c.opts.Merger.Merge(ctx)
		MergeEvent{Result: mres, Err: err}.apply(c)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to merge into shared store: %w", err))
		} else {
			res.Merged = true
			res.Merge = mres
		}
	}

	c.state.Phase = PhaseClosed
	err := errors.Join(errs...)
	if err != nil {
		c.logger.Printf("WARNING: Session closed with errors: %v", err)
	}
	return res, err
}

// waitLocal waits up to CloseTimeout for the local write chain to finish.
func (c *Controller) waitLocal(ctx context.Context) bool {
	if c.localTail == nil {
		return true
	}
	timer := time.NewTimer(c.opts.CloseTimeout)
	defer timer.Stop()
	select {
	case <-c.localTail:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// adoptRemoteIDs copies remote references from posted onto records that
// lack one and returns the records it changed.
func (c *Controller) adoptRemoteIDs(posted []schema.Defect) []schema.Defect {
	byID := make(map[string]string, len(posted))
	for _, d := range posted {
		if d.RemoteID != "" {
			byID[d.ID] = d.RemoteID
		}
	}
	var changed []schema.Defect
	for i := range c.state.Defects {
		d := &c.state.Defects[i]
		if rid, ok := byID[d.ID]; ok && d.RemoteID == "" {
			d.RemoteID = rid
			changed = append(changed, d.Clone())
		}
	}
	return changed
}
