package session

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/ktec-smt/aoirecord/internal/csvio"
	"github.com/ktec-smt/aoirecord/internal/schema"
)

// Export kinds.
const (
	ExportDefects = "defects"
	ExportRepairs = "repairs"
)

// ExportCSV writes the lot's defect list to <data>/<lot>_<image>.csv in the
// background.
func (c *Controller) ExportCSV() (string, error) {
	if err := c.requireBoard(); err != nil {
		return "", err
	}
	path, err := csvio.DefectCSVPath(c.opts.DataDir, c.state.LotNumber, c.state.ImagePath)
	if err != nil {
		return "", err
	}
	defects := schema.CloneAll(c.state.Defects)
	c.export(ExportDefects, path, func() error {
		return csvio.SaveDefects(path, defects)
	})
	return path, nil
}

// ExportRepairsCSV writes the lot's repair annotations to
// <data>/<lot>_repaird_list.csv in the background.
func (c *Controller) ExportRepairsCSV() (string, error) {
	if err := c.requireBoard(); err != nil {
		return "", err
	}
	path, err := csvio.RepairCSVPath(c.opts.DataDir, c.state.LotNumber)
	if err != nil {
		return "", err
	}
	var repairs []schema.Repair
	for _, d := range c.state.Defects {
		if r, ok := c.state.Repairs[d.ID]; ok {
			repairs = append(repairs, r)
		}
	}
	c.export(ExportRepairs, path, func() error {
		return csvio.SaveRepairs(path, repairs)
	})
	return path, nil
}

// export runs write on the single export worker. A file held open by
// another application is retried.
func (c *Controller) export(kind, path string, write func() error) {
	sem := c.exportSem
	timeout := c.opts.ExportTimeout
	attempts, delay := c.opts.ExportAttempts, c.opts.ExportRetryDelay
	c.spawn(func(ctx context.Context) Event {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ExportEvent{Kind: kind, Path: path, Err: ctx.Err()}
		}
		defer func() { <-sem }()

		return ExportEvent{Kind: kind, Path: path, Err: retryExport(ctx, attempts, delay, write)}
	})
}

func retryExport(ctx context.Context, attempts int, delay time.Duration, write func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = write(); err == nil || !errors.Is(err, fs.ErrPermission) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
