package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ktec-smt/aoirecord/internal/db"
)

var (
	// ErrSharedNotConfigured is returned when no shared directory is set.
	ErrSharedNotConfigured = errors.New("shared directory not configured")
	// ErrSharedUnavailable is returned when the shared directory cannot be reached.
	ErrSharedUnavailable = errors.New("shared directory unavailable")
)

// Merger reconciles the local store with the shared store.
type Merger interface {
	// Seed prepares the local store from the shared store at session start.
	Seed(ctx context.Context) (SeedResult, error)

	// Merge folds the local store into the shared store at session end.
	// The local store file must not be held open for writing by the caller.
	Merge(ctx context.Context) (Result, error)
}

// Config configures a Merger.
type Config struct {
	// LocalDir is the workstation data directory.
	LocalDir string
	// SharedDir is the network directory holding the shared store.
	SharedDir string
	// FileName is the store file name in both directories (default db.FileName).
	FileName string
	// Retry bounds lock retries on the shared file (default db.DefaultRetryPolicy).
	Retry *db.RetryPolicy
	// Logger receives progress lines (default stderr with "[merge] " prefix).
	Logger *log.Logger
}

// Result summarizes one Merge.
type Result struct {
	Upserted int           `json:"upserted"`
	Deleted  int           `json:"deleted"`
	Created  bool          `json:"created"`
	Duration time.Duration `json:"duration"`
}

// SeedResult summarizes one Seed.
type SeedResult struct {
	// CreatedShared is set when this workstation created the shared file.
	CreatedShared bool `json:"created_shared"`
	// CopiedLocal is set when the local file was copied from the shared file.
	CopiedLocal bool `json:"copied_local"`
	// Pulled counts shared records added to the local store.
	Pulled int `json:"pulled"`
	// Repairs counts repair annotations refreshed from the shared store.
	Repairs int `json:"repairs"`
}

type merger struct {
	cfg    Config
	logger *log.Logger
}

// New creates a Merger.
//
// If cfg.Logger is nil, a default logger writing to stderr is used.
func New(cfg Config) Merger {
	if cfg.FileName == "" {
		cfg.FileName = db.FileName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[merge] ", log.LstdFlags)
	}
	return &merger{cfg: cfg, logger: logger}
}

func (m *merger) localPath() string {
	return filepath.Join(m.cfg.LocalDir, m.cfg.FileName)
}

func (m *merger) sharedPath() string {
	return filepath.Join(m.cfg.SharedDir, m.cfg.FileName)
}

// checkShared verifies the shared directory exists and is a directory.
func (m *merger) checkShared() error {
	if m.cfg.SharedDir == "" {
		return ErrSharedNotConfigured
	}
	info, err := os.Stat(m.cfg.SharedDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSharedUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrSharedUnavailable, m.cfg.SharedDir)
	}
	return nil
}

func (m *merger) openShared() (*db.DB, bool, error) {
	_, statErr := os.Stat(m.sharedPath())
	created := errors.Is(statErr, os.ErrNotExist)

	shared, err := db.OpenShared(m.sharedPath())
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrSharedUnavailable, err)
	}
	if m.cfg.Retry != nil {
		shared.SetRetryPolicy(*m.cfg.Retry)
	}
	if created {
		m.logger.Printf("Created shared store: %s", m.sharedPath())
	}
	return shared, created, nil
}

// Seed implements Merger.Seed.
func (m *merger) Seed(ctx context.Context) (SeedResult, error) {
	var res SeedResult
	if err := m.checkShared(); err != nil {
		return res, err
	}

	shared, created, err := m.openShared()
	if err != nil {
		return res, err
	}
	res.CreatedShared = created

	if _, err := os.Stat(m.localPath()); errors.Is(err, os.ErrNotExist) {
		// Close first so the copy sees a complete file.
		if err := shared.Close(); err != nil {
			return res, fmt.Errorf("failed to close shared store: %w", err)
		}
		if err := copyFile(m.sharedPath(), m.localPath()); err != nil {
			return res, fmt.Errorf("failed to copy shared store: %w", err)
		}
		res.CopiedLocal = true
		m.logger.Printf("Copied shared store to %s", m.localPath())
		return res, nil
	}
	defer shared.Close()

	local, err := db.Open(m.localPath())
	if err != nil {
		return res, fmt.Errorf("failed to open local store: %w", err)
	}
	defer local.Close()

	pulled, err := m.pullUnknown(ctx, shared, local)
	if err != nil {
		return res, err
	}
	res.Pulled = pulled

	repairs, err := shared.AllRepairs(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to read shared repairs: %w", err)
	}
	if err := local.UpsertRepairs(ctx, repairs); err != nil {
		return res, fmt.Errorf("failed to refresh local repairs: %w", err)
	}
	res.Repairs = len(repairs)

	m.logger.Printf("Seed complete: pulled=%d repairs=%d", res.Pulled, res.Repairs)
	return res, nil
}

// pullUnknown copies shared rows whose identity the local store neither
// holds nor has deleted.
func (m *merger) pullUnknown(ctx context.Context, shared, local *db.DB) (int, error) {
	sharedRows, err := shared.AllDefects(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read shared defects: %w", err)
	}
	localRows, err := local.AllDefects(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read local defects: %w", err)
	}
	stones, err := local.Tombstones(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read local tombstones: %w", err)
	}

	known := make(map[string]bool, len(localRows)+len(stones))
	for _, d := range localRows {
		known[d.ID] = true
	}
	for _, s := range stones {
		known[s.ID] = true
	}

	var pull = sharedRows[:0]
	for _, d := range sharedRows {
		if !known[d.ID] {
			pull = append(pull, d)
		}
	}
	if err := local.UpsertDefectsContext(ctx, pull); err != nil {
		return 0, fmt.Errorf("failed to pull shared defects: %w", err)
	}
	return len(pull), nil
}

// Merge implements Merger.Merge.
func (m *merger) Merge(ctx context.Context) (Result, error) {
	start := time.Now()
	var res Result

	if err := m.checkShared(); err != nil {
		m.logger.Printf("WARNING: Skipping merge: %v", err)
		return res, err
	}

	if _, err := os.Stat(m.localPath()); err != nil {
		return res, fmt.Errorf("failed to stat local store: %w", err)
	}
	local, err := db.Open(m.localPath())
	if err != nil {
		return res, fmt.Errorf("failed to open local store: %w", err)
	}
	defer local.Close()

	shared, created, err := m.openShared()
	if err != nil {
		m.logger.Printf("WARNING: Skipping merge: %v", err)
		return res, err
	}
	defer shared.Close()
	res.Created = created

	stones, err := local.Tombstones(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to read local tombstones: %w", err)
	}
	if err := shared.ApplyTombstones(ctx, stones); err != nil {
		return res, fmt.Errorf("failed to merge deletions: %w", err)
	}
	res.Deleted = len(stones)

	rows, err := local.AllDefects(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to read local defects: %w", err)
	}
	if err := shared.UpsertDefectsContext(ctx, rows); err != nil {
		return res, fmt.Errorf("failed to merge defects: %w", err)
	}
	res.Upserted = len(rows)
	res.Duration = time.Since(start)

	m.logger.Printf("Merge complete: upserted=%d deleted=%d (%s)", res.Upserted, res.Deleted, res.Duration.Round(time.Millisecond))
	return res, nil
}

// copyFile copies src to dst through a temporary file so that a partial
// copy never appears under dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".aoi-copy-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
