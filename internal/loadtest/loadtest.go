// Package loadtest exercises the record stores under concurrent writers.
//
// Two scenarios are covered. RunConcurrentUpserts has several writers upsert
// the same records in different orders into one store; the store must end
// with exactly one row per identity holding the written values. Workstations
// simulates several workstations that each fill a local store and merge it
// into one shared store at the same time; the shared store must end with the
// union of all local records.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/ktec-smt/aoirecord/internal/db"
	"github.com/ktec-smt/aoirecord/internal/schema"
	aoisync "github.com/ktec-smt/aoirecord/internal/sync"
)

// TestDatabase represents a store shared by concurrent writers.
type TestDatabase struct {
	DB      *db.DB
	Defects []schema.Defect
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	TotalOps  int
	Errors    int
	Durations []time.Duration
}

// GenerateDefects returns perBoard defects on each board of each lot, with
// identities assigned. Lots are numbered from 1000000-10 upwards.
func GenerateDefects(lots, boards, perBoard int) []schema.Defect {
	names := []string{"コテ不足", "ブリッジ", "ズレ", "欠品", "異物"}
	base := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

	var out []schema.Defect
	for l := 0; l < lots; l++ {
		lot := fmt.Sprintf("%07d-%d", 1000000+l, 10*(l%2+1))
		for b := 1; b <= boards; b++ {
			for n := 1; n <= perBoard; n++ {
				i := len(out)
				d := schema.Defect{
					ModelCode:    "Y8470722R",
					LotNumber:    lot,
					BoardIndex:   b,
					DefectNumber: n,
					ModelLabel:   "CN-SNDDJ0CJ 411CA",
					BoardLabel:   "CN-SNDDJ0CJ 411CA S面",
					LineName:     fmt.Sprintf("M%d", l%4+1),
					Reference:    fmt.Sprintf("U%d", i%300+1),
					DefectName:   names[i%len(names)],
					Coord:        &schema.Point{X: float64(n) / float64(perBoard+1), Y: float64(b) / float64(boards+1)},
					AOIUser:      "LOADTEST",
				}
				d.Stamp(base.Add(time.Duration(i) * time.Second))
				d.AssignID()
				out = append(out, d)
			}
		}
	}
	return out
}

// CreateTestDatabase opens a store at dbPath for the records of
// GenerateDefects(lots, boards, perBoard). Nothing is written yet.
func CreateTestDatabase(dbPath string, lots, boards, perBoard int) (*TestDatabase, error) {
	database, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	database.SetRetryPolicy(db.RetryPolicy{Attempts: 20, Delay: 20 * time.Millisecond})

	return &TestDatabase{
		DB:      database,
		Defects: GenerateDefects(lots, boards, perBoard),
	}, nil
}

// Close closes the test database connection.
func (td *TestDatabase) Close() error {
	if td.DB != nil {
		return td.DB.Close()
	}
	return nil
}

// RunConcurrentUpserts has numWriters goroutines each upsert every record
// in its own shuffled order, in batches of batchSize. Returns latency
// statistics of the batches.
func (td *TestDatabase) RunConcurrentUpserts(ctx context.Context, numWriters, batchSize int) (*LatencyStats, error) {
	if batchSize < 1 {
		batchSize = 1
	}
	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, numWriters)
	errorsChan := make(chan error, numWriters)

	for i := 0; i < numWriters; i++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()

			records := schema.CloneAll(td.Defects)
			rng := rand.New(rand.NewSource(int64(writer) + 1))
			rng.Shuffle(len(records), func(a, b int) { records[a], records[b] = records[b], records[a] })

			var durations []time.Duration
			for start := 0; start < len(records); start += batchSize {
				end := start + batchSize
				if end > len(records) {
					end = len(records)
				}
				t0 := time.Now()
				err := td.DB.UpsertDefectsContext(ctx, records[start:end])
				durations = append(durations, time.Since(t0))
				if err != nil {
					errorsChan <- fmt.Errorf("writer %d batch at %d failed: %w", writer, start, err)
					return
				}
			}
			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var errs []error
	for err := range errorsChan {
		errs = append(errs, err)
	}
	var all []time.Duration
	for durations := range resultsChan {
		all = append(all, durations...)
	}
	if len(all) == 0 {
		if len(errs) > 0 {
			return nil, errs[0]
		}
		return nil, fmt.Errorf("no successful upserts completed")
	}

	stats := computeLatencyStats(all)
	stats.Errors = len(errs)
	if len(errs) > 0 {
		return stats, errs[0]
	}
	return stats, nil
}

// VerifyConvergence checks the store holds exactly the generated records.
func (td *TestDatabase) VerifyConvergence(ctx context.Context) error {
	return verifyStore(ctx, td.DB, td.Defects)
}

func verifyStore(ctx context.Context, store *db.DB, want []schema.Defect) error {
	got, err := store.AllDefects(ctx)
	if err != nil {
		return fmt.Errorf("failed to read store: %w", err)
	}
	if len(got) != len(want) {
		return fmt.Errorf("store has %d records, want %d", len(got), len(want))
	}
	byID := make(map[string]schema.Defect, len(got))
	for _, d := range got {
		if _, dup := byID[d.ID]; dup {
			return fmt.Errorf("identity %s stored twice", d.ID)
		}
		byID[d.ID] = d
	}
	for _, w := range want {
		g, ok := byID[w.ID]
		if !ok {
			return fmt.Errorf("record %s (%s board %d #%d) missing", w.ID, w.LotNumber, w.BoardIndex, w.DefectNumber)
		}
		if !reflect.DeepEqual(g, w) {
			return fmt.Errorf("record %s diverged: got %+v, want %+v", w.ID, g, w)
		}
	}
	return nil
}

// WorkstationResult summarizes a Workstations run.
type WorkstationResult struct {
	Stations      int
	Records       int
	MergeAttempts int
	Elapsed       time.Duration
}

// Workstations creates stations local stores under root, each holding its
// own lot of boards x perBoard records, and merges all of them into
// root/shared concurrently. A merge that fails is retried up to
// maxAttempts times. The shared store is verified to hold the union.
func Workstations(ctx context.Context, root string, stations, boards, perBoard, maxAttempts int) (*WorkstationResult, error) {
	start := time.Now()
	sharedDir := filepath.Join(root, "shared")
	if err := os.MkdirAll(sharedDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create shared directory: %w", err)
	}

	all := GenerateDefects(stations, boards, perBoard)
	perStation := boards * perBoard
	retry := db.RetryPolicy{Attempts: 20, Delay: 25 * time.Millisecond}

	mergers := make([]aoisync.Merger, stations)
	for s := 0; s < stations; s++ {
		dir := filepath.Join(root, fmt.Sprintf("station%02d", s+1))
		local, err := db.OpenDir(dir)
		if err != nil {
			return nil, fmt.Errorf("station %d: failed to open local store: %w", s+1, err)
		}
		err = local.UpsertDefectsContext(ctx, all[s*perStation:(s+1)*perStation])
		if cerr := local.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("station %d: failed to fill local store: %w", s+1, err)
		}
		mergers[s] = aoisync.New(aoisync.Config{
			LocalDir:  dir,
			SharedDir: sharedDir,
			Retry:     &retry,
			Logger:    discardLogger(),
		})
	}

	var mu sync.Mutex
	attempts := 0
	var wg sync.WaitGroup
	errorsChan := make(chan error, stations)
	for s, m := range mergers {
		wg.Add(1)
		go func(station int, m aoisync.Merger) {
			defer wg.Done()
			var err error
			for a := 0; a < maxAttempts; a++ {
				mu.Lock()
				attempts++
				mu.Unlock()
				if _, err = m.Merge(ctx); err == nil {
					return
				}
				select {
				case <-ctx.Done():
					errorsChan <- ctx.Err()
					return
				case <-time.After(time.Duration(station+1) * 10 * time.Millisecond):
				}
			}
			errorsChan <- fmt.Errorf("station %d: merge failed after %d attempts: %w", station+1, maxAttempts, err)
		}(s, m)
	}
	wg.Wait()
	close(errorsChan)
	if err, ok := <-errorsChan; ok {
		return nil, err
	}

	shared, err := db.OpenShared(filepath.Join(sharedDir, db.FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open shared store: %w", err)
	}
	defer shared.Close()
	if err := verifyStore(ctx, shared, all); err != nil {
		return nil, err
	}

	return &WorkstationResult{
		Stations:      stations,
		Records:       len(all),
		MergeAttempts: attempts,
		Elapsed:       time.Since(start),
	}, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		TotalOps:  len(durations),
		Durations: sorted,
	}
}

// PrintStats formats and prints latency statistics.
func (s *LatencyStats) PrintStats() {
	fmt.Printf("Latency Statistics:\n")
	fmt.Printf("  Total Batches: %d\n", s.TotalOps)
	fmt.Printf("  Errors:        %d\n", s.Errors)
	fmt.Printf("  Min:           %v\n", s.Min)
	fmt.Printf("  P50 (Median):  %v\n", s.P50)
	fmt.Printf("  Mean:          %v\n", s.Mean)
	fmt.Printf("  P95:           %v\n", s.P95)
	fmt.Printf("  P99:           %v\n", s.P99)
	fmt.Printf("  Max:           %v\n", s.Max)
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}
