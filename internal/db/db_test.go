package db

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/ktec-smt/aoirecord/internal/schema"
)

// testDB opens a store in a temporary directory
func testDB(t *testing.T) *DB {
	t.Helper()
	store, err := OpenDir(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDir() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testDefect(lot string, board, number int) schema.Defect {
	d := schema.Defect{
		ModelCode:    "Y8470722R",
		LotNumber:    lot,
		BoardIndex:   board,
		DefectNumber: number,
		ModelLabel:   "CN-SNDDJ0CJ 411CA",
		BoardLabel:   "CN-SNDDJ0CJ 411CA S面",
		Reference:    "U1",
		DefectName:   "コテ不足",
		Coord:        &schema.Point{X: 0.42, Y: 0.77},
		AOIUser:      "山田",
	}
	d.Stamp(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	d.AssignID()
	return d
}

// TestOpen_Success tests store creation and path bookkeeping
func TestOpen_Success(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", FileName)
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer store.Close()

	if store.Path() != path {
		t.Errorf("Path() = %q, want %q", store.Path(), path)
	}

	for _, table := range []string{"defects", "repairs", "tombstones"} {
		var count int
		err := store.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

// TestInitSchema_Idempotent tests that schema initialization can run repeatedly
func TestInitSchema_Idempotent(t *testing.T) {
	store := testDB(t)
	if err := store.InitSchema(); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}
}

// TestClose_Twice tests that a closed store can be closed again
func TestClose_Twice(t *testing.T) {
	store, err := OpenDir(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDir() failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}

// TestClose_LaterCallsFail tests operations after Close report ErrClosed
func TestClose_LaterCallsFail(t *testing.T) {
	store, err := OpenDir(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDir() failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	ctx := context.Background()
	d := testDefect("1234567-10", 1, 1)
	if err := store.UpsertDefectsContext(ctx, []schema.Defect{d}); !errors.Is(err, ErrClosed) {
		t.Errorf("UpsertDefectsContext() error = %v, want ErrClosed", err)
	}
	if err := store.DeleteDefectsContext(ctx, []string{d.ID}, time.Now()); !errors.Is(err, ErrClosed) {
		t.Errorf("DeleteDefectsContext() error = %v, want ErrClosed", err)
	}
	if _, err := store.DefectsByLotContext(ctx, "1234567-10"); !errors.Is(err, ErrClosed) {
		t.Errorf("DefectsByLotContext() error = %v, want ErrClosed", err)
	}
	if _, err := store.RepairsByLot(ctx, "1234567-10"); !errors.Is(err, ErrClosed) {
		t.Errorf("RepairsByLot() error = %v, want ErrClosed", err)
	}
	if _, err := store.Counts(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Counts() error = %v, want ErrClosed", err)
	}
}

// TestUpsertDefects_Scenario tests a single saved record appears once
func TestUpsertDefects_Scenario(t *testing.T) {
	store := testDB(t)
	d := testDefect("1234567-10", 1, 1)

	if err := store.UpsertDefects([]schema.Defect{d}); err != nil {
		t.Fatalf("UpsertDefects() failed: %v", err)
	}

	got, err := store.DefectsByLot("1234567-10")
	if err != nil {
		t.Fatalf("DefectsByLot() failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].ID != schema.Identity("Y8470722R", "1234567-10", 1, 1) {
		t.Errorf("ID = %q", got[0].ID)
	}
	if got[0].DefectNumber != 1 || got[0].Reference != "U1" || got[0].DefectName != "コテ不足" {
		t.Errorf("record = %+v", got[0])
	}
	if got[0].Coord == nil || got[0].Coord.X != 0.42 || got[0].Coord.Y != 0.77 {
		t.Errorf("Coord = %+v, want (0.42, 0.77)", got[0].Coord)
	}
}

// TestUpsertDefects_Idempotent tests that repeating an upsert leaves the same state
func TestUpsertDefects_Idempotent(t *testing.T) {
	store := testDB(t)
	ctx := context.Background()
	batch := []schema.Defect{
		testDefect("1234567-10", 1, 1),
		testDefect("1234567-10", 1, 2),
		testDefect("1234567-10", 2, 1),
	}

	if err := store.UpsertDefectsContext(ctx, batch); err != nil {
		t.Fatalf("first UpsertDefects() failed: %v", err)
	}
	first, _ := store.AllDefects(ctx)

	if err := store.UpsertDefectsContext(ctx, batch); err != nil {
		t.Fatalf("second UpsertDefects() failed: %v", err)
	}
	// overlapping subset
	if err := store.UpsertDefectsContext(ctx, batch[1:]); err != nil {
		t.Fatalf("third UpsertDefects() failed: %v", err)
	}
	second, _ := store.AllDefects(ctx)

	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("counts = %d, %d, want 3, 3", len(first), len(second))
	}
	for i := range first {
		if !reflect.DeepEqual(first[i], second[i]) {
			t.Errorf("row %d changed: %+v -> %+v", i, first[i], second[i])
		}
	}
}

// TestUpsertDefects_UpdatesMutableFields tests overwrite of an existing identity
func TestUpsertDefects_UpdatesMutableFields(t *testing.T) {
	store := testDB(t)
	ctx := context.Background()
	d := testDefect("1234567-10", 1, 1)
	if err := store.UpsertDefectsContext(ctx, []schema.Defect{d}); err != nil {
		t.Fatal(err)
	}

	d.Reference = "R7"
	d.Coord = nil
	if err := store.UpsertDefectsContext(ctx, []schema.Defect{d}); err != nil {
		t.Fatal(err)
	}

	got, err := store.DefectByID(ctx, d.ID)
	if err != nil {
		t.Fatalf("DefectByID() failed: %v", err)
	}
	if got.Reference != "R7" || got.Coord != nil {
		t.Errorf("record not updated: %+v", got)
	}
}

// TestUpsertDefects_KeepsRemoteID tests a blank remote reference does not clear a stored one
func TestUpsertDefects_KeepsRemoteID(t *testing.T) {
	store := testDB(t)
	ctx := context.Background()
	d := testDefect("1234567-10", 1, 1)
	d.RemoteID = "981"
	if err := store.UpsertDefectsContext(ctx, []schema.Defect{d}); err != nil {
		t.Fatal(err)
	}

	d.RemoteID = ""
	if err := store.UpsertDefectsContext(ctx, []schema.Defect{d}); err != nil {
		t.Fatal(err)
	}
	got, _ := store.DefectByID(ctx, d.ID)
	if got.RemoteID != "981" {
		t.Errorf("RemoteID = %q, want 981", got.RemoteID)
	}

	d.RemoteID = "982"
	if err := store.UpsertDefectsContext(ctx, []schema.Defect{d}); err != nil {
		t.Fatal(err)
	}
	got, _ = store.DefectByID(ctx, d.ID)
	if got.RemoteID != "982" {
		t.Errorf("RemoteID = %q, want 982", got.RemoteID)
	}
}

func TestUpsertDefects_RejectsMissingID(t *testing.T) {
	store := testDB(t)
	d := testDefect("1234567-10", 1, 1)
	d.ID = ""
	if err := store.UpsertDefects([]schema.Defect{d}); err == nil {
		t.Error("UpsertDefects() accepted a record without id")
	}
}

// TestDeleteDefect tests delete, idempotency and tombstone bookkeeping
func TestDeleteDefect(t *testing.T) {
	store := testDB(t)
	ctx := context.Background()
	d := testDefect("1234567-10", 2, 1)
	if err := store.UpsertDefectsContext(ctx, []schema.Defect{d}); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteDefect(d.ID); err != nil {
		t.Fatalf("DeleteDefect() failed: %v", err)
	}
	if err := store.DeleteDefect(d.ID); err != nil {
		t.Errorf("second DeleteDefect() failed: %v", err)
	}
	if err := store.DeleteDefect("unknown"); err != nil {
		t.Errorf("DeleteDefect(unknown) failed: %v", err)
	}

	if _, err := store.DefectByID(ctx, d.ID); !IsNotFound(err) {
		t.Errorf("DefectByID() error = %v, want not found", err)
	}

	stones, err := store.Tombstones(ctx)
	if err != nil {
		t.Fatalf("Tombstones() failed: %v", err)
	}
	if len(stones) != 2 {
		t.Errorf("len(tombstones) = %d, want 2", len(stones))
	}

	// re-creating the identity clears its tombstone
	if err := store.UpsertDefectsContext(ctx, []schema.Defect{d}); err != nil {
		t.Fatal(err)
	}
	stones, _ = store.Tombstones(ctx)
	for _, s := range stones {
		if s.ID == d.ID {
			t.Errorf("tombstone for %s not cleared by upsert", d.ID)
		}
	}
}

// TestListDefects_Filters tests lot, board, since and limit filters
func TestListDefects_Filters(t *testing.T) {
	store := testDB(t)
	ctx := context.Background()

	old := testDefect("1234567-10", 1, 1)
	old.Stamp(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	batch := []schema.Defect{
		old,
		testDefect("1234567-10", 2, 1),
		testDefect("1234567-10", 2, 2),
		testDefect("7654321-20", 1, 1),
	}
	if err := store.UpsertDefectsContext(ctx, batch); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter ListFilter
		want   int
	}{
		{"all", ListFilter{}, 4},
		{"lot", ListFilter{LotNumber: "1234567-10"}, 3},
		{"lot and board", ListFilter{LotNumber: "1234567-10", BoardIndex: 2}, 2},
		{"since", ListFilter{Since: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}, 3},
		{"limit", ListFilter{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListDefectsContext(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListDefects() failed: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}

	lots, err := store.Lots(ctx)
	if err != nil {
		t.Fatalf("Lots() failed: %v", err)
	}
	if len(lots) != 2 || lots[0].Defects != 3 || lots[0].Boards != 2 {
		t.Errorf("Lots() = %+v", lots)
	}
}

// TestRepairs tests repair upsert and lot lookup
func TestRepairs(t *testing.T) {
	store := testDB(t)
	ctx := context.Background()
	d := testDefect("1234567-10", 1, 1)
	other := testDefect("7654321-20", 1, 1)
	if err := store.UpsertDefectsContext(ctx, []schema.Defect{d, other}); err != nil {
		t.Fatal(err)
	}

	repairs := []schema.Repair{
		{ID: d.ID, Status: schema.RepairStatusRepaired, PartsType: schema.PartsTypeChip},
		{ID: other.ID},
	}
	if err := store.UpsertRepairs(ctx, repairs); err != nil {
		t.Fatalf("UpsertRepairs() failed: %v", err)
	}

	got, err := store.RepairsByLot(ctx, "1234567-10")
	if err != nil {
		t.Fatalf("RepairsByLot() failed: %v", err)
	}
	if len(got) != 1 || !got[0].IsRepaired() {
		t.Errorf("RepairsByLot() = %+v", got)
	}

	all, _ := store.AllRepairs(ctx)
	idx := schema.IndexRepairs(all)
	if idx[other.ID].Status != schema.RepairStatusUnrepaired {
		t.Errorf("default status = %q", idx[other.ID].Status)
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Defects != 2 || counts.Repairs != 2 || counts.Tombstones != 0 {
		t.Errorf("Counts() = %+v", counts)
	}
}

// TestApplyTombstones tests that foreign deletions remove local rows
func TestApplyTombstones(t *testing.T) {
	store := testDB(t)
	ctx := context.Background()
	d := testDefect("1234567-10", 1, 1)
	if err := store.UpsertDefectsContext(ctx, []schema.Defect{d}); err != nil {
		t.Fatal(err)
	}

	at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	if err := store.ApplyTombstones(ctx, []Tombstone{{ID: d.ID, DeletedAt: at}}); err != nil {
		t.Fatalf("ApplyTombstones() failed: %v", err)
	}
	all, _ := store.AllDefects(ctx)
	if len(all) != 0 {
		t.Errorf("rows left = %d, want 0", len(all))
	}
	stones, _ := store.Tombstones(ctx)
	if len(stones) != 1 || !stones[0].DeletedAt.Equal(at) {
		t.Errorf("Tombstones() = %+v", stones)
	}
}

// TestWithRetry tests the lock retry loop
func TestWithRetry(t *testing.T) {
	ctx := context.Background()
	policy := RetryPolicy{Attempts: 3, Delay: time.Millisecond}

	t.Run("non-lock error returns at once", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		err := WithRetry(ctx, policy, func() error {
			calls++
			return boom
		})
		if !errors.Is(err, boom) || calls != 1 {
			t.Errorf("err = %v, calls = %d", err, calls)
		}
	})

	t.Run("success", func(t *testing.T) {
		calls := 0
		err := WithRetry(ctx, policy, func() error {
			calls++
			return nil
		})
		if err != nil || calls != 1 {
			t.Errorf("err = %v, calls = %d", err, calls)
		}
	})
}

// TestWithRetry_LockedFile tests retry exhaustion against a real lock held by another connection
func TestWithRetry_LockedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	holder, err := OpenShared(path)
	if err != nil {
		t.Fatal(err)
	}
	defer holder.Close()

	writer, err := OpenShared(path)
	if err != nil {
		t.Fatal(err)
	}
	defer writer.Close()
	writer.conn.SetMaxOpenConns(1)
	if _, err := writer.conn.Exec(`PRAGMA busy_timeout=1`); err != nil {
		t.Fatal(err)
	}
	writer.SetRetryPolicy(RetryPolicy{Attempts: 2, Delay: time.Millisecond})

	tx, err := holder.conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`INSERT INTO tombstones (id, deleted_at) VALUES ('lock', 'x')`); err != nil {
		t.Fatal(err)
	}

	err = writer.UpsertDefects([]schema.Defect{testDefect("1234567-10", 1, 1)})
	if err == nil {
		t.Fatal("UpsertDefects() succeeded while the file was locked")
	}
	if !IsLocked(err) {
		t.Errorf("error = %v, want a lock error", err)
	}
}
