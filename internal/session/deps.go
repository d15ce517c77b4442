package session

import (
	"context"
	"time"

	"github.com/ktec-smt/aoirecord/internal/lookup"
	"github.com/ktec-smt/aoirecord/internal/schema"
	"github.com/ktec-smt/aoirecord/internal/snapshot"
)

// LocalStore is the per-workstation record store. *db.DB implements it.
type LocalStore interface {
	// UpsertDefectsContext inserts unknown identities and overwrites the
	// mutable fields of known ones. Repeating a call is harmless.
	UpsertDefectsContext(ctx context.Context, defects []schema.Defect) error

	// DeleteDefectsContext removes records by identity. Unknown identities
	// are not an error.
	DeleteDefectsContext(ctx context.Context, ids []string, deletedAt time.Time) error

	// DefectsByLotContext returns every record of a lot.
	DefectsByLotContext(ctx context.Context, lotNumber string) ([]schema.Defect, error)

	// RepairsByLot returns the repair annotations of a lot.
	RepairsByLot(ctx context.Context, lotNumber string) ([]schema.Repair, error)

	Close() error
}

// Remote is the record-management app. *kintone.Syncer implements it.
//
// PostRecords and DeleteRecord must return at once, without network I/O,
// while Connected reports false.
type Remote interface {
	Connected() bool
	CheckConnection(ctx context.Context) (bool, error)
	PostRecords(ctx context.Context, defects []schema.Defect) ([]schema.Defect, error)
	DeleteRecord(ctx context.Context, remoteID string) error
}

// Schedule resolves a lot to its item code and line.
type Schedule interface {
	Lookup(lotNumber string) (lookup.LotInfo, bool)
}

// Snapshotter renders the audit image of a saved defect.
type Snapshotter interface {
	Render(req snapshot.Request) error
}

// Prompter asks the operator for an item code when the schedule does not
// know the lot. ok is false when the operator cancels.
type Prompter interface {
	PromptItemCode(ctx context.Context, lotNumber string) (code string, ok bool)
}

// PromptFunc adapts a function to Prompter.
type PromptFunc func(ctx context.Context, lotNumber string) (string, bool)

// PromptItemCode calls f.
func (f PromptFunc) PromptItemCode(ctx context.Context, lotNumber string) (string, bool) {
	return f(ctx, lotNumber)
}

// Metrics receives session outcomes. *metrics.Recorder implements it.
type Metrics interface {
	LocalWrite(op string, err error)
	Merge(err error, upserted int)
	Export(kind string, err error)
	Connected(v bool)
}
