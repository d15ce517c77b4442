package db

import (
	"context"
	"fmt"
	"time"

	"github.com/ktec-smt/aoirecord/internal/schema"
)

// UpsertRepairs inserts or updates repair annotations by identity.
func (db *DB) UpsertRepairs(ctx context.Context, repairs []schema.Repair) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if len(repairs) == 0 {
		return nil
	}

	return WithRetry(ctx, db.retry, func() error {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		for _, r := range repairs {
			r.SetDefaults()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO repairs (id, is_repaird, parts_type, insert_date)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					is_repaird = excluded.is_repaird,
					parts_type = excluded.parts_type,
					insert_date = excluded.insert_date
			`, r.ID, r.Status, r.PartsType, r.InsertDate); err != nil {
				return fmt.Errorf("failed to upsert repair %s: %w", r.ID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit repairs: %w", err)
		}
		return nil
	})
}

// RepairsByLot returns the repair annotations of every record of a lot.
func (db *DB) RepairsByLot(ctx context.Context, lotNumber string) ([]schema.Repair, error) {
	return db.queryRepairs(ctx, `
	SELECT r.id, r.is_repaird, r.parts_type, r.insert_date
	FROM repairs r
	JOIN defects d ON d.id = r.id
	WHERE d.lot_number = ?
	ORDER BY d.current_board_index ASC, d.defect_number ASC
	`, lotNumber)
}

// AllRepairs returns every repair annotation in the store.
func (db *DB) AllRepairs(ctx context.Context) ([]schema.Repair, error) {
	return db.queryRepairs(ctx, `
	SELECT id, is_repaird, parts_type, insert_date FROM repairs ORDER BY id ASC
	`)
}

func (db *DB) queryRepairs(ctx context.Context, query string, args ...interface{}) ([]schema.Repair, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query repairs: %w", err)
	}
	defer rows.Close()

	var repairs []schema.Repair
	for rows.Next() {
		var r schema.Repair
		if err := rows.Scan(&r.ID, &r.Status, &r.PartsType, &r.InsertDate); err != nil {
			return nil, fmt.Errorf("failed to scan repair: %w", err)
		}
		repairs = append(repairs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating repairs: %w", err)
	}
	return repairs, nil
}

// Tombstone marks an identity deleted at a point in time.
type Tombstone struct {
	ID        string
	DeletedAt time.Time
}

// Tombstones returns every recorded deletion.
func (db *DB) Tombstones(ctx context.Context) ([]Tombstone, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, `SELECT id, deleted_at FROM tombstones ORDER BY deleted_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	defer rows.Close()

	var out []Tombstone
	for rows.Next() {
		var t Tombstone
		var deletedAt string
		if err := rows.Scan(&t.ID, &deletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		if ts, err := time.Parse(schema.TimeLayout, deletedAt); err == nil {
			t.DeletedAt = ts
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tombstones: %w", err)
	}
	return out, nil
}

// ApplyTombstones deletes the given identities, keeping each tombstone's
// original deletion time.
func (db *DB) ApplyTombstones(ctx context.Context, tombstones []Tombstone) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if len(tombstones) == 0 {
		return nil
	}

	return WithRetry(ctx, db.retry, func() error {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		for _, t := range tombstones {
			if _, err := tx.ExecContext(ctx, `DELETE FROM defects WHERE id = ?`, t.ID); err != nil {
				return fmt.Errorf("failed to delete defect %s: %w", t.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tombstones (id, deleted_at) VALUES (?, ?)
				ON CONFLICT(id) DO UPDATE SET deleted_at = MAX(tombstones.deleted_at, excluded.deleted_at)
			`, t.ID, t.DeletedAt.UTC().Format(schema.TimeLayout)); err != nil {
				return fmt.Errorf("failed to record tombstone %s: %w", t.ID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit tombstones: %w", err)
		}
		return nil
	})
}
