package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ktec-smt/aoirecord/internal/schema"
)

const defectColumns = `id, kintone_record_id, model_code, lot_number, current_board_index,
	defect_number, model_label, board_label, line_name, serial, reference,
	defect_name, x, y, aoi_user, insert_date`

// A blank incoming remote reference never clears a stored one: a record may
// be upserted again before the remote create has reported back.
const upsertDefectSQL = `
	INSERT INTO defects (` + defectColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		kintone_record_id = CASE WHEN excluded.kintone_record_id <> ''
			THEN excluded.kintone_record_id ELSE defects.kintone_record_id END,
		model_code = excluded.model_code,
		lot_number = excluded.lot_number,
		current_board_index = excluded.current_board_index,
		defect_number = excluded.defect_number,
		model_label = excluded.model_label,
		board_label = excluded.board_label,
		line_name = excluded.line_name,
		serial = excluded.serial,
		reference = excluded.reference,
		defect_name = excluded.defect_name,
		x = excluded.x,
		y = excluded.y,
		aoi_user = excluded.aoi_user,
		insert_date = excluded.insert_date
	`

// UpsertDefects inserts or updates records by identity in one transaction.
// Upserting an identity also clears any tombstone it had.
func (db *DB) UpsertDefects(defects []schema.Defect) error {
	return db.UpsertDefectsContext(context.Background(), defects)
}

// UpsertDefectsContext inserts or updates records with context support.
func (db *DB) UpsertDefectsContext(ctx context.Context, defects []schema.Defect) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if len(defects) == 0 {
		return nil
	}
	for i := range defects {
		if defects[i].ID == "" {
			return fmt.Errorf("defect at index %d has no id", i)
		}
	}

	return WithRetry(ctx, db.retry, func() error {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		upsert, err := tx.PrepareContext(ctx, upsertDefectSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare upsert: %w", err)
		}
		defer upsert.Close()

		for _, d := range defects {
			x, y := coordArgs(d.Coord)
			if _, err := upsert.ExecContext(ctx,
				d.ID,
				d.RemoteID,
				d.ModelCode,
				d.LotNumber,
				d.BoardIndex,
				d.DefectNumber,
				d.ModelLabel,
				d.BoardLabel,
				d.LineName,
				d.Serial,
				d.Reference,
				d.DefectName,
				x,
				y,
				d.AOIUser,
				d.InsertDate,
			); err != nil {
				return fmt.Errorf("failed to upsert defect %s: %w", d.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM tombstones WHERE id = ?`, d.ID); err != nil {
				return fmt.Errorf("failed to clear tombstone %s: %w", d.ID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit upsert: %w", err)
		}
		return nil
	})
}

// DeleteDefect removes a record by identity and leaves a tombstone so that
// the deletion reaches the shared store. Unknown identities are not an error.
func (db *DB) DeleteDefect(id string) error {
	return db.DeleteDefectContext(context.Background(), id)
}

// DeleteDefectContext removes a record with context support.
func (db *DB) DeleteDefectContext(ctx context.Context, id string) error {
	return db.DeleteDefectsContext(ctx, []string{id}, time.Now())
}

// DeleteDefectsContext removes several records in one transaction, recording
// deletedAt in their tombstones.
func (db *DB) DeleteDefectsContext(ctx context.Context, ids []string, deletedAt time.Time) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	stamp := deletedAt.UTC().Format(schema.TimeLayout)

	return WithRetry(ctx, db.retry, func() error {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM defects WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to delete defect %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tombstones (id, deleted_at) VALUES (?, ?)
				ON CONFLICT(id) DO UPDATE SET deleted_at = excluded.deleted_at
			`, id, stamp); err != nil {
				return fmt.Errorf("failed to record tombstone %s: %w", id, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit delete: %w", err)
		}
		return nil
	})
}

// DefectsByLot returns all records of a lot ordered by board and defect
// number.
func (db *DB) DefectsByLot(lotNumber string) ([]schema.Defect, error) {
	return db.DefectsByLotContext(context.Background(), lotNumber)
}

// DefectsByLotContext returns all records of a lot with context support.
func (db *DB) DefectsByLotContext(ctx context.Context, lotNumber string) ([]schema.Defect, error) {
	return db.ListDefectsContext(ctx, ListFilter{LotNumber: lotNumber})
}

// AllDefects returns every record in the store.
func (db *DB) AllDefects(ctx context.Context) ([]schema.Defect, error) {
	return db.ListDefectsContext(ctx, ListFilter{})
}

// DefectByID retrieves a single record. Returns sql.ErrNoRows if the record
// is not found.
func (db *DB) DefectByID(ctx context.Context, id string) (*schema.Defect, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	row := db.conn.QueryRowContext(ctx, `SELECT `+defectColumns+` FROM defects WHERE id = ?`, id)
	d, err := scanDefect(row)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListFilter configures ListDefects.
type ListFilter struct {
	// LotNumber filters by lot (empty = all lots)
	LotNumber string
	// BoardIndex filters by board (0 = all boards)
	BoardIndex int
	// Since keeps records inserted at or after the time (zero = no bound)
	Since time.Time
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListDefects retrieves records matching the filter, ordered by lot, board
// and defect number.
func (db *DB) ListDefects(filter ListFilter) ([]schema.Defect, error) {
	return db.ListDefectsContext(context.Background(), filter)
}

// ListDefectsContext retrieves records with context support.
func (db *DB) ListDefectsContext(ctx context.Context, filter ListFilter) ([]schema.Defect, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	var conditions []string
	var args []interface{}

	if filter.LotNumber != "" {
		conditions = append(conditions, "lot_number = ?")
		args = append(args, filter.LotNumber)
	}
	if filter.BoardIndex > 0 {
		conditions = append(conditions, "current_board_index = ?")
		args = append(args, filter.BoardIndex)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "insert_date >= ?")
		args = append(args, filter.Since.UTC().Format(schema.TimeLayout))
	}

	query := `SELECT ` + defectColumns + ` FROM defects`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY lot_number ASC, current_board_index ASC, defect_number ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list defects: %w", err)
	}
	defer rows.Close()

	return scanDefects(rows)
}

// LotSummary is the number of records and boards recorded for one lot.
type LotSummary struct {
	LotNumber string `json:"lot_number" yaml:"lot_number"`
	ModelCode string `json:"model_code" yaml:"model_code"`
	Defects   int    `json:"defects" yaml:"defects"`
	Boards    int    `json:"boards" yaml:"boards"`
}

// Lots summarizes every lot present in the store.
func (db *DB) Lots(ctx context.Context) ([]LotSummary, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, `
	SELECT lot_number, MAX(model_code), COUNT(*), MAX(current_board_index)
	FROM defects
	GROUP BY lot_number
	ORDER BY lot_number ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize lots: %w", err)
	}
	defer rows.Close()

	var lots []LotSummary
	for rows.Next() {
		var l LotSummary
		if err := rows.Scan(&l.LotNumber, &l.ModelCode, &l.Defects, &l.Boards); err != nil {
			return nil, fmt.Errorf("failed to scan lot summary: %w", err)
		}
		lots = append(lots, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lots: %w", err)
	}
	return lots, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDefect(row rowScanner) (schema.Defect, error) {
	var d schema.Defect
	var x, y sql.NullFloat64
	err := row.Scan(
		&d.ID,
		&d.RemoteID,
		&d.ModelCode,
		&d.LotNumber,
		&d.BoardIndex,
		&d.DefectNumber,
		&d.ModelLabel,
		&d.BoardLabel,
		&d.LineName,
		&d.Serial,
		&d.Reference,
		&d.DefectName,
		&x,
		&y,
		&d.AOIUser,
		&d.InsertDate,
	)
	if err != nil {
		return d, err
	}
	if x.Valid && y.Valid {
		d.Coord = &schema.Point{X: x.Float64, Y: y.Float64}
	}
	return d, nil
}

func scanDefects(rows *sql.Rows) ([]schema.Defect, error) {
	var defects []schema.Defect
	for rows.Next() {
		d, err := scanDefect(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan defect: %w", err)
		}
		defects = append(defects, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating defects: %w", err)
	}
	return defects, nil
}

func coordArgs(p *schema.Point) (sql.NullFloat64, sql.NullFloat64) {
	if p == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.X, Valid: true}, sql.NullFloat64{Float64: p.Y, Valid: true}
}

// IsNotFound reports whether err means the requested row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
