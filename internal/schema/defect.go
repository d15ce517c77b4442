package schema

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the UTC insertion timestamp layout shared by every store.
const TimeLayout = "2006-01-02T15:04:05Z"

// Point is a position on the reference image relative to its size.
// Both axes are in [0, 1].
type Point struct {
	X float64 `json:"x" yaml:"x" validate:"gte=0,lte=1"`
	Y float64 `json:"y" yaml:"y" validate:"gte=0,lte=1"`
}

// Defect represents one defect observation recorded against a board.
// ID is derived from ModelCode, LotNumber, BoardIndex and DefectNumber.
// RemoteID is the record-management reference, empty until first synced.
type Defect struct {
	// ===== Identity =====
	ID       string `json:"id" yaml:"id" validate:"required"`
	RemoteID string `json:"kintone_record_id,omitempty" yaml:"kintone_record_id,omitempty"`

	// ===== Business keys =====
	ModelCode    string `json:"model_code" yaml:"model_code"`
	LotNumber    string `json:"lot_number" yaml:"lot_number" validate:"omitempty,lotnumber"`
	BoardIndex   int    `json:"current_board_index" yaml:"current_board_index" validate:"gte=1"`
	DefectNumber int    `json:"defect_number" yaml:"defect_number" validate:"gte=1"`

	// ===== Labels =====
	ModelLabel string `json:"model_label,omitempty" yaml:"model_label,omitempty"`
	BoardLabel string `json:"board_label,omitempty" yaml:"board_label,omitempty"`
	LineName   string `json:"line_name,omitempty" yaml:"line_name,omitempty"`

	// ===== Observation =====
	Serial     string `json:"serial,omitempty" yaml:"serial,omitempty"`
	Reference  string `json:"reference" yaml:"reference" validate:"required"`
	DefectName string `json:"defect_name" yaml:"defect_name" validate:"required"`
	Coord      *Point `json:"coord,omitempty" yaml:"coord,omitempty"`

	// ===== Audit =====
	AOIUser    string `json:"aoi_user,omitempty" yaml:"aoi_user,omitempty"`
	InsertDate string `json:"insert_date" yaml:"insert_date"`
}

// AssignID recomputes ID from the business keys and returns it.
func (d *Defect) AssignID() string {
	d.ID = Identity(d.ModelCode, d.LotNumber, d.BoardIndex, d.DefectNumber)
	return d.ID
}

// ExpectedID returns the identity the business keys currently map to,
// without modifying the record.
func (d Defect) ExpectedID() string {
	return Identity(d.ModelCode, d.LotNumber, d.BoardIndex, d.DefectNumber)
}

// Normalize applies the canonical forms used everywhere: upper-case
// reference designators and trimmed free text.
func (d *Defect) Normalize() {
	d.Reference = strings.ToUpper(strings.TrimSpace(d.Reference))
	d.DefectName = strings.TrimSpace(d.DefectName)
	d.Serial = strings.TrimSpace(d.Serial)
}

// Validate checks field values against the record invariants.
func (d *Defect) Validate() error {
	if err := validate().Struct(d); err != nil {
		return fmt.Errorf("invalid defect %s: %w", d.ID, err)
	}
	return nil
}

// Stamp sets InsertDate to now in UTC.
func (d *Defect) Stamp(now time.Time) {
	d.InsertDate = now.UTC().Format(TimeLayout)
}

// InsertedAt parses InsertDate. The zero time is returned when the value is
// missing or malformed.
func (d Defect) InsertedAt() time.Time {
	t, err := time.Parse(TimeLayout, d.InsertDate)
	if err != nil {
		if t2, err2 := time.Parse(time.RFC3339, d.InsertDate); err2 == nil {
			return t2
		}
		return time.Time{}
	}
	return t
}

// Clone returns a deep copy of d.
func (d Defect) Clone() Defect {
	if d.Coord != nil {
		p := *d.Coord
		d.Coord = &p
	}
	return d
}

// CloneAll deep-copies a slice of defects.
func CloneAll(defects []Defect) []Defect {
	if defects == nil {
		return nil
	}
	out := make([]Defect, len(defects))
	for i, d := range defects {
		out[i] = d.Clone()
	}
	return out
}
