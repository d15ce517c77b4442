package csvio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/ktec-smt/aoirecord/internal/schema"
)

// RepairHeader is the column order of repair list files.
var RepairHeader = []string{"id", "is_repaird", "parts_type", "insert_date"}

// RepairCSVPath returns <dataDir>/<lot>_repaird_list.csv.
func RepairCSVPath(dataDir, lotNumber string) (string, error) {
	if lotNumber == "" {
		return "", errors.New("lot number not set")
	}
	if dataDir == "" {
		return "", errors.New("data directory not set")
	}
	return filepath.Join(dataDir, lotNumber+"_repaird_list.csv"), nil
}

// WriteRepairs writes repairs as CSV with a header row.
func WriteRepairs(w io.Writer, repairs []schema.Repair) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(RepairHeader); err != nil {
		return err
	}
	for _, r := range repairs {
		r.SetDefaults()
		if err := cw.Write([]string{r.ID, r.Status, r.PartsType, r.InsertDate}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveRepairs writes repairs to path as UTF-8 CSV with BOM.
func SaveRepairs(path string, repairs []schema.Repair) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		return WriteRepairs(w, repairs)
	})
}

// ReadRepairs parses a repair list.
func ReadRepairs(r io.Reader) ([]schema.Repair, error) {
	rows, err := ReadTable(r)
	if err != nil {
		return nil, err
	}
	var repairs []schema.Repair
	for i, row := range rows {
		rep := schema.Repair{
			ID:         row.Get("id"),
			Status:     row.Get("is_repaird"),
			PartsType:  row.Get("parts_type"),
			InsertDate: row.Get("insert_date"),
		}
		if rep.ID == "" {
			return nil, fmt.Errorf("line %d: missing id", i+2)
		}
		rep.SetDefaults()
		repairs = append(repairs, rep)
	}
	return repairs, nil
}

// LoadRepairs reads a repair list file.
func LoadRepairs(path string) ([]schema.Repair, error) {
	r, err := ReadTextFile(path)
	if err != nil {
		return nil, err
	}
	repairs, err := ReadRepairs(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	return repairs, nil
}
