package csvio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ktec-smt/aoirecord/internal/schema"
)

// DefectHeader is the column order of defect list files. The first thirteen
// columns are the historical layout; the label columns were appended later.
var DefectHeader = []string{
	"id",
	"model_code",
	"lot_number",
	"current_board_index",
	"defect_number",
	"serial",
	"reference",
	"defect_name",
	"x",
	"y",
	"aoi_user",
	"insert_date",
	"kintone_record_id",
	"model_label",
	"board_label",
	"line_name",
}

// DefectCSVPath returns <dataDir>/<lot>_<image base name>.csv.
func DefectCSVPath(dataDir, lotNumber, imagePath string) (string, error) {
	if dataDir == "" {
		return "", errors.New("data directory not set")
	}
	if lotNumber == "" {
		return "", errors.New("lot number not set")
	}
	if imagePath == "" {
		return "", errors.New("image file not set")
	}
	base := filepath.Base(imagePath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dataDir, lotNumber+"_"+base+".csv"), nil
}

// WriteDefects writes defects as CSV with a header row to w. w receives
// plain UTF-8; wrap it with NewBOMWriter for files.
func WriteDefects(w io.Writer, defects []schema.Defect) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(DefectHeader); err != nil {
		return err
	}
	for _, d := range defects {
		x, y := "", ""
		if d.Coord != nil {
			x = strconv.FormatFloat(d.Coord.X, 'f', -1, 64)
			y = strconv.FormatFloat(d.Coord.Y, 'f', -1, 64)
		}
		if err := cw.Write([]string{
			d.ID,
			d.ModelCode,
			d.LotNumber,
			strconv.Itoa(d.BoardIndex),
			strconv.Itoa(d.DefectNumber),
			d.Serial,
			d.Reference,
			d.DefectName,
			x,
			y,
			d.AOIUser,
			d.InsertDate,
			d.RemoteID,
			d.ModelLabel,
			d.BoardLabel,
			d.LineName,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveDefects writes defects to path as UTF-8 CSV with BOM.
func SaveDefects(path string, defects []schema.Defect) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		return WriteDefects(w, defects)
	})
}

// ReadDefects parses a defect list. Columns are matched by header name, so
// files with the historical thirteen columns or a different order load too.
// A missing or blank id is derived from the business keys.
func ReadDefects(r io.Reader) ([]schema.Defect, error) {
	rows, err := ReadTable(r)
	if err != nil {
		return nil, err
	}

	var defects []schema.Defect
	for i, row := range rows {
		line := i + 2
		d := schema.Defect{
			ID:         row.Get("id"),
			RemoteID:   row.Get("kintone_record_id"),
			ModelCode:  row.Get("model_code"),
			LotNumber:  row.Get("lot_number"),
			ModelLabel: row.Get("model_label"),
			BoardLabel: row.Get("board_label"),
			LineName:   row.Get("line_name"),
			Serial:     row.Get("serial"),
			Reference:  row.Get("reference"),
			DefectName: row.Get("defect_name"),
			AOIUser:    row.Get("aoi_user"),
			InsertDate: row.Get("insert_date"),
		}
		if d.BoardIndex, err = atoiField(row.Get("current_board_index")); err != nil {
			return nil, fmt.Errorf("line %d: current_board_index: %w", line, err)
		}
		if d.DefectNumber, err = atoiField(row.Get("defect_number")); err != nil {
			return nil, fmt.Errorf("line %d: defect_number: %w", line, err)
		}
		if xs, ys := row.Get("x"), row.Get("y"); xs != "" && ys != "" {
			x, errX := strconv.ParseFloat(xs, 64)
			y, errY := strconv.ParseFloat(ys, 64)
			if err := errors.Join(errX, errY); err != nil {
				return nil, fmt.Errorf("line %d: coordinates: %w", line, err)
			}
			d.Coord = &schema.Point{X: x, Y: y}
		}
		if d.ID == "" {
			d.AssignID()
		}
		defects = append(defects, d)
	}
	return defects, nil
}

// LoadDefects reads a defect list file.
func LoadDefects(path string) ([]schema.Defect, error) {
	r, err := ReadTextFile(path)
	if err != nil {
		return nil, err
	}
	defects, err := ReadDefects(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	return defects, nil
}

func atoiField(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	// Spreadsheet round trips turn 3 into 3.0.
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int(f)) {
		return int(f), nil
	}
	return strconv.Atoi(s)
}

// Row is one CSV record keyed by lower-cased header name.
type Row map[string]string

// Get returns the trimmed value of a column, or "" when absent.
func (r Row) Get(key string) string {
	return strings.TrimSpace(r[key])
}

// ReadTable reads a header row and the records below it. Blank lines are
// skipped and short rows are tolerated.
func ReadTable(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	var rows []Row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if isBlank(rec) {
			continue
		}
		row := make(Row, len(header))
		for i, v := range rec {
			if i < len(header) {
				row[header[i]] = v
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// Exists reports whether path names an existing file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
