package lookup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/ktec-smt/aoirecord/internal/csvio"
)

// ScheduleCacheFile is the cache written after a successful workbook read.
const ScheduleCacheFile = "smt_schedule.csv"

// ScheduleHeader is the column order of the schedule cache.
var ScheduleHeader = []string{"lot_number", "model_code", "machine_name"}

// header aliases accepted in schedule workbooks, lower-cased
var scheduleColumns = map[string][]string{
	"lot_number":   {"lot_number", "指図", "指図番号", "lot"},
	"model_code":   {"model_code", "品目コード", "品目", "item_code"},
	"machine_name": {"machine_name", "号機", "ライン", "line"},
}

// LotInfo is what the production schedule knows about a lot.
type LotInfo struct {
	LotNumber string `json:"lot_number" yaml:"lot_number"`
	ModelCode string `json:"model_code" yaml:"model_code"`
	LineName  string `json:"machine_name" yaml:"machine_name"`
}

// Schedule maps lot numbers to their schedule entry.
type Schedule struct {
	byLot map[string]LotInfo
}

// NewSchedule builds a schedule from entries. Later entries for the same
// lot win.
func NewSchedule(entries []LotInfo) *Schedule {
	s := &Schedule{byLot: make(map[string]LotInfo, len(entries))}
	for _, e := range entries {
		e.LotNumber = strings.TrimSpace(e.LotNumber)
		if e.LotNumber == "" {
			continue
		}
		e.ModelCode = strings.ToUpper(strings.TrimSpace(e.ModelCode))
		e.LineName = strings.TrimSpace(e.LineName)
		s.byLot[e.LotNumber] = e
	}
	return s
}

// Lookup returns the entry for lot.
func (s *Schedule) Lookup(lot string) (LotInfo, bool) {
	if s == nil {
		return LotInfo{}, false
	}
	info, ok := s.byLot[strings.TrimSpace(lot)]
	return info, ok
}

// Len returns the number of lots known.
func (s *Schedule) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byLot)
}

// Entries returns every entry ordered by lot number.
func (s *Schedule) Entries() []LotInfo {
	if s == nil {
		return nil
	}
	out := make([]LotInfo, 0, len(s.byLot))
	for _, e := range s.byLot {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LotNumber < out[j].LotNumber })
	return out
}

// ReadScheduleCSV parses a schedule cache.
func ReadScheduleCSV(r io.Reader) (*Schedule, error) {
	rows, err := csvio.ReadTable(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule: %w", err)
	}
	entries := make([]LotInfo, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, LotInfo{
			LotNumber: row.Get("lot_number"),
			ModelCode: row.Get("model_code"),
			LineName:  row.Get("machine_name"),
		})
	}
	return NewSchedule(entries), nil
}

// LoadScheduleCSV reads a schedule cache file.
func LoadScheduleCSV(path string) (*Schedule, error) {
	r, err := csvio.ReadTextFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open schedule cache: %w", err)
	}
	return ReadScheduleCSV(r)
}

// SaveCache writes the schedule to path in the cache layout.
func (s *Schedule) SaveCache(path string) error {
	entries := s.Entries()
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{e.LotNumber, e.ModelCode, e.LineName})
	}
	if err := csvio.SaveTable(path, ScheduleHeader, rows); err != nil {
		return fmt.Errorf("failed to write schedule cache: %w", err)
	}
	return nil
}

// LoadScheduleXLSX reads every sheet of a schedule workbook. A sheet
// contributes rows below the first row that names a lot column; sheets
// without one are ignored.
func LoadScheduleXLSX(path string) (*Schedule, error) {
	entries, err := readWorkbook(path)
	if err != nil {
		return nil, err
	}
	return NewSchedule(entries), nil
}

// LoadScheduleDir reads every workbook in dir in name order, skipping the
// lock files Excel leaves next to open workbooks.
func LoadScheduleDir(dir string) (*Schedule, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule directory: %w", err)
	}
	var entries []LotInfo
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, "~$") {
			continue
		}
		switch strings.ToLower(filepath.Ext(name)) {
		case ".xlsx", ".xlsm":
		default:
			continue
		}
		got, err := readWorkbook(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		entries = append(entries, got...)
	}
	return NewSchedule(entries), nil
}

func readWorkbook(path string) ([]LotInfo, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var entries []LotInfo
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet %s: %w", sheet, err)
		}
		entries = append(entries, sheetEntries(rows)...)
	}
	return entries, nil
}

func sheetEntries(rows [][]string) []LotInfo {
	for i, row := range rows {
		cols := headerColumns(row)
		lotCol, ok := cols["lot_number"]
		if !ok {
			continue
		}
		var entries []LotInfo
		for _, rec := range rows[i+1:] {
			lot := cell(rec, lotCol)
			if lot == "" {
				continue
			}
			entries = append(entries, LotInfo{
				LotNumber: lot,
				ModelCode: cell(rec, colOr(cols, "model_code")),
				LineName:  cell(rec, colOr(cols, "machine_name")),
			})
		}
		return entries
	}
	return nil
}

func headerColumns(row []string) map[string]int {
	cols := make(map[string]int)
	for i, v := range row {
		v = strings.ToLower(strings.TrimSpace(v))
		for key, aliases := range scheduleColumns {
			if _, seen := cols[key]; seen {
				continue
			}
			for _, a := range aliases {
				if v == a {
					cols[key] = i
				}
			}
		}
	}
	return cols
}

func colOr(cols map[string]int, key string) int {
	if i, ok := cols[key]; ok {
		return i
	}
	return -1
}

func cell(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}
