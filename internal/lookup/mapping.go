package lookup

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/ktec-smt/aoirecord/internal/csvio"
)

// DefectName is one numbered entry of the defect-name table.
type DefectName struct {
	No   int    `json:"no" yaml:"no"`
	Name string `json:"name" yaml:"name"`
}

// DefectNames maps numeric shortcuts typed by operators to canonical defect
// names.
type DefectNames struct {
	byNo map[int]string
}

// ReadDefectNames parses a mapping table with "no,name" columns. Rows with
// a non-numeric number are skipped.
func ReadDefectNames(r io.Reader) (*DefectNames, error) {
	rows, err := csvio.ReadTable(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read defect mapping: %w", err)
	}
	m := &DefectNames{byNo: make(map[int]string, len(rows))}
	for _, row := range rows {
		no, err := strconv.Atoi(row.Get("no"))
		if err != nil {
			continue
		}
		if name := row.Get("name"); name != "" {
			m.byNo[no] = name
		}
	}
	return m, nil
}

// LoadDefectNames reads the mapping table file.
func LoadDefectNames(path string) (*DefectNames, error) {
	r, err := csvio.ReadTextFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open defect mapping: %w", err)
	}
	return ReadDefectNames(r)
}

// Convert returns the canonical name when text is a known number and text
// unchanged otherwise.
func (m *DefectNames) Convert(text string) string {
	if m == nil {
		return text
	}
	no, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return text
	}
	if name, ok := m.byNo[no]; ok {
		return name
	}
	return text
}

// All returns the table ordered by number.
func (m *DefectNames) All() []DefectName {
	if m == nil {
		return nil
	}
	out := make([]DefectName, 0, len(m.byNo))
	for no, name := range m.byNo {
		out = append(out, DefectName{No: no, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].No < out[j].No })
	return out
}
