// Package csvio reads and writes the CSV interchange files: defect lists,
// repair lists, and the small lookup tables maintained by hand in Excel.
//
// Files are written as UTF-8 with a byte order mark so that Excel opens them
// with the right encoding. Files are read as UTF-8 (BOM optional) and fall
// back to Shift-JIS, which is what Excel writes on Japanese Windows when the
// user picks plain "CSV".
package csvio

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"unicode/utf8"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// NewTextReader returns a reader yielding UTF-8 text from data, stripping a
// UTF-8 BOM or decoding Shift-JIS when data is not valid UTF-8.
func NewTextReader(data []byte) io.Reader {
	if utf8.Valid(data) {
		return transform.NewReader(bytes.NewReader(data), unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	}
	return transform.NewReader(bytes.NewReader(data), japanese.ShiftJIS.NewDecoder())
}

// ReadTextFile reads path and decodes it as NewTextReader does.
func ReadTextFile(path string) (io.Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewTextReader(data), nil
}

// NewBOMWriter returns a writer that prefixes a UTF-8 BOM to w. The returned
// closer must be closed to flush the encoder; it does not close w.
func NewBOMWriter(w io.Writer) io.WriteCloser {
	return transform.NewWriter(w, unicode.UTF8BOM.NewEncoder())
}

// writeFileAtomic writes through a temporary file in the target directory
// and renames it over path. A file held open by another application surfaces
// as a permission error from the rename.
func writeFileAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".aoi-*.csv")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	bw := NewBOMWriter(tmp)
	if err := write(bw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := bw.Close(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// SaveTable writes header and rows to path as UTF-8 CSV with BOM.
func SaveTable(path string, header []string, rows [][]string) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(header); err != nil {
			return err
		}
		if err := cw.WriteAll(rows); err != nil {
			return err
		}
		return cw.Error()
	})
}
