package lookup

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/ktec-smt/aoirecord/internal/schema"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// TestUsers_Lookup tests ids are matched upper-cased
func TestUsers_Lookup(t *testing.T) {
	u, err := ReadUsers(strings.NewReader("id,name\nk001,山田\nK002,佐藤\n,nobody\n"))
	if err != nil {
		t.Fatalf("ReadUsers() failed: %v", err)
	}
	got, ok := u.Lookup(" k001 ")
	if !ok || got.Name != "山田" || got.ID != "K001" {
		t.Errorf("Lookup(k001) = %+v, %v", got, ok)
	}
	if _, ok := u.Lookup("K999"); ok {
		t.Error("Lookup(K999) found a user")
	}
	if all := u.All(); len(all) != 2 || all[0].ID != "K001" {
		t.Errorf("All() = %+v", all)
	}

	var nilUsers *Users
	if _, ok := nilUsers.Lookup("K001"); ok {
		t.Error("nil Users found a user")
	}
}

func TestLoadUsers_Missing(t *testing.T) {
	if _, err := LoadUsers(filepath.Join(t.TempDir(), "user.csv")); err == nil {
		t.Error("LoadUsers() succeeded on a missing file")
	}
}

func TestDefectNames_Convert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defect_mapping.csv")
	writeFile(t, path, "\ufeffno,name\n1,コテ不足\n2,ブリッジ\nx,skip\n")

	m, err := LoadDefectNames(path)
	if err != nil {
		t.Fatalf("LoadDefectNames() failed: %v", err)
	}
	tests := []struct {
		in   string
		want string
	}{
		{"1", "コテ不足"},
		{" 2 ", "ブリッジ"},
		{"3", "3"},
		{"ズレ", "ズレ"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := m.Convert(tt.in); got != tt.want {
			t.Errorf("Convert(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if all := m.All(); len(all) != 2 || all[0].No != 1 || all[1].Name != "ブリッジ" {
		t.Errorf("All() = %+v", all)
	}

	var nilNames *DefectNames
	if got := nilNames.Convert("1"); got != "1" {
		t.Errorf("nil Convert() = %q", got)
	}
}

// TestSchedule_CacheRoundTrip tests SaveCache then LoadScheduleCSV
func TestSchedule_CacheRoundTrip(t *testing.T) {
	s := NewSchedule([]LotInfo{
		{LotNumber: "1234567-10", ModelCode: "y8470722r", LineName: "M1"},
		{LotNumber: "7654321-20", ModelCode: "Z100", LineName: "M2"},
		{LotNumber: " ", ModelCode: "ignored"},
	})
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}

	path := filepath.Join(t.TempDir(), ScheduleCacheFile)
	if err := s.SaveCache(path); err != nil {
		t.Fatalf("SaveCache() failed: %v", err)
	}
	got, err := LoadScheduleCSV(path)
	if err != nil {
		t.Fatalf("LoadScheduleCSV() failed: %v", err)
	}
	info, ok := got.Lookup("1234567-10")
	if !ok || info.ModelCode != "Y8470722R" || info.LineName != "M1" {
		t.Errorf("Lookup() = %+v, %v", info, ok)
	}
	if _, ok := got.Lookup("0000000-10"); ok {
		t.Error("Lookup() found an unknown lot")
	}
}

// TestLoadScheduleDir tests workbooks with Japanese headers below a title row
func TestLoadScheduleDir(t *testing.T) {
	dir := t.TempDir()

	f := excelize.NewFile()
	rows := [][]interface{}{
		{"SMT生産計画"},
		{"号機", "指図", "品目コード", "数量"},
		{"M1", "1234567-10", "Y8470722R", 100},
		{"M2", "", "", 0},
		{"M3", "7654321-20", "z100", 50},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.SetSheetRow("Sheet1", cell, &row); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.SaveAs(filepath.Join(dir, "plan.xlsx")); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()
	writeFile(t, filepath.Join(dir, "~$plan.xlsx"), "locked")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	s, err := LoadScheduleDir(dir)
	if err != nil {
		t.Fatalf("LoadScheduleDir() failed: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (%+v)", s.Len(), s.Entries())
	}
	info, _ := s.Lookup("7654321-20")
	if info.ModelCode != "Z100" || info.LineName != "M3" {
		t.Errorf("Lookup() = %+v", info)
	}
}

func TestFindImage(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"Y8470722R_CN-SNDDJ0CJ_411CA_S面.jpg",
		"Y8470722R_20_CN-SNDDJ0CJ_411CA_C面.jpg",
		"Y8470722R_20_notes.txt",
		"Z100_A_B_C.png",
	} {
		writeFile(t, filepath.Join(dir, name), "x")
	}

	tests := []struct {
		name    string
		lot     string
		item    string
		want    string
		wantErr error
	}{
		{"suffix preferred", "1234567-20", "Y8470722R", "Y8470722R_20_CN-SNDDJ0CJ_411CA_C面.jpg", nil},
		{"item fallback", "1234567-10", "Y8470722R", "Y8470722R_20_CN-SNDDJ0CJ_411CA_C面.jpg", nil},
		{"lower-case item", "1234567-10", "z100", "Z100_A_B_C.png", nil},
		{"unknown item", "1234567-10", "Q1", "", ErrImageNotFound},
		{"invalid lot", "123-10", "Y8470722R", "", schema.ErrInvalidLotNumber},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FindImage(dir, tt.lot, tt.item)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("FindImage() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("FindImage() failed: %v", err)
			}
			if filepath.Base(got) != tt.want {
				t.Errorf("FindImage() = %q, want %q", filepath.Base(got), tt.want)
			}
		})
	}
}

func TestParseImageName(t *testing.T) {
	n, err := ParseImageName("/img/" + ImageNameExample)
	if err != nil {
		t.Fatalf("ParseImageName() failed: %v", err)
	}
	if n.ItemCode != "Y8470722R_20" || n.Model != "CN-SNDDJ0CJ" || n.Board != "411CA" || n.Side != "S面" {
		t.Errorf("ParseImageName() = %+v", n)
	}
	if n.ModelLabel() != "CN-SNDDJ0CJ 411CA" || n.BoardLabel() != "CN-SNDDJ0CJ 411CA S面" {
		t.Errorf("labels = %q / %q", n.ModelLabel(), n.BoardLabel())
	}

	for _, bad := range []string{"Y8470722R_CN_411CA.jpg", "noparts.png", "_A_B_C.jpg"} {
		if _, err := ParseImageName(bad); !errors.Is(err, ErrImageNameFormat) {
			t.Errorf("ParseImageName(%q) error = %v, want ErrImageNameFormat", bad, err)
		}
	}
}
