package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/ktec-smt/aoirecord/internal/config"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 5, 15, 10, 0, 0, 0, time.Local)

	got, err := parseSince("2024-05-01", now)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, time.Local)) {
		t.Errorf("date = %v", got)
	}

	got, err = parseSince("2024/04/30", now)
	if err != nil {
		t.Fatal(err)
	}
	if got.Day() != 30 || got.Month() != time.April {
		t.Errorf("slash date = %v", got)
	}

	got, err = parseSince("yesterday", now)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Before(now) || now.Sub(got) > 48*time.Hour {
		t.Errorf("yesterday = %v", got)
	}

	if got, err := parseSince("  ", now); err != nil || !got.IsZero() {
		t.Errorf("blank = %v, %v", got, err)
	}
	if _, err := parseSince("qwerty", now); err == nil {
		t.Error("expected error for unparseable text")
	}
}

func TestCheckFormat(t *testing.T) {
	for _, f := range []string{formatTable, formatJSON, formatYAML} {
		if err := checkFormat(f); err != nil {
			t.Errorf("checkFormat(%q) = %v", f, err)
		}
	}
	if err := checkFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestWriteData(t *testing.T) {
	v := map[string]int{"defects": 3}

	var buf bytes.Buffer
	if err := writeData(&buf, formatYAML, v); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "defects: 3" {
		t.Errorf("yaml = %q", buf.String())
	}

	buf.Reset()
	if err := writeData(&buf, formatJSON, v); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"defects": 3`) {
		t.Errorf("json = %q", buf.String())
	}
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	writeTable(&buf, []string{"No", "不良名"}, [][]string{{"1", "ショート"}, {"2", "欠品"}})
	out := buf.String()
	for _, want := range []string{"No", "不良名", "ショート", "欠品"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestSetSetting(t *testing.T) {
	s := config.Default()
	for _, key := range settingKeys {
		value := "x"
		switch key {
		case "dashboard.enabled":
			value = "true"
		case "dashboard.port", "kintone.timeout_seconds":
			value = "30"
		}
		if err := setSetting(s, key, value); err != nil {
			t.Errorf("setSetting(%s) = %v", key, err)
		}
	}
	if !s.Dashboard.Enabled || s.Dashboard.Port != 30 || s.Directories.Shared != "x" {
		t.Errorf("settings = %+v", s)
	}

	if err := setSetting(s, "dashboard.port", "eighty"); err == nil {
		t.Error("expected error for non-numeric port")
	}
	if err := setSetting(s, "kintone.api_token", "secret"); err == nil {
		t.Error("api token must not be settable")
	}
}
