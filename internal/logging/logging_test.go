package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestNew_FileAndConsole tests lines reach both the file and the console
func TestNew_FileAndConsole(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "aoi.log")

	l, err := New(Options{File: path, MaxSizeMB: 1, MaxBackups: 2, Console: &console})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	l.Component("kintone").Printf("connected to %s", "ktec")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	for name, got := range map[string]string{"file": string(data), "console": console.String()} {
		if !strings.Contains(got, "[kintone] ") || !strings.Contains(got, "connected to ktec") {
			t.Errorf("%s output = %q", name, got)
		}
	}
}

func TestNew_ConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	l, err := New(Options{Console: &console})
	if err != nil {
		t.Fatal(err)
	}
	l.Component("session").Print("hello")
	if !strings.Contains(console.String(), "[session] hello") {
		t.Errorf("console = %q", console.String())
	}
	if err := l.Rotate(); err != nil {
		t.Errorf("Rotate() without file = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close() without file = %v", err)
	}
}

func TestWriteStartupError(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteStartupError(dir, errors.New("settings unreadable"))
	if err != nil {
		t.Fatalf("WriteStartupError() failed: %v", err)
	}
	if _, err := WriteStartupError(dir, errors.New("second")); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 2 {
		t.Errorf("error.log has %d lines, want 2", lines)
	}
	if !strings.Contains(string(data), "settings unreadable") {
		t.Errorf("error.log = %q", data)
	}
}
