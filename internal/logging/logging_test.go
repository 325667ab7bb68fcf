package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSink_StderrOnly(t *testing.T) {
	var stderr bytes.Buffer
	s := newSink(&stderr, Config{})
	defer s.Close()

	s.Logger("daemon").Println("Starting worker")
	if !strings.Contains(stderr.String(), "[daemon] ") || !strings.Contains(stderr.String(), "Starting worker") {
		t.Errorf("Unexpected output %q", stderr.String())
	}
	if err := s.Rotate(); err != nil {
		t.Errorf("Rotate() without a file = %v", err)
	}
}

func TestSink_File(t *testing.T) {
	var stderr bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "p4sync.log")
	s := newSink(&stderr, Config{File: path, MaxSizeMB: 1, MaxBackups: 2})

	s.Logger("claim").Println("ERROR: MANUAL CLEANUP REQUIRED")
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "[claim] ERROR: MANUAL CLEANUP REQUIRED") {
		t.Errorf("Log file missing line: %q", data)
	}
	if !strings.Contains(stderr.String(), "MANUAL CLEANUP") {
		t.Errorf("stderr missing line: %q", stderr.String())
	}
}

func TestSink_Debugf(t *testing.T) {
	var stderr bytes.Buffer
	s := newSink(&stderr, Config{})
	l := s.Logger("scope")

	s.Debugf(l, "probe %s", "//depot/a")
	if stderr.Len() != 0 {
		t.Fatalf("Debugf wrote while disabled: %q", stderr.String())
	}

	s.SetDebug(true)
	s.Debugf(l, "probe %s", "//depot/a")
	if !strings.Contains(stderr.String(), "DEBUG: probe //depot/a") {
		t.Errorf("Unexpected debug output %q", stderr.String())
	}
}
