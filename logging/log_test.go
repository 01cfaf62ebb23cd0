package logging

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesToFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "carbon.log")
	log, err := New("info", file)
	if err != nil {
		t.Fatal(err)
	}
	RequestLog(log, "GET", "/ping", "HTTP/2.0", "127.0.0.1:5000", 200)
	ErrorLog(log, errors.New("boom"))
	log.Debug("not written")
	log.Sync()

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if !strings.Contains(out, "GET /ping HTTP/2.0") {
		t.Errorf("request line missing from log: %q", out)
	}
	if !strings.Contains(out, "Error: boom") {
		t.Errorf("error entry missing from log: %q", out)
	}
	if strings.Contains(out, "not written") {
		t.Error("debug entry written at info level")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("loud", ""); err == nil {
		t.Error("unknown level accepted")
	}
}
