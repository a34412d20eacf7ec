package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info().Str("upload_id", "abc").Msg("import started")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if entry["message"] != "import started" {
		t.Errorf("unexpected message: %v", entry["message"])
	}
	if entry["upload_id"] != "abc" {
		t.Errorf("unexpected upload_id: %v", entry["upload_id"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected timestamp field")
	}
}

func TestNewWithWriter_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn", "json")
	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered at warn level, got %q", buf.String())
	}
	logger.Warn().Msg("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("expected warn entry, got %q", buf.String())
	}
}

func TestNewWithWriter_UnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "chatty", "json")
	logger.Debug().Msg("debug")
	logger.Info().Msg("info")
	out := buf.String()
	if strings.Contains(out, `"debug"`) && strings.Contains(out, `"message":"debug"`) {
		t.Errorf("debug should be filtered, got %q", out)
	}
	if !strings.Contains(out, `"message":"info"`) {
		t.Errorf("expected info entry, got %q", out)
	}
}

func TestNewWithWriter_Console(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "console")
	logger.Info().Msg("hello")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("expected console output, got JSON: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("expected message in output, got %q", buf.String())
	}
}

func TestNew_WritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labflow.log")
	logger := New("info", "json", FileOptions{Path: path})
	logger.Info().Str("upload_id", "xyz").Msg("import finished")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected log file: %v", err)
	}
	if !strings.Contains(string(data), `"upload_id":"xyz"`) {
		t.Errorf("expected entry in file, got %q", data)
	}
}

func TestRotatingFile_Defaults(t *testing.T) {
	l := rotatingFile(FileOptions{Path: "x.log"})
	if l.MaxSize != 10 || l.MaxBackups != 7 || l.MaxAge != 28 || !l.Compress {
		t.Errorf("unexpected defaults: %+v", l)
	}
	l = rotatingFile(FileOptions{Path: "x.log", MaxSize: 50, MaxBackups: 2, MaxAge: 3})
	if l.MaxSize != 50 || l.MaxBackups != 2 || l.MaxAge != 3 {
		t.Errorf("explicit options not kept: %+v", l)
	}
}
