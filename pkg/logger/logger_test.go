package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNamedAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	Use(slog.New(slog.NewJSONHandler(&buf, nil)))

	Named("dispatcher").Info("hello", slog.String("task_id", "t-1"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["component"] != "dispatcher" || entry["task_id"] != "t-1" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestInitWritesAuditFile(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "tasks.log")
	err := Init(Config{
		Level:       "debug",
		OutputPaths: []string{filepath.Join(dir, "app.log")},
		Service:     "orchestrator",
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Sync() })

	Audit().Info("task completed", slog.String("task_id", "t-2"))
	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(data), `"service":"orchestrator"`) || !strings.Contains(string(data), "t-2") {
		t.Fatalf("unexpected audit content: %s", data)
	}
}

func TestInitRejectsEmptyAuditPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatal("expected error for empty audit path")
	}
}

func TestAuditWriterRotatesIntoBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	w, err := newAuditWriter(AuditConfig{Path: path, MaxBackups: 2})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	if w.MaxSize != 100 || w.MaxAge != 30 {
		t.Fatalf("defaults not applied: size=%d age=%d", w.MaxSize, w.MaxAge)
	}
	if _, err := w.Write([]byte("first\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := w.Write([]byte("second\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected current file and one backup, got %d", len(entries))
	}
}
