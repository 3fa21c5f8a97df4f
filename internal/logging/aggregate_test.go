package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeLog(t *testing.T, dir string, lines ...string) {
	t.Helper()
	var data []byte
	for _, l := range lines {
		data = append(data, l...)
		data = append(data, '\n')
	}
	if err := os.WriteFile(filepath.Join(dir, LogFileName), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReadLogs(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir,
		`{"time":"2026-03-01T10:00:02Z","level":"WARN","msg":"escalation fired","role_id":"qa","component":"escalation","condition":"blocked_for_24h"}`,
		`not json`,
		``,
		`{"time":"2026-03-01T10:00:01Z","level":"INFO","msg":"phase changed","role_id":"dev","phase":"review"}`,
	)

	entries, err := ReadLogs(dir)
	if err != nil {
		t.Fatalf("ReadLogs failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Message != "phase changed" {
		t.Errorf("entries not sorted by time: first = %q", entries[0].Message)
	}
	if entries[1].Attrs["condition"] != "blocked_for_24h" {
		t.Errorf("condition attr = %v", entries[1].Attrs["condition"])
	}
	if entries[1].Component != "escalation" {
		t.Errorf("Component = %q, want escalation", entries[1].Component)
	}
}

func TestReadLogsMissing(t *testing.T) {
	if _, err := ReadLogs(t.TempDir()); err == nil {
		t.Error("expected error for missing log file")
	}
}

func TestFilterLogs(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	entries := []LogEntry{
		{Timestamp: base, Level: "DEBUG", Message: "resolve pass", Component: "resolver"},
		{Timestamp: base.Add(time.Minute), Level: "INFO", Message: "Phase changed", RoleID: "qa"},
		{Timestamp: base.Add(2 * time.Minute), Level: "ERROR", Message: "heartbeat lost", RoleID: "dev", Component: "supervisor"},
	}

	tests := []struct {
		name   string
		filter LogFilter
		want   int
	}{
		{"empty filter", LogFilter{}, 3},
		{"min level", LogFilter{Level: "info"}, 2},
		{"role", LogFilter{RoleID: "dev"}, 1},
		{"component", LogFilter{Component: "resolver"}, 1},
		{"since", LogFilter{Since: base.Add(90 * time.Second)}, 1},
		{"message case-insensitive", LogFilter{MessageContains: "phase"}, 1},
		{"combined no match", LogFilter{RoleID: "qa", Level: "ERROR"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(FilterLogs(entries, tt.filter)); got != tt.want {
				t.Errorf("FilterLogs() returned %d entries, want %d", got, tt.want)
			}
		})
	}
}
