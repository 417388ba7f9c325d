package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"bogus", "INFO"},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in).String(); got != tt.want {
			t.Errorf("parseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestComponentFiltering(t *testing.T) {
	if err := Initialize(Config{Level: "debug", Components: []string{"gateway"}}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = Initialize(Config{Level: "info"})
	})

	if !isComponentAllowed("gateway") {
		t.Error("allowed component filtered out")
	}
	if isComponentAllowed("session") {
		t.Error("unlisted component allowed")
	}
}

func TestFileLogging(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tether.log")
	if err := Initialize(Config{
		Level:   "info",
		FileLog: &FileLogConfig{Path: path},
	}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = Close()
		_ = Initialize(Config{Level: "info"})
	})

	Gateway().Info("hello from test", "key", "value")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Errorf("log line missing: %s", data)
	}
}
