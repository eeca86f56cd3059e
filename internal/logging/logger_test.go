package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func TestLevel(t *testing.T) {
	tests := map[string]log.Level{
		"debug":   log.DebugLevel,
		"warn":    log.WarnLevel,
		"error":   log.ErrorLevel,
		"info":    log.InfoLevel,
		"":        log.InfoLevel,
		"verbose": log.InfoLevel,
	}
	for in, want := range tests {
		if got := Level(in); got != want {
			t.Errorf("Level(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerWithWriter(t *testing.T) {
	t.Setenv(envLevel, "warn")
	t.Setenv(envPrefix, "")

	var buf bytes.Buffer
	lg := NewLoggerWithWriter(&buf)
	lg.Info("hidden")
	lg.Warn("shown", "gadgets", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message logged at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "gadgets=3") {
		t.Errorf("warn message missing: %q", out)
	}
	if !strings.Contains(out, "ropfuscator") {
		t.Errorf("default prefix missing: %q", out)
	}
	if err := lg.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestNewLoggerToFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	t.Setenv(envToFile, "1")
	t.Setenv(envLevel, "debug")

	lg := NewLogger()
	lg.Debug("to file")
	if err := lg.Close(); err != nil {
		t.Fatal(err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "ropfuscator-*.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("log files = %v, %v", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file = %q", data)
	}
	if !IsDebug() {
		t.Error("IsDebug() = false with debug level")
	}
}
