package log

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupAndRecoverPanic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ropfuscator.log")
	Setup(path, true)
	if !Initialized() {
		t.Fatal("Setup did not initialize")
	}

	cleaned := false
	func() {
		defer RecoverPanic("worker", func() { cleaned = true })
		panic("boom")
	}()
	if !cleaned {
		t.Error("cleanup did not run")
	}

	slog.Debug("after panic")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Panic in worker", "boom", "after panic"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log file missing %q:\n%s", want, data)
		}
	}
}
