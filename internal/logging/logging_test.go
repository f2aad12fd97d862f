package logging

import "testing"

func TestNewAcceptsKnownLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		logger, err := New(level, false)
		if err != nil {
			t.Fatalf("New(%q, false) error: %v", level, err)
		}
		logger.Sync() //nolint:errcheck
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("verbose", false); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewDaemonLogger(t *testing.T) {
	logger, err := New("info", true)
	if err != nil {
		t.Fatalf("New daemon: %v", err)
	}
	if !logger.Core().Enabled(0) {
		t.Fatal("info level not enabled")
	}
	if logger.Core().Enabled(-1) {
		t.Fatal("debug level enabled at info")
	}
	logger.Sync() //nolint:errcheck
}
