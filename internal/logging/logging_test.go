package logging

import (
	"testing"

	"go.uber.org/zap"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level, format string
		debug         bool
	}{
		{"debug", "json", true},
		{"info", "console", false},
		{"bogus", "json", false},
	}
	for _, tt := range tests {
		logger, err := New(tt.level, tt.format)
		if err != nil {
			t.Fatalf("New(%q, %q): %v", tt.level, tt.format, err)
		}
		if got := logger.Core().Enabled(zap.DebugLevel); got != tt.debug {
			t.Errorf("New(%q): debug enabled = %v, want %v", tt.level, got, tt.debug)
		}
	}
}
