package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew_Levels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		opts Options
		want zapcore.Level
	}{
		{Options{}, zapcore.InfoLevel},
		{Options{Level: "debug"}, zapcore.DebugLevel},
		{Options{Level: "warn", Development: true}, zapcore.WarnLevel},
	}
	for _, tt := range tests {
		log, err := New(tt.opts)
		if err != nil {
			t.Fatalf("New(%+v) error = %v", tt.opts, err)
		}
		if !log.Core().Enabled(tt.want) {
			t.Fatalf("New(%+v): level %v disabled", tt.opts, tt.want)
		}
		if tt.want > zapcore.DebugLevel && log.Core().Enabled(tt.want-1) {
			t.Fatalf("New(%+v): level %v enabled, want %v minimum", tt.opts, tt.want-1, tt.want)
		}
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
