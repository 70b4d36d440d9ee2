package logger

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSetupConfiguresGlobals(t *testing.T) {
	Setup("debug", "json")

	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("global level = %s, want debug", zerolog.GlobalLevel())
	}
	if zerolog.TimeFieldFormat != time.RFC3339 {
		t.Fatalf("time field format = %q, want RFC3339", zerolog.TimeFieldFormat)
	}
}

func TestSetupFallsBackToInfoOnBadLevel(t *testing.T) {
	Setup("verbose", "json")

	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("global level = %s, want info fallback", zerolog.GlobalLevel())
	}
}
