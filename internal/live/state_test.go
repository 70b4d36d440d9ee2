package live

import (
	"testing"

	"github.com/stemsi/examroom-backend/internal/model"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to model.AttemptStatus
		want     bool
	}{
		{model.AttemptStatusInactive, model.AttemptStatusInRoom, true},
		{model.AttemptStatusInRoom, model.AttemptStatusInProgress, true},
		{model.AttemptStatusInProgress, model.AttemptStatusFinished, true},

		// No skipping forward.
		{model.AttemptStatusInactive, model.AttemptStatusInProgress, false},
		{model.AttemptStatusInactive, model.AttemptStatusFinished, false},
		{model.AttemptStatusInRoom, model.AttemptStatusFinished, false},

		// No moving backward.
		{model.AttemptStatusInRoom, model.AttemptStatusInactive, false},
		{model.AttemptStatusInProgress, model.AttemptStatusInRoom, false},
		{model.AttemptStatusFinished, model.AttemptStatusInProgress, false},
		{model.AttemptStatusFinished, model.AttemptStatusInRoom, false},
		{model.AttemptStatusFinished, model.AttemptStatusInactive, false},

		// Idempotent re-entry.
		{model.AttemptStatusInactive, model.AttemptStatusInactive, true},
		{model.AttemptStatusInRoom, model.AttemptStatusInRoom, true},
		{model.AttemptStatusInProgress, model.AttemptStatusInProgress, true},
		{model.AttemptStatusFinished, model.AttemptStatusFinished, true},
	}

	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(model.AttemptStatusFinished) {
		t.Error("FINISHED must be terminal")
	}
	for _, s := range []model.AttemptStatus{
		model.AttemptStatusInactive,
		model.AttemptStatusInRoom,
		model.AttemptStatusInProgress,
	} {
		if IsTerminal(s) {
			t.Errorf("%s must not be terminal", s)
		}
	}
}
