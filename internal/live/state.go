package live

import "github.com/stemsi/examroom-backend/internal/model"

// Allowed attempt status transitions. FINISHED is terminal: a new
// attempt for the same participant and course is a new logical session,
// gated by the attempt-count rules, not a transition out of FINISHED.
var transitions = map[model.AttemptStatus][]model.AttemptStatus{
	model.AttemptStatusInactive:   {model.AttemptStatusInRoom},
	model.AttemptStatusInRoom:     {model.AttemptStatusInProgress},
	model.AttemptStatusInProgress: {model.AttemptStatusFinished},
	model.AttemptStatusFinished:   {},
}

// CanTransition reports whether moving from one attempt status to
// another is legal. Self-transitions are allowed (idempotent re-entry).
func CanTransition(from, to model.AttemptStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func IsTerminal(s model.AttemptStatus) bool {
	return s == model.AttemptStatusFinished
}
