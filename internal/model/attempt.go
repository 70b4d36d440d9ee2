package model

import "time"

// AttemptStatus enumerates exam attempt states. Transitions are
// one-directional: INACTIVE → IN_ROOM → IN_PROGRESS → FINISHED.
type AttemptStatus string

const (
	AttemptStatusInactive   AttemptStatus = "INACTIVE"
	AttemptStatusInRoom     AttemptStatus = "IN_ROOM"
	AttemptStatusInProgress AttemptStatus = "IN_PROGRESS"
	AttemptStatusFinished   AttemptStatus = "FINISHED"
)

// ExamAttempt is the durable record of a participant's exam attempt for
// one course. It is the source of truth across restarts; the live
// registry only caches it.
type ExamAttempt struct {
	UserID      int           `json:"user_id"`
	CourseID    int           `json:"course_id"`
	Status      AttemptStatus `json:"status"`
	Attempt     int           `json:"attempt"`
	TimeExpired bool          `json:"time_expired"`
	StartTime   *time.Time    `json:"start_time,omitempty"`
	EndTime     *time.Time    `json:"end_time,omitempty"`
}

// TimerSnapshot is the last persisted remaining time for an attempt,
// used to rebuild the countdown after a reconnect or process restart.
type TimerSnapshot struct {
	UserID       int       `json:"user_id"`
	CourseID     int       `json:"course_id"`
	WaktuTersisa int       `json:"waktu_tersisa"`
	UpdatedAt    time.Time `json:"updated_at"`
}
