package service

import (
	"context"
	"time"

	"github.com/stemsi/examroom-backend/internal/model"
)

// Store contracts consumed by the session and access services. The pgx
// repositories satisfy them in production; tests substitute fakes so
// failure paths (rollbacks, rejections) can be exercised directly.

// UserStore reads user accounts.
type UserStore interface {
	GetByID(ctx context.Context, id int) (*model.User, error)
}

// CourseStore reads course configuration.
type CourseStore interface {
	GetByID(ctx context.Context, id int) (*model.Course, error)
	CountQuestions(ctx context.Context, courseID int) (int, error)
}

// AttemptStore reads and writes durable exam attempt state.
type AttemptStore interface {
	Latest(ctx context.Context, userID, courseID int) (*model.ExamAttempt, error)
	SetStatus(ctx context.Context, userID, courseID int, status model.AttemptStatus) error
	MarkStarted(ctx context.Context, userID, courseID int, startedAt time.Time, attempt int) error
	MarkFinished(ctx context.Context, userID, courseID int, finishedAt time.Time, timeExpired bool) error
	RemainingSeconds(ctx context.Context, userID, courseID int) (int, bool, error)
	SaveRemainingSeconds(ctx context.Context, userID, courseID, seconds int) error
	Reset(ctx context.Context, courseID int, userID *int) error
}

// AnswerStore reads and writes submitted answers.
type AnswerStore interface {
	Upsert(ctx context.Context, a model.Answer) error
	SetFlag(ctx context.Context, userID, courseID, questionID, attempt int, flag bool) error
	ListForParticipant(ctx context.Context, userID, courseID int) ([]model.Answer, error)
	CountAnswered(ctx context.Context, userID, courseID int) (int, error)
}
