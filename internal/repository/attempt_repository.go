package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/examroom-backend/internal/model"
)

// AttemptRepository handles exam attempt records and timer snapshots.
// It also implements live.TimerStore.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// Latest returns the attempt record for the pair, or nil when the
// participant has never touched the course.
func (r *AttemptRepository) Latest(ctx context.Context, userID, courseID int) (*model.ExamAttempt, error) {
	a := &model.ExamAttempt{}
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, course_id, status, attemp, time_expired, start_time, end_time
		 FROM exam_attempts
		 WHERE user_id = $1 AND course_id = $2`, userID, courseID,
	).Scan(&a.UserID, &a.CourseID, &a.Status, &a.Attempt, &a.TimeExpired, &a.StartTime, &a.EndTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// SetStatus upserts the attempt row with the given status, leaving the
// other columns untouched. Used for the IN_ROOM transition.
func (r *AttemptRepository) SetStatus(ctx context.Context, userID, courseID int, status model.AttemptStatus) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO exam_attempts (user_id, course_id, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, course_id) DO UPDATE SET status = EXCLUDED.status`,
		userID, courseID, status)
	return err
}

// MarkStarted upserts the attempt row into IN_PROGRESS with a fresh
// start time and attempt number, clearing any previous terminal state.
func (r *AttemptRepository) MarkStarted(ctx context.Context, userID, courseID int, startedAt time.Time, attempt int) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO exam_attempts (user_id, course_id, status, attemp, start_time)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, course_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   attemp = EXCLUDED.attemp,
		   start_time = EXCLUDED.start_time,
		   end_time = NULL,
		   time_expired = FALSE`,
		userID, courseID, model.AttemptStatusInProgress, attempt, startedAt)
	return err
}

// MarkFinished moves the attempt into its terminal state.
func (r *AttemptRepository) MarkFinished(ctx context.Context, userID, courseID int, finishedAt time.Time, timeExpired bool) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exam_attempts
		 SET status = $1, end_time = $2, time_expired = $3
		 WHERE user_id = $4 AND course_id = $5`,
		model.AttemptStatusFinished, finishedAt, timeExpired, userID, courseID)
	return err
}

// MarkTimeExpired finishes the attempt in its time-expired variant.
// Part of live.TimerStore.
func (r *AttemptRepository) MarkTimeExpired(ctx context.Context, userID, courseID int) error {
	return r.MarkFinished(ctx, userID, courseID, time.Now(), true)
}

// RemainingSeconds reads the persisted timer snapshot.
// Part of live.TimerStore.
func (r *AttemptRepository) RemainingSeconds(ctx context.Context, userID, courseID int) (int, bool, error) {
	var seconds int
	err := r.pool.QueryRow(ctx,
		`SELECT waktu_tersisa FROM timer_snapshots WHERE user_id = $1 AND course_id = $2`,
		userID, courseID,
	).Scan(&seconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return seconds, true, nil
}

// SaveRemainingSeconds upserts the timer snapshot.
// Part of live.TimerStore.
func (r *AttemptRepository) SaveRemainingSeconds(ctx context.Context, userID, courseID, seconds int) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO timer_snapshots (user_id, course_id, waktu_tersisa, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (user_id, course_id) DO UPDATE SET
		   waktu_tersisa = EXCLUDED.waktu_tersisa,
		   updated_at = NOW()`,
		userID, courseID, seconds)
	return err
}

// Reset wipes a course's (or one participant's) exam state: answers and
// timer snapshots are deleted and the attempt rows zeroed, all inside a
// single transaction. On any failure the whole reset rolls back.
func (r *AttemptRepository) Reset(ctx context.Context, courseID int, userID *int) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reset tx: %w", err)
	}
	defer tx.Rollback(ctx)

	answersQ := `DELETE FROM answers WHERE course_id = $1`
	timersQ := `DELETE FROM timer_snapshots WHERE course_id = $1`
	attemptsQ := `UPDATE exam_attempts
	              SET status = 'INACTIVE', attemp = 0, time_expired = FALSE,
	                  start_time = NULL, end_time = NULL
	              WHERE course_id = $1`
	args := []any{courseID}
	if userID != nil {
		answersQ += ` AND user_id = $2`
		timersQ += ` AND user_id = $2`
		attemptsQ += ` AND user_id = $2`
		args = append(args, *userID)
	}

	if _, err := tx.Exec(ctx, answersQ, args...); err != nil {
		return fmt.Errorf("delete answers: %w", err)
	}
	if _, err := tx.Exec(ctx, timersQ, args...); err != nil {
		return fmt.Errorf("delete timer snapshots: %w", err)
	}
	if _, err := tx.Exec(ctx, attemptsQ, args...); err != nil {
		return fmt.Errorf("reset attempts: %w", err)
	}

	return tx.Commit(ctx)
}
