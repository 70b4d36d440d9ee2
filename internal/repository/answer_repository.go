package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/examroom-backend/internal/model"
)

// AnswerRepository handles submitted answer data access.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// Upsert creates or replaces the participant's answer for one question.
func (r *AnswerRepository) Upsert(ctx context.Context, a model.Answer) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO answers (user_id, course_id, soal_id, jawaban, attemp, flag)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, course_id, soal_id) DO UPDATE SET
		   jawaban = EXCLUDED.jawaban,
		   attemp = EXCLUDED.attemp,
		   flag = EXCLUDED.flag,
		   updated_at = NOW()`,
		a.UserID, a.CourseID, a.QuestionID, a.Jawaban, a.Attempt, a.Flag)
	return err
}

// SetFlag marks a question doubtful without touching the answer value.
// A flag-only save may create the row before any answer exists.
func (r *AnswerRepository) SetFlag(ctx context.Context, userID, courseID, questionID, attempt int, flag bool) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO answers (user_id, course_id, soal_id, attemp, flag)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, course_id, soal_id) DO UPDATE SET
		   attemp = EXCLUDED.attemp,
		   flag = EXCLUDED.flag,
		   updated_at = NOW()`,
		userID, courseID, questionID, attempt, flag)
	return err
}

// ListForParticipant returns every saved answer for the pair, ordered
// by question ID. Used to rehydrate the live session on reconnect.
func (r *AnswerRepository) ListForParticipant(ctx context.Context, userID, courseID int) ([]model.Answer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, course_id, soal_id, jawaban, attemp, flag
		 FROM answers
		 WHERE user_id = $1 AND course_id = $2
		 ORDER BY soal_id`, userID, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var answers []model.Answer
	for rows.Next() {
		var a model.Answer
		if err := rows.Scan(&a.UserID, &a.CourseID, &a.QuestionID, &a.Jawaban, &a.Attempt, &a.Flag); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// CountAnswered returns how many questions the participant has a
// non-null answer for. Flag-only rows do not count.
func (r *AnswerRepository) CountAnswered(ctx context.Context, userID, courseID int) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM answers
		 WHERE user_id = $1 AND course_id = $2 AND jawaban IS NOT NULL`,
		userID, courseID,
	).Scan(&count)
	return count, err
}
