package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/examroom-backend/internal/model"
)

// CourseRepository handles course configuration reads. Course authoring
// lives in a separate admin surface; the session core only consumes it.
type CourseRepository struct {
	pool *pgxpool.Pool
}

// NewCourseRepository creates a new CourseRepository.
func NewCourseRepository(pool *pgxpool.Pool) *CourseRepository {
	return &CourseRepository{pool: pool}
}

// GetByID retrieves a course by ID. The kelas column is a JSON array of
// class names.
func (r *CourseRepository) GetByID(ctx context.Context, id int) (*model.Course, error) {
	c := &model.Course{}
	var kelasRaw []byte
	err := r.pool.QueryRow(ctx,
		`SELECT id, nama, pengajar_id, kelas, tanggal_mulai, tanggal_selesai,
		        waktu_menit, max_percobaan, tampilkan_hasil, created_at
		 FROM courses WHERE id = $1`, id,
	).Scan(&c.ID, &c.Nama, &c.PengajarID, &kelasRaw, &c.TanggalMulai, &c.TanggalSelesai,
		&c.WaktuMenit, &c.MaxPercobaan, &c.TampilkanHasil, &c.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(kelasRaw, &c.Kelas); err != nil {
		return nil, fmt.Errorf("parse course kelas: %w", err)
	}
	return c, nil
}

// CountQuestions returns the number of questions in the course.
func (r *CourseRepository) CountQuestions(ctx context.Context, courseID int) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM questions WHERE course_id = $1`, courseID,
	).Scan(&count)
	return count, err
}
