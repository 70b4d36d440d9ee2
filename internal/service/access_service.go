package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stemsi/examroom-backend/internal/model"
)

// StartTimeLayout formats a course's scheduled start in denial messages.
const StartTimeLayout = "02 Jan 2006 15:04"

// AccessService decides whether a participant may enter an exam
// session. It only reads; a denial is a structured result, never an
// error.
type AccessService struct {
	users    UserStore
	courses  CourseStore
	attempts AttemptStore
	now      func() time.Time
}

// NewAccessService creates a new AccessService.
func NewAccessService(users UserStore, courses CourseStore, attempts AttemptStore) *AccessService {
	return &AccessService{
		users:    users,
		courses:  courses,
		attempts: attempts,
		now:      time.Now,
	}
}

// Check evaluates entry permission for the pair, in order: role bypass,
// course existence, schedule window, question availability, class
// membership, resume-in-progress, attempt limit. An error is returned
// only for infrastructure failures.
func (s *AccessService) Check(ctx context.Context, userID, courseID int) (*model.AccessDecision, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.AccessDecision{Allowed: false, Message: "User tidak ditemukan"}, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	if user.Role == model.RoleAdmin || user.Role == model.RoleGuru {
		return &model.AccessDecision{Allowed: true, Message: "Akses penuh untuk pengawas"}, nil
	}

	course, err := s.courses.GetByID(ctx, courseID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.AccessDecision{Allowed: false, Message: "Course tidak ditemukan"}, nil
		}
		return nil, fmt.Errorf("get course: %w", err)
	}

	now := s.now()
	if now.Before(course.TanggalMulai) {
		return &model.AccessDecision{
			Allowed: false,
			Message: fmt.Sprintf("Ujian tersedia mulai %s", course.TanggalMulai.Format(StartTimeLayout)),
		}, nil
	}
	if course.TanggalSelesai != nil && now.After(*course.TanggalSelesai) {
		return &model.AccessDecision{Allowed: false, Message: "Ujian sudah berakhir"}, nil
	}

	questionCount, err := s.courses.CountQuestions(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("count questions: %w", err)
	}
	if questionCount == 0 {
		return &model.AccessDecision{Allowed: false, Message: "Course ini belum memiliki soal"}, nil
	}

	if !classAllowed(course.Kelas, user.Kelas) {
		return &model.AccessDecision{
			Allowed: false,
			Message: fmt.Sprintf("User dari kelas %s tidak memiliki akses ke course ini", user.Kelas),
		}, nil
	}

	latest, err := s.attempts.Latest(ctx, userID, courseID)
	if err != nil {
		return nil, fmt.Errorf("get latest attempt: %w", err)
	}
	if latest != nil {
		if latest.Status == model.AttemptStatusInProgress {
			return &model.AccessDecision{
				Allowed: true,
				Message: "Lanjutkan pengerjaan yang belum selesai",
				Resume:  true,
			}, nil
		}
		if latest.Attempt >= course.MaxPercobaan {
			return &model.AccessDecision{
				Allowed: false,
				Message: fmt.Sprintf("Batas maksimal %d percobaan sudah tercapai", course.MaxPercobaan),
			}, nil
		}
	}

	return &model.AccessDecision{Allowed: true, Message: "User diizinkan mengikuti ujian"}, nil
}

// classAllowed matches the participant's class against the course's
// allowed list, case-insensitively and ignoring surrounding whitespace.
func classAllowed(allowed []string, kelas string) bool {
	target := strings.ToLower(strings.TrimSpace(kelas))
	for _, k := range allowed {
		if strings.ToLower(strings.TrimSpace(k)) == target {
			return true
		}
	}
	return false
}
