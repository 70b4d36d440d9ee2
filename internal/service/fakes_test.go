package service

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stemsi/examroom-backend/internal/model"
)

// In-memory store fakes shared by the service tests. Unknown IDs
// surface pgx.ErrNoRows, matching the repository behavior.

type fakeUserStore struct {
	users map[int]*model.User
}

func (f *fakeUserStore) GetByID(_ context.Context, id int) (*model.User, error) {
	if u, ok := f.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, pgx.ErrNoRows
}

type fakeCourseStore struct {
	course    *model.Course
	questions int
	countErr  error
	getCalls  int
}

func (f *fakeCourseStore) GetByID(_ context.Context, id int) (*model.Course, error) {
	f.getCalls++
	if f.course == nil || f.course.ID != id {
		return nil, pgx.ErrNoRows
	}
	cp := *f.course
	return &cp, nil
}

func (f *fakeCourseStore) CountQuestions(_ context.Context, _ int) (int, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.questions, nil
}

type fakeAttemptStore struct {
	mu sync.Mutex

	latest      *model.ExamAttempt
	remaining   int
	hasSnapshot bool

	statusSet    []model.AttemptStatus
	startedWith  []int
	finishedAt   *time.Time
	timeExpired  int
	resetCalls   int
	resetUserIDs []*int
	resetErr     error
}

func (f *fakeAttemptStore) Latest(_ context.Context, _, _ int) (*model.ExamAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return nil, nil
	}
	cp := *f.latest
	return &cp, nil
}

func (f *fakeAttemptStore) SetStatus(_ context.Context, _, _ int, status model.AttemptStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusSet = append(f.statusSet, status)
	return nil
}

func (f *fakeAttemptStore) MarkStarted(_ context.Context, _, _ int, _ time.Time, attempt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startedWith = append(f.startedWith, attempt)
	return nil
}

func (f *fakeAttemptStore) MarkFinished(_ context.Context, _, _ int, finishedAt time.Time, timeExpired bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishedAt = &finishedAt
	if timeExpired {
		f.timeExpired++
	}
	return nil
}

func (f *fakeAttemptStore) MarkTimeExpired(_ context.Context, _, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeExpired++
	return nil
}

func (f *fakeAttemptStore) RemainingSeconds(_ context.Context, _, _ int) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remaining, f.hasSnapshot, nil
}

func (f *fakeAttemptStore) SaveRemainingSeconds(_ context.Context, _, _, seconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remaining = seconds
	f.hasSnapshot = true
	return nil
}

func (f *fakeAttemptStore) Reset(_ context.Context, _ int, userID *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resetErr != nil {
		return f.resetErr
	}
	f.resetCalls++
	f.resetUserIDs = append(f.resetUserIDs, userID)
	return nil
}

type fakeAnswerStore struct {
	mu sync.Mutex

	saved    []model.Answer
	answered int
	flags    []model.ToggleFlagRequest
	listed   []model.Answer
}

func (f *fakeAnswerStore) Upsert(_ context.Context, a model.Answer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, a)
	return nil
}

func (f *fakeAnswerStore) SetFlag(_ context.Context, _, _, questionID, attempt int, flag bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags = append(f.flags, model.ToggleFlagRequest{QuestionID: questionID, Attempt: attempt, Flag: flag})
	return nil
}

func (f *fakeAnswerStore) ListForParticipant(_ context.Context, _, _ int) ([]model.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listed, nil
}

func (f *fakeAnswerStore) CountAnswered(_ context.Context, _, _ int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answered, nil
}
