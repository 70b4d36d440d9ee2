package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/examroom-backend/internal/live"
	"github.com/stemsi/examroom-backend/internal/model"
)

type sessionFixture struct {
	svc      *SessionService
	users    *fakeUserStore
	courses  *fakeCourseStore
	attempts *fakeAttemptStore
	answers  *fakeAnswerStore
	registry *live.Registry
	timers   *live.Engine
}

// Long hub and timer intervals keep the background loops quiet so the
// assertions only see the effects of direct calls.
func newSessionFixture() *sessionFixture {
	users := &fakeUserStore{users: map[int]*model.User{
		1: {ID: 1, Name: "Budi", Role: model.RoleSiswa, Kelas: "XII IPA 1"},
	}}
	courses := &fakeCourseStore{
		course: &model.Course{
			ID:             10,
			Nama:           "Matematika Wajib",
			Kelas:          []string{"XII IPA 1"},
			TanggalMulai:   time.Now().Add(-time.Hour),
			WaktuMenit:     60,
			MaxPercobaan:   2,
			TampilkanHasil: true,
		},
		questions: 5,
	}
	attempts := &fakeAttemptStore{}
	answers := &fakeAnswerStore{}

	registry := live.NewRegistry()
	hub := live.NewHub(registry, time.Hour, time.Hour, zerolog.Nop())
	timers := live.NewEngine(registry, attempts, time.Hour, zerolog.Nop())

	svc := NewSessionService(users, courses, attempts, answers, registry, hub, timers, nil, zerolog.Nop())
	return &sessionFixture{
		svc:      svc,
		users:    users,
		courses:  courses,
		attempts: attempts,
		answers:  answers,
		registry: registry,
		timers:   timers,
	}
}

func (f *sessionFixture) putInProgress(userID, courseID int) {
	status := model.AttemptStatusInProgress
	f.registry.Put(userID, live.Update{CourseID: &courseID, Status: &status})
}

func (f *sessionFixture) putInRoom(userID, courseID int) {
	status := model.AttemptStatusInRoom
	f.registry.Put(userID, live.Update{CourseID: &courseID, Status: &status})
}

func TestEnterRoomFreshParticipant(t *testing.T) {
	f := newSessionFixture()
	defer f.timers.StopAll()

	sess, err := f.svc.EnterRoom(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("EnterRoom: %v", err)
	}
	if sess.Status != model.AttemptStatusInRoom {
		t.Fatalf("status = %s, want IN_ROOM", sess.Status)
	}
	if sess.Name != "Budi" || sess.Kelas != "XII IPA 1" || sess.CourseID != 10 {
		t.Fatalf("session not hydrated from the user record: %+v", sess)
	}
	if len(f.attempts.statusSet) != 1 || f.attempts.statusSet[0] != model.AttemptStatusInRoom {
		t.Fatalf("durable status writes = %v, want one IN_ROOM", f.attempts.statusSet)
	}
	if f.timers.Active(1, 10) {
		t.Fatal("no timer should run before the attempt starts")
	}

	// Re-entry while the session is live returns the cached snapshot
	// without another durable write.
	if _, err := f.svc.EnterRoom(context.Background(), 1, 10); err != nil {
		t.Fatalf("EnterRoom again: %v", err)
	}
	if len(f.attempts.statusSet) != 1 {
		t.Fatalf("re-entry wrote status again: %v", f.attempts.statusSet)
	}
}

func TestEnterRoomResumesInProgressAttempt(t *testing.T) {
	f := newSessionFixture()
	defer f.timers.StopAll()

	started := time.Now().Add(-10 * time.Minute)
	f.attempts.latest = &model.ExamAttempt{
		UserID:    1,
		CourseID:  10,
		Status:    model.AttemptStatusInProgress,
		Attempt:   1,
		StartTime: &started,
	}
	f.attempts.remaining = 120
	f.attempts.hasSnapshot = true
	jawaban := "A"
	f.answers.listed = []model.Answer{
		{QuestionID: 3, Jawaban: &jawaban, Attempt: 1, Flag: true},
		{QuestionID: 1, Jawaban: &jawaban, Attempt: 1},
	}

	sess, err := f.svc.EnterRoom(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("EnterRoom: %v", err)
	}
	if sess.Status != model.AttemptStatusInProgress {
		t.Fatalf("status = %s, want IN_PROGRESS", sess.Status)
	}
	if sess.RemainingSeconds == nil || *sess.RemainingSeconds != 120 {
		t.Fatalf("remaining = %v, want snapshot value 120", sess.RemainingSeconds)
	}
	if len(sess.Answers) != 2 || !sess.Answers[3].Flag {
		t.Fatalf("answers not rehydrated: %+v", sess.Answers)
	}
	if sess.StartedAt == nil || !sess.StartedAt.Equal(started) {
		t.Fatalf("start time not carried over: %v", sess.StartedAt)
	}
	if len(f.attempts.statusSet) != 0 {
		t.Fatalf("resume must not rewrite the durable status: %v", f.attempts.statusSet)
	}
	if !f.timers.Active(1, 10) {
		t.Fatal("resume must restart the countdown")
	}
}

func TestStartAttemptNumbering(t *testing.T) {
	cases := []struct {
		name   string
		latest *model.ExamAttempt
		inRoom bool
		want   int
	}{
		{"first attempt", nil, true, 1},
		{"after finished attempt", &model.ExamAttempt{Status: model.AttemptStatusFinished, Attempt: 1}, true, 2},
		{"restart of running attempt", &model.ExamAttempt{Status: model.AttemptStatusInProgress, Attempt: 2}, false, 2},
		{"from waiting room", &model.ExamAttempt{Status: model.AttemptStatusInRoom, Attempt: 0}, false, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newSessionFixture()
			defer f.timers.StopAll()
			f.attempts.latest = tc.latest
			if tc.inRoom {
				f.putInRoom(1, 10)
			}

			res, err := f.svc.Start(context.Background(), 1, 10)
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			if res.Attempt != tc.want {
				t.Fatalf("attempt = %d, want %d", res.Attempt, tc.want)
			}
			if res.TotalSeconds != 3600 {
				t.Fatalf("total = %d, want full course duration", res.TotalSeconds)
			}
			if got := f.attempts.startedWith; len(got) != 1 || got[0] != tc.want {
				t.Fatalf("MarkStarted recorded %v, want [%d]", got, tc.want)
			}

			sess, ok := f.registry.Get(1)
			if !ok || sess.Status != model.AttemptStatusInProgress {
				t.Fatalf("live session after start: %+v (ok=%v)", sess, ok)
			}
			if sess.RemainingSeconds == nil || *sess.RemainingSeconds != 3600 {
				t.Fatalf("remaining = %v, want reset to full duration", sess.RemainingSeconds)
			}
			if !f.timers.Active(1, 10) {
				t.Fatal("countdown not started")
			}
		})
	}
}

func TestStartRequiresRoomEntry(t *testing.T) {
	f := newSessionFixture()
	defer f.timers.StopAll()

	_, err := f.svc.Start(context.Background(), 1, 10)
	if !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("err = %v, want ErrSessionNotActive before entering the room", err)
	}
	if len(f.attempts.startedWith) != 0 {
		t.Fatalf("MarkStarted recorded %v despite the rejection", f.attempts.startedWith)
	}
	if f.timers.Active(1, 10) {
		t.Fatal("countdown started despite the rejection")
	}
}

func TestStartRejectedAfterFinishedWithoutReentry(t *testing.T) {
	f := newSessionFixture()
	defer f.timers.StopAll()
	f.attempts.latest = &model.ExamAttempt{Status: model.AttemptStatusFinished, Attempt: 1}

	// A finished attempt does not carry room presence over; the
	// participant has to enter again before the next attempt.
	if _, err := f.svc.Start(context.Background(), 1, 10); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("err = %v, want ErrSessionNotActive after finish", err)
	}
}

func TestEnterRoomAfterFinishedStartsFresh(t *testing.T) {
	f := newSessionFixture()
	defer f.timers.StopAll()
	f.attempts.latest = &model.ExamAttempt{Status: model.AttemptStatusFinished, Attempt: 1}

	sess, err := f.svc.EnterRoom(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("EnterRoom: %v", err)
	}
	if sess.Status != model.AttemptStatusInRoom {
		t.Fatalf("status = %s, want IN_ROOM for a fresh logical session", sess.Status)
	}
	if len(f.attempts.statusSet) != 1 || f.attempts.statusSet[0] != model.AttemptStatusInRoom {
		t.Fatalf("durable status writes = %v, want one IN_ROOM", f.attempts.statusSet)
	}
	if f.timers.Active(1, 10) {
		t.Fatal("no timer should run before the next attempt starts")
	}
}

func TestEnterRoomResumeKeepsRunningTimer(t *testing.T) {
	f := newSessionFixture()
	defer f.timers.StopAll()

	started := time.Now().Add(-5 * time.Minute)
	f.attempts.latest = &model.ExamAttempt{
		UserID:    1,
		CourseID:  10,
		Status:    model.AttemptStatusInProgress,
		Attempt:   1,
		StartTime: &started,
	}
	f.timers.Start(1, 10, 600, live.Callbacks{})

	// With the countdown already running and no persisted snapshot,
	// re-entry must keep the live handle instead of replacing it; the
	// fallback lookup would otherwise reset the clock to full duration.
	if _, err := f.svc.EnterRoom(context.Background(), 1, 10); err != nil {
		t.Fatalf("EnterRoom: %v", err)
	}
	if f.courses.getCalls != 0 {
		t.Fatalf("course lookups = %d, want none while the timer runs", f.courses.getCalls)
	}
	if !f.timers.Active(1, 10) {
		t.Fatal("running countdown was stopped by re-entry")
	}
}

func TestRecordAnswerPreservesFlag(t *testing.T) {
	f := newSessionFixture()
	defer f.timers.StopAll()
	f.putInProgress(1, 10)
	f.registry.Put(1, live.Update{Answer: &live.AnswerState{QuestionID: 3, Attempt: 1, Flag: true}})

	remaining := 500
	err := f.svc.RecordAnswer(context.Background(), 1, 10, model.RecordAnswerRequest{
		QuestionID:   3,
		Jawaban:      "B",
		Attempt:      1,
		WaktuTersisa: &remaining,
	})
	if err != nil {
		t.Fatalf("RecordAnswer: %v", err)
	}

	if len(f.answers.saved) != 1 || *f.answers.saved[0].Jawaban != "B" {
		t.Fatalf("durable upsert: %+v", f.answers.saved)
	}
	if f.attempts.remaining != 500 {
		t.Fatalf("timer snapshot = %d, want client value 500", f.attempts.remaining)
	}

	sess, _ := f.registry.Get(1)
	a := sess.Answers[3]
	if a.Jawaban == nil || *a.Jawaban != "B" {
		t.Fatalf("live answer = %+v", a)
	}
	if !a.Flag {
		t.Fatal("answering must not clear an existing doubt flag")
	}
}

func TestToggleFlagKeepsAnswerValue(t *testing.T) {
	f := newSessionFixture()
	defer f.timers.StopAll()
	f.putInProgress(1, 10)
	jawaban := "A"
	f.registry.Put(1, live.Update{Answer: &live.AnswerState{QuestionID: 3, Jawaban: &jawaban, Attempt: 2}})

	err := f.svc.ToggleFlag(context.Background(), 1, 10, model.ToggleFlagRequest{QuestionID: 3, Flag: true})
	if err != nil {
		t.Fatalf("ToggleFlag: %v", err)
	}

	if len(f.answers.flags) != 1 || !f.answers.flags[0].Flag {
		t.Fatalf("durable flag writes: %+v", f.answers.flags)
	}

	sess, _ := f.registry.Get(1)
	a := sess.Answers[3]
	if a.Jawaban == nil || *a.Jawaban != "A" {
		t.Fatal("flagging must not discard the saved answer")
	}
	if a.Attempt != 2 {
		t.Fatalf("attempt = %d, want the existing attempt number", a.Attempt)
	}
	if !a.Flag {
		t.Fatal("flag not set")
	}
}

func TestFinishRequiresActiveSession(t *testing.T) {
	f := newSessionFixture()
	defer f.timers.StopAll()

	// No live session at all.
	if _, err := f.svc.Finish(context.Background(), 1, 10); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("err = %v, want ErrSessionNotActive", err)
	}

	// Present but not yet started.
	status := model.AttemptStatusInRoom
	courseID := 10
	f.registry.Put(1, live.Update{CourseID: &courseID, Status: &status})
	if _, err := f.svc.Finish(context.Background(), 1, 10); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("err = %v, want ErrSessionNotActive for IN_ROOM", err)
	}

	// In progress, but for another course.
	f.putInProgress(1, 99)
	if _, err := f.svc.Finish(context.Background(), 1, 10); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("err = %v, want ErrSessionNotActive on course mismatch", err)
	}
}

func TestFinishRejectedWhileUnanswered(t *testing.T) {
	f := newSessionFixture()
	defer f.timers.StopAll()
	f.putInProgress(1, 10)
	f.answers.answered = 3

	_, err := f.svc.Finish(context.Background(), 1, 10)
	var unanswered *UnansweredError
	if !errors.As(err, &unanswered) {
		t.Fatalf("err = %v, want UnansweredError", err)
	}
	if unanswered.Unanswered() != 2 {
		t.Fatalf("Unanswered() = %d, want 2", unanswered.Unanswered())
	}

	// The rejection must leave everything untouched.
	if f.attempts.finishedAt != nil {
		t.Fatal("attempt was finished despite the rejection")
	}
	sess, ok := f.registry.Get(1)
	if !ok || sess.Status != model.AttemptStatusInProgress {
		t.Fatalf("live session after rejection: %+v (ok=%v)", sess, ok)
	}
}

func TestFinishCompletesAttempt(t *testing.T) {
	f := newSessionFixture()
	defer f.timers.StopAll()
	f.putInProgress(1, 10)
	f.timers.Start(1, 10, 3600, live.Callbacks{})
	f.answers.answered = 5

	res, err := f.svc.Finish(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !res.TampilkanHasil {
		t.Fatal("result visibility flag not carried from the course")
	}
	if f.attempts.finishedAt == nil {
		t.Fatal("attempt not finished durably")
	}
	if f.attempts.timeExpired != 0 {
		t.Fatal("an explicit finish is not a time-expiry")
	}
	if _, ok := f.registry.Get(1); ok {
		t.Fatal("live session survived finish")
	}
	if f.timers.Active(1, 10) {
		t.Fatal("countdown survived finish")
	}

	// A second finish hits the not-active guard.
	if _, err := f.svc.Finish(context.Background(), 1, 10); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("repeat finish err = %v, want ErrSessionNotActive", err)
	}
}

func TestResetRollsBackOnDurableFailure(t *testing.T) {
	f := newSessionFixture()
	defer f.timers.StopAll()
	f.putInProgress(1, 10)
	f.attempts.resetErr = errors.New("tx failed")

	if err := f.svc.Reset(context.Background(), 10, nil); err == nil {
		t.Fatal("expected reset to surface the durable failure")
	}
	if _, ok := f.registry.Get(1); !ok {
		t.Fatal("live state was wiped although the durable reset failed")
	}
}

func TestResetCourseClearsLiveState(t *testing.T) {
	f := newSessionFixture()
	defer f.timers.StopAll()
	f.putInProgress(1, 10)
	f.putInProgress(2, 10)
	f.putInProgress(3, 99)
	f.timers.Start(1, 10, 3600, live.Callbacks{})

	if err := f.svc.Reset(context.Background(), 10, nil); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if f.registry.Len() != 1 {
		t.Fatalf("Len() = %d, want only the other course's session left", f.registry.Len())
	}
	if _, ok := f.registry.Get(3); !ok {
		t.Fatal("reset crossed course boundaries")
	}
	if f.timers.Active(1, 10) {
		t.Fatal("countdown survived course reset")
	}
	if f.attempts.resetCalls != 1 || f.attempts.resetUserIDs[0] != nil {
		t.Fatalf("durable reset calls: %d with %v", f.attempts.resetCalls, f.attempts.resetUserIDs)
	}
}

func TestResetSingleParticipant(t *testing.T) {
	f := newSessionFixture()
	defer f.timers.StopAll()
	f.putInProgress(1, 10)
	f.putInProgress(2, 10)

	userID := 1
	if err := f.svc.Reset(context.Background(), 10, &userID); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, ok := f.registry.Get(1); ok {
		t.Fatal("target participant still live")
	}
	if _, ok := f.registry.Get(2); !ok {
		t.Fatal("reset of one participant removed another")
	}
}
