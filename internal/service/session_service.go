package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/examroom-backend/internal/config"
	"github.com/stemsi/examroom-backend/internal/live"
	"github.com/stemsi/examroom-backend/internal/model"
)

// ErrSessionNotActive is returned when an operation requires a live
// in-progress session and none exists (already finished, timed out or
// reset by another actor).
var ErrSessionNotActive = errors.New("no active exam session")

// UnansweredError rejects a finish request while questions remain
// unanswered. No state is mutated when it is returned.
type UnansweredError struct {
	Total    int
	Answered int
}

func (e *UnansweredError) Error() string {
	return fmt.Sprintf("%d of %d questions unanswered", e.Unanswered(), e.Total)
}

// Unanswered returns how many questions still need an answer.
func (e *UnansweredError) Unanswered() int { return e.Total - e.Answered }

// StartResult is returned by Start.
type StartResult struct {
	StartedAt    time.Time `json:"start_time"`
	TotalSeconds int       `json:"waktu_penuh"`
	Attempt      int       `json:"attempt"`
}

// FinishResult is returned by Finish.
type FinishResult struct {
	FinishedAt     time.Time `json:"end_time"`
	TampilkanHasil bool      `json:"tampilkan_hasil"`
}

// SessionService owns the exam session operations: every mutation of
// live state from outside the timer engine goes through here. The
// order is always durable write first, then registry merge, then hub
// pushes.
type SessionService struct {
	users    UserStore
	courses  CourseStore
	attempts AttemptStore
	answers  AnswerStore
	registry *live.Registry
	hub      *live.Hub
	timers   *live.Engine
	rdb      *redis.Client
	log      zerolog.Logger
}

// NewSessionService creates a new SessionService. rdb feeds the
// work-log queue and may be nil in tests.
func NewSessionService(
	users UserStore,
	courses CourseStore,
	attempts AttemptStore,
	answers AnswerStore,
	registry *live.Registry,
	hub *live.Hub,
	timers *live.Engine,
	rdb *redis.Client,
	log zerolog.Logger,
) *SessionService {
	return &SessionService{
		users:    users,
		courses:  courses,
		attempts: attempts,
		answers:  answers,
		registry: registry,
		hub:      hub,
		timers:   timers,
		rdb:      rdb,
		log:      log.With().Str("component", "session_service").Logger(),
	}
}

// EnterRoom handles a participant's first live contact for a course:
// it rehydrates the session from the durable store (attempt record,
// timer snapshot, saved answers) so a reconnect resumes exactly where
// the participant left off. An in-progress attempt restarts its timer.
func (s *SessionService) EnterRoom(ctx context.Context, userID, courseID int) (live.Session, error) {
	if sess, ok := s.registry.Get(userID); ok && sess.CourseID == courseID && sess.Status != model.AttemptStatusInactive {
		return sess, nil
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return live.Session{}, fmt.Errorf("get user: %w", err)
	}

	latest, err := s.attempts.Latest(ctx, userID, courseID)
	if err != nil {
		return live.Session{}, fmt.Errorf("get attempt: %w", err)
	}

	remaining, hasSnapshot, err := s.attempts.RemainingSeconds(ctx, userID, courseID)
	if err != nil {
		return live.Session{}, fmt.Errorf("get timer snapshot: %w", err)
	}

	saved, err := s.answers.ListForParticipant(ctx, userID, courseID)
	if err != nil {
		return live.Session{}, fmt.Errorf("list answers: %w", err)
	}
	answers := make([]live.AnswerState, 0, len(saved))
	for _, a := range saved {
		answers = append(answers, live.AnswerState{
			QuestionID: a.QuestionID,
			Jawaban:    a.Jawaban,
			Attempt:    a.Attempt,
			Flag:       a.Flag,
		})
	}

	from := attemptStatusFrom(latest)
	resume := from == model.AttemptStatusInProgress
	status := model.AttemptStatusInRoom
	if resume {
		status = model.AttemptStatusInProgress
	} else {
		if !live.CanTransition(from, model.AttemptStatusInRoom) {
			return live.Session{}, ErrSessionNotActive
		}
		// Durable write before the registry sees the transition.
		if err := s.attempts.SetStatus(ctx, userID, courseID, model.AttemptStatusInRoom); err != nil {
			return live.Session{}, fmt.Errorf("set attempt status: %w", err)
		}
	}

	u := live.Update{
		CourseID: &courseID,
		Name:     &user.Name,
		Kelas:    &user.Kelas,
		Status:   &status,
		Answers:  answers,
	}
	if hasSnapshot {
		u.RemainingSeconds = &remaining
	}
	if latest != nil {
		u.StartedAt = latest.StartTime
		u.FinishedAt = latest.EndTime
	}
	sess := s.registry.Put(userID, u)

	// Restart the countdown only when none is running; replacing a live
	// handle would discard its in-memory fallback value.
	if resume && !s.timers.Active(userID, courseID) {
		fallback := remaining
		if !hasSnapshot {
			course, err := s.courses.GetByID(ctx, courseID)
			if err != nil {
				return live.Session{}, fmt.Errorf("get course: %w", err)
			}
			fallback = course.DurationSeconds()
		}
		s.timers.Start(userID, courseID, fallback, s.timerCallbacks())
	}

	s.hub.BroadcastCourse(courseID)
	return sess, nil
}

// Start begins (or restarts) the participant's attempt: stamps the
// start time, resets the countdown to the course's full duration and
// launches the timer.
func (s *SessionService) Start(ctx context.Context, userID, courseID int) (*StartResult, error) {
	course, err := s.courses.GetByID(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("get course: %w", err)
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	latest, err := s.attempts.Latest(ctx, userID, courseID)
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}

	// Starting requires being in the room first (or restarting a running
	// attempt). The live session wins over the durable record when both
	// exist.
	from := attemptStatusFrom(latest)
	if sess, ok := s.registry.Get(userID); ok && sess.CourseID == courseID {
		from = sess.Status
	}
	if !live.CanTransition(from, model.AttemptStatusInProgress) {
		return nil, ErrSessionNotActive
	}

	attempt := 1
	if latest != nil {
		if latest.Status == model.AttemptStatusInProgress && latest.Attempt > 0 {
			attempt = latest.Attempt
		} else {
			attempt = latest.Attempt + 1
		}
	}

	total := course.DurationSeconds()
	startedAt := time.Now()

	if err := s.attempts.MarkStarted(ctx, userID, courseID, startedAt, attempt); err != nil {
		return nil, fmt.Errorf("mark started: %w", err)
	}
	if err := s.attempts.SaveRemainingSeconds(ctx, userID, courseID, total); err != nil {
		return nil, fmt.Errorf("save timer snapshot: %w", err)
	}

	status := model.AttemptStatusInProgress
	s.registry.Put(userID, live.Update{
		CourseID:         &courseID,
		Name:             &user.Name,
		Kelas:            &user.Kelas,
		Status:           &status,
		RemainingSeconds: &total,
		StartedAt:        &startedAt,
	})

	s.timers.Start(userID, courseID, total, s.timerCallbacks())

	s.hub.SendSync(userID)
	s.hub.BroadcastCourse(courseID)
	s.enqueueWorkLog(ctx, userID, courseID, "start", map[string]any{"attempt": attempt})

	return &StartResult{StartedAt: startedAt, TotalSeconds: total, Attempt: attempt}, nil
}

// RecordAnswer saves one answer durably, mirrors it into the live
// session and pushes the update to both audiences.
func (s *SessionService) RecordAnswer(ctx context.Context, userID, courseID int, req model.RecordAnswerRequest) error {
	jawaban := req.Jawaban
	if err := s.answers.Upsert(ctx, model.Answer{
		UserID:     userID,
		CourseID:   courseID,
		QuestionID: req.QuestionID,
		Jawaban:    &jawaban,
		Attempt:    req.Attempt,
	}); err != nil {
		return fmt.Errorf("upsert answer: %w", err)
	}

	if req.WaktuTersisa != nil {
		if err := s.attempts.SaveRemainingSeconds(ctx, userID, courseID, *req.WaktuTersisa); err != nil {
			// In-memory value stays authoritative; the timer persists
			// again on its next tick.
			s.log.Warn().Err(err).Int("user_id", userID).Msg("Save remaining time failed")
		}
	}

	flag := false
	if sess, ok := s.registry.Get(userID); ok {
		if prev, found := sess.Answers[req.QuestionID]; found {
			flag = prev.Flag
		}
	}
	s.registry.Put(userID, live.Update{
		CourseID: &courseID,
		Answer: &live.AnswerState{
			QuestionID: req.QuestionID,
			Jawaban:    &jawaban,
			Attempt:    req.Attempt,
			Flag:       flag,
		},
		RemainingSeconds: req.WaktuTersisa,
	})

	s.hub.SendSync(userID)
	s.hub.BroadcastCourse(courseID)
	s.enqueueWorkLog(ctx, userID, courseID, "answer", map[string]any{"soal_id": req.QuestionID})
	return nil
}

// ToggleFlag marks a question doubtful without touching its answer.
func (s *SessionService) ToggleFlag(ctx context.Context, userID, courseID int, req model.ToggleFlagRequest) error {
	if err := s.answers.SetFlag(ctx, userID, courseID, req.QuestionID, req.Attempt, req.Flag); err != nil {
		return fmt.Errorf("set flag: %w", err)
	}

	state := live.AnswerState{
		QuestionID: req.QuestionID,
		Attempt:    req.Attempt,
		Flag:       req.Flag,
	}
	if sess, ok := s.registry.Get(userID); ok {
		if prev, found := sess.Answers[req.QuestionID]; found {
			state.Jawaban = prev.Jawaban
			if req.Attempt == 0 {
				state.Attempt = prev.Attempt
			}
		}
	}
	s.registry.Put(userID, live.Update{CourseID: &courseID, Answer: &state})

	s.hub.SendSync(userID)
	s.hub.BroadcastCourse(courseID)
	s.enqueueWorkLog(ctx, userID, courseID, "flag", map[string]any{"soal_id": req.QuestionID, "flag": req.Flag})
	return nil
}

// Finish validates and completes the attempt. It is rejected with
// UnansweredError while any question lacks an answer, and with
// ErrSessionNotActive when the session is already over (the registry
// entry is the single source of truth for that; a racing time-expiry
// wins by removing it first).
func (s *SessionService) Finish(ctx context.Context, userID, courseID int) (*FinishResult, error) {
	sess, ok := s.registry.Get(userID)
	if !ok || sess.CourseID != courseID || live.IsTerminal(sess.Status) ||
		!live.CanTransition(sess.Status, model.AttemptStatusFinished) {
		return nil, ErrSessionNotActive
	}

	total, err := s.courses.CountQuestions(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("count questions: %w", err)
	}
	answered, err := s.answers.CountAnswered(ctx, userID, courseID)
	if err != nil {
		return nil, fmt.Errorf("count answered: %w", err)
	}
	if answered < total {
		return nil, &UnansweredError{Total: total, Answered: answered}
	}

	course, err := s.courses.GetByID(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("get course: %w", err)
	}

	finishedAt := time.Now()
	if err := s.attempts.MarkFinished(ctx, userID, courseID, finishedAt, false); err != nil {
		return nil, fmt.Errorf("mark finished: %w", err)
	}

	s.timers.Stop(userID, courseID)

	status := model.AttemptStatusFinished
	s.registry.Put(userID, live.Update{Status: &status, FinishedAt: &finishedAt})

	// Final frame shows the participant as finished before the entry
	// disappears from the course list.
	s.hub.BroadcastCourse(courseID)
	s.hub.NotifyFinished(userID)
	s.registry.Remove(userID)

	s.enqueueWorkLog(ctx, userID, courseID, "finish", nil)

	return &FinishResult{FinishedAt: finishedAt, TampilkanHasil: course.TampilkanHasil}, nil
}

// Reset wipes exam state for a whole course, or one participant when
// userID is non-nil. The durable deletes run in one transaction; live
// state is only touched after the transaction commits.
func (s *SessionService) Reset(ctx context.Context, courseID int, userID *int) error {
	if err := s.attempts.Reset(ctx, courseID, userID); err != nil {
		return fmt.Errorf("reset attempts: %w", err)
	}

	if userID != nil {
		s.timers.Stop(*userID, courseID)
		s.registry.Remove(*userID)
		s.enqueueWorkLog(ctx, *userID, courseID, "reset", nil)
	} else {
		for _, id := range s.registry.RemoveByCourse(courseID) {
			s.timers.Stop(id, courseID)
		}
		s.enqueueWorkLog(ctx, 0, courseID, "reset", nil)
	}

	s.hub.BroadcastCourse(courseID)
	return nil
}

// attemptStatusFrom maps the durable record to the state the next
// transition starts from. A terminal or absent record means a new
// logical session beginning at INACTIVE.
func attemptStatusFrom(latest *model.ExamAttempt) model.AttemptStatus {
	if latest == nil || live.IsTerminal(latest.Status) {
		return model.AttemptStatusInactive
	}
	return latest.Status
}

// timerCallbacks wires the timer engine back into the hub and the
// attempt bookkeeping.
func (s *SessionService) timerCallbacks() live.Callbacks {
	return live.Callbacks{
		OnTick: func(userID, courseID, remaining int) {
			s.hub.SendSync(userID)
			s.hub.BroadcastCourse(courseID)
		},
		OnTimeUp: func(userID, courseID int) {
			s.hub.NotifyFinished(userID)
			s.hub.BroadcastCourse(courseID)
			s.enqueueWorkLog(context.Background(), userID, courseID, "time_up", nil)
		},
	}
}

// enqueueWorkLog pushes an activity event onto the Redis persistence
// queue. Best-effort: a failure is logged, never surfaced.
func (s *SessionService) enqueueWorkLog(ctx context.Context, userID, courseID int, event string, detail map[string]any) {
	if s.rdb == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"user_id":   userID,
		"course_id": courseID,
		"event":     event,
		"detail":    detail,
		"timestamp": time.Now().Unix(),
	})
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistWorkLogsQueue, payload).Err(); err != nil {
		s.log.Warn().Err(err).Str("event", event).Msg("Enqueue work log failed")
	}
}
