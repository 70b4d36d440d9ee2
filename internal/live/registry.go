package live

import (
	"sort"
	"sync"
	"time"

	"github.com/stemsi/examroom-backend/internal/model"
)

// AnswerState is one saved answer as mirrored in the live session.
type AnswerState struct {
	QuestionID int     `json:"soal_id"`
	Jawaban    *string `json:"jawaban"`
	Attempt    int     `json:"attempt"`
	Flag       bool    `json:"flag"`
}

// Session is the in-memory snapshot of one participant's exam attempt.
// It is rebuilt from the durable store on first contact and mutated only
// through Registry.Put.
type Session struct {
	ParticipantID    int                 `json:"user_id"`
	CourseID         int                 `json:"course_id"`
	Name             string              `json:"name"`
	Kelas            string              `json:"kelas"`
	Status           model.AttemptStatus `json:"status"`
	RemainingSeconds *int                `json:"waktu_tersisa"`
	Answers          map[int]AnswerState `json:"-"`
	StartedAt        *time.Time          `json:"start_time"`
	FinishedAt       *time.Time          `json:"end_time"`
}

// AnswerList returns the session's answers ordered by question ID.
func (s *Session) AnswerList() []AnswerState {
	out := make([]AnswerState, 0, len(s.Answers))
	for _, a := range s.Answers {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out
}

// CourseEntry is the per-participant projection sent to proctors.
// Answers are deliberately absent: proctors never see answer content.
type CourseEntry struct {
	ParticipantID int                 `json:"user_id"`
	Name          string              `json:"name"`
	Kelas         string              `json:"kelas"`
	Status        model.AttemptStatus `json:"status"`
	StartedAt     *time.Time          `json:"start_time"`
	FinishedAt    *time.Time          `json:"end_time"`
	IsOnline      bool                `json:"is_online"`
}

// Update carries a partial session mutation. Nil fields are retained.
// Answers replaces the whole answer set when non-nil; Answer upserts a
// single entry keyed by its question ID.
type Update struct {
	CourseID         *int
	Name             *string
	Kelas            *string
	Status           *model.AttemptStatus
	RemainingSeconds *int
	StartedAt        *time.Time
	FinishedAt       *time.Time
	Answers          []AnswerState
	Answer           *AnswerState
}

// Registry is the single in-memory owner of live participant sessions,
// keyed by participant ID. Put swaps a freshly merged copy under the
// lock, so concurrent readers always observe a complete snapshot and
// never a half-merged one.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int]*Session
}

// NewRegistry creates an empty Registry. Pass the instance to every
// component that needs it; the registry is never a package global.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int]*Session)}
}

// Get returns a copy of the participant's session, if present.
func (r *Registry) Get(participantID int) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[participantID]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// Put merges the update into the participant's session, creating it if
// absent, and returns the resulting snapshot. This is the only mutation
// primitive; at most one session exists per participant.
func (r *Registry) Put(participantID int, u Update) Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var next Session
	if cur, ok := r.sessions[participantID]; ok {
		next = cur.clone()
	} else {
		next = Session{ParticipantID: participantID, Status: model.AttemptStatusInactive}
	}

	if u.CourseID != nil {
		next.CourseID = *u.CourseID
	}
	if u.Name != nil {
		next.Name = *u.Name
	}
	if u.Kelas != nil {
		next.Kelas = *u.Kelas
	}
	if u.Status != nil {
		next.Status = *u.Status
	}
	if u.RemainingSeconds != nil {
		v := *u.RemainingSeconds
		next.RemainingSeconds = &v
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		next.StartedAt = &t
	}
	if u.FinishedAt != nil {
		t := *u.FinishedAt
		next.FinishedAt = &t
	}
	if u.Answers != nil {
		next.Answers = make(map[int]AnswerState, len(u.Answers))
		for _, a := range u.Answers {
			next.Answers[a.QuestionID] = a
		}
	}
	if u.Answer != nil {
		if next.Answers == nil {
			next.Answers = make(map[int]AnswerState, 1)
		}
		next.Answers[u.Answer.QuestionID] = *u.Answer
	}

	r.sessions[participantID] = &next
	return next.clone()
}

// Len returns the number of live sessions across all courses.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove deletes the participant's session. Removing an absent entry is
// a no-op.
func (r *Registry) Remove(participantID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, participantID)
}

// RemoveByCourse deletes every session belonging to the course and
// returns the affected participant IDs.
func (r *Registry) RemoveByCourse(courseID int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []int
	for id, s := range r.sessions {
		if s.CourseID == courseID {
			delete(r.sessions, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// ListByCourse returns the proctor projection of every session in the
// course, ordered by participant ID. IsOnline is left false; the hub
// overlays connection presence.
func (r *Registry) ListByCourse(courseID int) []CourseEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []CourseEntry
	for _, s := range r.sessions {
		if s.CourseID != courseID {
			continue
		}
		out = append(out, CourseEntry{
			ParticipantID: s.ParticipantID,
			Name:          s.Name,
			Kelas:         s.Kelas,
			Status:        s.Status,
			StartedAt:     s.StartedAt,
			FinishedAt:    s.FinishedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

func (s *Session) clone() Session {
	c := *s
	if s.RemainingSeconds != nil {
		v := *s.RemainingSeconds
		c.RemainingSeconds = &v
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	if s.Answers != nil {
		c.Answers = make(map[int]AnswerState, len(s.Answers))
		for k, v := range s.Answers {
			c.Answers[k] = v
		}
	}
	return c
}
