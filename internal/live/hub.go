package live

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

// PushFunc delivers one serialized payload to a live connection. The
// transport owns the delivery mechanism (SSE event, WS frame); an error
// means the connection is dead and will be pruned.
type PushFunc func(payload []byte) error

// participantMessage is the unicast envelope sent to a participant's
// own connection.
type participantMessage struct {
	Type string           `json:"type"`
	Data *participantView `json:"data,omitempty"`
}

// participantView is the participant's full session including their own
// answers. Only the owning participant ever receives this.
type participantView struct {
	Session
	Jawaban  []AnswerState `json:"jawaban"`
	IsOnline bool          `json:"is_online"`
}

// ParticipantConn is a registered participant connection.
type ParticipantConn struct {
	hub           *Hub
	participantID int
	courseID      int
	push          PushFunc
	stop          chan struct{}
	once          sync.Once
}

// Close deregisters the connection and stops its keepalive loop.
// Safe to call more than once.
func (c *ParticipantConn) Close() {
	c.once.Do(func() { close(c.stop) })
	c.hub.mu.Lock()
	if cur, ok := c.hub.participants[c.participantID]; ok && cur == c {
		delete(c.hub.participants, c.participantID)
	}
	c.hub.mu.Unlock()
}

// Done is closed when the connection has been deregistered, whether by
// Close, replacement or a terminal push.
func (c *ParticipantConn) Done() <-chan struct{} { return c.stop }

// ProctorConn is a registered proctor connection watching one course.
type ProctorConn struct {
	hub      *Hub
	courseID int
	push     PushFunc
	stop     chan struct{}
	once     sync.Once
}

// Close deregisters the connection. When the course's last proctor
// leaves, the de-dup cache entry is cleared so the next proctor is not
// served a stale suppression decision.
func (c *ProctorConn) Close() {
	c.once.Do(func() { close(c.stop) })
	c.hub.mu.Lock()
	if set, ok := c.hub.proctors[c.courseID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(c.hub.proctors, c.courseID)
			delete(c.hub.lastDigest, c.courseID)
		}
	}
	c.hub.mu.Unlock()
}

// Done is closed when the connection has been deregistered.
func (c *ProctorConn) Done() <-chan struct{} { return c.stop }

// Hub owns the two live push channels: a unicast map with exactly one
// connection per participant, and a per-course fan-out set for
// proctors. Fan-out payloads are de-duplicated by content digest.
type Hub struct {
	registry        *Registry
	log             zerolog.Logger
	syncInterval    time.Duration
	refreshInterval time.Duration

	mu           sync.Mutex
	participants map[int]*ParticipantConn
	proctors     map[int]map[*ProctorConn]struct{}
	lastDigest   map[int]uint64
}

// NewHub creates a Hub. syncInterval drives the participant keepalive,
// refreshInterval the proctor re-broadcast.
func NewHub(registry *Registry, syncInterval, refreshInterval time.Duration, log zerolog.Logger) *Hub {
	if syncInterval <= 0 {
		syncInterval = time.Second
	}
	if refreshInterval <= 0 {
		refreshInterval = 2 * time.Second
	}
	return &Hub{
		registry:        registry,
		log:             log.With().Str("component", "broadcast_hub").Logger(),
		syncInterval:    syncInterval,
		refreshInterval: refreshInterval,
		participants:    make(map[int]*ParticipantConn),
		proctors:        make(map[int]map[*ProctorConn]struct{}),
		lastDigest:      make(map[int]uint64),
	}
}

// OnParticipantConnect registers the participant's live connection,
// replacing any previous one, pushes an immediate full sync and starts
// the keepalive loop. The keepalive stops on its own once the registry
// entry disappears; the connection itself lives until Close.
func (h *Hub) OnParticipantConnect(participantID, courseID int, push PushFunc) *ParticipantConn {
	conn := &ParticipantConn{
		hub:           h,
		participantID: participantID,
		courseID:      courseID,
		push:          push,
		stop:          make(chan struct{}),
	}

	h.mu.Lock()
	old := h.participants[participantID]
	h.participants[participantID] = conn
	h.mu.Unlock()
	if old != nil {
		old.once.Do(func() { close(old.stop) })
	}

	h.SendSync(participantID)

	go h.participantKeepalive(conn)

	return conn
}

// OnProctorConnect registers a proctor connection for the course,
// pushes the current course snapshot immediately (bypassing the de-dup
// cache) and starts the refresh loop, which re-enters the normal
// de-duplicated fan-out path.
func (h *Hub) OnProctorConnect(courseID int, push PushFunc) *ProctorConn {
	conn := &ProctorConn{
		hub:      h,
		courseID: courseID,
		push:     push,
		stop:     make(chan struct{}),
	}

	h.mu.Lock()
	set, ok := h.proctors[courseID]
	if !ok {
		set = make(map[*ProctorConn]struct{})
		h.proctors[courseID] = set
	}
	set[conn] = struct{}{}
	h.mu.Unlock()

	payload, err := h.coursePayload(courseID)
	if err == nil {
		if pushErr := push(payload); pushErr != nil {
			h.log.Debug().Err(pushErr).Int("course_id", courseID).Msg("Initial proctor push failed")
			conn.Close()
			return conn
		}
	}

	go h.proctorKeepalive(conn)

	return conn
}

// SendSync pushes the participant's current session to their own
// connection. Absent connection or absent session is a silent no-op:
// the participant may simply be offline.
func (h *Hub) SendSync(participantID int) {
	sess, ok := h.registry.Get(participantID)
	if !ok {
		return
	}

	h.mu.Lock()
	conn := h.participants[participantID]
	h.mu.Unlock()
	if conn == nil {
		return
	}

	msg := participantMessage{
		Type: "sync",
		Data: &participantView{
			Session:  sess,
			Jawaban:  sess.AnswerList(),
			IsOnline: true,
		},
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Int("user_id", participantID).Msg("Marshal sync payload failed")
		return
	}

	if err := conn.push(payload); err != nil {
		h.log.Debug().Err(err).Int("user_id", participantID).Msg("Participant push failed, pruning")
		conn.Close()
	}
}

// NotifyFinished pushes the terminal event to the participant and
// closes their connection.
func (h *Hub) NotifyFinished(participantID int) {
	h.mu.Lock()
	conn := h.participants[participantID]
	h.mu.Unlock()
	if conn == nil {
		return
	}

	payload, _ := json.Marshal(participantMessage{Type: "finished"})
	if err := conn.push(payload); err != nil {
		h.log.Debug().Err(err).Int("user_id", participantID).Msg("Finished push failed")
	}
	conn.Close()
}

// BroadcastCourse fans the current course snapshot out to every proctor
// watching it. The send is suppressed when the serialized payload's
// digest matches the last one sent for the course.
func (h *Hub) BroadcastCourse(courseID int) {
	entries := h.registry.ListByCourse(courseID)
	if len(entries) == 0 {
		return
	}

	payload, err := h.marshalEntries(entries)
	if err != nil {
		h.log.Error().Err(err).Int("course_id", courseID).Msg("Marshal course payload failed")
		return
	}
	digest := xxhash.Sum64(payload)

	h.mu.Lock()
	if h.lastDigest[courseID] == digest {
		h.mu.Unlock()
		return
	}
	h.lastDigest[courseID] = digest
	conns := make([]*ProctorConn, 0, len(h.proctors[courseID]))
	for conn := range h.proctors[courseID] {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		if err := conn.push(payload); err != nil {
			h.log.Debug().Err(err).Int("course_id", courseID).Msg("Proctor push failed, pruning")
			conn.Close()
		}
	}
}

// IsOnline reports whether the participant currently has a live
// connection. Presence is derived, never persisted.
func (h *Hub) IsOnline(participantID int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.participants[participantID]
	return ok
}

// ConnectionCounts returns the number of live participant and proctor
// connections.
func (h *Hub) ConnectionCounts() (participants, proctors int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.proctors {
		proctors += len(set)
	}
	return len(h.participants), proctors
}

// coursePayload builds the serialized proctor snapshot for the course,
// online flags included. An empty course serializes as an empty array.
func (h *Hub) coursePayload(courseID int) ([]byte, error) {
	entries := h.registry.ListByCourse(courseID)
	return h.marshalEntries(entries)
}

func (h *Hub) marshalEntries(entries []CourseEntry) ([]byte, error) {
	if entries == nil {
		entries = []CourseEntry{}
	}
	h.mu.Lock()
	for i := range entries {
		_, online := h.participants[entries[i].ParticipantID]
		entries[i].IsOnline = online
	}
	h.mu.Unlock()
	return json.Marshal(entries)
}

func (h *Hub) participantKeepalive(conn *ParticipantConn) {
	ticker := time.NewTicker(h.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-conn.stop:
			return
		case <-ticker.C:
			if _, ok := h.registry.Get(conn.participantID); !ok {
				return
			}
			h.SendSync(conn.participantID)
		}
	}
}

func (h *Hub) proctorKeepalive(conn *ProctorConn) {
	ticker := time.NewTicker(h.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-conn.stop:
			return
		case <-ticker.C:
			h.BroadcastCourse(conn.courseID)
		}
	}
}
