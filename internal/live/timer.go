package live

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TimerStore is the durable side of the countdown: the timer snapshot
// table plus the terminal write performed when time runs out.
type TimerStore interface {
	// RemainingSeconds returns the persisted remaining time and whether
	// a snapshot exists for the pair.
	RemainingSeconds(ctx context.Context, participantID, courseID int) (int, bool, error)
	SaveRemainingSeconds(ctx context.Context, participantID, courseID, seconds int) error
	// MarkTimeExpired finishes the attempt record in its time-expired
	// variant.
	MarkTimeExpired(ctx context.Context, participantID, courseID int) error
}

// Callbacks are invoked by the engine from the timer goroutine.
type Callbacks struct {
	// OnTick fires after every successful decrement with the new value.
	OnTick func(participantID, courseID, remaining int)
	// OnTimeUp fires once, after the attempt has been finished durably
	// and the session removed from the registry.
	OnTimeUp func(participantID, courseID int)
}

type timerKey struct {
	participantID int
	courseID      int
}

type timerHandle struct {
	stop chan struct{}
	once sync.Once
}

func (h *timerHandle) cancel() { h.once.Do(func() { close(h.stop) }) }

// Engine runs one independent countdown goroutine per (participant,
// course) pair. At most one handle exists per key: starting a timer for
// a key that already has one cancels the old handle first.
type Engine struct {
	registry *Registry
	store    TimerStore
	log      zerolog.Logger
	interval time.Duration

	mu      sync.Mutex
	handles map[timerKey]*timerHandle
}

// NewEngine creates a timer engine ticking at the given interval
// (one second in production; tests inject a shorter one).
func NewEngine(registry *Registry, store TimerStore, interval time.Duration, log zerolog.Logger) *Engine {
	if interval <= 0 {
		interval = time.Second
	}
	return &Engine{
		registry: registry,
		store:    store,
		log:      log.With().Str("component", "timer_engine").Logger(),
		interval: interval,
		handles:  make(map[timerKey]*timerHandle),
	}
}

// Start launches the countdown for the pair. fullSeconds is the value
// used until a durable snapshot exists. Any previous timer for the same
// key is cancelled before the new one begins.
func (e *Engine) Start(participantID, courseID, fullSeconds int, cb Callbacks) {
	key := timerKey{participantID, courseID}

	h := &timerHandle{stop: make(chan struct{})}

	e.mu.Lock()
	if old, ok := e.handles[key]; ok {
		old.cancel()
	}
	e.handles[key] = h
	e.mu.Unlock()

	go e.run(key, h, fullSeconds, cb)
}

// Stop cancels the timer for the pair, if one is running.
func (e *Engine) Stop(participantID, courseID int) {
	key := timerKey{participantID, courseID}
	e.mu.Lock()
	if h, ok := e.handles[key]; ok {
		h.cancel()
		delete(e.handles, key)
	}
	e.mu.Unlock()
}

// StopAll cancels every running timer. Used during shutdown.
func (e *Engine) StopAll() {
	e.mu.Lock()
	for key, h := range e.handles {
		h.cancel()
		delete(e.handles, key)
	}
	e.mu.Unlock()
}

// Active reports whether a timer is currently registered for the pair.
func (e *Engine) Active(participantID, courseID int) bool {
	key := timerKey{participantID, courseID}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.handles[key]
	return ok
}

func (e *Engine) run(key timerKey, h *timerHandle, fullSeconds int, cb Callbacks) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	// Last value we managed to hold in memory; used when the durable
	// snapshot cannot be read on a tick.
	last := fullSeconds

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			done := e.tick(key, &last, cb)
			if done {
				e.clear(key, h)
				return
			}
		}
	}
}

// tick executes one countdown step and reports whether the timer is
// finished.
func (e *Engine) tick(key timerKey, last *int, cb Callbacks) bool {
	ctx := context.Background()

	// The registry entry is the single source of truth for "this
	// session is over": if it vanished (explicit finish, reset), the
	// timer silently retires.
	sess, ok := e.registry.Get(key.participantID)
	if !ok {
		e.log.Debug().
			Int("user_id", key.participantID).
			Int("course_id", key.courseID).
			Msg("Session gone, timer stopping")
		return true
	}
	if sess.CourseID != key.courseID {
		// Precondition violation: the registry entry belongs to another
		// course. Skip the tick rather than corrupt someone's clock.
		e.log.Error().
			Int("user_id", key.participantID).
			Int("timer_course_id", key.courseID).
			Int("session_course_id", sess.CourseID).
			Msg("Course mismatch on tick, skipping")
		return false
	}

	remaining, exists, err := e.store.RemainingSeconds(ctx, key.participantID, key.courseID)
	if err != nil {
		e.log.Warn().Err(err).
			Int("user_id", key.participantID).
			Msg("Read timer snapshot failed, using in-memory value")
		remaining = *last
	} else if !exists {
		remaining = *last
	}

	if remaining <= 0 {
		if err := e.store.MarkTimeExpired(ctx, key.participantID, key.courseID); err != nil {
			e.log.Error().Err(err).
				Int("user_id", key.participantID).
				Int("course_id", key.courseID).
				Msg("Persist time-expired status failed")
		}
		e.registry.Remove(key.participantID)
		if cb.OnTimeUp != nil {
			cb.OnTimeUp(key.participantID, key.courseID)
		}
		return true
	}

	remaining--
	*last = remaining

	// Best-effort persist; a transient failure is retried next tick
	// with the in-memory value, never fatal.
	if err := e.store.SaveRemainingSeconds(ctx, key.participantID, key.courseID, remaining); err != nil {
		e.log.Warn().Err(err).
			Int("user_id", key.participantID).
			Int("remaining", remaining).
			Msg("Persist timer snapshot failed, retrying next tick")
	}

	e.registry.Put(key.participantID, Update{RemainingSeconds: &remaining})

	if cb.OnTick != nil {
		cb.OnTick(key.participantID, key.courseID, remaining)
	}
	return false
}

// clear removes the handle from the map unless a replacement timer has
// already taken the key.
func (e *Engine) clear(key timerKey, h *timerHandle) {
	e.mu.Lock()
	if cur, ok := e.handles[key]; ok && cur == h {
		delete(e.handles, key)
	}
	e.mu.Unlock()
}
