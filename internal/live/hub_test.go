package live

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/examroom-backend/internal/model"
)

// recorder is a PushFunc target collecting every delivered payload.
type recorder struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (r *recorder) push(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	r.payloads = append(r.payloads, cp)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *recorder) last(t *testing.T) map[string]interface{} {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.payloads) == 0 {
		t.Fatal("no payload received")
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(r.payloads[len(r.payloads)-1], &msg); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return msg
}

// Long intervals so keepalive loops never interfere with assertions.
func newTestHub(registry *Registry) *Hub {
	return NewHub(registry, time.Hour, time.Hour, zerolog.Nop())
}

func TestHubParticipantConnectSendsSync(t *testing.T) {
	registry := NewRegistry()
	putInProgress(registry, 1, 5)
	hub := newTestHub(registry)

	rec := &recorder{}
	conn := hub.OnParticipantConnect(1, 5, rec.push)
	defer conn.Close()

	if rec.count() != 1 {
		t.Fatalf("got %d pushes on connect, want 1", rec.count())
	}
	msg := rec.last(t)
	if msg["type"] != "sync" {
		t.Fatalf("type = %v, want sync", msg["type"])
	}
	if !hub.IsOnline(1) {
		t.Fatal("participant should be online after connect")
	}
}

func TestHubParticipantReplaceOnReconnect(t *testing.T) {
	registry := NewRegistry()
	putInProgress(registry, 1, 5)
	hub := newTestHub(registry)

	recA := &recorder{}
	connA := hub.OnParticipantConnect(1, 5, recA.push)
	recB := &recorder{}
	connB := hub.OnParticipantConnect(1, 5, recB.push)
	defer connB.Close()

	select {
	case <-connA.Done():
	default:
		t.Fatal("old connection not closed on reconnect")
	}

	countA := recA.count()
	hub.SendSync(1)
	if recA.count() != countA {
		t.Fatal("replaced connection still receives syncs")
	}
	if recB.count() < 2 {
		t.Fatalf("active connection got %d pushes, want at least 2", recB.count())
	}

	// Closing the stale handle must not deregister the live one.
	connA.Close()
	if !hub.IsOnline(1) {
		t.Fatal("closing the replaced connection knocked the live one offline")
	}
}

func TestHubSendSyncPrunesDeadConnection(t *testing.T) {
	registry := NewRegistry()
	putInProgress(registry, 1, 5)
	hub := newTestHub(registry)

	rec := &recorder{err: errors.New("broken pipe")}
	hub.OnParticipantConnect(1, 5, rec.push)

	// The connect push already failed and pruned the connection.
	if hub.IsOnline(1) {
		t.Fatal("dead connection not pruned")
	}
	hub.SendSync(1)
}

func TestHubSendSyncWithoutSessionOrConnection(t *testing.T) {
	registry := NewRegistry()
	hub := newTestHub(registry)

	// Both no-ops: nobody connected, nothing registered.
	hub.SendSync(1)

	putInProgress(registry, 1, 5)
	hub.SendSync(1)
}

func TestHubNotifyFinishedClosesConnection(t *testing.T) {
	registry := NewRegistry()
	putInProgress(registry, 1, 5)
	hub := newTestHub(registry)

	rec := &recorder{}
	conn := hub.OnParticipantConnect(1, 5, rec.push)

	hub.NotifyFinished(1)

	msg := rec.last(t)
	if msg["type"] != "finished" {
		t.Fatalf("type = %v, want finished", msg["type"])
	}
	select {
	case <-conn.Done():
	default:
		t.Fatal("connection not closed after finished event")
	}
	if hub.IsOnline(1) {
		t.Fatal("participant still online after finished event")
	}
}

func TestHubBroadcastDeduplicates(t *testing.T) {
	registry := NewRegistry()
	putInProgress(registry, 1, 5)
	hub := newTestHub(registry)

	rec := &recorder{}
	conn := hub.OnProctorConnect(5, rec.push)
	defer conn.Close()

	if rec.count() != 1 {
		t.Fatalf("got %d pushes on proctor connect, want the initial snapshot", rec.count())
	}

	// First broadcast populates the digest cache, the identical second
	// one is suppressed.
	hub.BroadcastCourse(5)
	hub.BroadcastCourse(5)
	if rec.count() != 2 {
		t.Fatalf("got %d pushes after duplicate broadcasts, want 2", rec.count())
	}

	// A state change invalidates the digest.
	status := model.AttemptStatusFinished
	registry.Put(1, Update{Status: &status})
	hub.BroadcastCourse(5)
	if rec.count() != 3 {
		t.Fatalf("got %d pushes after state change, want 3", rec.count())
	}
}

func TestHubDigestClearedWhenLastProctorLeaves(t *testing.T) {
	registry := NewRegistry()
	putInProgress(registry, 1, 5)
	hub := newTestHub(registry)

	recA := &recorder{}
	connA := hub.OnProctorConnect(5, recA.push)
	hub.BroadcastCourse(5)
	connA.Close()

	// The next proctor must not inherit a suppression decision made for
	// the previous audience.
	recB := &recorder{}
	connB := hub.OnProctorConnect(5, recB.push)
	defer connB.Close()
	hub.BroadcastCourse(5)
	if recB.count() != 2 {
		t.Fatalf("got %d pushes, want initial snapshot plus broadcast", recB.count())
	}
}

func TestHubBroadcastFansOutAndPrunes(t *testing.T) {
	registry := NewRegistry()
	putInProgress(registry, 1, 5)
	hub := newTestHub(registry)

	good := &recorder{}
	connGood := hub.OnProctorConnect(5, good.push)
	defer connGood.Close()

	bad := &recorder{}
	connBad := hub.OnProctorConnect(5, bad.push)
	bad.mu.Lock()
	bad.err = errors.New("gone")
	bad.mu.Unlock()

	hub.BroadcastCourse(5)
	select {
	case <-connBad.Done():
	default:
		t.Fatal("failing proctor connection not pruned")
	}
	if good.count() != 2 {
		t.Fatalf("healthy proctor got %d pushes, want 2", good.count())
	}

	_, proctors := hub.ConnectionCounts()
	if proctors != 1 {
		t.Fatalf("ConnectionCounts proctors = %d, want 1", proctors)
	}
}

func TestHubBroadcastEmptyCourseIsNoop(t *testing.T) {
	registry := NewRegistry()
	hub := newTestHub(registry)

	rec := &recorder{}
	conn := hub.OnProctorConnect(5, rec.push)
	defer conn.Close()

	// Initial snapshot of an empty course is an empty array.
	msg := rec.payloads[0]
	if string(msg) != "[]" {
		t.Fatalf("initial snapshot = %s, want []", msg)
	}

	hub.BroadcastCourse(5)
	if rec.count() != 1 {
		t.Fatal("broadcast of an empty course should not push")
	}
}

func TestHubCourseSnapshotCarriesPresence(t *testing.T) {
	registry := NewRegistry()
	putInProgress(registry, 1, 5)
	putInProgress(registry, 2, 5)
	hub := newTestHub(registry)

	pRec := &recorder{}
	pConn := hub.OnParticipantConnect(1, 5, pRec.push)
	defer pConn.Close()

	rec := &recorder{}
	conn := hub.OnProctorConnect(5, rec.push)
	defer conn.Close()

	var entries []CourseEntry
	rec.mu.Lock()
	raw := rec.payloads[0]
	rec.mu.Unlock()
	if err := json.Unmarshal(raw, &entries); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("snapshot has %d entries, want 2", len(entries))
	}
	if !entries[0].IsOnline || entries[1].IsOnline {
		t.Fatalf("presence overlay wrong: %+v", entries)
	}
}
