package coordinator

import (
	"context"
	"sync"
	"time"

	"server/internal/domain"
	"server/internal/progress"
)

// Callbacks deliver per-call notifications to the originating caller, in
// addition to the coordinator-wide bus.
type Callbacks struct {
	OnProgress func(domain.Snapshot)
	OnComplete func()
	OnError    func(error)
}

// session owns one active connection: its read loop context, its state
// machine, and the latest snapshot. Sessions are owned exclusively by the
// coordinator registry.
type session struct {
	id         domain.JobID
	deckID     string
	requestID  string
	startedAt  time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	machine    *progress.Machine
	callbacks  Callbacks

	// mu guards last and registered; the Cancel path reads registered
	// from outside the read-loop goroutine.
	mu         sync.Mutex
	last       domain.Snapshot
	registered bool
}

func (s *session) setRegistered() {
	s.mu.Lock()
	s.registered = true
	s.mu.Unlock()
}

func (s *session) isRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *session) setSnapshot(snap domain.Snapshot) {
	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()
}

func (s *session) snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *session) notifyProgress(snap domain.Snapshot) {
	if s.callbacks.OnProgress != nil {
		s.callbacks.OnProgress(snap)
	}
}

func (s *session) notifyComplete() {
	if s.callbacks.OnComplete != nil {
		s.callbacks.OnComplete()
	}
}

func (s *session) notifyError(err error) {
	if s.callbacks.OnError != nil {
		s.callbacks.OnError(err)
	}
}
