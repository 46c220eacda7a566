// Package catchup stands in for the (out-of-scope, per spec.md §1) catch-up
// subsystem: the collaborator that fetches missing decided instances and
// snapshots from other replicas. This module only needs to exercise the
// CatchUpBridge contract against something, so Service is a small fake that
// tests (and, in a pinch, cmd/recoveryd) can drive explicitly, the way the
// teacher drains an apply channel into a toy FSM instead of shipping a real
// state machine (pkg/simulator.Cluster.applyLoop).
package catchup

import (
	"sync"

	"github.com/epochss/spaxos/internal/paxosvol"
)

// Listener is notified when a catch-up round finishes. It is a value with
// identity (not a closure) precisely so that RemoveListener can compare by
// identity — spec.md §9 calls this out explicitly as a correctness
// requirement for deregistration.
type Listener interface {
	CatchUpSucceeded()
}

// AdvanceFunc decides how far FirstUncommitted moves in one round, given
// where it currently sits and what was requested. The default jumps
// straight to the requested target; tests override it to model underrun
// (spec.md §4.5 / S5).
type AdvanceFunc func(current, requested uint64) uint64

// Service is the fake catch-up subsystem. It fetches (rather, pretends to
// fetch) instances up to a target and then calls back every registered
// listener, mirroring the shape of a real one-shot pub/sub catch-up
// component without any of the actual instance-transfer logic — that logic
// belongs to the out-of-scope subsystem this stands in for.
type Service struct {
	mu            sync.Mutex
	storage       *paxosvol.Storage
	listeners     map[Listener]struct{}
	advance       AdvanceFunc
	lastRequested uint64
}

// New returns a Service that advances storage.FirstUncommitted on each
// round.
func New(storage *paxosvol.Storage) *Service {
	return &Service{
		storage:   storage,
		listeners: make(map[Listener]struct{}),
		advance:   func(_, requested uint64) uint64 { return requested },
	}
}

// SetAdvanceFunc overrides how far a round advances FirstUncommitted.
// Intended for tests simulating a catch-up round that reports success while
// still missing instances near the tail (spec.md §4.5's "gaps closed by
// snapshot may leave holes").
func (s *Service) SetAdvanceFunc(f AdvanceFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance = f
}

// AddListener registers l for the next CatchUpSucceeded notification and
// every one after, until RemoveListener(l) is called.
func (s *Service) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[l] = struct{}{}
}

// RemoveListener deregisters l, reporting whether it was still registered.
// A false return means deregistration raced a duplicate removal or l was
// never added — spec.md §7 treats that as fatal for the bridge's use.
func (s *Service) RemoveListener(l Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[l]; !ok {
		return false
	}
	delete(s.listeners, l)
	return true
}

// Start kicks off a catch-up round targeting the given next-instance id.
func (s *Service) Start(requested uint64) {
	s.mu.Lock()
	s.lastRequested = requested
	s.mu.Unlock()
	go s.round(requested)
}

// ForceCatchup re-runs a round toward the most recently requested target,
// used when a prior round reported success but under-delivered.
func (s *Service) ForceCatchup() {
	s.mu.Lock()
	target := s.lastRequested
	s.mu.Unlock()
	go s.round(target)
}

func (s *Service) round(target uint64) {
	s.mu.Lock()
	current := s.storage.FirstUncommitted()
	advance := s.advance
	s.mu.Unlock()

	next := advance(current, target)
	if next > current {
		s.storage.SetFirstUncommitted(next)
	}
	s.notify()
}

func (s *Service) notify() {
	s.mu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.CatchUpSucceeded()
	}
}
