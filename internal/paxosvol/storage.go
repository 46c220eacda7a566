// Package paxosvol holds the small slice of Paxos volatile state the
// recovery core is allowed to touch: the current view and the epoch
// vector. The rest of the engine's state (the accepted-value log, the
// acceptor/proposer bookkeeping) belongs to the Paxos engine itself and is
// out of scope here — spec.md §1 treats it purely as an external
// collaborator.
package paxosvol

import "sync"

// Storage is shared with the Paxos engine (spec.md §5, "Shared resources").
// The recovery coordinator mutates it on its dispatcher, but the catch-up
// service advances FirstUncommitted from its own goroutine and the Live
// probe handler calls BumpEpochSlot from the transport's goroutine; Storage's
// own mutex serializes all of these, as well as reads from inspection RPCs
// and tests.
type Storage struct {
	mu sync.Mutex

	view             uint64
	epochVector      []uint64
	firstUncommitted uint64
}

// New allocates storage for an ensemble of n replicas, with view 0 and an
// all-zero epoch vector (spec.md §4.2, step 1).
func New(n int) *Storage {
	return &Storage{epochVector: make([]uint64, n)}
}

func (s *Storage) View() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

func (s *Storage) SetView(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = v
}

// BumpViewIfSelfLeader implements spec.md §4.2 step 2: if the current view
// would make replicaID its leader, it is incremented once so a recovering
// replica never starts as leader.
func (s *Storage) BumpViewIfSelfLeader(replicaID, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 && int(s.view)%n == replicaID {
		s.view++
	}
}

// EpochVector returns a copy of the current epoch vector.
func (s *Storage) EpochVector() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.epochVector))
	copy(out, s.epochVector)
	return out
}

// SetEpochVector installs a fresh vector wholesale (spec.md §4.2 step 6).
func (s *Storage) SetEpochVector(v []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochVector = append([]uint64(nil), v...)
}

// MergeEpochVector applies the element-wise max merge rule (spec.md §3).
// other must be the same length as the installed vector; callers are
// responsible for validating that before calling (the recovery coordinator
// rejects mismatched lengths itself, spec.md §9).
func (s *Storage) MergeEpochVector(other []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.epochVector {
		if i < len(other) && other[i] > s.epochVector[i] {
			s.epochVector[i] = other[i]
		}
	}
}

// BumpEpochSlot raises a single slot of the epoch vector to at least epoch,
// leaving every other slot untouched. The side of the protocol that answers
// a Recovery probe is expected to call this for the probing sender before
// replying, so that the probing replica's own "is this answer stale"
// check (spec.md §4.4 step 1) against its own slot in the returned vector
// can ever succeed on a first exchange between two replicas that have
// never otherwise communicated.
func (s *Storage) BumpEpochSlot(id int, epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id >= 0 && id < len(s.epochVector) && epoch > s.epochVector[id] {
		s.epochVector[id] = epoch
	}
}

// EpochVectorLen reports the configured ensemble size.
func (s *Storage) EpochVectorLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.epochVector)
}

func (s *Storage) FirstUncommitted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstUncommitted
}

func (s *Storage) SetFirstUncommitted(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firstUncommitted = v
}
