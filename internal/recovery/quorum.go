package recovery

import "github.com/epochss/spaxos/internal/transport"

// QuorumState is the small projection spec.md §4.4 describes: a set of
// replicas heard from plus, separately, the most recent answer that came
// from whoever is leader for its own view. It holds no storage reference
// and mutates nothing outside itself, so Absorb/IsQuorum/LeaderAnswer stay
// pure functions of (state, new answer, sender) the way the teacher keeps
// raft's vote-counting state (pkg/raft/server.go's votesReceived) separate
// from the log it eventually mutates.
type QuorumState struct {
	received     map[transport.ReplicaID]struct{}
	leaderAnswer *transport.RecoveryAnswer
	leaderSender transport.ReplicaID
}

// NewQuorumState returns an empty quorum tracker for one recovery attempt.
func NewQuorumState() *QuorumState {
	return &QuorumState{received: make(map[transport.ReplicaID]struct{})}
}

// Absorb records that sender answered, and — if sender is the leader for
// the view sender itself reported — remembers that answer as the leader's.
// Calling Absorb twice with the same (answer, sender) leaves the state
// unchanged: received is a set, and overwriting leaderAnswer with an
// identical value is a no-op in substance (spec.md §4.4, "idempotent").
func (q *QuorumState) Absorb(answer transport.RecoveryAnswer, sender transport.ReplicaID, n int) {
	if q.received == nil {
		q.received = make(map[transport.ReplicaID]struct{})
	}
	q.received[sender] = struct{}{}

	if n > 0 && int(answer.View)%n == int(sender) {
		ans := answer
		q.leaderAnswer = &ans
		q.leaderSender = sender
	}
}

// IsQuorum reports whether a strict majority of n replicas have answered.
func (q *QuorumState) IsQuorum(n int) bool {
	return len(q.received) > n/2
}

// LeaderAnswer returns the answer received from the view's leader, if any
// has arrived yet.
func (q *QuorumState) LeaderAnswer() (transport.RecoveryAnswer, bool) {
	if q.leaderAnswer == nil {
		return transport.RecoveryAnswer{}, false
	}
	return *q.leaderAnswer, true
}
