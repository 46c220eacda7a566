package recovery

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/epochss/spaxos/internal/catchup"
	"github.com/epochss/spaxos/internal/paxosvol"
	"github.com/epochss/spaxos/internal/rlog"
	"github.com/epochss/spaxos/internal/transport"
)

func newTestStorage(n int, localID transport.ReplicaID, localEpoch uint64) *paxosvol.Storage {
	s := paxosvol.New(n)
	vec := make([]uint64, n)
	vec[localID] = localEpoch
	s.SetEpochVector(vec)
	return s
}

func noopRecoveryHandler(transport.Recovery, transport.ReplicaID) {}

func waitDone(t *testing.T, c *Coordinator) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("coordinator never reached Live, stuck in %s", c.State())
	}
}

func TestCoordinatorFirstBootSkipsProbingEntirely(t *testing.T) {
	net := transport.NewInProc()
	self := net.Register(1)
	storage := newTestStorage(3, 1, 1)
	catchupSvc := catchup.New(storage)
	c := New(1, 3, 1, storage, self, 10*time.Millisecond, catchupSvc, noopRecoveryHandler, rlog.New("r1"))

	c.Start()
	defer c.Stop()

	waitDone(t, c)
	require.Equal(t, Live, c.State())
	require.Equal(t, int64(0), c.Attempts())
}

func TestCoordinatorSingleReplicaEnsembleSkipsProbingEvenAfterRestart(t *testing.T) {
	net := transport.NewInProc()
	self := net.Register(0)

	storage := newTestStorage(1, 0, 6)
	catchupSvc := catchup.New(storage)
	c := New(0, 1, 6, storage, self, 10*time.Millisecond, catchupSvc, noopRecoveryHandler, rlog.New("r0"))

	c.Start()
	defer c.Stop()

	waitDone(t, c)
	require.Equal(t, Live, c.State())
	require.Equal(t, int64(0), c.Attempts())
}

func TestCoordinatorReachesLiveViaLeaderAnswerInFirstQuorum(t *testing.T) {
	net := transport.NewInProc()
	self := net.Register(1)
	peer0 := net.Register(0)
	peer2 := net.Register(2)

	storage := newTestStorage(3, 1, 2)
	catchupSvc := catchup.New(storage)
	c := New(1, 3, 2, storage, self, 10*time.Millisecond, catchupSvc, noopRecoveryHandler, rlog.New("r1"))

	c.Start()
	defer c.Stop()
	require.Eventually(t, func() bool { return c.State() == Probing }, time.Second, time.Millisecond)

	require.NoError(t, peer0.SendAnswer(1, transport.RecoveryAnswer{View: 0, EpochVector: []uint64{5, 2, 0}, NextID: 42}))
	require.NoError(t, peer2.SendAnswer(1, transport.RecoveryAnswer{View: 0, EpochVector: []uint64{0, 2, 3}, NextID: 0}))

	waitDone(t, c)
	require.Equal(t, Live, c.State())
	require.Equal(t, []uint64{5, 2, 3}, storage.EpochVector())
	require.Equal(t, uint64(42), storage.FirstUncommitted())
}

func TestCoordinatorNarrowsToLeaderWhenQuorumAnswersAllFollowers(t *testing.T) {
	net := transport.NewInProc()
	self := net.Register(1)
	peer0 := net.Register(0)
	peer2 := net.Register(2)

	storage := newTestStorage(3, 1, 2)
	catchupSvc := catchup.New(storage)
	c := New(1, 3, 2, storage, self, 10*time.Millisecond, catchupSvc, noopRecoveryHandler, rlog.New("r1"))

	c.Start()
	defer c.Stop()
	require.Eventually(t, func() bool { return c.State() == Probing }, time.Second, time.Millisecond)

	// Neither peer reports itself as leader for its own view: 1%3 != 0,
	// 3%3 != 2. The merged view becomes 3, whose leader (3%3==0) is peer0 —
	// but peer0 hasn't said so yet, so quorum is reached with no leader
	// answer in hand.
	require.NoError(t, peer0.SendAnswer(1, transport.RecoveryAnswer{View: 1, EpochVector: []uint64{5, 2, 0}}))
	require.NoError(t, peer2.SendAnswer(1, transport.RecoveryAnswer{View: 3, EpochVector: []uint64{0, 2, 7}}))

	require.Eventually(t, func() bool { return c.State() == AwaitingLeader }, time.Second, time.Millisecond)
	require.Equal(t, uint64(3), storage.View())

	// Peer0 now answers again, this time reporting the converged view 3 —
	// 3%3==0 flags it as leader for its own message.
	require.NoError(t, peer0.SendAnswer(1, transport.RecoveryAnswer{View: 3, EpochVector: []uint64{5, 2, 0}, NextID: 55}))

	waitDone(t, c)
	require.Equal(t, Live, c.State())
	require.Equal(t, uint64(55), storage.FirstUncommitted())
}

func TestCoordinatorForcesAnotherCatchUpRoundOnUnderrun(t *testing.T) {
	net := transport.NewInProc()
	self := net.Register(1)
	peer0 := net.Register(0)
	peer2 := net.Register(2)

	storage := newTestStorage(3, 1, 2)
	catchupSvc := catchup.New(storage)

	var rounds int32
	catchupSvc.SetAdvanceFunc(func(current, requested uint64) uint64 {
		if atomic.AddInt32(&rounds, 1) == 1 {
			return 92 // short of the 100 the leader reported
		}
		return requested
	})

	c := New(1, 3, 2, storage, self, 10*time.Millisecond, catchupSvc, noopRecoveryHandler, rlog.New("r1"))
	c.Start()
	defer c.Stop()
	require.Eventually(t, func() bool { return c.State() == Probing }, time.Second, time.Millisecond)

	require.NoError(t, peer0.SendAnswer(1, transport.RecoveryAnswer{View: 0, EpochVector: []uint64{9, 2, 0}, NextID: 100}))
	require.NoError(t, peer2.SendAnswer(1, transport.RecoveryAnswer{View: 0, EpochVector: []uint64{0, 2, 4}}))

	waitDone(t, c)
	require.Equal(t, Live, c.State())
	require.Equal(t, uint64(100), storage.FirstUncommitted())
	require.GreaterOrEqual(t, atomic.LoadInt32(&rounds), int32(2))
}

func TestCoordinatorDropsMalformedAnswerThenStillReachesQuorum(t *testing.T) {
	net := transport.NewInProc()
	self := net.Register(1)
	peer0 := net.Register(0)
	peer2 := net.Register(2)

	storage := newTestStorage(3, 1, 2)
	catchupSvc := catchup.New(storage)
	c := New(1, 3, 2, storage, self, 10*time.Millisecond, catchupSvc, noopRecoveryHandler, rlog.New("r1"))

	c.Start()
	defer c.Stop()
	require.Eventually(t, func() bool { return c.State() == Probing }, time.Second, time.Millisecond)

	// Wrong vector length: must be dropped rather than merged or absorbed.
	require.NoError(t, peer0.SendAnswer(1, transport.RecoveryAnswer{View: 0, EpochVector: []uint64{1, 2}}))
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, Probing, c.State())
	require.Equal(t, []uint64{0, 2, 0}, storage.EpochVector())

	require.NoError(t, peer0.SendAnswer(1, transport.RecoveryAnswer{View: 0, EpochVector: []uint64{5, 2, 0}, NextID: 9}))
	require.NoError(t, peer2.SendAnswer(1, transport.RecoveryAnswer{View: 0, EpochVector: []uint64{5, 2, 3}}))

	waitDone(t, c)
	require.Equal(t, Live, c.State())
	require.Equal(t, uint64(9), storage.FirstUncommitted())
}

func TestCoordinatorDropsStaleAnswerFromPriorAttempt(t *testing.T) {
	net := transport.NewInProc()
	self := net.Register(1)
	peer0 := net.Register(0)
	peer2 := net.Register(2)

	storage := newTestStorage(3, 1, 8)
	catchupSvc := catchup.New(storage)
	c := New(1, 3, 8, storage, self, 10*time.Millisecond, catchupSvc, noopRecoveryHandler, rlog.New("r1"))

	c.Start()
	defer c.Stop()
	require.Eventually(t, func() bool { return c.State() == Probing }, time.Second, time.Millisecond)

	// vector[self] == 7, but localEpoch == 8: a reply to a previous attempt.
	require.NoError(t, peer0.SendAnswer(1, transport.RecoveryAnswer{View: 0, EpochVector: []uint64{4, 7, 0}, NextID: 99}))
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, Probing, c.State())
	require.Equal(t, []uint64{0, 8, 0}, storage.EpochVector())

	require.NoError(t, peer0.SendAnswer(1, transport.RecoveryAnswer{View: 0, EpochVector: []uint64{4, 8, 0}, NextID: 12}))
	require.NoError(t, peer2.SendAnswer(1, transport.RecoveryAnswer{View: 0, EpochVector: []uint64{4, 8, 6}}))

	waitDone(t, c)
	require.Equal(t, Live, c.State())
	require.Equal(t, uint64(12), storage.FirstUncommitted())
}
