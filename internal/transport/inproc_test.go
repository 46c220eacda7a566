package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInProcDeliversProbeAndAnswer(t *testing.T) {
	net := NewInProc()
	a := net.Register(0)
	b := net.Register(1)

	gotProbe := make(chan Recovery, 1)
	b.RegisterRecoveryHandler(func(probe Recovery, sender ReplicaID) {
		gotProbe <- probe
		b.SendAnswer(sender, RecoveryAnswer{View: 1, EpochVector: []uint64{1, 1}, NextID: 3})
	})

	gotAnswer := make(chan RecoveryAnswer, 1)
	a.RegisterRecoveryAnswerHandler(func(answer RecoveryAnswer, sender ReplicaID) {
		gotAnswer <- answer
	})

	require.NoError(t, a.SendProbe(1, Recovery{View: 0, Epoch: 5}))

	select {
	case p := <-gotProbe:
		require.Equal(t, uint64(5), p.Epoch)
	case <-time.After(time.Second):
		t.Fatal("probe never delivered")
	}

	select {
	case ans := <-gotAnswer:
		require.Equal(t, uint64(3), ans.NextID)
	case <-time.After(time.Second):
		t.Fatal("answer never delivered")
	}
}

func TestInProcDropRateCanDropEverything(t *testing.T) {
	net := NewInProc()
	net.SetDropRate(1.0)
	a := net.Register(0)
	b := net.Register(1)

	received := make(chan struct{}, 1)
	b.RegisterRecoveryHandler(func(Recovery, ReplicaID) { received <- struct{}{} })

	require.NoError(t, a.SendProbe(1, Recovery{View: 0, Epoch: 1}))
	select {
	case <-received:
		t.Fatal("message should have been dropped")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInProcPartitionBlocksBothDirections(t *testing.T) {
	net := NewInProc()
	a := net.Register(0)
	b := net.Register(1)
	net.Partition(1, true)

	received := make(chan struct{}, 1)
	b.RegisterRecoveryHandler(func(Recovery, ReplicaID) { received <- struct{}{} })

	require.NoError(t, a.SendProbe(1, Recovery{View: 0, Epoch: 1}))
	select {
	case <-received:
		t.Fatal("partitioned peer should not receive messages")
	case <-time.After(100 * time.Millisecond):
	}

	gotAnswer := make(chan struct{}, 1)
	a.RegisterRecoveryAnswerHandler(func(RecoveryAnswer, ReplicaID) { gotAnswer <- struct{}{} })
	require.NoError(t, b.SendAnswer(0, RecoveryAnswer{}))
	select {
	case <-gotAnswer:
		t.Fatal("partitioned peer's sends should be dropped")
	case <-time.After(100 * time.Millisecond):
	}

	net.Partition(1, false)
	require.NoError(t, a.SendProbe(1, Recovery{View: 0, Epoch: 1}))
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("rejoined peer should receive messages")
	}
}

func TestInProcPeersExcludesSelf(t *testing.T) {
	net := NewInProc()
	a := net.Register(0)
	net.Register(1)
	net.Register(2)

	peers := a.Peers()
	require.Len(t, peers, 2)
	for _, p := range peers {
		require.NotEqual(t, ReplicaID(0), p)
	}
}

func TestInProcSendToUnknownPeerErrors(t *testing.T) {
	net := NewInProc()
	a := net.Register(0)
	err := a.SendProbe(99, Recovery{})
	require.Error(t, err)
}
