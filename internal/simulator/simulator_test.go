package simulator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/epochss/spaxos/internal/recovery"
	"github.com/epochss/spaxos/internal/transport"
)

func TestClusterFreshBootGoesLiveWithoutProbing(t *testing.T) {
	c, err := NewCluster(3, 10*time.Millisecond)
	require.NoError(t, err)
	defer c.Stop()

	require.NoError(t, c.Start())
	for i := 0; i < 3; i++ {
		require.True(t, c.WaitForLive(transport.ReplicaID(i), time.Second))
	}
}

func TestClusterReplicaRecoversAfterCrashAndRestart(t *testing.T) {
	c, err := NewCluster(3, 10*time.Millisecond)
	require.NoError(t, err)
	defer c.Stop()

	require.NoError(t, c.Start())
	for i := 0; i < 3; i++ {
		require.True(t, c.WaitForLive(transport.ReplicaID(i), time.Second))
	}

	// Give a surviving peer something ahead of zero to catch up to.
	c.Storage(1).SetFirstUncommitted(7)

	c.Crash(2)
	require.NoError(t, c.Restart(2))
	require.True(t, c.WaitForLive(2, 2*time.Second))
	require.GreaterOrEqual(t, c.Storage(2).FirstUncommitted(), uint64(7))
}

func TestClusterStaysInProbingUnderMinorityPartition(t *testing.T) {
	c, err := NewCluster(3, 10*time.Millisecond)
	require.NoError(t, err)
	defer c.Stop()

	require.NoError(t, c.Start())
	for i := 0; i < 3; i++ {
		require.True(t, c.WaitForLive(transport.ReplicaID(i), time.Second))
	}

	// Isolate both surviving peers before the crashed replica restarts: a
	// strict majority can never be reached, so recovery must stall rather
	// than fabricate a quorum.
	c.Partition(0, true)
	c.Partition(1, true)

	c.Crash(2)
	require.NoError(t, c.Restart(2))
	require.False(t, c.WaitForLive(2, 200*time.Millisecond))
	require.Equal(t, recovery.Probing, c.Coordinator(2).State())
}
