// Package simulator provides a small in-process cluster harness for
// exercising the recovery core end to end: several replicas sharing a fake
// network, each independently bootstrapping, crashing, and restarting.
// Adapted from pkg/simulator/simulator.go's Cluster, generalized from
// driving raft.Server instances to driving recovery.Coordinator instances.
package simulator

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/epochss/spaxos/internal/catchup"
	"github.com/epochss/spaxos/internal/epochstore"
	"github.com/epochss/spaxos/internal/fsm"
	"github.com/epochss/spaxos/internal/paxosvol"
	"github.com/epochss/spaxos/internal/recovery"
	"github.com/epochss/spaxos/internal/rlog"
	"github.com/epochss/spaxos/internal/transport"
)

// Cluster owns n replicas, a shared fake network, and per-replica on-disk
// epoch stores so that Crash followed by Restart genuinely exercises
// crash recovery rather than just object construction.
type Cluster struct {
	mu              sync.Mutex
	net             *transport.InProc
	n               int
	retransInterval time.Duration

	dataDirs     map[transport.ReplicaID]string
	stores       map[transport.ReplicaID]*epochstore.Store
	storages     map[transport.ReplicaID]*paxosvol.Storage
	catchups     map[transport.ReplicaID]*catchup.Service
	fsms         map[transport.ReplicaID]*fsm.KVStore
	coordinators map[transport.ReplicaID]*recovery.Coordinator
}

// NewCluster allocates (but does not yet start) n replicas.
func NewCluster(n int, retransInterval time.Duration) (*Cluster, error) {
	c := &Cluster{
		net:             transport.NewInProc(),
		n:               n,
		retransInterval: retransInterval,
		dataDirs:        make(map[transport.ReplicaID]string),
		stores:          make(map[transport.ReplicaID]*epochstore.Store),
		storages:        make(map[transport.ReplicaID]*paxosvol.Storage),
		catchups:        make(map[transport.ReplicaID]*catchup.Service),
		fsms:            make(map[transport.ReplicaID]*fsm.KVStore),
		coordinators:    make(map[transport.ReplicaID]*recovery.Coordinator),
	}

	for i := 0; i < n; i++ {
		id := transport.ReplicaID(i)
		dir, err := os.MkdirTemp("", fmt.Sprintf("epochss-sim-%d-", id))
		if err != nil {
			return nil, fmt.Errorf("simulator: create data dir: %w", err)
		}
		store, err := epochstore.New(dir)
		if err != nil {
			return nil, fmt.Errorf("simulator: create epoch store: %w", err)
		}
		c.dataDirs[id] = dir
		c.stores[id] = store
	}
	return c, nil
}

// Start boots every replica.
func (c *Cluster) Start() error {
	for i := 0; i < c.n; i++ {
		if err := c.boot(transport.ReplicaID(i)); err != nil {
			return err
		}
	}
	return nil
}

// boot runs one replica's StorageBootstrap and starts a fresh
// RecoveryCoordinator for it, wiring in a minimal "Live" probe-answering
// handler that reports this replica's own storage — standing in for the
// out-of-scope Paxos engine, which is what would really own that response
// once a replica is Live (spec.md §1, §6).
func (c *Cluster) boot(id transport.ReplicaID) error {
	c.mu.Lock()
	store := c.stores[id]
	c.mu.Unlock()

	storage, epoch, err := recovery.Bootstrap(store, id, c.n)
	if err != nil {
		return err
	}

	node := c.net.Register(id)
	cu := catchup.New(storage)
	kv := fsm.NewKVStore()

	onLive := func(probe transport.Recovery, sender transport.ReplicaID) {
		storage.BumpEpochSlot(int(sender), probe.Epoch)
		node.SendAnswer(sender, transport.RecoveryAnswer{
			View:        storage.View(),
			EpochVector: storage.EpochVector(),
			NextID:      storage.FirstUncommitted(),
		})
	}

	coordinator := recovery.New(id, c.n, epoch, storage, node, c.retransInterval, cu, onLive, rlog.New(fmt.Sprintf("replica-%d", id)))

	c.mu.Lock()
	c.storages[id] = storage
	c.catchups[id] = cu
	c.fsms[id] = kv
	c.coordinators[id] = coordinator
	c.mu.Unlock()

	coordinator.Start()
	return nil
}

// Crash stops a replica's coordinator and isolates it on the network, as
// if the process had died.
func (c *Cluster) Crash(id transport.ReplicaID) {
	c.mu.Lock()
	coordinator := c.coordinators[id]
	c.mu.Unlock()
	if coordinator != nil {
		coordinator.Stop()
	}
	c.net.Partition(id, true)
}

// Restart rejoins the network and boots a fresh coordinator for id,
// reusing its on-disk epoch store — the crash-recovery path under test.
func (c *Cluster) Restart(id transport.ReplicaID) error {
	c.net.Partition(id, false)
	return c.boot(id)
}

// Partition isolates or rejoins a replica without crashing it.
func (c *Cluster) Partition(id transport.ReplicaID, isolated bool) {
	c.net.Partition(id, isolated)
}

// SetDropRate configures packet loss across the whole network.
func (c *Cluster) SetDropRate(rate float64) {
	c.net.SetDropRate(rate)
}

// SetDelay configures delivery delay across the whole network.
func (c *Cluster) SetDelay(min, max time.Duration) {
	c.net.SetDelay(min, max)
}

// WaitForLive blocks until id's coordinator reaches Live, or timeout
// elapses.
func (c *Cluster) WaitForLive(id transport.ReplicaID, timeout time.Duration) bool {
	c.mu.Lock()
	coordinator := c.coordinators[id]
	c.mu.Unlock()
	if coordinator == nil {
		return false
	}
	select {
	case <-coordinator.Done():
		return true
	case <-time.After(timeout):
		return false
	}
}

// Coordinator returns id's current coordinator instance.
func (c *Cluster) Coordinator(id transport.ReplicaID) *recovery.Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coordinators[id]
}

// Storage returns id's shared volatile storage.
func (c *Cluster) Storage(id transport.ReplicaID) *paxosvol.Storage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storages[id]
}

// FSM returns id's toy state machine.
func (c *Cluster) FSM(id transport.ReplicaID) *fsm.KVStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fsms[id]
}

// Stop tears down every replica and removes their on-disk epoch stores.
func (c *Cluster) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, coordinator := range c.coordinators {
		coordinator.Stop()
	}
	for _, dir := range c.dataDirs {
		os.RemoveAll(dir)
	}
}
