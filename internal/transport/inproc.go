package transport

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// InProc is a fake, in-process network shared by every replica in a
// simulated cluster. Adapted from pkg/transport/inproc.go's InProcTransport:
// same drop-rate/delay/partition knobs, generalized from synchronous
// RPC-with-reply to asynchronous probe/answer delivery.
type InProc struct {
	mu         sync.Mutex
	nodes      map[ReplicaID]*inprocNode
	dropRate   float64
	delayMin   time.Duration
	delayMax   time.Duration
	partitions map[ReplicaID]bool
}

// NewInProc returns an empty in-process network.
func NewInProc() *InProc {
	return &InProc{
		nodes:      make(map[ReplicaID]*inprocNode),
		partitions: make(map[ReplicaID]bool),
	}
}

// SetDropRate makes a fraction of sends silently vanish, simulating packet
// loss that the Retransmitter is expected to paper over.
func (n *InProc) SetDropRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = rate
}

// SetDelay adds a random delivery delay in [min, max) to every send.
func (n *InProc) SetDelay(min, max time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delayMin, n.delayMax = min, max
}

// Partition isolates (or rejoins) a replica: every send to or from an
// isolated replica is dropped.
func (n *InProc) Partition(id ReplicaID, isolated bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitions[id] = isolated
}

func (n *InProc) isPartitioned(a, b ReplicaID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.partitions[a] || n.partitions[b]
}

// Register attaches a new replica to the network and returns its Transport.
func (n *InProc) Register(id ReplicaID) Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	node := &inprocNode{id: id, net: n}
	n.nodes[id] = node
	return node
}

func (n *InProc) peersExcept(self ReplicaID) []ReplicaID {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := make([]ReplicaID, 0, len(n.nodes))
	for id := range n.nodes {
		if id != self {
			peers = append(peers, id)
		}
	}
	return peers
}

// deliver simulates best-effort asynchronous delivery of a single message:
// it may drop it, delay it, and always hands it to fn on its own goroutine
// so sends never block the caller's dispatcher.
func (n *InProc) deliver(from, to ReplicaID, fn func()) error {
	n.mu.Lock()
	target, ok := n.nodes[to]
	dropRate := n.dropRate
	delayMin, delayMax := n.delayMin, n.delayMax
	n.mu.Unlock()

	if !ok {
		return errors.New("transport: unknown peer")
	}
	if n.isPartitioned(from, to) {
		return nil
	}
	if dropRate > 0 && rand.Float64() < dropRate {
		return nil
	}
	_ = target

	go func() {
		if delayMax > delayMin {
			time.Sleep(delayMin + time.Duration(rand.Int63n(int64(delayMax-delayMin))))
		} else if delayMin > 0 {
			time.Sleep(delayMin)
		}
		fn()
	}()
	return nil
}

type inprocNode struct {
	id  ReplicaID
	net *InProc

	mu              sync.Mutex
	answerHandler   RecoveryAnswerHandler
	recoveryHandler RecoveryHandler
}

func (nd *inprocNode) SendProbe(target ReplicaID, probe Recovery) error {
	return nd.net.deliver(nd.id, target, func() {
		nd.net.mu.Lock()
		t, ok := nd.net.nodes[target]
		nd.net.mu.Unlock()
		if !ok {
			return
		}
		t.mu.Lock()
		h := t.recoveryHandler
		t.mu.Unlock()
		if h != nil {
			h(probe, nd.id)
		}
	})
}

func (nd *inprocNode) SendAnswer(requester ReplicaID, answer RecoveryAnswer) error {
	return nd.net.deliver(nd.id, requester, func() {
		nd.net.mu.Lock()
		t, ok := nd.net.nodes[requester]
		nd.net.mu.Unlock()
		if !ok {
			return
		}
		t.mu.Lock()
		h := t.answerHandler
		t.mu.Unlock()
		if h != nil {
			h(answer, nd.id)
		}
	})
}

func (nd *inprocNode) RegisterRecoveryAnswerHandler(h RecoveryAnswerHandler) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.answerHandler = h
}

func (nd *inprocNode) RegisterRecoveryHandler(h RecoveryHandler) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.recoveryHandler = h
}

func (nd *inprocNode) Peers() []ReplicaID {
	return nd.net.peersExcept(nd.id)
}
