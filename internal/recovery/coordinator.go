// Package recovery implements the EpochSS recovery core: the state machine
// a replica runs on every boot to decide, without ever blocking its single
// dispatcher goroutine, whether it can resume immediately or must first
// probe the ensemble, possibly narrow to a leader, catch up on missed
// instances, and only then declare itself Live. Grounded in
// pkg/raft/server.go's single-goroutine run() select loop for the dispatch
// shape, and in the original EpochSSRecovery.java for the absorb/quorum/
// catch-up semantics themselves.
package recovery

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/epochss/spaxos/internal/catchup"
	"github.com/epochss/spaxos/internal/paxosvol"
	"github.com/epochss/spaxos/internal/rlog"
	"github.com/epochss/spaxos/internal/transport"
)

// State is one of the five states spec.md §4.3 names.
type State int32

const (
	Bootstrapping State = iota
	Probing
	AwaitingLeader
	CatchingUp
	Live
)

func (s State) String() string {
	switch s {
	case Bootstrapping:
		return "Bootstrapping"
	case Probing:
		return "Probing"
	case AwaitingLeader:
		return "AwaitingLeader"
	case CatchingUp:
		return "CatchingUp"
	case Live:
		return "Live"
	default:
		return "Unknown"
	}
}

// Coordinator runs the recovery state machine for one replica. Every state
// transition, and every read or write of quorum/handle/bridge, happens on
// the single goroutine started by Start — spec.md §5's "single logical
// dispatcher". Everything else (answer handlers, the catch-up bridge) only
// ever posts a closure onto dispatch; it never touches coordinator fields
// directly.
type Coordinator struct {
	localID transport.ReplicaID
	n       int

	localEpoch uint64
	storage    *paxosvol.Storage
	transport  transport.Transport
	retrans    *transport.Retransmitter
	catchupSvc *catchup.Service
	onLive     transport.RecoveryHandler
	log        *rlog.Logger

	dispatch chan func()
	stopCh   chan struct{}
	doneCh   chan struct{}

	state    atomic.Int32
	attempts atomic.Int64 // SUPPLEMENTED: count of Bootstrapping->Probing transitions this process has made

	// Dispatcher-confined fields: touched only from closures run on the
	// dispatch channel, never read or written from any other goroutine.
	attemptID string
	quorum    *QuorumState
	handle    *transport.Handle
	bridge    *catchUpBridge
}

// New builds a Coordinator for a replica that has already run Bootstrap.
// retransInterval is how often unanswered probes are resent (spec.md §4.6).
// onLive is installed as the Transport's RecoveryHandler once this replica
// reaches Live; it is the out-of-scope Paxos engine's entry point for
// serving other replicas' recovery probes (spec.md §1, §6).
func New(
	localID transport.ReplicaID,
	n int,
	localEpoch uint64,
	storage *paxosvol.Storage,
	t transport.Transport,
	retransInterval time.Duration,
	cu *catchup.Service,
	onLive transport.RecoveryHandler,
	log *rlog.Logger,
) *Coordinator {
	c := &Coordinator{
		localID:    localID,
		n:          n,
		localEpoch: localEpoch,
		storage:    storage,
		transport:  t,
		retrans:    transport.New(t, retransInterval, log),
		catchupSvc: cu,
		onLive:     onLive,
		log:        log,
		dispatch:   make(chan func()),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	c.state.Store(int32(Bootstrapping))
	return c
}

// State returns the coordinator's current state. Safe to call from any
// goroutine — used by inspection tooling (cmd/recoveryctl) as well as
// internally.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}

// Attempts reports how many times this Coordinator has entered Probing:
// 0 when the probe phase was skipped (first boot, or n == 1), otherwise 1,
// since the initial transition runs once per Coordinator. Together with
// State it makes a replica stalled in the probe phase visible; it never
// causes a timeout.
func (c *Coordinator) Attempts() int64 {
	return c.attempts.Load()
}

// Done returns a channel that is closed exactly once, when this replica
// reaches Live.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Start runs the dispatcher goroutine and kicks off recovery. It returns
// once the initial transition (either straight to Live, or into Probing)
// has been made; reaching Live itself may take arbitrarily long and is
// observed via Done.
func (c *Coordinator) Start() {
	go c.run()
	started := make(chan struct{})
	c.dispatch <- func() {
		c.onStart()
		close(started)
	}
	<-started
}

// Stop tears down the dispatcher. It does not stop an active
// retransmission run or wait for in-flight catch-up rounds; answers and
// catch-up notifications that arrive afterwards can no longer reach the
// dispatcher.
func (c *Coordinator) Stop() {
	close(c.stopCh)
}

func (c *Coordinator) run() {
	for {
		select {
		case fn := <-c.dispatch:
			fn()
		case <-c.stopCh:
			return
		}
	}
}

// onStart implements spec.md §4.3's initial transition: a replica whose
// persisted epoch was previously 0 (this is its first-ever boot) has
// nothing to recover and goes straight to Live; every other boot means a
// crash happened mid-epoch and the replica must probe the ensemble. With
// n == 1 there is no ensemble to probe — Bootstrap has already persisted the
// bumped epoch, so every boot goes straight to Live regardless of localEpoch.
func (c *Coordinator) onStart() {
	if c.localEpoch == 1 || c.n == 1 {
		c.log.Infof("localEpoch=%d n=%d, skipping probe phase", c.localEpoch, c.n)
		c.transitionToLive()
		return
	}

	c.attemptID = uuid.New().String()
	c.attempts.Add(1)
	c.quorum = NewQuorumState()
	c.transport.RegisterRecoveryAnswerHandler(c.onRecoveryAnswer)
	c.setState(Probing)
	c.log.Infof("attempt=%s entering Probing, localEpoch=%d", c.attemptID, c.localEpoch)

	c.handle = c.retrans.StartTransmitting(transport.Recovery{View: c.storage.View(), Epoch: c.localEpoch}, nil)
}

// onRecoveryAnswer is the Transport's RecoveryAnswerHandler. It runs on
// whatever goroutine the transport delivers answers on, so its entire body
// is handing the real work to the dispatcher.
func (c *Coordinator) onRecoveryAnswer(answer transport.RecoveryAnswer, sender transport.ReplicaID) {
	select {
	case c.dispatch <- func() { c.handleRecoveryAnswer(answer, sender) }:
	case <-c.stopCh:
	}
}

// handleRecoveryAnswer implements spec.md §4.4's absorb sequence: validate,
// merge into shared storage, fold into the quorum tracker, stop resending
// to the sender, and check whether the recovery attempt can advance.
func (c *Coordinator) handleRecoveryAnswer(answer transport.RecoveryAnswer, sender transport.ReplicaID) {
	if c.State() != Probing && c.State() != AwaitingLeader {
		// The answer handler should already be deregistered by the time we
		// leave these two states; a stray answer that raced deregistration
		// is simply stale.
		return
	}
	if len(answer.EpochVector) != c.n {
		c.log.Warnf("attempt=%s dropping malformed answer from %d: vector length %d, want %d",
			c.attemptID, sender, len(answer.EpochVector), c.n)
		return
	}
	if answer.EpochVector[c.localID] != c.localEpoch {
		c.log.Infof("attempt=%s dropping stale answer from %d: vector[self]=%d, want localEpoch=%d",
			c.attemptID, sender, answer.EpochVector[c.localID], c.localEpoch)
		return
	}
	if int(answer.View)%c.n == int(sender) {
		c.log.Infof("attempt=%s answer from %d (leader for view %d), nextId=%d", c.attemptID, sender, answer.View, answer.NextID)
	} else {
		c.log.Infof("attempt=%s answer from %d (view=%d)", c.attemptID, sender, answer.View)
	}

	c.storage.MergeEpochVector(answer.EpochVector)
	if answer.View > c.storage.View() {
		c.storage.SetView(answer.View)
	}
	c.quorum.Absorb(answer, sender, c.n)
	if c.handle != nil {
		c.handle.Stop(sender)
	}

	if !c.quorum.IsQuorum(c.n) {
		return
	}

	leaderAnswer, haveLeader := c.quorum.LeaderAnswer()
	if c.handle != nil {
		c.handle.StopAll()
		c.handle = nil
	}

	if !haveLeader {
		c.narrowToLeader()
		return
	}
	c.startCatchUp(leaderAnswer.NextID)
}

// narrowToLeader implements spec.md §4.3's AwaitingLeader transition: a
// majority answered, but none of them was the leader for its own view
// (because it too is mid-recovery), so narrow the remaining probing to
// whoever the now-merged view names as leader.
func (c *Coordinator) narrowToLeader() {
	leader := transport.ReplicaID(int(c.storage.View()) % c.n)
	c.setState(AwaitingLeader)
	c.log.Infof("attempt=%s quorum reached without a leader reply, narrowing to %d", c.attemptID, leader)
	c.handle = c.retrans.StartTransmitting(transport.Recovery{View: c.storage.View(), Epoch: c.localEpoch}, []transport.ReplicaID{leader})
}

// startCatchUp implements spec.md §4.3's CatchingUp transition: the answer
// handler is deregistered (the coordinator no longer has any use for
// RecoveryAnswers), and a fresh one-shot bridge is registered with the
// catch-up subsystem targeting the leader-reported next instance id.
func (c *Coordinator) startCatchUp(targetNextID uint64) {
	c.setState(CatchingUp)
	c.transport.RegisterRecoveryAnswerHandler(nil)
	c.log.Infof("attempt=%s entering CatchingUp, target nextId=%d", c.attemptID, targetNextID)

	c.bridge = &catchUpBridge{coordinator: c, target: targetNextID}
	c.catchupSvc.AddListener(c.bridge)
	c.catchupSvc.Start(targetNextID)
}

// handleCatchUpSucceeded implements spec.md §4.5: a catch-up round
// finished, but "finished" does not always mean "caught up far enough" —
// snapshots can leave gaps short of the leader-reported tail, in which
// case another round is forced rather than declaring Live prematurely.
func (c *Coordinator) handleCatchUpSucceeded(b *catchUpBridge) {
	if c.bridge != b || c.State() != CatchingUp {
		// A stale bridge from an attempt that already finished or was
		// superseded; ignore it.
		return
	}

	if c.storage.FirstUncommitted() >= b.target {
		if !c.catchupSvc.RemoveListener(b) {
			c.log.Fatalf("attempt=%s catch-up listener already deregistered, invariant violated", c.attemptID)
		}
		c.log.Infof("attempt=%s caught up: firstUncommitted=%d >= target=%d", c.attemptID, c.storage.FirstUncommitted(), b.target)
		c.transitionToLive()
		return
	}

	c.log.Infof("attempt=%s catch-up underrun: firstUncommitted=%d < target=%d, forcing another round",
		c.attemptID, c.storage.FirstUncommitted(), b.target)
	c.catchupSvc.ForceCatchup()
}

// transitionToLive implements spec.md §4.3's terminal transition: install
// the out-of-scope Paxos engine's probe handler and signal Done.
func (c *Coordinator) transitionToLive() {
	c.setState(Live)
	c.transport.RegisterRecoveryHandler(c.onLive)
	c.log.Infof("recovery finished, localEpoch=%d, now Live", c.localEpoch)
	close(c.doneCh)
}
