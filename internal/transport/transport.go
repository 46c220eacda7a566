// Package transport carries Recovery and RecoveryAnswer messages between
// replicas and implements the Retransmitter contract spec.md §4.6 requires
// of an external component. It adapts the teacher's Transport interface
// (pkg/transport/transport.go) from generic synchronous RPC dispatch to the
// asynchronous, retransmission-driven messaging spec.md §5 describes:
// sending a probe never blocks on a reply, and answers arrive later through
// a registered handler, on their own schedule.
package transport

// ReplicaID indexes into the ensemble; spec.md's view-mod-N arithmetic
// requires this to be a dense integer space, so unlike e.g. a uuid it
// cannot be opaque.
type ReplicaID int

// Recovery is the outbound probe (spec.md §6): { header(view), epoch }.
type Recovery struct {
	View  uint64
	Epoch uint64
}

// RecoveryAnswer is the inbound reply (spec.md §6):
// { header(view), epochVector, nextId }.
type RecoveryAnswer struct {
	View        uint64
	EpochVector []uint64
	NextID      uint64
}

// RecoveryAnswerHandler processes an inbound RecoveryAnswer from sender.
// Installed only while the coordinator is in Probing/AwaitingLeader.
type RecoveryAnswerHandler func(answer RecoveryAnswer, sender ReplicaID)

// RecoveryHandler processes an inbound Recovery probe from sender. It is
// responsible for computing this replica's answer and sending it back
// itself (via Transport.SendAnswer) — mirroring the original MessageHandler
// contract, where handling and replying are the same step. Installed only
// after Live (spec.md §6).
type RecoveryHandler func(probe Recovery, sender ReplicaID)

// Transport is the network collaborator the recovery core depends on. It is
// explicitly out of scope as a subsystem (spec.md §1) — this module ships
// two small implementations (an in-process fake and a net/rpc transport) the
// way the teacher ships InProcTransport and RPCTransport.
type Transport interface {
	// SendProbe delivers a Recovery probe to target, best-effort. It does
	// not wait for, or return, an answer — replies arrive later through
	// whichever handler is currently installed. An error return means the
	// probe could not even be dispatched (e.g. the peer is unknown); it
	// does NOT mean the peer failed to answer, which is indistinguishable
	// from "answer still in flight" and is handled entirely by
	// retransmission.
	SendProbe(target ReplicaID, probe Recovery) error

	// SendAnswer delivers this replica's RecoveryAnswer back to requester,
	// best-effort.
	SendAnswer(requester ReplicaID, answer RecoveryAnswer) error

	// RegisterRecoveryAnswerHandler installs the callback invoked for
	// every inbound RecoveryAnswer. Only one handler is active at a time.
	RegisterRecoveryAnswerHandler(h RecoveryAnswerHandler)

	// RegisterRecoveryHandler installs the callback invoked when this
	// replica is addressed by a peer's Recovery probe. Only one handler is
	// active at a time, and never simultaneously with the answer handler
	// (spec.md §6).
	RegisterRecoveryHandler(h RecoveryHandler)

	Peers() []ReplicaID
}
