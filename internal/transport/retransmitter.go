package transport

import (
	"sync"
	"time"

	"github.com/epochss/spaxos/internal/rlog"
)

// Handle represents one active retransmission run, per spec.md §4.6.
type Handle struct {
	mu     sync.Mutex
	active map[ReplicaID]struct{}
	cancel chan struct{}
	done   chan struct{}
}

// Stop stops resending to a single peer while leaving the others active.
func (h *Handle) Stop(peer ReplicaID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active != nil {
		delete(h.active, peer)
	}
}

// StopAll stops resending to every remaining peer and invalidates the
// handle. It blocks until the retransmission goroutine has actually
// exited, so that "no further resends occur after stop returns" holds even
// for a send that raced the stop signal.
func (h *Handle) StopAll() {
	h.mu.Lock()
	if h.active == nil {
		h.mu.Unlock()
		return
	}
	h.active = nil
	h.mu.Unlock()
	close(h.cancel)
	<-h.done
}

// Retransmitter resends a Recovery probe on a fixed cadence to a set of
// peers until each is individually stopped, or the whole run is stopped.
// Grounded in pkg/raft/server.go's heartbeatTicker loop, generalized from
// "always all peers" to "whichever peers are still active".
type Retransmitter struct {
	transport Transport
	interval  time.Duration
	log       *rlog.Logger
}

// New builds a Retransmitter that resends every interval.
func New(t Transport, interval time.Duration, log *rlog.Logger) *Retransmitter {
	return &Retransmitter{transport: t, interval: interval, log: log}
}

// StartTransmitting begins resending msg to targets until each is stopped.
// A nil or empty targets slice broadcasts to every known peer except self,
// matching spec.md's single-argument startTransmitting(msg) form.
func (r *Retransmitter) StartTransmitting(msg Recovery, targets []ReplicaID) *Handle {
	if len(targets) == 0 {
		targets = r.transport.Peers()
	}
	active := make(map[ReplicaID]struct{}, len(targets))
	for _, t := range targets {
		active[t] = struct{}{}
	}
	h := &Handle{
		active: active,
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.run(h, msg)
	return h
}

func (r *Retransmitter) run(h *Handle, msg Recovery) {
	defer close(h.done)

	if !r.fire(h, msg) {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.cancel:
			return
		case <-ticker.C:
			if !r.fire(h, msg) {
				return
			}
		}
	}
}

// fire sends msg to every currently-active target and reports whether the
// handle is still live. Each send happens under h.mu after re-checking that
// its target is still active, so once Stop(peer) returns no further probe
// goes to that peer.
func (r *Retransmitter) fire(h *Handle, msg Recovery) bool {
	h.mu.Lock()
	if h.active == nil {
		h.mu.Unlock()
		return false
	}
	targets := make([]ReplicaID, 0, len(h.active))
	for t := range h.active {
		targets = append(targets, t)
	}
	h.mu.Unlock()

	for _, t := range targets {
		h.mu.Lock()
		if _, ok := h.active[t]; ok {
			if err := r.transport.SendProbe(t, msg); err != nil {
				r.log.Warnf("retransmit probe to peer %d failed: %v", t, err)
			}
		}
		h.mu.Unlock()
	}
	return true
}
