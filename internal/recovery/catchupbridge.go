package recovery

// catchUpBridge is the CatchUpBridge of spec.md §4.5: a one-shot listener,
// registered with the catch-up subsystem for exactly one recovery attempt,
// that turns each notification into a dispatcher-serialized callback
// and forces a retry on underrun. It is a value with its own identity (not
// a closure) so catchup.Service.RemoveListener can compare by identity —
// spec.md §9 requires this explicitly.
type catchUpBridge struct {
	coordinator *Coordinator
	target      uint64
}

// CatchUpSucceeded implements catchup.Listener. It runs on the catch-up
// subsystem's own goroutine, so all it does is hand a closure to the
// dispatcher and get out of the way.
func (b *catchUpBridge) CatchUpSucceeded() {
	c := b.coordinator
	select {
	case c.dispatch <- func() { c.handleCatchUpSucceeded(b) }:
	case <-c.stopCh:
	}
}
