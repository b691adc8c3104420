package proxy

import (
	"sync"
	"sync/atomic"
)

// fireReason records why a latch fired, so a waiter can tell a genuine
// release apart from a disconnect drain or a reaper sweep instead of
// treating every closed channel as the same event.
type fireReason int32

const (
	// reasonReleased means the barrier cleared normally: the matching
	// HashInvalidationDone/AllInvalidationDone arrived, or the owner's
	// underlying call failed and abandoned the latch for a fresh retry.
	reasonReleased fireReason = iota
	// reasonDrained means the transport disconnected while the latch was
	// outstanding; the cluster's invalidation state is no longer
	// observable from this connection.
	reasonDrained
	// reasonExpired means the deadlineReaper fired the latch because its
	// deadline passed with nobody still watching it.
	reasonExpired
)

// latch is the single-shot signal spec.md calls for everywhere: it
// transitions irrevocably from un-fired to fired, and any number of
// waiters observe the same edge. Realized the same way the teacher
// resolves a promise in broker.waitResp: a channel that gets closed
// exactly once.
type latch struct {
	once   sync.Once
	ch     chan struct{}
	reason atomic.Int32
}

func newLatch() *latch {
	return &latch{ch: make(chan struct{})}
}

// fire releases every current and future waiter, tagging why. Idempotent:
// firing an already-fired latch is a no-op (the first reason wins),
// satisfying spec.md's idempotence property for repeated
// HashInvalidationDone delivery.
func (l *latch) fire(reason fireReason) {
	l.once.Do(func() {
		l.reason.Store(int32(reason))
		close(l.ch)
	})
}

// firedReason reports why the latch fired. Only meaningful after done()
// has been observed to be closed.
func (l *latch) firedReason() fireReason {
	return fireReason(l.reason.Load())
}

// done is waited on directly by callers that need to select against it
// alongside a deadline or a disconnect signal.
func (l *latch) done() <-chan struct{} {
	return l.ch
}
