package proxy

import (
	"context"
	"time"

	"github.com/ehcache-go/hotrodproxy/pkg/logging"
	"github.com/ehcache-go/hotrodproxy/pkg/transport"
)

// reaperInterval is how often stale barrier latches are swept; see
// deadlineReaper.
const reaperInterval = time.Second

// StrongProxy layers spec.md §4.3's cluster-wide invalidation barrier on
// top of a CommonProxy: every mutating call blocks, after the server
// acknowledges it, until the cluster has finished invalidating every
// other tier's copy of the affected key (or, for clear, every key).
//
// The barrier algorithm, for a single key k:
//
//  1. Build a fresh latch and try to install it for k. If another goroutine
//     already owns a latch for k (a concurrent mutation on the same key is
//     in flight), wait on that one instead and retry from the top once it
//     fires — at most one barrier is ever outstanding per key.
//  2. Issue the underlying call against CommonProxy.
//  3. Wait for the installed latch to fire, which happens when
//     HashInvalidationDone arrives for k, the transport disconnects, or
//     the deadline passes.
//
// Clear follows the same shape against the single all-invalidation slot.
type StrongProxy struct {
	common *CommonProxy
	t      transport.Transport
	logger logging.Logger

	pending *pendingTable
	reaper  *deadlineReaper
}

// StrongOpt configures a StrongProxy at construction.
type StrongOpt func(*StrongProxy)

func WithStrongLogger(l logging.Logger) StrongOpt {
	return func(p *StrongProxy) { p.logger = l }
}

// NewStrongProxy wraps common, registering the two barrier-release
// listeners and the disconnect/reconnect hooks spec.md §4.3 and §4.4
// require.
func NewStrongProxy(t transport.Transport, common *CommonProxy, opts ...StrongOpt) *StrongProxy {
	p := &StrongProxy{
		common:  common,
		t:       t,
		logger:  logging.NewDefaultLogger(),
		pending: newPendingTable(),
		reaper:  newDeadlineReaper(),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.reaper.run(reaperInterval)

	t.AddResponseListener(transport.KindHashInvalidationDone, func(push transport.Push) {
		p.pending.releaseOnDone(push.Key)
	})
	t.AddResponseListener(transport.KindAllInvalidationDone, func(transport.Push) {
		p.pending.releaseAllOnDone()
	})

	t.SetDisconnectionListener(func() {
		p.logger.Log(logging.LevelWarn, "transport disconnected, draining pending invalidation barriers")
		p.pending.drain()
	})
	t.SetReconnectListener(func(msg *transport.ReconnectMessage) {
		keys, clearInProgress := p.pending.snapshot()
		msg.InvalidationsInProgress = keys
		if clearInProgress {
			msg.ClearInProgress()
		}
	})

	return p
}

// boundByMutativeTimeout computes the absolute deadline spec.md §4.3 step
// 1 requires ("end = now() + mutativeTimeout") from the transport's own
// configured MutativeTimeout, unless the caller's ctx already carries an
// earlier deadline of its own.
func (p *StrongProxy) boundByMutativeTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	_, mutative := p.t.Timeouts()
	return boundByTimeout(ctx, mutative)
}

// waitFor blocks on l until it fires, the transport disconnects, or ctx's
// deadline passes — whichever comes first. Per spec.md §4.3, a
// disconnection always surfaces as ErrDisconnected even if the barrier
// would otherwise have succeeded, since the cluster's invalidation state
// is no longer observable from this connection. l.firedReason() — not a
// fresh IsConnected() snapshot — decides the outcome, so a latch the
// deadlineReaper already reaped is never mistaken for a genuine release
// just because the transport happens to still be connected when this
// goroutine wakes up.
func (p *StrongProxy) waitFor(ctx context.Context, l *latch) error {
	select {
	case <-l.done():
		switch l.firedReason() {
		case reasonExpired:
			return transport.ErrTimeout
		case reasonDrained:
			return transport.ErrDisconnected
		default:
			return nil
		}
	case <-ctx.Done():
		return transport.ErrTimeout
	}
}

// runBarrier implements the retry-until-owner loop of spec.md §4.3 for a
// single key, then performs op and waits for release.
func (p *StrongProxy) runBarrier(ctx context.Context, key transport.Key, op func() error) error {
	ctx, cancel := p.boundByMutativeTimeout(ctx)
	defer cancel()
	for {
		l := newLatch()
		owner, existing := p.pending.installOrObserve(key, l)
		if !owner {
			// Someone else's barrier for this key is in flight; wait for it
			// to clear, then retry so our own mutation gets its own latch.
			if err := p.waitFor(ctx, existing); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return transport.ErrTimeout
			default:
			}
			continue
		}

		if dl, ok := ctx.Deadline(); ok {
			p.reaper.track(key, l, dl)
		}

		if err := op(); err != nil {
			p.reaper.untrack(l)
			p.pending.remove(key, l)
			return err
		}
		err := p.waitFor(ctx, l)
		p.reaper.untrack(l)
		if err != nil {
			// The latch stays installed; a later HashInvalidationDone (or a
			// disconnect drain) will still release it so the table never
			// leaks an entry forever.
			return err
		}
		return nil
	}
}

// runAllBarrier is runBarrier's analogue for the single all-invalidation
// slot used by Clear.
func (p *StrongProxy) runAllBarrier(ctx context.Context, op func() error) error {
	ctx, cancel := p.boundByMutativeTimeout(ctx)
	defer cancel()
	for {
		l := newLatch()
		owner, existing := p.pending.installOrObserveAll(l)
		if !owner {
			if err := p.waitFor(ctx, existing); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return transport.ErrTimeout
			default:
			}
			continue
		}

		if dl, ok := ctx.Deadline(); ok {
			p.reaper.track(0, l, dl)
		}

		if err := op(); err != nil {
			p.reaper.untrack(l)
			p.pending.removeAll(l)
			return err
		}
		err := p.waitFor(ctx, l)
		p.reaper.untrack(l)
		if err != nil {
			return err
		}
		return nil
	}
}

// Get is unaffected by the invalidation barrier; it passes straight
// through to the common proxy.
func (p *StrongProxy) Get(ctx context.Context, key transport.Key) (transport.Chain, error) {
	return p.common.Get(ctx, key)
}

// Append performs the underlying append and blocks until the cluster has
// finished invalidating every other tier's copy of key.
func (p *StrongProxy) Append(ctx context.Context, key transport.Key, payload []byte) error {
	return p.runBarrier(ctx, key, func() error {
		return p.common.Append(ctx, key, payload)
	})
}

// GetAndAppend performs the underlying append, captures the resulting
// chain, and blocks until the barrier clears before returning it.
func (p *StrongProxy) GetAndAppend(ctx context.Context, key transport.Key, payload []byte) (transport.Chain, error) {
	var chain transport.Chain
	err := p.runBarrier(ctx, key, func() error {
		var opErr error
		chain, opErr = p.common.GetAndAppend(ctx, key, payload)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return chain, nil
}

// ReplaceAtHead performs the optimistic CAS and blocks on the same
// per-key barrier as Append, since the server applies it the same way
// whether or not the expected prefix matched.
func (p *StrongProxy) ReplaceAtHead(ctx context.Context, key transport.Key, expect, update []byte) error {
	return p.runBarrier(ctx, key, func() error {
		return p.common.ReplaceAtHead(ctx, key, expect, update)
	})
}

// Clear invalidates every key and blocks until the cluster-wide
// all-invalidation barrier clears.
func (p *StrongProxy) Clear(ctx context.Context) error {
	return p.runAllBarrier(ctx, func() error {
		return p.common.Clear(ctx)
	})
}

// Close releases this proxy's resources. It does not close the
// underlying transport.
func (p *StrongProxy) Close() error {
	p.reaper.stop()
	return p.common.Close()
}
