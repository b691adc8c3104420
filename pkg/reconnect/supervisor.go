// Package reconnect implements the Reconnection Supervisor of spec.md
// §4.4: watching every transport endpoint a client holds and firing a
// single callback exactly once all of them have dropped, plus a
// backoff-wrapped retry helper for the reconnect attempt itself.
package reconnect

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ehcache-go/hotrodproxy/pkg/logging"
	"github.com/ehcache-go/hotrodproxy/pkg/transport"
)

// pollInterval is how often the supervisor samples each transport's
// connection state. The cadence is fixed at 200ms: detection latency stays
// low without turning IsConnected() into a hot loop.
const pollInterval = 200 * time.Millisecond

// Supervisor watches a fixed set of transports and calls onReconnect
// exactly once, the first time every one of them is simultaneously
// disconnected. It never calls onReconnect a second time on its own —
// a fresh Supervisor is needed per "all down" episode, mirroring the
// single-shot latch used throughout pkg/proxy.
type Supervisor struct {
	transports  []transport.Transport
	onReconnect func()
	logger      logging.Logger

	fired   atomic.Bool
	startOn sync.Once
	stopCh  chan struct{}
	stopOn  sync.Once
	doneCh  chan struct{}

	trigger singleflight.Group
}

// Opt configures a Supervisor at construction.
type Opt func(*Supervisor)

func WithLogger(l logging.Logger) Opt {
	return func(s *Supervisor) { s.logger = l }
}

// NewSupervisor returns a Supervisor for transports. onReconnect is
// called from the polling goroutine, so it must not block for long; wrap
// a slow reconnect attempt with WithBackoff and run it asynchronously if
// it might.
func NewSupervisor(transports []transport.Transport, onReconnect func(), opts ...Opt) *Supervisor {
	s := &Supervisor{
		transports:  transports,
		onReconnect: onReconnect,
		logger:      logging.Nop,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins polling in its own goroutine; it returns immediately.
// Calling Start more than once, or after Stop, has no effect.
func (s *Supervisor) Start() {
	s.startOn.Do(func() { go s.run() })
}

func (s *Supervisor) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.fired.Load() {
				continue
			}
			if s.allDisconnected() {
				if s.fired.CompareAndSwap(false, true) {
					s.logger.Log(logging.LevelInfo, "all transports disconnected, firing reconnect callback")
					s.onReconnect()
				}
				return
			}
		}
	}
}

func (s *Supervisor) allDisconnected() bool {
	for _, t := range s.transports {
		if t.IsConnected() {
			return false
		}
	}
	return len(s.transports) > 0
}

// Stop halts polling. Safe to call multiple times and from any
// goroutine; it does not wait for an in-flight onReconnect call to
// return.
func (s *Supervisor) Stop() {
	s.stopOn.Do(func() { close(s.stopCh) })
}

// Wait blocks until the polling goroutine has exited, either because
// Stop was called or because it fired and returned on its own.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fired reports whether onReconnect has already been called.
func (s *Supervisor) Fired() bool {
	return s.fired.Load()
}

// TriggerReconnect forces an immediate check instead of waiting for the
// next poll tick, for callers like an AckFailureHook that already know
// the connection is bad. Concurrent callers collapse onto a single
// evaluation via singleflight, so a burst of failing acks across many
// keys doesn't fire onReconnect more than once.
func (s *Supervisor) TriggerReconnect() {
	if s.fired.Load() {
		return
	}
	s.trigger.Do("check", func() (interface{}, error) {
		if !s.fired.Load() && s.allDisconnected() {
			if s.fired.CompareAndSwap(false, true) {
				s.logger.Log(logging.LevelInfo, "reconnect triggered manually, all transports disconnected")
				s.onReconnect()
				s.stopOn.Do(func() { close(s.stopCh) })
			}
		}
		return nil, nil
	})
}
