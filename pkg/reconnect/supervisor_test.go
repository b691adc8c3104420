package reconnect_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ehcache-go/hotrodproxy/pkg/proxy/prototest"
	"github.com/ehcache-go/hotrodproxy/pkg/reconnect"
	"github.com/ehcache-go/hotrodproxy/pkg/transport"
)

// TestSupervisorFiresOnlyWhenAllDisconnected exercises spec.md §8's
// three-transport scenario: marking two of three transports disconnected
// must not fire onReconnect; marking the third disconnected too must fire
// it exactly once.
func TestSupervisorFiresOnlyWhenAllDisconnected(t *testing.T) {
	a := prototest.NewFakeTransport()
	b := prototest.NewFakeTransport()
	c := prototest.NewFakeTransport()

	var fires int32
	sup := reconnect.NewSupervisor(
		[]transport.Transport{a, b, c},
		func() { atomic.AddInt32(&fires, 1) },
	)
	sup.Start()
	defer sup.Stop()

	a.Disconnect()
	b.Disconnect()

	time.Sleep(350 * time.Millisecond)
	if got := atomic.LoadInt32(&fires); got != 0 {
		t.Fatalf("got %d fires with one transport still connected, want 0", got)
	}

	c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err != nil {
		t.Fatalf("supervisor never finished: %v", err)
	}
	if got := atomic.LoadInt32(&fires); got != 1 {
		t.Fatalf("got %d fires, want exactly 1", got)
	}
}

// TestSupervisorTriggerReconnectCollapsesConcurrentCalls checks that
// multiple goroutines calling TriggerReconnect concurrently only ever
// invoke onReconnect once.
func TestSupervisorTriggerReconnectCollapsesConcurrentCalls(t *testing.T) {
	a := prototest.NewFakeTransport()
	a.Disconnect()

	var fires int32
	sup := reconnect.NewSupervisor(
		[]transport.Transport{a},
		func() { atomic.AddInt32(&fires, 1) },
	)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			sup.TriggerReconnect()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	if got := atomic.LoadInt32(&fires); got != 1 {
		t.Fatalf("got %d fires from concurrent triggers, want exactly 1", got)
	}
}
