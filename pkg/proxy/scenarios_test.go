package proxy_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/ehcache-go/hotrodproxy/pkg/proxy"
	"github.com/ehcache-go/hotrodproxy/pkg/proxy/prototest"
	"github.com/ehcache-go/hotrodproxy/pkg/transport"
)

// TestHashInvalidationDoneIsIdempotent exercises the idempotence property:
// delivering HashInvalidationDone for a key with nothing pending, or
// delivering it twice, must never panic or desynchronize a later
// barrier for the same key.
func TestHashInvalidationDoneIsIdempotent(t *testing.T) {
	ft := prototest.NewFakeTransport()
	strong, _ := newStrong(ft)

	// Nothing pending yet; must be a silent no-op.
	ft.PushHashInvalidationDone(100)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- strong.Append(ctx, 100, []byte("v")) }()
	time.Sleep(30 * time.Millisecond)

	ft.PushHashInvalidationDone(100)
	ft.PushHashInvalidationDone(100) // redelivery must not double-fire anything

	if err := <-done; err != nil {
		t.Fatalf("Append: %v, state=%s", err, spew.Sdump(ft.Invoked))
	}
}

// TestAllInvalidationDoneIsIdempotent is Clear's analogue of the above.
func TestAllInvalidationDoneIsIdempotent(t *testing.T) {
	ft := prototest.NewFakeTransport()
	strong, _ := newStrong(ft)

	ft.PushAllInvalidationDone() // nothing pending; no-op

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- strong.Clear(ctx) }()
	time.Sleep(30 * time.Millisecond)

	ft.PushAllInvalidationDone()
	ft.PushAllInvalidationDone()

	if err := <-done; err != nil {
		t.Fatalf("Clear: %v", err)
	}
}

// recordingAckFailureHook implements transport.AckFailureHook for
// assertions.
type recordingAckFailureHook struct {
	calls []ackFailureCall
}

type ackFailureCall struct {
	kind        transport.MessageKind
	key         transport.Key
	consecutive uint64
	err         error
}

func (h *recordingAckFailureHook) OnAckFailure(kind transport.MessageKind, key transport.Key, consecutive uint64, err error) {
	h.calls = append(h.calls, ackFailureCall{kind: kind, key: key, consecutive: consecutive, err: err})
}

// TestAckFailureHookFires checks the ack-failure escalation path: a
// failed client-invalidation ack bumps the consecutive-failure counter
// and invokes the configured hook rather than silently dropping it.
func TestAckFailureHookFires(t *testing.T) {
	ft := prototest.NewFakeTransport()
	lst := &recordingInvalidationListener{}

	hook := &recordingAckFailureHook{}
	wantErr := errors.New("write failed")
	proxy.NewCommonProxy(ft, testCacheId, lst, proxy.WithCommonHooks(hook))

	ft.StubError(transport.KindClientInvalidationAck, wantErr)
	ft.PushClientInvalidateHash(5)

	if len(hook.calls) != 1 {
		t.Fatalf("got %d hook calls, want 1: %s", len(hook.calls), spew.Sdump(hook.calls))
	}
	if hook.calls[0].key != 5 || hook.calls[0].consecutive != 1 || hook.calls[0].err != wantErr {
		t.Fatalf("unexpected hook call: %+v", hook.calls[0])
	}
}
