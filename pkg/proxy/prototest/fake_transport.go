// Package prototest provides an in-memory transport.Transport double,
// driven step by step from test code, for exercising the proxy layer's
// barrier and reconnect logic without a real server on the other end.
package prototest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehcache-go/hotrodproxy/pkg/transport"
)

// FakeTransport implements transport.Transport entirely in memory. Tests
// drive it by calling PushServerInvalidateHash, PushClientInvalidateHash,
// PushHashInvalidationDone, and so on, and by toggling connection state
// with Disconnect/Reconnect.
type FakeTransport struct {
	mu        sync.Mutex
	connected bool

	listeners          map[transport.MessageKind]func(transport.Push)
	reconnectListener  func(*transport.ReconnectMessage)
	disconnectListener func()

	// Invoked records every call made through the Invoke* methods, in
	// order, for assertions.
	Invoked []InvokedCall

	// Responses supplies the Response (or error) InvokeWaitRetired
	// returns for the next call of a given kind, consumed FIFO.
	Responses map[transport.MessageKind][]callStub

	readTimeout, mutativeTimeout time.Duration
}

type InvokedCall struct {
	Mode      string
	CacheId   transport.CacheId
	Kind      transport.MessageKind
	Key       transport.Key
	Payload   []byte
	Replicate bool
}

type callStub struct {
	resp transport.Response
	err  error
}

// NewFakeTransport returns a connected fake with default timeouts.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		connected:       true,
		listeners:       make(map[transport.MessageKind]func(transport.Push)),
		Responses:       make(map[transport.MessageKind][]callStub),
		readTimeout:     5 * time.Second,
		mutativeTimeout: 10 * time.Second,
	}
}

// StubResponse queues resp to be returned by the next InvokeWaitRetired
// call of kind.
func (f *FakeTransport) StubResponse(kind transport.MessageKind, resp transport.Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses[kind] = append(f.Responses[kind], callStub{resp: resp})
}

// StubError queues err to be returned by the next Invoke* call of kind.
func (f *FakeTransport) StubError(kind transport.MessageKind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses[kind] = append(f.Responses[kind], callStub{err: err})
}

func (f *FakeTransport) nextStub(kind transport.MessageKind) (callStub, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.Responses[kind]
	if len(q) == 0 {
		return callStub{}, false
	}
	f.Responses[kind] = q[1:]
	return q[0], true
}

func (f *FakeTransport) record(mode string, cacheId transport.CacheId, kind transport.MessageKind, key transport.Key, payload []byte, replicate bool) {
	f.mu.Lock()
	f.Invoked = append(f.Invoked, InvokedCall{Mode: mode, CacheId: cacheId, Kind: kind, Key: key, Payload: payload, Replicate: replicate})
	f.mu.Unlock()
}

func (f *FakeTransport) checkConnected() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrDisconnected
	}
	return nil
}

func (f *FakeTransport) InvokeWaitSent(ctx context.Context, cacheId transport.CacheId, kind transport.MessageKind, key transport.Key, payload []byte, replicate bool) error {
	f.record("sent", cacheId, kind, key, payload, replicate)
	if err := f.checkConnected(); err != nil {
		return err
	}
	if stub, ok := f.nextStub(kind); ok {
		return stub.err
	}
	return nil
}

func (f *FakeTransport) InvokeWaitReceived(ctx context.Context, cacheId transport.CacheId, kind transport.MessageKind, key transport.Key, payload []byte, replicate bool) error {
	f.record("received", cacheId, kind, key, payload, replicate)
	if err := f.checkConnected(); err != nil {
		return err
	}
	if stub, ok := f.nextStub(kind); ok {
		return stub.err
	}
	return nil
}

func (f *FakeTransport) InvokeWaitRetired(ctx context.Context, cacheId transport.CacheId, kind transport.MessageKind, key transport.Key, payload []byte, replicate bool) (transport.Response, error) {
	f.record("retired", cacheId, kind, key, payload, replicate)
	if err := f.checkConnected(); err != nil {
		return transport.Response{}, err
	}
	if stub, ok := f.nextStub(kind); ok {
		if stub.err != nil {
			return transport.Response{}, stub.err
		}
		return stub.resp, nil
	}
	return transport.Response{Kind: transport.KindAckRetired}, nil
}

func (f *FakeTransport) AddResponseListener(kind transport.MessageKind, fn func(transport.Push)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[kind] = fn
}

func (f *FakeTransport) SetReconnectListener(fn func(*transport.ReconnectMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnectListener = fn
}

func (f *FakeTransport) SetDisconnectionListener(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectListener = fn
}

func (f *FakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeTransport) Timeouts() (time.Duration, time.Duration) {
	return f.readTimeout, f.mutativeTimeout
}

func (f *FakeTransport) State() transport.ConnState {
	if f.IsConnected() {
		return transport.StateConnected
	}
	return transport.StateDisconnected
}

func (f *FakeTransport) Close() error { return nil }

// Disconnect marks the fake as disconnected and invokes the registered
// disconnect listener, exactly as a real Conn would on connection death.
func (f *FakeTransport) Disconnect() {
	f.mu.Lock()
	f.connected = false
	dl := f.disconnectListener
	f.mu.Unlock()
	if dl != nil {
		dl()
	}
}

// Reconnect marks the fake as connected again and invokes the registered
// reconnect listener with a fresh ReconnectMessage, returning it for
// assertions.
func (f *FakeTransport) Reconnect() *transport.ReconnectMessage {
	f.mu.Lock()
	f.connected = true
	rl := f.reconnectListener
	f.mu.Unlock()

	msg := &transport.ReconnectMessage{}
	if rl != nil {
		rl(msg)
	}
	return msg
}

// PushServerInvalidateHash delivers an advisory invalidation push for key.
func (f *FakeTransport) PushServerInvalidateHash(key transport.Key) {
	f.deliver(transport.KindServerInvalidateHash, transport.Push{Kind: transport.KindServerInvalidateHash, Key: key})
}

// PushClientInvalidateHash delivers a peer-driven invalidation requiring
// an ack, with a freshly generated invalidation ID.
func (f *FakeTransport) PushClientInvalidateHash(key transport.Key) uint64 {
	id := newInvalidationId()
	f.deliver(transport.KindClientInvalidateHash, transport.Push{Kind: transport.KindClientInvalidateHash, Key: key, InvalidationId: id})
	return id
}

// PushClientInvalidateAll delivers a peer-driven clear requiring an ack.
func (f *FakeTransport) PushClientInvalidateAll() uint64 {
	id := newInvalidationId()
	f.deliver(transport.KindClientInvalidateAll, transport.Push{Kind: transport.KindClientInvalidateAll, InvalidationId: id})
	return id
}

// PushHashInvalidationDone releases any barrier outstanding for key.
func (f *FakeTransport) PushHashInvalidationDone(key transport.Key) {
	f.deliver(transport.KindHashInvalidationDone, transport.Push{Kind: transport.KindHashInvalidationDone, Key: key})
}

// PushAllInvalidationDone releases any outstanding clear barrier.
func (f *FakeTransport) PushAllInvalidationDone() {
	f.deliver(transport.KindAllInvalidationDone, transport.Push{Kind: transport.KindAllInvalidationDone})
}

func (f *FakeTransport) deliver(kind transport.MessageKind, push transport.Push) {
	f.mu.Lock()
	fn := f.listeners[kind]
	f.mu.Unlock()
	if fn != nil {
		fn(push)
	}
}

func newInvalidationId() uint64 {
	id := uuid.New()
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(id[i])
	}
	return v
}
