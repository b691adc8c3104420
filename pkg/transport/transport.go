package transport

import (
	"context"
	"time"
)

// Transport is the interface the proxy layer depends on (spec.md §4.1):
// three distinct wait modes for outbound calls, listener registration for
// unsolicited pushes, and single-shot reconnect/disconnect hooks.
type Transport interface {
	// InvokeWaitSent returns once the outbound frame is flushed; the
	// caller does not expect any response. cacheId scopes the call to one
	// logical cache, since a single Transport may be shared by proxies for
	// several distinct caches on the same cluster-tier connection.
	// replicate tells the server whether this mutation must be propagated
	// to the rest of the cluster tier before it is considered applied.
	InvokeWaitSent(ctx context.Context, cacheId CacheId, kind MessageKind, key Key, payload []byte, replicate bool) error

	// InvokeWaitReceived returns once the server has acknowledged
	// receipt, before applying the request.
	InvokeWaitReceived(ctx context.Context, cacheId CacheId, kind MessageKind, key Key, payload []byte, replicate bool) error

	// InvokeWaitRetired returns once the server has fully applied the
	// request and produced a response. It is the only mode that returns
	// application data.
	InvokeWaitRetired(ctx context.Context, cacheId CacheId, kind MessageKind, key Key, payload []byte, replicate bool) (Response, error)

	// AddResponseListener registers fn for unsolicited pushes of the
	// given kind. Only one listener per kind may be registered.
	AddResponseListener(kind MessageKind, fn func(Push))

	// SetReconnectListener and SetDisconnectionListener are single-shot
	// registrations; both may be called at most once per Transport
	// instance.
	SetReconnectListener(fn func(*ReconnectMessage))
	SetDisconnectionListener(fn func())

	IsConnected() bool
	Timeouts() (read, mutative time.Duration)
	State() ConnState

	Close() error
}
