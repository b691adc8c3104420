// Package proxy implements the client-side store proxy: a stateless
// Common Store Proxy translating cache operations into transport calls,
// and a Strong Store Proxy layered on top that adds the cluster-wide
// invalidation barrier spec.md requires of every mutating call.
package proxy

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ehcache-go/hotrodproxy/pkg/logging"
	"github.com/ehcache-go/hotrodproxy/pkg/transport"
)

// InvalidationListener is the upstream cache's hook for purging its local
// tier, per spec.md §6.
type InvalidationListener interface {
	OnInvalidateHash(key transport.Key)
	OnInvalidateAll()
}

// CommonProxy is the thin, stateless I/O layer of spec.md §4.2: it never
// blocks on its own behalf, and every call path propagates Timeout and
// Disconnected verbatim while everything else becomes a ProxyError.
type CommonProxy struct {
	t            transport.Transport
	cacheId      transport.CacheId
	invalidation InvalidationListener
	logger       logging.Logger
	codec        transport.Codec

	hooks           []transport.Hook
	hashAckFailures atomic.Uint64
	allAckFailures  atomic.Uint64
}

// CommonOpt configures a CommonProxy at construction.
type CommonOpt func(*CommonProxy)

func WithCommonCodec(c transport.Codec) CommonOpt { return func(p *CommonProxy) { p.codec = c } }

func WithCommonLogger(l logging.Logger) CommonOpt {
	return func(p *CommonProxy) { p.logger = l }
}

// WithCommonHooks registers hooks observed on the ack path. Only hooks
// implementing transport.AckFailureHook have any effect here; the same
// Hook marker type is shared with pkg/transport so a host application can
// pass one set of hooks to both layers.
func WithCommonHooks(hooks ...transport.Hook) CommonOpt {
	return func(p *CommonProxy) { p.hooks = append(p.hooks, hooks...) }
}

// NewCommonProxy registers the three inbound listeners spec.md §4.2
// requires, then returns a ready-to-use proxy scoped to cacheId. A single
// Transport may be shared by several CommonProxy instances for distinct
// cache ids (spec.md §3).
func NewCommonProxy(t transport.Transport, cacheId transport.CacheId, invalidation InvalidationListener, opts ...CommonOpt) *CommonProxy {
	p := &CommonProxy{
		t:            t,
		cacheId:      cacheId,
		invalidation: invalidation,
		logger:       logging.NewDefaultLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}

	t.AddResponseListener(transport.KindServerInvalidateHash, func(push transport.Push) {
		// Advisory only: the server already knows no ack is needed.
		p.invalidation.OnInvalidateHash(push.Key)
	})

	t.AddResponseListener(transport.KindClientInvalidateHash, func(push transport.Push) {
		p.invalidation.OnInvalidateHash(push.Key)
		p.ackHash(push.Key, push.InvalidationId)
	})

	t.AddResponseListener(transport.KindClientInvalidateAll, func(push transport.Push) {
		p.invalidation.OnInvalidateAll()
		p.ackAll(push.InvalidationId)
	})

	return p
}

func (p *CommonProxy) ackHash(key transport.Key, invalidationId uint64) {
	body := appendInvalidationId(invalidationId)
	err := p.t.InvokeWaitSent(context.Background(), p.cacheId, transport.KindClientInvalidationAck, key, body, false)
	if err != nil {
		n := p.hashAckFailures.Add(1)
		p.logger.Log(logging.LevelWarn, "failed to send hash invalidation ack", "key", key, "invalidationId", invalidationId, "err", err)
		p.fireAckFailure(transport.KindClientInvalidateHash, key, n, err)
		return
	}
	p.hashAckFailures.Store(0)
}

func (p *CommonProxy) ackAll(invalidationId uint64) {
	body := appendInvalidationId(invalidationId)
	err := p.t.InvokeWaitSent(context.Background(), p.cacheId, transport.KindClientInvalidationAllAck, 0, body, false)
	if err != nil {
		n := p.allAckFailures.Add(1)
		p.logger.Log(logging.LevelWarn, "failed to send all-invalidation ack", "invalidationId", invalidationId, "err", err)
		p.fireAckFailure(transport.KindClientInvalidateAll, 0, n, err)
		return
	}
	p.allAckFailures.Store(0)
}

func (p *CommonProxy) fireAckFailure(kind transport.MessageKind, key transport.Key, consecutive uint64, err error) {
	for _, h := range p.hooks {
		if h, ok := h.(transport.AckFailureHook); ok {
			h.OnAckFailure(kind, key, consecutive, err)
		}
	}
}

func appendInvalidationId(id uint64) []byte {
	var buf [8]byte
	for i := 7; i >= 0; i-- {
		buf[i] = byte(id)
		id >>= 8
	}
	return buf[:]
}

// Get reads the current chain for key using the read timeout.
func (p *CommonProxy) Get(ctx context.Context, key transport.Key) (transport.Chain, error) {
	ctx, cancel := p.boundByReadTimeout(ctx)
	defer cancel()
	resp, err := p.t.InvokeWaitRetired(ctx, p.cacheId, transport.KindGet, key, nil, false)
	if err != nil {
		return nil, wrapErr(err)
	}
	if resp.Kind != transport.KindGetResponse {
		return nil, &ProxyError{Cause: &protoMismatch{resp.Kind}}
	}
	chain, err := p.decompressChain(resp.Chain)
	if err != nil {
		return nil, &ProxyError{Cause: err}
	}
	return chain, nil
}

// Append adds payload to key's chain, waiting only for server receipt.
func (p *CommonProxy) Append(ctx context.Context, key transport.Key, payload []byte) error {
	encoded, err := p.compressPayload(payload)
	if err != nil {
		return &ProxyError{Cause: err}
	}
	if err := p.t.InvokeWaitReceived(ctx, p.cacheId, transport.KindAppend, key, encoded, true); err != nil {
		return wrapErr(err)
	}
	return nil
}

// GetAndAppend appends payload and returns the resulting chain, waiting
// for full server application.
func (p *CommonProxy) GetAndAppend(ctx context.Context, key transport.Key, payload []byte) (transport.Chain, error) {
	encoded, err := p.compressPayload(payload)
	if err != nil {
		return nil, &ProxyError{Cause: err}
	}
	resp, err := p.t.InvokeWaitRetired(ctx, p.cacheId, transport.KindGetAndAppend, key, encoded, true)
	if err != nil {
		return nil, wrapErr(err)
	}
	if resp.Kind != transport.KindGetResponse {
		return nil, &ProxyError{Cause: &protoMismatch{resp.Kind}}
	}
	chain, err := p.decompressChain(resp.Chain)
	if err != nil {
		return nil, &ProxyError{Cause: err}
	}
	return chain, nil
}

// ReplaceAtHead issues a fire-and-forget optimistic CAS: the server
// silently ignores it if expect no longer matches the chain prefix.
func (p *CommonProxy) ReplaceAtHead(ctx context.Context, key transport.Key, expect, update []byte) error {
	body := appendLenPrefixed(nil, expect)
	body = appendLenPrefixed(body, update)
	if err := p.t.InvokeWaitSent(ctx, p.cacheId, transport.KindReplaceAtHead, key, body, false); err != nil {
		return wrapErr(err)
	}
	return nil
}

// Clear removes every key in the cache, waiting for full server
// application.
func (p *CommonProxy) Clear(ctx context.Context) error {
	if _, err := p.t.InvokeWaitRetired(ctx, p.cacheId, transport.KindClear, 0, nil, false); err != nil {
		return wrapErr(err)
	}
	return nil
}

// Close does nothing and returns nil. The listeners registered in
// NewCommonProxy stay registered on the transport, and the transport
// itself is not closed, since it may be shared across proxies for
// distinct cache IDs (spec.md §3: "shared ownership").
func (p *CommonProxy) Close() error { return nil }

// boundByReadTimeout derives a deadline from the transport's configured
// read timeout when ctx does not already carry an earlier one, per
// spec.md §4.2's "get uses retired wait with the read timeout".
func (p *CommonProxy) boundByReadTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	read, _ := p.t.Timeouts()
	return boundByTimeout(ctx, read)
}

func boundByTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	if deadline, ok := ctx.Deadline(); ok && deadline.Before(time.Now().Add(d)) {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func (p *CommonProxy) compressPayload(payload []byte) ([]byte, error) {
	return transport.Compress(p.codec, payload)
}

func (p *CommonProxy) decompressChain(c transport.Chain) (transport.Chain, error) {
	if p.codec == transport.CodecNone {
		return c, nil
	}
	out := make(transport.Chain, len(c))
	for i, entry := range c {
		d, err := transport.Decompress(p.codec, entry)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func appendLenPrefixed(buf []byte, b []byte) []byte {
	n := len(b)
	buf = append(buf, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	return append(buf, b...)
}

type protoMismatch struct {
	got transport.MessageKind
}

func (e *protoMismatch) Error() string { return "invalid response: " + e.got.String() }
