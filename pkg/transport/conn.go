package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehcache-go/hotrodproxy/pkg/logging"
)

// waitMode controls how far invoke blocks before returning to the
// caller, matching spec.md's three wait modes.
type waitMode uint8

const (
	waitSent waitMode = iota
	waitReceived
	waitRetired
)

// writeJob is one queued outbound frame, the direct analogue of the
// teacher's promisedReq: a single channel serializes all writes onto the
// connection so that, as in the teacher, "only one write can happen at a
// time... but the write is expected to be fast whereas the wait for the
// response is expected to be slow."
type writeJob struct {
	frame    []byte
	corrID   int32
	kind     MessageKind
	mode     waitMode
	deadline time.Time
	result   chan callResult // nil for waitSent
}

type callResult struct {
	resp Response
	err  error
}

// Conn is the concrete Transport talking to one cluster-tier server over
// a single TCP connection. It is the generalization of the teacher's
// broker+brokerCxn pair to "one connection, many in-flight calls plus
// unsolicited pushes" instead of "one broker, per-request-type
// sub-connections".
type Conn struct {
	cfg Config

	netConnMu sync.RWMutex
	netConn   net.Conn

	state int32 // atomic ConnState

	corrID int32 // atomic, bumped per call

	reqs chan writeJob

	pendingMu sync.Mutex
	pending   map[int32]pendingCall

	listenerMu sync.Mutex
	listeners  map[MessageKind]chan Push

	reconnectListener   func(*ReconnectMessage)
	disconnectListener  func()
	listenersLocked     bool // never set: SetReconnectListener/SetDisconnectionListener do not enforce single registration

	dead int32 // atomic
}

type pendingCall struct {
	mode   waitMode
	result chan callResult
}

// NewConn creates a Conn and dials immediately.
func NewConn(ctx context.Context, cfg Config) (*Conn, error) {
	c := &Conn{
		cfg:       cfg,
		reqs:      make(chan writeJob, 16),
		pending:   make(map[int32]pendingCall),
		listeners: make(map[MessageKind]chan Push),
	}
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	atomic.StoreInt32(&c.state, int32(StateConnected))
	go c.handleReqs()
	go c.handleResps()
	return c, nil
}

func (c *Conn) dial(ctx context.Context) error {
	start := time.Now()
	nc, err := c.cfg.DialFunc(ctx, "tcp", c.cfg.Addr)
	latency := time.Since(start)
	c.cfg.hooks().each(func(h Hook) {
		if h, ok := h.(ConnectHook); ok {
			h.OnConnect(c.cfg.Addr, latency, err)
		}
	})
	if err != nil {
		c.cfg.Logger.Log(logging.LevelWarn, "unable to connect", "addr", c.cfg.Addr, "err", err)
		return err
	}
	c.netConnMu.Lock()
	c.netConn = nc
	c.netConnMu.Unlock()
	c.cfg.Logger.Log(logging.LevelDebug, "connected", "addr", c.cfg.Addr)
	return nil
}

func (c *Conn) IsConnected() bool {
	return ConnState(atomic.LoadInt32(&c.state)) == StateConnected
}

func (c *Conn) State() ConnState { return ConnState(atomic.LoadInt32(&c.state)) }

func (c *Conn) Timeouts() (time.Duration, time.Duration) {
	return c.cfg.ReadTimeout, c.cfg.MutativeTimeout
}

func (c *Conn) AddResponseListener(kind MessageKind, fn func(Push)) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	ch, ok := c.listeners[kind]
	if !ok {
		// Buffered worker channel: handlers for one kind run serially
		// (spec.md: "serialized per kind"), but different kinds don't
		// block each other.
		ch = make(chan Push, 64)
		c.listeners[kind] = ch
		go func() {
			for p := range ch {
				c.safeInvokePush(fn, p)
			}
		}()
	}
}

func (c *Conn) safeInvokePush(fn func(Push), p Push) {
	defer func() {
		if r := recover(); r != nil {
			c.cfg.Logger.Log(logging.LevelError, "response listener panicked", "kind", p.Kind, "recover", r)
		}
	}()
	fn(p)
}

func (c *Conn) SetReconnectListener(fn func(*ReconnectMessage)) {
	c.reconnectListener = fn
}

func (c *Conn) SetDisconnectionListener(fn func()) {
	c.disconnectListener = fn
}

// InvokeWaitSent queues the frame for the writer goroutine and returns
// without waiting for the write itself; a later write failure is not
// reported to the caller.
func (c *Conn) InvokeWaitSent(ctx context.Context, cacheId CacheId, kind MessageKind, key Key, payload []byte, replicate bool) error {
	_, err := c.invoke(ctx, cacheId, kind, key, payload, replicate, waitSent)
	return err
}

// InvokeWaitReceived blocks until the server acknowledges receipt.
func (c *Conn) InvokeWaitReceived(ctx context.Context, cacheId CacheId, kind MessageKind, key Key, payload []byte, replicate bool) error {
	_, err := c.invoke(ctx, cacheId, kind, key, payload, replicate, waitReceived)
	return err
}

// InvokeWaitRetired blocks until the server has fully applied the
// request and returns its response.
func (c *Conn) InvokeWaitRetired(ctx context.Context, cacheId CacheId, kind MessageKind, key Key, payload []byte, replicate bool) (Response, error) {
	return c.invoke(ctx, cacheId, kind, key, payload, replicate, waitRetired)
}

func (c *Conn) nextCorrID() int32 {
	return atomic.AddInt32(&c.corrID, 1)
}

func (c *Conn) invoke(ctx context.Context, cacheId CacheId, kind MessageKind, key Key, payload []byte, replicate bool, mode waitMode) (Response, error) {
	if atomic.LoadInt32(&c.dead) == 1 {
		return Response{}, ErrDisconnected
	}

	corrID := c.nextCorrID()
	body := appendBytes(nil, []byte(cacheId))
	body = appendUint64(body, uint64(key))
	body = appendBool(body, replicate)
	body = append(body, payload...)
	frame := encodeFrame(corrID, kind, body)

	var resultCh chan callResult
	if mode != waitSent {
		resultCh = make(chan callResult, 1)
	}

	deadline, _ := ctx.Deadline()
	job := writeJob{frame: frame, corrID: corrID, kind: kind, mode: mode, deadline: deadline, result: resultCh}

	select {
	case c.reqs <- job:
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return Response{}, ErrTimeout
		}
		return Response{}, ctx.Err()
	}

	if mode == waitSent {
		return Response{}, nil
	}

	if mode == waitReceived || mode == waitRetired {
		c.pendingMu.Lock()
		c.pending[corrID] = pendingCall{mode: mode, result: resultCh}
		c.pendingMu.Unlock()
	}

	select {
	case res := <-resultCh:
		return res.resp, res.err
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, corrID)
		c.pendingMu.Unlock()
		if ctx.Err() == context.DeadlineExceeded {
			return Response{}, ErrTimeout
		}
		return Response{}, ctx.Err()
	}
}

// handleReqs is the sole writer of the connection, serializing frames
// exactly as the teacher's broker.handleReqs serializes writes to a
// brokerCxn.
func (c *Conn) handleReqs() {
	for job := range c.reqs {
		c.netConnMu.RLock()
		nc := c.netConn
		c.netConnMu.RUnlock()
		if nc == nil {
			c.failPending(job.corrID, ErrDisconnected)
			continue
		}

		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(job.frame)))

		if !job.deadline.IsZero() {
			nc.SetWriteDeadline(job.deadline)
		}
		_, err := nc.Write(append(hdr[:], job.frame...))
		nc.SetWriteDeadline(time.Time{})
		if err != nil {
			c.cfg.Logger.Log(logging.LevelWarn, "write failed, killing connection", "err", err)
			c.onConnDead(err)
			c.failPending(job.corrID, ErrDisconnected)
			continue
		}
	}
}

func (c *Conn) failPending(corrID int32, err error) {
	c.pendingMu.Lock()
	p, ok := c.pending[corrID]
	if ok {
		delete(c.pending, corrID)
	}
	c.pendingMu.Unlock()
	if ok && p.result != nil {
		p.result <- callResult{err: err}
	}
}

// handleResps reads frames until the connection dies, demultiplexing by
// correlation ID (calls) or by kind (pushes), exactly mirroring the
// teacher's brokerCxn.handleResps loop.
func (c *Conn) handleResps() {
	for {
		c.netConnMu.RLock()
		nc := c.netConn
		c.netConnMu.RUnlock()
		if nc == nil {
			return
		}

		var hdr [4]byte
		if _, err := io.ReadFull(nc, hdr[:]); err != nil {
			c.onConnDead(err)
			return
		}
		size := binary.BigEndian.Uint32(hdr[:])
		if int32(size) > c.cfg.MaxReadBytes {
			c.onConnDead(fmt.Errorf("frame of %d bytes exceeds limit", size))
			return
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(nc, buf); err != nil {
			c.onConnDead(err)
			return
		}
		if err := c.dispatchFrame(buf); err != nil {
			c.cfg.Logger.Log(logging.LevelWarn, "dropping malformed frame", "err", err)
		}
	}
}

func (c *Conn) dispatchFrame(buf []byte) error {
	if len(buf) < 5 {
		return fmt.Errorf("short frame")
	}
	corrID := int32(binary.BigEndian.Uint32(buf[:4]))
	kind := MessageKind(buf[4])
	body := buf[5:]

	if corrID == 0 {
		return c.dispatchPush(kind, body)
	}

	c.pendingMu.Lock()
	p, ok := c.pending[corrID]
	if ok {
		delete(c.pending, corrID)
	}
	c.pendingMu.Unlock()
	if !ok || p.result == nil {
		return nil // no one is waiting any more (already timed out)
	}

	resp, err := decodeResponseBody(kind, body)
	p.result <- callResult{resp: resp, err: err}
	return nil
}

func decodeResponseBody(kind MessageKind, body []byte) (Response, error) {
	switch kind {
	case KindGetResponse:
		chain, _, err := decodeChain(body)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: kind, Chain: chain}, nil
	case KindAckReceived, KindAckRetired:
		return Response{Kind: kind}, nil
	default:
		return Response{}, &ProtocolError{Got: kind}
	}
}

// dispatchPush decodes a push frame's body, whose shape depends on kind:
//
//	ServerInvalidateHash, HashInvalidationDone: 8-byte key
//	ClientInvalidateHash:                       8-byte key + 8-byte invalidation ID
//	ClientInvalidateAll:                        8-byte invalidation ID
//	AllInvalidationDone:                        empty
func (c *Conn) dispatchPush(kind MessageKind, body []byte) error {
	var key Key
	var invID uint64
	var err error

	switch kind {
	case KindServerInvalidateHash, KindHashInvalidationDone:
		key, _, err = decodeKeyInvalidationId(body, false)
	case KindClientInvalidateHash:
		key, invID, err = decodeKeyInvalidationId(body, true)
	case KindClientInvalidateAll:
		if len(body) < 8 {
			err = fmt.Errorf("%w: short push body", ErrConnDead)
		} else {
			invID = binary.BigEndian.Uint64(body[:8])
		}
	case KindAllInvalidationDone:
		// no body
	default:
		return fmt.Errorf("unexpected push kind %s", kind)
	}
	if err != nil {
		return err
	}

	c.listenerMu.Lock()
	ch, ok := c.listeners[kind]
	c.listenerMu.Unlock()
	if !ok {
		return nil
	}
	select {
	case ch <- Push{Kind: kind, Key: key, InvalidationId: invID}:
	default:
		c.cfg.Logger.Log(logging.LevelWarn, "dropping push: listener backlog full", "kind", kind)
	}
	return nil
}

// onConnDead tears down the connection exactly once: it marks state
// disconnected, fails every pending call, and invokes the registered
// disconnect listener. This is the Conn-level analogue of the teacher's
// brokerCxn.die.
func (c *Conn) onConnDead(err error) {
	if !atomic.CompareAndSwapInt32(&c.dead, 0, 1) {
		return
	}
	atomic.StoreInt32(&c.state, int32(StateDisconnected))

	c.netConnMu.Lock()
	if c.netConn != nil {
		c.netConn.Close()
	}
	c.netConnMu.Unlock()

	c.cfg.hooks().each(func(h Hook) {
		if h, ok := h.(DisconnectHook); ok {
			h.OnDisconnect(c.cfg.Addr, err)
		}
	})

	c.pendingMu.Lock()
	stale := c.pending
	c.pending = make(map[int32]pendingCall)
	c.pendingMu.Unlock()
	for _, p := range stale {
		if p.result != nil {
			p.result <- callResult{err: ErrDisconnected}
		}
	}

	if c.disconnectListener != nil {
		c.disconnectListener()
	}
}

// Reconnect dials again, runs the reconnect handshake (populating and
// flushing a ReconnectMessage via the registered listener, per spec.md
// §4.1/§4.3), and restarts the read goroutine. The writer goroutine
// started by NewConn survives connection loss and picks up the new
// connection on its next frame.
func (c *Conn) Reconnect(ctx context.Context) error {
	atomic.StoreInt32(&c.state, int32(StateReconnecting))
	if err := c.dial(ctx); err != nil {
		atomic.StoreInt32(&c.state, int32(StateDisconnected))
		return err
	}

	msg := &ReconnectMessage{}
	if c.reconnectListener != nil {
		c.reconnectListener(msg)
	}
	c.cfg.hooks().each(func(h Hook) {
		if h, ok := h.(ReconnectHook); ok {
			h.OnReconnect(c.cfg.Addr, msg)
		}
	})
	if err := c.sendReconnectHandshake(ctx, msg); err != nil {
		return err
	}

	atomic.StoreInt32(&c.dead, 0)
	atomic.StoreInt32(&c.state, int32(StateConnected))
	go c.handleResps()
	return nil
}

func (c *Conn) sendReconnectHandshake(ctx context.Context, msg *ReconnectMessage) error {
	body := appendUint32(nil, uint32(len(msg.InvalidationsInProgress)))
	for _, k := range msg.InvalidationsInProgress {
		body = appendUint64(body, uint64(k))
	}
	if msg.IsClearInProgress() {
		body = append(body, 1)
	} else {
		body = append(body, 0)
	}
	frame := encodeFrame(0, KindReconnectHandshake, body)

	c.netConnMu.RLock()
	nc := c.netConn
	c.netConnMu.RUnlock()
	if nc == nil {
		return ErrDisconnected
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
	_, err := nc.Write(append(hdr[:], frame...))
	return err
}

func (c *Conn) Close() error {
	atomic.StoreInt32(&c.state, int32(StateDisconnecting))
	c.onConnDead(io.EOF)
	close(c.reqs)
	c.listenerMu.Lock()
	for _, ch := range c.listeners {
		close(ch)
	}
	c.listenerMu.Unlock()
	return nil
}

var _ Transport = (*Conn)(nil)
