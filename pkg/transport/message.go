// Package transport implements the wire-level client for a single cluster
// tier connection: framing, correlation of requests to responses, and
// dispatch of unsolicited server pushes to registered listeners.
//
// The shape is lifted from a Kafka broker connection (one goroutine
// serializing writes, one goroutine serializing reads and resolving
// promises by correlation ID) and generalized to a protocol with three
// distinct "how far did this get" wait modes instead of Kafka's single
// request/response cycle.
package transport

import "fmt"

// Key is a 64-bit content hash of an application-level cache key.
type Key uint64

// CacheId identifies one logical cache inside a cluster tier.
type CacheId string

// Chain is an ordered, immutable sequence of opaque payloads associated
// with one key. The server returns a fresh Chain on every read.
type Chain [][]byte

// Tail returns the most recently appended payload, or nil if the chain is
// empty.
func (c Chain) Tail() []byte {
	if len(c) == 0 {
		return nil
	}
	return c[len(c)-1]
}

// MessageKind tags every frame exchanged with the cluster tier, inbound
// and outbound. The reader goroutine in Conn decodes a push body with a
// switch on this tag, rejecting kinds it does not know, then hands the
// push to the listener registered for that kind.
type MessageKind uint8

const (
	KindUnknown MessageKind = iota

	// Outbound call kinds.
	KindGet
	KindAppend
	KindGetAndAppend
	KindReplaceAtHead
	KindClear
	KindClientInvalidationAck
	KindClientInvalidationAllAck
	KindReconnectHandshake

	// Inbound response kinds (correlated to a call by CorrID).
	KindGetResponse
	KindAckReceived
	KindAckRetired

	// Inbound unsolicited push kinds (CorrID is always 0).
	KindHashInvalidationDone
	KindAllInvalidationDone
	KindServerInvalidateHash
	KindClientInvalidateHash
	KindClientInvalidateAll
)

func (k MessageKind) String() string {
	switch k {
	case KindGet:
		return "Get"
	case KindAppend:
		return "Append"
	case KindGetAndAppend:
		return "GetAndAppend"
	case KindReplaceAtHead:
		return "ReplaceAtHead"
	case KindClear:
		return "Clear"
	case KindClientInvalidationAck:
		return "ClientInvalidationAck"
	case KindClientInvalidationAllAck:
		return "ClientInvalidationAllAck"
	case KindReconnectHandshake:
		return "ReconnectHandshake"
	case KindGetResponse:
		return "GetResponse"
	case KindAckReceived:
		return "AckReceived"
	case KindAckRetired:
		return "AckRetired"
	case KindHashInvalidationDone:
		return "HashInvalidationDone"
	case KindAllInvalidationDone:
		return "AllInvalidationDone"
	case KindServerInvalidateHash:
		return "ServerInvalidateHash"
	case KindClientInvalidateHash:
		return "ClientInvalidateHash"
	case KindClientInvalidateAll:
		return "ClientInvalidateAll"
	default:
		return fmt.Sprintf("MessageKind(%d)", uint8(k))
	}
}

// Response is the decoded payload handed back from an InvokeWaitRetired
// call. Only GetResponse carries a Chain; every other response kind
// carries none.
type Response struct {
	Kind  MessageKind
	Chain Chain
}

// Push is an unsolicited server message delivered to a response listener.
type Push struct {
	Kind           MessageKind
	Key            Key
	InvalidationId uint64
}

// ReconnectMessage is populated by the proxy layer during SetReconnectListener
// and flushed to the server as part of the reconnect handshake, exactly as
// spec.md describes: it advertises which barriers the client still has
// outstanding so the server knows what to re-drive.
type ReconnectMessage struct {
	InvalidationsInProgress []Key
	clearInProgress         bool
}

// ClearInProgress marks that an all-invalidation (clear) barrier was
// outstanding at the moment of reconnect.
func (r *ReconnectMessage) ClearInProgress() {
	r.clearInProgress = true
}

// IsClearInProgress reports whether ClearInProgress was called.
func (r *ReconnectMessage) IsClearInProgress() bool {
	return r.clearInProgress
}
