package transport

import "errors"

// ErrTimeout is returned verbatim to callers when a deadline elapses
// waiting on I/O. It is never wrapped so errors.Is works across the whole
// proxy stack.
var ErrTimeout = errors.New("transport: timeout")

// ErrDisconnected is returned when the session is lost during a call or a
// wait on it.
var ErrDisconnected = errors.New("transport: disconnected")

// ErrConnDead wraps the errors for malformed inbound frame bodies (a
// chain or push body shorter than its declared shape). A malformed push is
// logged and dropped; a malformed call response is returned to that call.
var ErrConnDead = errors.New("transport: connection dead")

// ProtocolError reports a response whose MessageKind did not match what
// the caller expected.
type ProtocolError struct {
	Got MessageKind
}

func (e *ProtocolError) Error() string {
	return "invalid response: " + e.Got.String()
}

// Is allows errors.Is(err, new(ProtocolError)) style checks that ignore
// the specific Kind.
func (e *ProtocolError) Is(target error) bool {
	_, ok := target.(*ProtocolError)
	return ok
}
