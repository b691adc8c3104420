package proxy

import (
	"errors"
	"fmt"

	"github.com/ehcache-go/hotrodproxy/pkg/transport"
)

// ErrTimeout and ErrDisconnected are re-exported so callers of this
// package never need to import pkg/transport just to errors.Is against
// them; spec.md requires Timeout to "surface at the public API exactly".
var (
	ErrTimeout      = transport.ErrTimeout
	ErrDisconnected = transport.ErrDisconnected
)

// ProxyError wraps any transport failure that is neither a timeout nor a
// disconnection — spec.md §7: "all other transport errors wrap into
// ProxyError".
type ProxyError struct {
	Cause error
}

func (e *ProxyError) Error() string { return fmt.Sprintf("proxy: %v", e.Cause) }
func (e *ProxyError) Unwrap() error { return e.Cause }

// wrapErr maps a transport-level error onto the public taxonomy:
// ErrTimeout and ErrDisconnected pass through unchanged, everything else
// (including *transport.ProtocolError) is wrapped in ProxyError.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, transport.ErrTimeout) {
		return transport.ErrTimeout
	}
	if errors.Is(err, transport.ErrDisconnected) {
		return transport.ErrDisconnected
	}
	return &ProxyError{Cause: err}
}
