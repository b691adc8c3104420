package transport

// ConnState mirrors spec.md's transport state variant. It is read-only to
// proxy code; the proxy only reacts to transitions via the reconnect and
// disconnect listeners.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnected
	StateDisconnecting
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}
