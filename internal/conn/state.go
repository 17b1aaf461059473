// ABOUTME: Connection state enumeration and its display names.
// ABOUTME: States follow Disconnected/Connecting/Handshaking/Ready/Degraded/Closed.

package conn

// State identifies where a connection is in its lifecycle.
type State int

const (
	// StateDisconnected means no transport exists; a reconnect may be pending.
	StateDisconnected State = iota
	// StateConnecting means the transport is being opened.
	StateConnecting
	// StateHandshaking means the initialize exchange and tool discovery are in flight.
	StateHandshaking
	// StateReady means the connection accepts calls.
	StateReady
	// StateDegraded means liveness probes are failing but the transport is still up.
	StateDegraded
	// StateClosed is terminal: disconnect was requested or reconnection gave up.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
