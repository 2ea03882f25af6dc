package conn

// State is a connection's position in the protocol lifecycle:
// Established → Connected → Disconnected/Cleaning.
type State int32

const (
	// StateEstablished: the socket is open but no CONNECT has been
	// accepted yet. Only CONNECT is legal here.
	StateEstablished State = iota
	// StateConnected: CONNECT succeeded; the handler owns exactly one
	// Session and dispatches frames from the client.
	StateConnected
	// StateDisconnected: a graceful DISCONNECT was processed.
	StateDisconnected
	// StateCleaning: the connection is tearing down without having
	// received DISCONNECT (I/O failure, protocol violation, shutdown).
	StateCleaning
)

func (s State) String() string {
	switch s {
	case StateEstablished:
		return "established"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateCleaning:
		return "cleaning"
	default:
		return "unknown"
	}
}
