package mqttloop

// ConnState is the externally driven connection state observed by the loop.
type ConnState int32

const (
	ConnStateNew ConnState = iota
	// ConnStateConnectSRV means an SRV lookup is running and no socket exists yet.
	ConnStateConnectSRV
	ConnStateConnecting
	ConnStateConnected
	ConnStateDisconnecting
	ConnStateDisconnected
)

// String returns the string representation of the state.
func (s ConnState) String() string {
	switch s {
	case ConnStateNew:
		return "new"
	case ConnStateConnectSRV:
		return "connect_srv"
	case ConnStateConnecting:
		return "connecting"
	case ConnStateConnected:
		return "connected"
	case ConnStateDisconnecting:
		return "disconnecting"
	case ConnStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// UserDisconnect reports whether the state shows a disconnect requested by
// the application. Failures observed in such a state are not errors.
func (s ConnState) UserDisconnect() bool {
	return s == ConnStateDisconnecting || s == ConnStateDisconnected
}
