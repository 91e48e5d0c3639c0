package broker

// State tracks a broker endpoint through its connection ladder.
type State int

// Connection lifecycle states. The publisher walks every step; the consumer
// skips StateConfirmEnabled because it never publishes.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateChannelOpen
	StateConfirmEnabled
	StateQueueDeclared
	StateReady
	StateReconnecting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateChannelOpen:
		return "CHANNEL_OPEN"
	case StateConfirmEnabled:
		return "CONFIRM_ENABLED"
	case StateQueueDeclared:
		return "QUEUE_DECLARED"
	case StateReady:
		return "READY"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
