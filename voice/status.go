package voice

// Status is the connection state of a Session. It advances through the
// handshake stages in order and settles in StatusReady, or StatusStreaming
// once audio has flowed.
type Status int32

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusIdentifying
	StatusAwaitingReady
	StatusUDPHandshake
	StatusSelectingProtocol
	StatusAwaitingSessionDescription
	StatusReady
	StatusStreaming
	StatusDisconnecting
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusIdentifying:
		return "identifying"
	case StatusAwaitingReady:
		return "awaiting ready"
	case StatusUDPHandshake:
		return "UDP handshake"
	case StatusSelectingProtocol:
		return "selecting protocol"
	case StatusAwaitingSessionDescription:
		return "awaiting session description"
	case StatusReady:
		return "ready"
	case StatusStreaming:
		return "streaming"
	case StatusDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// CanSend returns true if audio can be sent or received in this status.
func (s Status) CanSend() bool {
	return s == StatusReady || s == StatusStreaming
}
