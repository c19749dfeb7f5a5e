package session

// Status is the lifecycle state of a call.
type Status int

const (
	StatusCalling Status = iota
	StatusConnecting
	StatusConnected
	StatusEnded
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusCalling:
		return "calling"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusEnded:
		return "ended"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusRejected
}

// MarshalText lets renderers receive the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
