package delivery

type State int

const (
	Sent State = iota
	Acknowledged
	ClientLost
	Exhausted
	// Canceled marks deliveries dropped at shutdown.
	Canceled
)

func (s State) String() string {
	switch s {
	case Sent:
		return "sent"
	case Acknowledged:
		return "acknowledged"
	case ClientLost:
		return "client_lost"
	case Exhausted:
		return "exhausted"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s != Sent
}
