package relays

// Status is the liveness state of a relay endpoint, and of the manager as a
// whole. Transitions: disconnected -> connecting -> connected ->
// reconnecting -> connected | error.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Reconnecting
	Error
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Error:
		return "error"
	}
	return "unknown"
}

// StatusChange is delivered to observers on every transition. URL is empty
// for aggregate (whole-manager) transitions.
type StatusChange struct {
	URL    string
	Status Status
}

type Observer func(StatusChange)
