package negotiation

// State of one side of an offer/answer exchange.
type State int

const (
	Idle State = iota
	HaveLocalOffer
	HaveRemoteOffer
	Stable
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case HaveLocalOffer:
		return "have-local-offer"
	case HaveRemoteOffer:
		return "have-remote-offer"
	case Stable:
		return "stable"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// settled reports whether a new local offer may start.
func (s State) settled() bool {
	return s == Idle || s == Stable
}
