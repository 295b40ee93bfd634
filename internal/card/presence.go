package card

// Presence is the digested state of a reader slot, derived once from the
// PC/SC event bitmask so the rest of the agent never touches raw flags.
type Presence int

const (
	PresenceAbsent Presence = iota
	PresencePresent
	PresenceChanged
	PresenceUnavailable
)

func (p Presence) String() string {
	switch p {
	case PresencePresent:
		return "PRESENT"
	case PresenceChanged:
		return "CHANGED"
	case PresenceUnavailable:
		return "UNAVAILABLE"
	default:
		return "ABSENT"
	}
}

// PresenceFromState collapses a reader event bitmask into a Presence.
// Unavailable wins over everything, then present, then a bare change
// notification; anything else means the slot is empty.
func PresenceFromState(state StateFlag) Presence {
	switch {
	case state&(StateUnavailable|StateUnknown|StateIgnore|StateMute) != 0:
		return PresenceUnavailable
	case state&StatePresent != 0:
		return PresencePresent
	case state&StateChanged != 0 && state&StateEmpty == 0:
		return PresenceChanged
	default:
		return PresenceAbsent
	}
}
