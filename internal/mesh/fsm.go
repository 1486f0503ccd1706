package mesh

// State is the lifecycle of one remote peer.
type State int

const (
	StateAbsent State = iota
	StateNegotiating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event drives the peer state machine.
type Event int

const (
	EventUserJoined Event = iota
	EventOffer
	EventAnswer
	EventICECandidate
	EventTrack
	EventTransportConnected
	EventTransportFailed
	EventUserLeft
	EventTeardown
	EventNegotiationTimeout
)

func (e Event) String() string {
	switch e {
	case EventUserJoined:
		return "user-joined"
	case EventOffer:
		return "offer"
	case EventAnswer:
		return "answer"
	case EventICECandidate:
		return "ice-candidate"
	case EventTrack:
		return "track"
	case EventTransportConnected:
		return "transport-connected"
	case EventTransportFailed:
		return "transport-failed"
	case EventUserLeft:
		return "user-left"
	case EventTeardown:
		return "teardown"
	case EventNegotiationTimeout:
		return "negotiation-timeout"
	default:
		return "unknown"
	}
}

// Action is the side effect the manager performs after a transition.
type Action int

const (
	ActionNone Action = iota
	ActionOffer
	ActionAnswer
	// ActionRestartOffer and ActionRestartAnswer close the existing
	// transport before opening a new one.
	ActionRestartOffer
	ActionRestartAnswer
	ActionApplyAnswer
	ActionAddCandidate
	ActionClose
	ActionIgnore
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionOffer:
		return "offer"
	case ActionAnswer:
		return "answer"
	case ActionRestartOffer:
		return "restart-offer"
	case ActionRestartAnswer:
		return "restart-answer"
	case ActionApplyAnswer:
		return "apply-answer"
	case ActionAddCandidate:
		return "add-candidate"
	case ActionClose:
		return "close"
	case ActionIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Transition is the whole peer lifecycle. It has no side effects.
func Transition(s State, e Event) (State, Action) {
	switch s {
	case StateAbsent:
		switch e {
		case EventUserJoined:
			return StateNegotiating, ActionOffer
		case EventOffer:
			return StateNegotiating, ActionAnswer
		}
		return StateAbsent, ActionIgnore

	case StateNegotiating, StateConnected:
		switch e {
		case EventUserJoined:
			return StateNegotiating, ActionRestartOffer
		case EventOffer:
			return StateNegotiating, ActionRestartAnswer
		case EventAnswer:
			return s, ActionApplyAnswer
		case EventICECandidate:
			return s, ActionAddCandidate
		case EventTrack, EventTransportConnected:
			return StateConnected, ActionNone
		case EventUserLeft, EventTeardown, EventTransportFailed:
			return StateClosed, ActionClose
		case EventNegotiationTimeout:
			if s == StateNegotiating {
				return StateClosed, ActionClose
			}
			return s, ActionIgnore
		}
		return s, ActionIgnore

	default:
		return StateClosed, ActionIgnore
	}
}
