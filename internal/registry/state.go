package registry

import "fmt"

// State is the chamber lifecycle state. Accepted and Rejected are terminal.
type State int

const (
	StatePendingValidation State = iota
	StateValidated
	StateAccepted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StatePendingValidation:
		return "pending_validation"
	case StateValidated:
		return "validated"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func ParseState(s string) (State, error) {
	switch s {
	case "pending_validation":
		return StatePendingValidation, nil
	case "validated":
		return StateValidated, nil
	case "accepted":
		return StateAccepted, nil
	case "rejected":
		return StateRejected, nil
	default:
		return 0, fmt.Errorf("unknown state %q", s)
	}
}

// legalEdge reports whether from -> to is a permitted lifecycle transition.
// pending_validation -> {validated, rejected}; validated -> {accepted, rejected}.
func legalEdge(from, to State) bool {
	switch from {
	case StatePendingValidation:
		return to == StateValidated || to == StateRejected
	case StateValidated:
		return to == StateAccepted || to == StateRejected
	default:
		return false
	}
}
