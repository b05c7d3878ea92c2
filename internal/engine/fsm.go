package engine

import "agentrelay/internal/domain"

// TimestampField names the per-state timestamp a transition populates.
type TimestampField string

const (
	TimestampNone         TimestampField = ""
	TimestampAcknowledged TimestampField = "acknowledged_at"
	TimestampInProgress   TimestampField = "in_progress_at"
	TimestampCompleted    TimestampField = "completed_at"
)

var transitions = map[domain.Status][]domain.Status{
	domain.StatusPending: {domain.StatusActive, domain.StatusFailed},
	domain.StatusActive:  {domain.StatusCompleted, domain.StatusFailed},
}

// IsValidTransition reports whether from -> to is an edge of the lifecycle.
func IsValidTransition(from, to domain.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func IsTerminalState(s domain.Status) bool {
	return s == domain.StatusCompleted || s == domain.StatusFailed
}

// NextStates returns the states reachable from s in one step.
func NextStates(s domain.Status) []domain.Status {
	out := make([]domain.Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// ValidateTransition returns a *domain.TransitionError when from -> to is not allowed.
func ValidateTransition(from, to domain.Status) error {
	if IsTerminalState(from) {
		return &domain.TransitionError{From: from, To: to, Terminal: true}
	}
	if !IsValidTransition(from, to) {
		return &domain.TransitionError{From: from, To: to}
	}
	return nil
}

// TimestampFieldFor returns the timestamp set on entering s. Failed has none;
// the service sets failed_at itself.
func TimestampFieldFor(s domain.Status) TimestampField {
	switch s {
	case domain.StatusPending:
		return TimestampAcknowledged
	case domain.StatusActive:
		return TimestampInProgress
	case domain.StatusCompleted:
		return TimestampCompleted
	default:
		return TimestampNone
	}
}

func DefaultReason(s domain.Status) string {
	switch s {
	case domain.StatusPending:
		return "created"
	case domain.StatusActive:
		return "agent_accepted"
	case domain.StatusCompleted:
		return "work_completed"
	case domain.StatusFailed:
		return "error:unknown"
	default:
		return "unknown"
	}
}
