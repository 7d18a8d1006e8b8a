package workorders

import "fmt"

// PhasePolicy decides whether an order may move from one phase to another.
// The terminal status guard runs before the policy, so a policy only sees
// orders that are still open.
type PhasePolicy func(from, to Phase) error

// AnyNonTerminal accepts every jump between phases, forward or backward.
func AnyNonTerminal(from, to Phase) error {
	return nil
}

// ForwardOnly rejects moves to an earlier phase. Cancelling is always allowed.
func ForwardOnly(from, to Phase) error {
	if to == PhaseCancelled || !to.Before(from) {
		return nil
	}
	return fmt.Errorf("%w: cannot move back from %s to %s", ErrInvalidTransition, from, to)
}

// ParsePhasePolicy resolves a configured policy name.
func ParsePhasePolicy(name string) (PhasePolicy, error) {
	switch name {
	case "", "any":
		return AnyNonTerminal, nil
	case "forward":
		return ForwardOnly, nil
	default:
		return nil, fmt.Errorf("unknown phase policy %q", name)
	}
}
