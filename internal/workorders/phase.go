package workorders

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Phase is the position of a work order in its lifecycle. The numeric values
// are persisted and must not be renumbered.
type Phase int

const (
	PhaseRequested     Phase = 1
	PhaseSent          Phase = 2
	PhaseReceived      Phase = 3
	PhaseInCalibration Phase = 4
	PhaseCalibrated    Phase = 5
	PhaseReturning     Phase = 6
	PhaseDelivered     Phase = 7
	PhaseCancelled     Phase = 8
)

var phaseNames = map[Phase]string{
	PhaseRequested:     "REQUESTED",
	PhaseSent:          "SENT",
	PhaseReceived:      "RECEIVED",
	PhaseInCalibration: "IN_CALIBRATION",
	PhaseCalibrated:    "CALIBRATED",
	PhaseReturning:     "RETURNING",
	PhaseDelivered:     "DELIVERED",
	PhaseCancelled:     "CANCELLED",
}

// Phases lists every phase in lifecycle order.
func Phases() []Phase {
	return []Phase{
		PhaseRequested, PhaseSent, PhaseReceived, PhaseInCalibration,
		PhaseCalibrated, PhaseReturning, PhaseDelivered, PhaseCancelled,
	}
}

// IsValid checks if the phase is one of the known phases.
func (p Phase) IsValid() bool {
	_, ok := phaseNames[p]
	return ok
}

// Ordinal returns the position of the phase in lifecycle order.
func (p Phase) Ordinal() int {
	return int(p)
}

// Before reports whether p comes earlier in the lifecycle than other.
func (p Phase) Before(other Phase) bool {
	return p.Ordinal() < other.Ordinal()
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "PHASE(" + strconv.Itoa(int(p)) + ")"
}

// ParsePhase accepts either the phase name or its numeric code.
func ParsePhase(raw string) (Phase, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		p := Phase(n)
		if !p.IsValid() {
			return 0, fmt.Errorf("%w: unknown phase %d", ErrValidation, n)
		}
		return p, nil
	}
	name := strings.ToUpper(strings.ReplaceAll(raw, "-", "_"))
	for p, candidate := range phaseNames {
		if candidate == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown phase %q", ErrValidation, raw)
}

// MarshalJSON encodes the phase by name.
func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts a name or a numeric code.
func (p *Phase) UnmarshalJSON(data []byte) error {
	var raw string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	} else {
		raw = string(data)
	}
	parsed, err := ParsePhase(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ServiceStatus is the coarse state of a work order, derived from its phase.
type ServiceStatus string

const (
	StatusWaiting    ServiceStatus = "WAITING"
	StatusInProgress ServiceStatus = "IN_PROGRESS"
	StatusFinished   ServiceStatus = "FINISHED"
	StatusCancelled  ServiceStatus = "CANCELLED"
)

// IsValid checks if the status is valid
func (s ServiceStatus) IsValid() bool {
	switch s {
	case StatusWaiting, StatusInProgress, StatusFinished, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further phase changes are allowed.
func (s ServiceStatus) IsTerminal() bool {
	return s == StatusFinished || s == StatusCancelled
}

// CanAdvance checks if the phase can be changed in this status
func (s ServiceStatus) CanAdvance() bool {
	return !s.IsTerminal()
}

// CanEdit checks if order details can be edited in this status
func (s ServiceStatus) CanEdit() bool {
	return !s.IsTerminal()
}

// CanCancel checks if the order can be cancelled. Cancelled orders may be
// cancelled again.
func (s ServiceStatus) CanCancel() bool {
	return s != StatusFinished
}

// StatusForPhase maps a phase to the status it implies.
func StatusForPhase(p Phase) ServiceStatus {
	switch p {
	case PhaseRequested:
		return StatusWaiting
	case PhaseDelivered:
		return StatusFinished
	case PhaseCancelled:
		return StatusCancelled
	default:
		return StatusInProgress
	}
}
