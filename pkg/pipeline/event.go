package pipeline

import (
	"github.com/pipcam/pipcam/pkg/capture"
	"github.com/pipcam/pipcam/pkg/pip"
)

type EventKind uint8

const (
	RoleChanged EventKind = iota + 1
	RecordingStarted
	RecordingFinished
	Degraded
	DegradationExhausted
	ThermalThrottled
	SessionInterrupted
	SessionResumed
	RuntimeError
)

func (k EventKind) String() string {
	switch k {
	case RoleChanged:
		return "role-changed"
	case RecordingStarted:
		return "recording-started"
	case RecordingFinished:
		return "recording-finished"
	case Degraded:
		return "degraded"
	case DegradationExhausted:
		return "degradation-exhausted"
	case ThermalThrottled:
		return "thermal-throttled"
	case SessionInterrupted:
		return "session-interrupted"
	case SessionResumed:
		return "session-resumed"
	case RuntimeError:
		return "runtime-error"
	}
	return "?"
}

// Event is a state change for the presentation side.
// Only the fields of its kind are set.
type Event struct {
	Kind    EventKind
	Roles   pip.Assignment
	Path    string
	Step    string
	Cost    capture.Cost
	Thermal capture.ThermalLevel
	Err     error
}
