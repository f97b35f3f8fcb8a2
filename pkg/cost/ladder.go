package cost

import (
	"errors"

	"github.com/pipcam/pipcam/pkg/capture"
	"github.com/pipcam/pipcam/pkg/media"
)

// ErrRefused means a step can't degrade the session any further.
var ErrRefused = errors.New("step refused")

// Remediation is one step of the degradation ladder.
type Remediation struct {
	Name string
	// Applies tells if the step is worth trying for the cost.
	Applies func(capture.Cost) bool
	// Apply runs inside a session reconfiguration.
	Apply func(capture.Session) error
}

// Limits are the floors the ladder never goes below.
type Limits struct {
	MinW, MinH int
	MinFps     float64
	FpsStep    float64
}

var DefaultLimits = Limits{MinW: 640, MinH: 480, MinFps: 15, FpsStep: 10}

func anyExceeded(c capture.Cost) bool  { return c.Exceeded() }
func bothExceeded(c capture.Cost) bool { return c.PressureExceeded() && c.HardwareExceeded() }

// Ladder is the ordered list of steps, cheapest loss of quality first.
func Ladder(l Limits) []Remediation {
	return []Remediation{
		{Name: "secondary_resolution", Applies: anyExceeded, Apply: lowerResolution(media.SecondarySensor, l)},
		{Name: "dual_lens", Applies: bothExceeded, Apply: collapseDualLens},
		{Name: "primary_resolution", Applies: anyExceeded, Apply: lowerResolution(media.PrimarySensor, l)},
		{Name: "secondary_fps", Applies: anyExceeded, Apply: lowerFrameRate(media.SecondarySensor, l)},
		{Name: "primary_fps", Applies: anyExceeded, Apply: lowerFrameRate(media.PrimarySensor, l)},
	}
}

func collapseDualLens(s capture.Session) error {
	if !s.DualLensActive() {
		return ErrRefused
	}
	return s.CollapseDualLens()
}

// lowerResolution picks the next multi-camera format that is smaller
// in both dimensions, but not under the floor.
func lowerResolution(id media.SourceID, l Limits) func(capture.Session) error {
	return func(s capture.Session) error {
		d, err := s.Device(id)
		if err != nil {
			return err
		}
		f, ok := NextLowerFormat(d.ActiveFormat(), d.Formats(), l)
		if !ok {
			return ErrRefused
		}
		return d.SetActiveFormat(f)
	}
}

// NextLowerFormat searches formats (smallest first) from the largest
// down for the first one under active.
func NextLowerFormat(active capture.Format, formats []capture.Format, l Limits) (capture.Format, bool) {
	if active.W <= l.MinW && active.H <= l.MinH {
		return capture.Format{}, false
	}
	for i := len(formats) - 1; i >= 0; i-- {
		f := formats[i]
		if !f.MultiCam || f.W >= active.W || f.H >= active.H {
			continue
		}
		if f.W < l.MinW || f.H < l.MinH {
			continue
		}
		return f, true
	}
	return capture.Format{}, false
}

func lowerFrameRate(id media.SourceID, l Limits) func(capture.Session) error {
	return func(s capture.Session) error {
		d, err := s.Device(id)
		if err != nil {
			return err
		}
		r, ok := NextLowerFrameRate(d.FrameRate(), l)
		if !ok {
			return ErrRefused
		}
		return d.SetFrameRate(r)
	}
}

func NextLowerFrameRate(r capture.FrameRate, l Limits) (capture.FrameRate, bool) {
	max := r.Max - l.FpsStep
	if max < l.MinFps {
		return r, false
	}
	if r.Min > max {
		r.Min = max
	}
	r.Max = max
	return r, true
}
