// Package capture describes the camera session the pipeline works with.
// Device discovery and permissions live outside, only the parts the
// pipeline needs to read and reconfigure are here.
package capture

import (
	"errors"
	"fmt"

	"github.com/pipcam/pipcam/pkg/media"
)

// Budget is the soft limit of both session costs.
const Budget = 1.0

var (
	ErrNoDevice      = errors.New("no such device")
	ErrFormat        = errors.New("unsupported format")
	ErrNoDualLens    = errors.New("dual lens is not active")
	ErrFrameRate     = errors.New("unsupported frame rate")
	ErrNotConfigured = errors.New("session is not configuring")
)

// Cost is recomputed by the session after every configuration change.
type Cost struct {
	Pressure float64
	Hardware float64
}

func (c Cost) PressureExceeded() bool { return c.Pressure > Budget }
func (c Cost) HardwareExceeded() bool { return c.Hardware > Budget }
func (c Cost) Exceeded() bool         { return c.PressureExceeded() || c.HardwareExceeded() }
func (c Cost) String() string {
	return fmt.Sprintf("pressure=%.2f hardware=%.2f", c.Pressure, c.Hardware)
}

// Format is one of the capture modes of a camera.
type Format struct {
	W, H     int
	MaxFps   float64
	MultiCam bool
}

func (f Format) String() string { return fmt.Sprintf("%dx%d@%v", f.W, f.H, f.MaxFps) }

// FrameRate is the allowed frame rate range.
type FrameRate struct {
	Min, Max float64
}

type ThermalLevel uint8

const (
	Nominal ThermalLevel = iota
	Fair
	Serious
	Critical
)

func (t ThermalLevel) String() string {
	switch t {
	case Nominal:
		return "nominal"
	case Fair:
		return "fair"
	case Serious:
		return "serious"
	case Critical:
		return "critical"
	}
	return "?"
}

type (
	// Device is a camera of the session.
	Device interface {
		ID() media.SourceID
		ActiveFormat() Format
		// Formats lists the capture modes ordered by size, smallest first.
		Formats() []Format
		SetActiveFormat(Format) error
		FrameRate() FrameRate
		SetFrameRate(FrameRate) error
		Mirrored() bool
	}
	// Session is a running multi-camera capture session.
	Session interface {
		Cost() Cost
		Device(id media.SourceID) (Device, error)
		DualLensActive() bool
		CollapseDualLens() error
		// Configure runs fn as one atomic reconfiguration,
		// the cost is recomputed when it returns.
		Configure(fn func() error) error
		// VideoFormat is the recommended encoding of a camera path.
		VideoFormat(id media.SourceID) media.VideoFormat
		AudioFormat() media.AudioFormat
	}
	// Sink takes the frames of a running session.
	Sink interface {
		OnVideo(f *media.VideoFrame)
		OnAudio(f *media.AudioFrame)
	}
)
