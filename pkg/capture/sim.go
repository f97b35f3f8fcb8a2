package capture

import (
	"fmt"
	"sync"

	"github.com/pipcam/pipcam/pkg/media"
)

// SimConfig describes a simulated session.
type SimConfig struct {
	Codec  string
	PixFmt media.PixelFormat
	Audio  media.AudioFormat
	// Formats offered by both cameras, smallest first.
	Formats   []Format
	Primary   Format
	Secondary Format
	Fps       float64
	DualLens  bool
	// PressureBudget is pixels per second that cost 1.0 of pressure.
	PressureBudget float64
	// HardwareBudget is pixels per frame (both cameras) that cost 1.0.
	HardwareBudget float64
	// DualLensCost is added to the hardware cost while dual lens is on.
	DualLensCost float64
}

type simDevice struct {
	s        *Sim
	id       media.SourceID
	format   Format
	rate     FrameRate
	mirrored bool
}

func (d *simDevice) ID() media.SourceID { return d.id }

func (d *simDevice) ActiveFormat() Format {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	return d.format
}

func (d *simDevice) Formats() []Format { return d.s.conf.Formats }

func (d *simDevice) SetActiveFormat(f Format) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if err := d.s.configuring(); err != nil {
		return err
	}
	for _, ff := range d.s.conf.Formats {
		if ff == f {
			d.format = f
			if d.rate.Max > f.MaxFps {
				d.rate.Max = f.MaxFps
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %v", ErrFormat, f)
}

func (d *simDevice) FrameRate() FrameRate {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	return d.rate
}

func (d *simDevice) SetFrameRate(r FrameRate) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if err := d.s.configuring(); err != nil {
		return err
	}
	if r.Min <= 0 || r.Max < r.Min || r.Max > d.format.MaxFps {
		return fmt.Errorf("%w: %v-%v for %v", ErrFrameRate, r.Min, r.Max, d.format)
	}
	d.rate = r
	return nil
}

func (d *simDevice) Mirrored() bool { return d.mirrored }

// Sim is an in-memory session with a simple cost model.
// It produces synthetic frames with Run.
type Sim struct {
	cfg         sync.Mutex
	mu          sync.Mutex
	conf        SimConfig
	devices     map[media.SourceID]*simDevice
	dualLens    bool
	cost        Cost
	inConfigure bool
}

func NewSim(conf SimConfig) (*Sim, error) {
	if len(conf.Formats) == 0 {
		return nil, fmt.Errorf("%w: no formats", ErrFormat)
	}
	if conf.PressureBudget <= 0 || conf.HardwareBudget <= 0 {
		return nil, fmt.Errorf("sim: budgets must be positive")
	}
	s := Sim{conf: conf, dualLens: conf.DualLens}
	rate := FrameRate{Min: 1, Max: conf.Fps}
	s.devices = map[media.SourceID]*simDevice{
		media.PrimarySensor:   {s: &s, id: media.PrimarySensor, format: conf.Primary, rate: rate},
		media.SecondarySensor: {s: &s, id: media.SecondarySensor, format: conf.Secondary, rate: rate, mirrored: true},
	}
	for _, d := range s.devices {
		if d.rate.Max > d.format.MaxFps {
			d.rate.Max = d.format.MaxFps
		}
	}
	s.cost = s.compute()
	return &s, nil
}

func (s *Sim) Cost() Cost {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cost
}

func (s *Sim) Device(id media.SourceID) (Device, error) {
	d, ok := s.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, id)
	}
	return d, nil
}

func (s *Sim) DualLensActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dualLens
}

func (s *Sim) CollapseDualLens() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configuring(); err != nil {
		return err
	}
	if !s.dualLens {
		return ErrNoDualLens
	}
	s.dualLens = false
	return nil
}

// Configure runs one reconfiguration at a time,
// device setters are only allowed inside.
func (s *Sim) Configure(fn func() error) error {
	s.cfg.Lock()
	defer s.cfg.Unlock()

	s.mu.Lock()
	s.inConfigure = true
	s.mu.Unlock()

	err := fn()

	s.mu.Lock()
	s.inConfigure = false
	s.cost = s.compute()
	s.mu.Unlock()
	return err
}

// configuring is called with mu held.
func (s *Sim) configuring() error {
	if !s.inConfigure {
		return ErrNotConfigured
	}
	return nil
}

func (s *Sim) VideoFormat(id media.SourceID) media.VideoFormat {
	d, ok := s.devices[id]
	if !ok {
		return media.VideoFormat{}
	}
	f, r := d.ActiveFormat(), d.FrameRate()
	return media.VideoFormat{Codec: s.conf.Codec, PixFmt: s.conf.PixFmt, W: f.W, H: f.H, Fps: r.Max}
}

func (s *Sim) AudioFormat() media.AudioFormat { return s.conf.Audio }

func (s *Sim) compute() Cost {
	var pps, pixels float64
	for _, d := range s.devices {
		px := float64(d.format.W * d.format.H)
		pixels += px
		pps += px * d.rate.Max
	}
	c := Cost{Pressure: pps / s.conf.PressureBudget, Hardware: pixels / s.conf.HardwareBudget}
	if s.dualLens {
		c.Hardware += s.conf.DualLensCost
	}
	return c
}
