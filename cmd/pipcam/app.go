package main

import (
	"context"
	"sync"
	"time"

	"github.com/pipcam/pipcam/pkg/capture"
	"github.com/pipcam/pipcam/pkg/compositor"
	"github.com/pipcam/pipcam/pkg/config"
	"github.com/pipcam/pipcam/pkg/cost"
	"github.com/pipcam/pipcam/pkg/logger"
	"github.com/pipcam/pipcam/pkg/media"
	"github.com/pipcam/pipcam/pkg/pip"
	"github.com/pipcam/pipcam/pkg/pipeline"
	"github.com/pipcam/pipcam/pkg/recorder"
)

// app runs a simulated capture session through the pipeline.
type app struct {
	conf    config.Config
	sim     *capture.Sim
	pipe    *pipeline.Pipeline
	thermal *cost.ThermalWatcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Logger
}

func simConfig(c config.Capture) capture.SimConfig {
	formats := make([]capture.Format, len(c.Formats))
	for i, f := range c.Formats {
		formats[i] = capture.Format{W: f.W, H: f.H, MaxFps: f.MaxFps, MultiCam: f.MultiCam}
	}
	return capture.SimConfig{
		Codec:          c.Codec,
		PixFmt:         media.ParsePixelFormat(c.PixFmt),
		Audio:          media.AudioFormat{SampleRate: c.Audio.SampleRate, Channels: c.Audio.Channels, BitDepth: c.Audio.BitDepth},
		Formats:        formats,
		Primary:        formats[c.Primary],
		Secondary:      formats[c.Secondary],
		Fps:            c.Fps,
		DualLens:       c.DualLens,
		PressureBudget: c.Sim.PressureBudget,
		HardwareBudget: c.Sim.HardwareBudget,
		DualLensCost:   c.Sim.DualLensCost,
	}
}

func recorderOptions(c config.Recorder) recorder.Options {
	return recorder.Options{
		Dir:                   c.Dir,
		Ffmpeg:                c.Ffmpeg,
		NoFfmpeg:              c.NoFfmpeg,
		ImageCompressionLevel: c.CompressionLevel,
		VideoCodec:            c.VideoCodec,
		AudioCodec:            c.AudioCodec,
	}
}

func scale(name string) int {
	if name == "nearest" {
		return compositor.ScaleNearestNeighbour
	}
	return compositor.ScaleBilinear
}

func newApp(conf config.Config, onEvent func(pipeline.Event), log *logger.Logger) (*app, error) {
	sim, err := capture.NewSim(simConfig(conf.Capture))
	if err != nil {
		return nil, err
	}
	l := conf.Pip.Layout
	pipe, err := pipeline.New(sim, pipeline.Options{
		FullScreen:   media.ParseSourceID(conf.Pip.FullScreen),
		Layout:       pip.Rect{X: l.X, Y: l.Y, W: l.W, H: l.H},
		Rotation:     conf.Recorder.Rotation,
		ConfigQueue:  conf.Pipeline.ConfigQueue,
		DataQueue:    conf.Pipeline.DataQueue,
		PresentQueue: conf.Pipeline.PresentQueue,
		Compositor:   compositor.Options{PoolSize: conf.Compositor.PoolSize, Scale: scale(conf.Compositor.Scale)},
		Recorder:     recorderOptions(conf.Recorder),
		Limits: cost.Limits{
			MinW: conf.Cost.MinWidth, MinH: conf.Cost.MinHeight,
			MinFps: conf.Cost.MinFps, FpsStep: conf.Cost.FpsStep,
		},
		OnEvent: onEvent,
	}, log)
	if err != nil {
		return nil, err
	}
	a := app{conf: conf, sim: sim, pipe: pipe, log: log.Module("app")}
	if t := conf.Cost.Thermal; t.Enabled {
		a.thermal = cost.NewThermalWatcher(cost.HostTemperature,
			cost.Thresholds{Fair: t.Fair, Serious: t.Serious, Critical: t.Critical},
			t.Interval, pipe.NotifyThermal, log)
	}
	return &a, nil
}

func (a *app) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(3)
	go func() { defer a.wg.Done(); a.pipe.Run(ctx) }()
	go func() { defer a.wg.Done(); a.sim.Run(ctx, a.pipe) }()
	go func() { defer a.wg.Done(); a.watchCost(ctx) }()
	if a.thermal != nil {
		a.wg.Add(1)
		go func() { defer a.wg.Done(); a.thermal.Run(ctx) }()
	}
	a.log.Info().Msgf("session started, cost: %v", a.sim.Cost())
}

// watchCost polls the session cost, the simulated session
// doesn't notify on its own.
func (a *app) watchCost(ctx context.Context) {
	t := time.NewTicker(max(a.conf.Cost.Interval, 100*time.Millisecond))
	defer t.Stop()
	a.pipe.NotifyCost()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if a.sim.Cost().Exceeded() {
				a.pipe.NotifyCost()
			}
		}
	}
}

func (a *app) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() { a.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *app) String() string { return "pipcam" }
