// Package pipeline routes camera frames through the compositor into
// the recorder and keeps the capture session within its budget.
//
// Work runs on three serial queues: configuration (roles, cost
// steps), data (frames, compositing, recording) and presentation
// (events).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pipcam/pipcam/pkg/capture"
	"github.com/pipcam/pipcam/pkg/compositor"
	"github.com/pipcam/pipcam/pkg/cost"
	"github.com/pipcam/pipcam/pkg/logger"
	"github.com/pipcam/pipcam/pkg/media"
	"github.com/pipcam/pipcam/pkg/pip"
	"github.com/pipcam/pipcam/pkg/queue"
	"github.com/pipcam/pipcam/pkg/recorder"
	"github.com/pipcam/pipcam/pkg/router"
)

var ErrNotRunning = errors.New("pipeline is stopped")

type Options struct {
	FullScreen media.SourceID
	Layout     pip.Rect
	// Rotation of the recorded video in degrees.
	Rotation int

	ConfigQueue  int
	DataQueue    int
	PresentQueue int

	Compositor compositor.Options
	Recorder   recorder.Options
	Limits     cost.Limits

	// OnEvent is called on the presentation queue.
	OnEvent func(Event)
	// OnComposite sees every composited frame on the data queue,
	// the frame must not be kept after the call.
	OnComposite func(*media.VideoFrame)
}

type Stats struct {
	Video      uint64
	Audio      uint64
	Composited uint64
	Skipped    uint64
	Dropped    uint64
	Recording  bool
}

type Pipeline struct {
	session capture.Session
	opts    Options
	state   *pip.State
	mixer   *compositor.Compositor
	router  *router.Router
	costs   *cost.Controller

	config  *queue.Queue
	data    *queue.Queue
	present *queue.Queue

	// held for reading by frame handlers and for writing by
	// session reconfiguration
	gate      sync.RWMutex
	rendering atomic.Bool
	recording atomic.Bool
	stopped   atomic.Bool

	// data queue only
	rec *recorder.Recorder
	// recordings being finalized
	finishing sync.WaitGroup

	mirrored map[media.SourceID]bool

	video, audio, composited, skipped atomic.Uint64

	log *logger.Logger
}

func New(session capture.Session, opts Options, log *logger.Logger) (*Pipeline, error) {
	if opts.FullScreen == media.Unknown {
		opts.FullScreen = media.PrimarySensor
	}
	state, err := pip.NewState(opts.FullScreen, opts.Layout)
	if err != nil {
		return nil, err
	}
	if opts.Limits == (cost.Limits{}) {
		opts.Limits = cost.DefaultLimits
	}

	p := Pipeline{
		session:  session,
		opts:     opts,
		state:    state,
		mixer:    compositor.New(opts.Compositor, log),
		config:   queue.New("config", max(opts.ConfigQueue, 16), log),
		data:     queue.New("data", max(opts.DataQueue, 64), log),
		present:  queue.New("present", max(opts.PresentQueue, 64), log),
		mirrored: make(map[media.SourceID]bool),
		log:      log.Module("pipe"),
	}
	for _, id := range []media.SourceID{media.PrimarySensor, media.SecondarySensor} {
		d, err := session.Device(id)
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		p.mirrored[id] = d.Mirrored()
	}
	if err = p.mixer.Prepare(session.VideoFormat(opts.FullScreen)); err != nil {
		return nil, err
	}
	p.router = router.New(state, (*dataSink)(&p), (*dataSink)(&p), log)
	p.costs = cost.New(session, &p.gate, log,
		cost.WithLimits(opts.Limits),
		cost.WithStepHandler(func(step string) {
			p.publish(Event{Kind: Degraded, Step: step, Cost: session.Cost()})
		}),
	)
	p.rendering.Store(true)
	return &p, nil
}

// Run serves the queues until ctx is done. A recording that is still
// open by then is finished, one being finalized is waited for.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, q := range []*queue.Queue{p.config, p.data, p.present} {
		wg.Add(1)
		go func(q *queue.Queue) {
			defer wg.Done()
			defer q.Close()
			q.Run(ctx)
		}(q)
	}
	wg.Wait()
	p.stopped.Store(true)

	if p.rec != nil && p.rec.State() == recorder.Recording {
		path, err := p.rec.StopWait()
		p.recording.Store(false)
		p.log.Info().Err(err).Msgf("recording closed on exit: %v", path)
		if p.opts.OnEvent != nil {
			p.opts.OnEvent(Event{Kind: RecordingFinished, Path: path, Err: err})
		}
	}
	p.finishing.Wait()
	p.log.Debug().Msgf("stopped, dropped frames: %v", p.data.Dropped())
}

// OnVideo takes a camera frame from any goroutine.
func (p *Pipeline) OnVideo(f *media.VideoFrame) {
	if !p.rendering.Load() {
		return
	}
	p.data.Push(func() { p.handleVideo(f) })
}

// OnAudio takes a microphone frame from any goroutine.
func (p *Pipeline) OnAudio(f *media.AudioFrame) {
	if !p.rendering.Load() {
		return
	}
	p.data.Push(func() { p.handleAudio(f) })
}

func (p *Pipeline) handleVideo(f *media.VideoFrame) {
	p.gate.RLock()
	defer p.gate.RUnlock()
	if !p.rendering.Load() {
		return
	}
	p.video.Add(1)
	p.router.RouteVideo(f)
}

func (p *Pipeline) handleAudio(f *media.AudioFrame) {
	p.gate.RLock()
	defer p.gate.RUnlock()
	if !p.rendering.Load() {
		return
	}
	p.audio.Add(1)
	p.router.RouteAudio(f)
}

// dataSink takes routed frames on the data queue.
type dataSink Pipeline

// FullScreen composites the frame with the latest inset and hands
// the result to the recorder.
func (s *dataSink) FullScreen(f *media.VideoFrame, a pip.Assignment) {
	p := (*Pipeline)(s)
	out, err := p.mixer.Mix(f, p.state.Geometry(), p.mirrored[a.Inset()])
	if err != nil {
		p.log.Error().Err(err).Msg("composite")
		return
	}
	if out == nil {
		p.skipped.Add(1)
		return
	}
	p.composited.Add(1)
	if p.opts.OnComposite != nil {
		p.opts.OnComposite(out)
	}
	if p.rec == nil || !p.recording.Load() {
		out.Release()
		return
	}
	if err := p.rec.RecordVideo(out); err != nil {
		p.log.Debug().Err(err).Msg("record video")
	}
}

// Inset keeps the picture-in-picture frame for the next composite.
func (s *dataSink) Inset(f *media.VideoFrame) { s.mixer.Latch(f) }

// Audio goes to the recorder as is.
func (s *dataSink) Audio(f *media.AudioFrame, a pip.Assignment) {
	p := (*Pipeline)(s)
	if p.rec == nil || !p.recording.Load() {
		return
	}
	if err := p.rec.RecordAudio(f, a.Full); err != nil {
		p.log.Debug().Err(err).Msg("record audio")
	}
}

func (p *Pipeline) publish(e Event) {
	if p.opts.OnEvent == nil {
		return
	}
	if !p.present.Push(func() { p.opts.OnEvent(e) }) {
		p.log.Warn().Msgf("lost event %v", e.Kind)
	}
}

func (p *Pipeline) sync(ctx context.Context, q *queue.Queue, fn func()) error {
	if p.stopped.Load() {
		return ErrNotRunning
	}
	return q.Sync(ctx, fn)
}

// Roles returns the current role assignment.
func (p *Pipeline) Roles() pip.Assignment { return p.state.Load() }

// TogglePiP swaps the full-screen and picture-in-picture cameras.
func (p *Pipeline) TogglePiP(ctx context.Context) (a pip.Assignment, err error) {
	err = p.sync(ctx, p.config, func() {
		a = p.state.Toggle()
		p.log.Info().Msgf("roles: %v", a)
		p.publish(Event{Kind: RoleChanged, Roles: a})
	})
	return
}

// SetLayout moves the picture-in-picture rectangle.
func (p *Pipeline) SetLayout(ctx context.Context, r pip.Rect) error {
	var err error
	if e := p.sync(ctx, p.config, func() { err = p.state.SetLayout(r) }); e != nil {
		return e
	}
	return err
}

// SetRendering turns frame processing on and off. Frames coming while
// it is off are dropped.
func (p *Pipeline) SetRendering(ctx context.Context, enabled bool) error {
	return p.sync(ctx, p.data, func() { p.setRendering(enabled) })
}

func (p *Pipeline) setRendering(enabled bool) {
	if p.rendering.Swap(enabled) == enabled {
		return
	}
	if !enabled {
		p.mixer.Reset()
	}
	p.log.Debug().Msgf("rendering: %v", enabled)
}

// StartRecording opens a new recording into dest.
func (p *Pipeline) StartRecording(ctx context.Context, dest string) error {
	var err error
	if e := p.sync(ctx, p.data, func() { err = p.startRecording(dest) }); e != nil {
		return e
	}
	return err
}

func (p *Pipeline) startRecording(dest string) error {
	if p.rec != nil && p.rec.State() != recorder.Finished {
		return recorder.ErrAlreadyRecording
	}
	rec := recorder.New(dest, p.opts.Recorder, p.log)
	err := rec.Start(
		p.session.AudioFormat(),
		p.session.VideoFormat(media.PrimarySensor),
		p.session.VideoFormat(media.SecondarySensor),
		media.Transform{Rotation: p.opts.Rotation},
	)
	if err != nil {
		return err
	}
	p.rec = rec
	p.recording.Store(true)
	p.publish(Event{Kind: RecordingStarted, Path: dest})
	return nil
}

// StopRecording finishes the current recording. The done callback gets
// the file or the error once it's written, on the presentation queue
// or, after Run has returned, on the finalizing goroutine.
func (p *Pipeline) StopRecording(ctx context.Context, done func(path string, err error)) error {
	var err error
	if e := p.sync(ctx, p.data, func() { err = p.stopRecording(done) }); e != nil {
		return e
	}
	return err
}

func (p *Pipeline) stopRecording(done func(path string, err error)) error {
	if p.rec == nil {
		return recorder.ErrNotRecording
	}
	p.finishing.Add(1)
	err := p.rec.Stop(func(path string, err error) {
		defer p.finishing.Done()
		finished := func() {
			if p.opts.OnEvent != nil {
				p.opts.OnEvent(Event{Kind: RecordingFinished, Path: path, Err: err})
			}
			if done != nil {
				done(path, err)
			}
		}
		if e := p.present.Sync(context.Background(), finished); errors.Is(e, queue.ErrClosed) {
			finished()
		}
	})
	if err != nil {
		p.finishing.Done()
		return err
	}
	p.recording.Store(false)
	return nil
}

// NotifyCost asks for the session cost to be checked.
func (p *Pipeline) NotifyCost() {
	p.config.Push(func() {
		out := p.costs.Evaluate()
		if out.Exhausted {
			p.publish(Event{Kind: DegradationExhausted, Cost: out.After, Err: out.Err()})
		}
	})
}

// NotifyThermal reacts to a new thermal level.
func (p *Pipeline) NotifyThermal(level capture.ThermalLevel) {
	p.config.Push(func() {
		ok, err := p.costs.Thermal(level, p.recording.Load())
		if err != nil {
			p.log.Warn().Err(err).Msg("thermal throttle")
			return
		}
		if ok {
			p.publish(Event{Kind: ThermalThrottled, Thermal: level})
		}
	})
}

// Interrupt pauses frame processing until Resume.
func (p *Pipeline) Interrupt(reason string) {
	p.data.Push(func() {
		p.setRendering(false)
		p.log.Info().Msgf("interrupted: %v", reason)
		p.publish(Event{Kind: SessionInterrupted, Err: errors.New(reason)})
	})
}

func (p *Pipeline) Resume() {
	p.data.Push(func() {
		p.setRendering(true)
		p.log.Info().Msg("resumed")
		p.publish(Event{Kind: SessionResumed})
	})
}

// Fail reports a capture runtime error.
func (p *Pipeline) Fail(err error) {
	p.log.Error().Err(err).Msg("capture")
	p.publish(Event{Kind: RuntimeError, Err: err})
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Video:      p.video.Load(),
		Audio:      p.audio.Load(),
		Composited: p.composited.Load(),
		Skipped:    p.skipped.Load(),
		Dropped:    p.data.Dropped(),
		Recording:  p.recording.Load(),
	}
}
