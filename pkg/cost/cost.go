// Package cost keeps a capture session within its cost budget by
// degrading it step by step.
package cost

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pipcam/pipcam/pkg/capture"
	"github.com/pipcam/pipcam/pkg/logger"
	"github.com/pipcam/pipcam/pkg/media"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ErrDegradationExhausted = errors.New("degradation exhausted")

var (
	pressureGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pipcam", Subsystem: "cost", Name: "pressure",
		Help: "Last system pressure cost of the session.",
	})
	hardwareGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pipcam", Subsystem: "cost", Name: "hardware",
		Help: "Last hardware cost of the session.",
	})
	steps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipcam", Subsystem: "cost", Name: "steps_total",
		Help: "Degradation steps by name and result.",
	}, []string{"step", "result"})
	exhausted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pipcam", Subsystem: "cost", Name: "exhausted_total",
		Help: "Times the ladder ran out of steps over budget.",
	})
	thermalGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pipcam", Subsystem: "cost", Name: "thermal_level",
		Help: "Last thermal level (0 nominal .. 3 critical).",
	})
)

// Outcome is the result of one evaluation.
type Outcome struct {
	Before  capture.Cost
	After   capture.Cost
	Applied []string
	// Exhausted is set when no step could bring the cost under budget.
	Exhausted bool
}

// Err returns ErrDegradationExhausted for the exhausted outcome.
func (o Outcome) Err() error {
	if o.Exhausted {
		return fmt.Errorf("%w: %v, applied [%v]", ErrDegradationExhausted, o.After, strings.Join(o.Applied, " "))
	}
	return nil
}

// Controller runs the ladder against a session. Every step happens
// with the gate locked so that no frames pass while the session
// changes.
type Controller struct {
	session capture.Session
	gate    sync.Locker
	ladder  []Remediation
	limits  Limits
	onStep  func(name string)
	log     *logger.Logger
}

type Option func(*Controller)

func WithLadder(l []Remediation) Option      { return func(c *Controller) { c.ladder = l } }
func WithLimits(l Limits) Option             { return func(c *Controller) { c.limits = l; c.ladder = Ladder(l) } }
func WithStepHandler(fn func(string)) Option { return func(c *Controller) { c.onStep = fn } }

func New(session capture.Session, gate sync.Locker, log *logger.Logger, opts ...Option) *Controller {
	c := Controller{
		session: session,
		gate:    gate,
		limits:  DefaultLimits,
		ladder:  Ladder(DefaultLimits),
		log:     log.Module("cost"),
	}
	if c.gate == nil {
		c.gate = &sync.Mutex{}
	}
	for _, o := range opts {
		o(&c)
	}
	return &c
}

// Evaluate degrades the session until its cost is in budget or there
// are no steps left. It never undoes earlier steps.
func (c *Controller) Evaluate() Outcome {
	cost := c.session.Cost()
	out := Outcome{Before: cost, After: cost}
	c.observe(cost)
	if !cost.Exceeded() {
		return out
	}
	c.log.Info().Msgf("over budget: %v", cost)

	for _, step := range c.ladder {
		if !step.Applies(cost) {
			continue
		}
		if err := c.apply(step); err != nil {
			if errors.Is(err, ErrRefused) {
				steps.WithLabelValues(step.Name, "refused").Inc()
				c.log.Debug().Msgf("%v: refused", step.Name)
			} else {
				steps.WithLabelValues(step.Name, "failed").Inc()
				c.log.Warn().Err(err).Msgf("%v: failed", step.Name)
			}
			continue
		}
		steps.WithLabelValues(step.Name, "applied").Inc()
		out.Applied = append(out.Applied, step.Name)
		if c.onStep != nil {
			c.onStep(step.Name)
		}

		cost = c.session.Cost()
		out.After = cost
		c.observe(cost)
		c.log.Info().Msgf("%v: now %v", step.Name, cost)
		if !cost.Exceeded() {
			return out
		}
	}

	out.Exhausted = true
	exhausted.Inc()
	c.log.Warn().Err(out.Err()).Msg("giving up")
	return out
}

func (c *Controller) apply(step Remediation) error {
	c.gate.Lock()
	defer c.gate.Unlock()
	return c.session.Configure(func() error { return step.Apply(c.session) })
}

func (c *Controller) observe(cost capture.Cost) {
	pressureGauge.Set(cost.Pressure)
	hardwareGauge.Set(cost.Hardware)
}

// ThrottleRate is the primary camera frame rate under thermal stress.
var ThrottleRate = capture.FrameRate{Min: 15, Max: 20}

// Thermal caps the primary camera frame rate on serious and critical
// levels. Recordings in progress are left alone.
func (c *Controller) Thermal(level capture.ThermalLevel, recording bool) (bool, error) {
	thermalGauge.Set(float64(level))
	if level < capture.Serious {
		return false, nil
	}
	if recording {
		c.log.Info().Msgf("thermal %v, recording, not throttled", level)
		return false, nil
	}
	d, err := c.session.Device(media.PrimarySensor)
	if err != nil {
		return false, err
	}
	// never above the current cap, the ladder may have gone lower
	cur := d.FrameRate()
	r := ThrottleRate
	r.Max = min(r.Max, d.ActiveFormat().MaxFps, cur.Max)
	r.Min = min(r.Min, r.Max)
	if r == cur {
		return false, nil
	}
	c.gate.Lock()
	defer c.gate.Unlock()
	if err = c.session.Configure(func() error { return d.SetFrameRate(r) }); err != nil {
		return false, err
	}
	c.log.Info().Msgf("thermal %v, primary throttled to %v-%v fps", level, r.Min, r.Max)
	return true, nil
}
