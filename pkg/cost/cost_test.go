package cost

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pipcam/pipcam/pkg/capture"
	"github.com/pipcam/pipcam/pkg/logger"
	"github.com/pipcam/pipcam/pkg/media"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var formats = []capture.Format{
	{W: 352, H: 288, MaxFps: 30, MultiCam: true},
	{W: 640, H: 480, MaxFps: 30, MultiCam: true},
	{W: 1280, H: 720, MaxFps: 30, MultiCam: true},
	{W: 1920, H: 1080, MaxFps: 30, MultiCam: false},
	{W: 1920, H: 1440, MaxFps: 30, MultiCam: true},
}

type fakeDevice struct {
	s      *fakeSession
	id     media.SourceID
	format capture.Format
	rate   capture.FrameRate
}

func (d *fakeDevice) ID() media.SourceID           { return d.id }
func (d *fakeDevice) ActiveFormat() capture.Format { return d.format }
func (d *fakeDevice) Formats() []capture.Format    { return formats }
func (d *fakeDevice) FrameRate() capture.FrameRate { return d.rate }
func (d *fakeDevice) Mirrored() bool               { return d.id == media.SecondarySensor }
func (d *fakeDevice) SetActiveFormat(f capture.Format) error {
	d.s.calls = append(d.s.calls, d.id.String()+" format "+f.String())
	d.format = f
	return nil
}
func (d *fakeDevice) SetFrameRate(r capture.FrameRate) error {
	d.s.calls = append(d.s.calls, d.id.String()+" fps")
	d.rate = r
	return nil
}

// fakeSession recomputes cost with the cost func after Configure.
type fakeSession struct {
	devices  map[media.SourceID]*fakeDevice
	dualLens bool
	cost     capture.Cost
	costFn   func(*fakeSession) capture.Cost
	calls    []string
}

func newFakeSession(primary, secondary capture.Format, fps float64, cost func(*fakeSession) capture.Cost) *fakeSession {
	s := fakeSession{costFn: cost}
	s.devices = map[media.SourceID]*fakeDevice{
		media.PrimarySensor:   {s: &s, id: media.PrimarySensor, format: primary, rate: capture.FrameRate{Min: 1, Max: fps}},
		media.SecondarySensor: {s: &s, id: media.SecondarySensor, format: secondary, rate: capture.FrameRate{Min: 1, Max: fps}},
	}
	s.cost = cost(&s)
	return &s
}

func (s *fakeSession) Cost() capture.Cost { return s.cost }
func (s *fakeSession) Device(id media.SourceID) (capture.Device, error) {
	d, ok := s.devices[id]
	if !ok {
		return nil, capture.ErrNoDevice
	}
	return d, nil
}
func (s *fakeSession) DualLensActive() bool { return s.dualLens }
func (s *fakeSession) CollapseDualLens() error {
	s.calls = append(s.calls, "dual lens")
	s.dualLens = false
	return nil
}
func (s *fakeSession) Configure(fn func() error) error {
	err := fn()
	s.cost = s.costFn(s)
	return err
}
func (s *fakeSession) VideoFormat(media.SourceID) media.VideoFormat { return media.VideoFormat{} }
func (s *fakeSession) AudioFormat() media.AudioFormat               { return media.AudioFormat{} }

func fixed(c capture.Cost) func(*fakeSession) capture.Cost {
	return func(*fakeSession) capture.Cost { return c }
}

func TestSecondaryResolutionFirst(t *testing.T) {
	s := newFakeSession(formats[4], formats[4], 30, func(s *fakeSession) capture.Cost {
		if s.devices[media.SecondarySensor].format.W < 1920 {
			return capture.Cost{Pressure: 0.9, Hardware: 0.4}
		}
		return capture.Cost{Pressure: 1.2, Hardware: 0.5}
	})
	c := New(s, nil, logger.Nop())

	out := c.Evaluate()
	if out.Exhausted || out.Err() != nil {
		t.Fatalf("unexpected exhaustion: %+v", out)
	}
	if !reflect.DeepEqual(out.Applied, []string{"secondary_resolution"}) {
		t.Errorf("applied %v", out.Applied)
	}
	// the 1920x1080 format is not multi-camera
	if want := []string{"secondary format 1280x720@30"}; !reflect.DeepEqual(s.calls, want) {
		t.Errorf("calls %v, want %v", s.calls, want)
	}
	if s.devices[media.SecondarySensor].rate.Max != 30 {
		t.Errorf("frame rate changed")
	}
}

func TestFrameRateAfterResolutionFloor(t *testing.T) {
	s := newFakeSession(formats[1], formats[1], 30, fixed(capture.Cost{Pressure: 1.5, Hardware: 0.5}))
	c := New(s, nil, logger.Nop())
	before := testutil.ToFloat64(exhausted)

	out := c.Evaluate()
	if !out.Exhausted {
		t.Fatalf("should be exhausted")
	}
	if !errors.Is(out.Err(), ErrDegradationExhausted) {
		t.Errorf("err %v", out.Err())
	}
	if want := []string{"secondary_fps", "primary_fps"}; !reflect.DeepEqual(out.Applied, want) {
		t.Errorf("applied %v, want %v", out.Applied, want)
	}
	for _, id := range []media.SourceID{media.PrimarySensor, media.SecondarySensor} {
		if r := s.devices[id].rate.Max; r != 20 {
			t.Errorf("%v fps %v", id, r)
		}
	}
	if testutil.ToFloat64(exhausted)-before != 1 {
		t.Errorf("exhausted metric")
	}
}

func TestExhaustedAtFloors(t *testing.T) {
	s := newFakeSession(formats[1], formats[1], 15, fixed(capture.Cost{Pressure: 2, Hardware: 2}))
	c := New(s, nil, logger.Nop())

	out := c.Evaluate()
	if !out.Exhausted || len(out.Applied) != 0 || len(s.calls) != 0 {
		t.Errorf("got %+v, calls %v", out, s.calls)
	}
	if out.After != out.Before {
		t.Errorf("cost changed without steps")
	}
}

func TestDualLensOnlyUnderCombinedPressure(t *testing.T) {
	tests := []struct {
		name string
		cost capture.Cost
		want bool
	}{
		{name: "pressure", cost: capture.Cost{Pressure: 1.1, Hardware: 0.2}},
		{name: "hardware", cost: capture.Cost{Pressure: 0.2, Hardware: 1.1}},
		{name: "both", cost: capture.Cost{Pressure: 1.1, Hardware: 1.1}, want: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newFakeSession(formats[1], formats[1], 15, fixed(test.cost))
			s.dualLens = true
			New(s, nil, logger.Nop()).Evaluate()
			if collapsed := !s.dualLens; collapsed != test.want {
				t.Errorf("collapsed %v, want %v", collapsed, test.want)
			}
		})
	}
}

func TestLadderOrder(t *testing.T) {
	s := newFakeSession(formats[2], formats[2], 30, fixed(capture.Cost{Pressure: 1.2, Hardware: 1.2}))
	s.dualLens = true
	var seen []string
	c := New(s, nil, logger.Nop(), WithStepHandler(func(n string) { seen = append(seen, n) }))

	out := c.Evaluate()
	want := []string{"secondary_resolution", "dual_lens", "primary_resolution", "secondary_fps", "primary_fps"}
	if !reflect.DeepEqual(out.Applied, want) || !reflect.DeepEqual(seen, want) {
		t.Errorf("applied %v, seen %v", out.Applied, seen)
	}
}

func TestInBudget(t *testing.T) {
	s := newFakeSession(formats[2], formats[2], 30, fixed(capture.Cost{Pressure: 1, Hardware: 1}))
	if out := New(s, nil, logger.Nop()).Evaluate(); out.Exhausted || len(s.calls) > 0 {
		t.Errorf("budget is inclusive: %+v", out)
	}
}

type countingGate struct {
	sync.Mutex
	n int
}

func (g *countingGate) Lock() { g.Mutex.Lock(); g.n++ }

func TestStepsUnderGate(t *testing.T) {
	s := newFakeSession(formats[2], formats[2], 30, fixed(capture.Cost{Pressure: 1.2}))
	g := countingGate{}
	New(s, &g, logger.Nop()).Evaluate()
	// 2 resolution + 2 fps attempts, dual lens doesn't apply
	if g.n != 4 {
		t.Errorf("gate taken %v times", g.n)
	}
}

func TestNextLowerFormat(t *testing.T) {
	tests := []struct {
		active capture.Format
		want   capture.Format
		ok     bool
	}{
		{active: formats[4], want: formats[2], ok: true},
		{active: formats[2], want: formats[1], ok: true},
		{active: formats[1]},
		{active: formats[0]},
	}
	for _, test := range tests {
		got, ok := NextLowerFormat(test.active, formats, DefaultLimits)
		if ok != test.ok || got != test.want {
			t.Errorf("%v: got %v %v, want %v %v", test.active, got, ok, test.want, test.ok)
		}
	}
}

func TestNextLowerFrameRate(t *testing.T) {
	tests := []struct {
		in, want capture.FrameRate
		ok       bool
	}{
		{in: capture.FrameRate{Min: 1, Max: 30}, want: capture.FrameRate{Min: 1, Max: 20}, ok: true},
		{in: capture.FrameRate{Min: 30, Max: 30}, want: capture.FrameRate{Min: 20, Max: 20}, ok: true},
		{in: capture.FrameRate{Min: 1, Max: 25}, want: capture.FrameRate{Min: 1, Max: 15}, ok: true},
		{in: capture.FrameRate{Min: 1, Max: 24}, want: capture.FrameRate{Min: 1, Max: 24}},
		{in: capture.FrameRate{Min: 1, Max: 15}, want: capture.FrameRate{Min: 1, Max: 15}},
	}
	for _, test := range tests {
		got, ok := NextLowerFrameRate(test.in, DefaultLimits)
		if ok != test.ok || got != test.want {
			t.Errorf("%v: got %v %v", test.in, got, ok)
		}
	}
}

func TestThermal(t *testing.T) {
	tests := []struct {
		name      string
		level     capture.ThermalLevel
		recording bool
		fps       float64
		want      bool
		wantRate  capture.FrameRate
	}{
		{name: "nominal", level: capture.Nominal, fps: 30, wantRate: capture.FrameRate{Min: 1, Max: 30}},
		{name: "fair", level: capture.Fair, fps: 30, wantRate: capture.FrameRate{Min: 1, Max: 30}},
		{name: "serious", level: capture.Serious, fps: 30, want: true, wantRate: ThrottleRate},
		{name: "critical", level: capture.Critical, fps: 30, want: true, wantRate: ThrottleRate},
		{name: "critical recording", level: capture.Critical, recording: true, fps: 30, wantRate: capture.FrameRate{Min: 1, Max: 30}},
		{name: "serious after ladder", level: capture.Serious, fps: 15, want: true, wantRate: capture.FrameRate{Min: 15, Max: 15}},
		{name: "serious below throttle", level: capture.Serious, fps: 10, want: true, wantRate: capture.FrameRate{Min: 10, Max: 10}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newFakeSession(formats[2], formats[2], test.fps, fixed(capture.Cost{}))
			ok, err := New(s, nil, logger.Nop()).Thermal(test.level, test.recording)
			if err != nil {
				t.Fatal(err)
			}
			if r := s.devices[media.PrimarySensor].rate; ok != test.want || r != test.wantRate {
				t.Errorf("throttled %v, rate %v, want %v %v", ok, r, test.want, test.wantRate)
			}
			if s.devices[media.SecondarySensor].rate.Max != test.fps {
				t.Errorf("secondary touched")
			}
		})
	}
}

func TestThermalKeepsDegradedRate(t *testing.T) {
	// 25 fps over budget, the ladder takes it down to 15
	s := newFakeSession(formats[1], formats[1], 25, func(s *fakeSession) capture.Cost {
		if s.devices[media.PrimarySensor].rate.Max > 15 {
			return capture.Cost{Pressure: 1.5}
		}
		return capture.Cost{Pressure: 0.5}
	})
	c := New(s, nil, logger.Nop())
	if out := c.Evaluate(); out.Exhausted {
		t.Fatalf("exhausted: %+v", out)
	}
	degraded := s.devices[media.PrimarySensor].rate
	if degraded.Max > 15 {
		t.Fatalf("primary not degraded: %v", degraded)
	}

	for _, level := range []capture.ThermalLevel{capture.Serious, capture.Critical} {
		if _, err := c.Thermal(level, false); err != nil {
			t.Fatal(err)
		}
		if r := s.devices[media.PrimarySensor].rate; r.Max > degraded.Max {
			t.Errorf("%v raised the cap: %v > %v", level, r.Max, degraded.Max)
		}
	}

	calls := len(s.calls)
	if ok, err := c.Thermal(capture.Critical, false); ok || err != nil {
		t.Errorf("throttled again: %v %v", ok, err)
	}
	if len(s.calls) != calls {
		t.Errorf("reconfigured without a change: %v", s.calls[calls:])
	}
}

func TestThresholds(t *testing.T) {
	th := DefaultThresholds
	for c, want := range map[float64]capture.ThermalLevel{
		20: capture.Nominal, 65: capture.Fair, 81: capture.Serious, 120: capture.Critical,
	} {
		if got := th.Level(c); got != want {
			t.Errorf("%v: %v, want %v", c, got, want)
		}
	}
}

func TestThermalWatcher(t *testing.T) {
	temps := []float64{40, 40, 85, 85, 99, 50}
	var mu sync.Mutex
	i := 0
	read := func(context.Context) (float64, error) {
		mu.Lock()
		defer mu.Unlock()
		v := temps[i%len(temps)]
		if i < len(temps)-1 {
			i++
		}
		return v, nil
	}

	levels := make(chan capture.ThermalLevel, 10)
	ctx, cancel := context.WithCancel(context.Background())
	w := NewThermalWatcher(read, DefaultThresholds, time.Millisecond, func(l capture.ThermalLevel) { levels <- l }, logger.Nop())
	done := make(chan struct{})
	go func() { defer close(done); w.Run(ctx) }()

	var got []capture.ThermalLevel
	for len(got) < 3 {
		select {
		case l := <-levels:
			got = append(got, l)
		case <-time.After(time.Second):
			t.Fatalf("timeout, got %v", got)
		}
	}
	cancel()
	<-done
	if want := []capture.ThermalLevel{capture.Serious, capture.Critical, capture.Nominal}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestThermalWatcherReadError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	called := false
	read := func(context.Context) (float64, error) { return 0, errors.New("no sensors") }
	NewThermalWatcher(read, DefaultThresholds, time.Millisecond, func(capture.ThermalLevel) { called = true }, logger.Nop()).Run(ctx)
	if called {
		t.Errorf("level reported without readings")
	}
}
