package cost

import (
	"context"
	"time"

	"github.com/pipcam/pipcam/pkg/capture"
	"github.com/pipcam/pipcam/pkg/logger"
	"github.com/shirou/gopsutil/v3/host"
)

// Thresholds map the hottest sensor reading (°C) to thermal levels.
type Thresholds struct {
	Fair     float64
	Serious  float64
	Critical float64
}

var DefaultThresholds = Thresholds{Fair: 65, Serious: 80, Critical: 95}

func (t Thresholds) Level(celsius float64) capture.ThermalLevel {
	switch {
	case celsius >= t.Critical:
		return capture.Critical
	case celsius >= t.Serious:
		return capture.Serious
	case celsius >= t.Fair:
		return capture.Fair
	}
	return capture.Nominal
}

// TemperatureReader returns the hottest sensor temperature.
type TemperatureReader func(ctx context.Context) (float64, error)

// HostTemperature reads the host sensors.
func HostTemperature(ctx context.Context) (float64, error) {
	stats, err := host.SensorsTemperaturesWithContext(ctx)
	// partial readings come with a warning error
	if len(stats) == 0 {
		return 0, err
	}
	var max float64
	for _, s := range stats {
		if s.Temperature > max {
			max = s.Temperature
		}
	}
	return max, nil
}

// ThermalWatcher polls the temperature and reports level changes.
type ThermalWatcher struct {
	read       TemperatureReader
	thresholds Thresholds
	interval   time.Duration
	onChange   func(capture.ThermalLevel)
	log        *logger.Logger
}

func NewThermalWatcher(read TemperatureReader, t Thresholds, interval time.Duration,
	onChange func(capture.ThermalLevel), log *logger.Logger) *ThermalWatcher {
	if read == nil {
		read = HostTemperature
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ThermalWatcher{
		read:       read,
		thresholds: t,
		interval:   interval,
		onChange:   onChange,
		log:        log.Module("thermal"),
	}
}

// Run blocks until ctx is done.
func (w *ThermalWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	last := capture.Nominal
	failed := false
	for {
		t, err := w.read(ctx)
		switch {
		case err != nil:
			if !failed {
				w.log.Warn().Err(err).Msg("no temperature, watcher is idle")
				failed = true
			}
		default:
			failed = false
			if level := w.thresholds.Level(t); level != last {
				w.log.Info().Msgf("thermal %v -> %v (%.1f°C)", last, level, t)
				last = level
				if w.onChange != nil {
					w.onChange(level)
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
