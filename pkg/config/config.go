package config

import (
	"fmt"
	"time"

	"github.com/pipcam/pipcam/pkg/config/monitoring"
	"github.com/spf13/pflag"
)

type Config struct {
	Capture    Capture
	Pip        Pip
	Compositor Compositor
	Recorder   Recorder
	Cost       Cost
	Pipeline   Pipeline
	Monitoring monitoring.Config
	Debug      bool
}

type Capture struct {
	Codec  string  `default:"h264"`
	PixFmt string  `default:"rgba"`
	Fps    float64 `default:"30"`
	Audio  struct {
		SampleRate int `default:"48000"`
		Channels   int `default:"1"`
		BitDepth   int `default:"16"`
	}
	// Formats of both cameras, smallest first.
	Formats []Format
	// Primary and Secondary are indices in Formats.
	Primary   int
	Secondary int
	DualLens  bool
	Sim       struct {
		PressureBudget float64
		HardwareBudget float64
		DualLensCost   float64
	}
}

type Format struct {
	W        int
	H        int
	MaxFps   float64
	MultiCam bool
}

type Pip struct {
	FullScreen string `default:"primary"`
	Layout     struct {
		X, Y, W, H float64
	}
}

type Compositor struct {
	PoolSize int
	Scale    string
}

type Recorder struct {
	// Out is where finished recordings go.
	Out              string `default:"."`
	Dir              string
	Name             string `default:"pip-%date:20060102-150405%.mp4"`
	Ffmpeg           string
	NoFfmpeg         bool
	CompressionLevel int
	VideoCodec       string
	AudioCodec       string
	Rotation         int
}

type Cost struct {
	MinWidth  int     `default:"640"`
	MinHeight int     `default:"480"`
	MinFps    float64 `default:"15"`
	FpsStep   float64 `default:"10"`
	// Interval of cost checks, the session doesn't push them.
	Interval time.Duration `default:"1s"`
	Thermal  struct {
		Enabled  bool
		Interval time.Duration `default:"5s"`
		Fair     float64       `default:"65"`
		Serious  float64       `default:"80"`
		Critical float64       `default:"95"`
	}
}

type Pipeline struct {
	ConfigQueue  int
	DataQueue    int
	PresentQueue int
}

// allows custom config path
var configPath string

// NewConfig loads the config from the default locations,
// see LoadConfig.
func NewConfig() (conf Config, err error) {
	err = LoadConfig(&conf, configPath)
	if err == nil {
		err = conf.validate()
	}
	return
}

// ConfigPathFlag registers the config file flag alone, it is
// needed before the rest of the flags get their defaults.
func ConfigPathFlag(fs *pflag.FlagSet) {
	fs.StringVarP(&configPath, "conf", "c", configPath, "Set custom configuration file path")
}

func (c *Config) WithFlags(fs *pflag.FlagSet) *Config {
	ConfigPathFlag(fs)
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Debug logging")
	fs.StringVar(&c.Recorder.Out, "out", c.Recorder.Out, "Recordings directory")
	fs.StringVar(&c.Recorder.Name, "name", c.Recorder.Name, "Recording file name template (%date:layout%, %rand:n%, %id%)")
	fs.BoolVar(&c.Recorder.NoFfmpeg, "no-ffmpeg", c.Recorder.NoFfmpeg, "Pack recordings into zip instead of calling ffmpeg")
	fs.StringVar(&c.Pip.FullScreen, "full", c.Pip.FullScreen, "Full-screen camera at start [primary, secondary]")
	fs.BoolVar(&c.Cost.Thermal.Enabled, "thermal", c.Cost.Thermal.Enabled, "Watch host temperature")
	fs.BoolVarP(&c.Monitoring.MetricEnabled, "monitoring.metric", "m", c.Monitoring.MetricEnabled, "Enable prometheus metric")
	fs.BoolVarP(&c.Monitoring.ProfilingEnabled, "monitoring.pprof", "p", c.Monitoring.ProfilingEnabled, "Enable golang pprof")
	fs.IntVar(&c.Monitoring.Port, "monitoring.port", c.Monitoring.Port, "Monitoring server port")
	return c
}

func (c *Config) validate() error {
	n := len(c.Capture.Formats)
	if n == 0 {
		return fmt.Errorf("config: no capture formats")
	}
	for _, i := range []int{c.Capture.Primary, c.Capture.Secondary} {
		if i < 0 || i >= n {
			return fmt.Errorf("config: format index %v out of [0, %v)", i, n)
		}
	}
	return nil
}
