package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pipcam/pipcam/pkg/config"
	"github.com/pipcam/pipcam/pkg/logger"
	"github.com/pipcam/pipcam/pkg/monitoring"
	oss "github.com/pipcam/pipcam/pkg/os"
	"github.com/pipcam/pipcam/pkg/pipeline"
	"github.com/pipcam/pipcam/pkg/recorder"
	"github.com/pipcam/pipcam/pkg/service"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
)

var Version = "?"

func main() { os.Exit(run()) }

func run() int {
	// the config path is needed before the flag defaults
	pre := flag.NewFlagSet("", flag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.SetOutput(io.Discard)
	pre.Usage = func() {}
	config.ConfigPathFlag(pre)
	_ = pre.Parse(os.Args[1:])

	conf, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	conf.WithFlags(flag.CommandLine)
	duration := flag.DurationP("duration", "d", 10*time.Second, "Recording length, 0 records until interrupted")
	toggle := flag.Bool("toggle", true, "Swap the cameras halfway through")
	flag.Parse()

	log := logger.NewConsole(conf.Debug, "pipcam", false)
	log.Info().Msgf("version %v", Version)
	log.Debug().Msgf("conf: %+v", conf)

	finished := make(chan pipeline.Event, 1)
	onEvent := func(e pipeline.Event) {
		var ev *zerolog.Event
		if e.Err != nil {
			ev = log.Warn().Err(e.Err)
		} else {
			ev = log.Info()
		}
		ev = ev.Str("event", e.Kind.String())
		switch e.Kind {
		case pipeline.RoleChanged:
			ev.Msgf("full-screen: %v", e.Roles.Full)
		case pipeline.Degraded:
			ev.Msgf("%v, %v", e.Step, e.Cost)
		case pipeline.ThermalThrottled:
			ev.Msgf("%v", e.Thermal)
		case pipeline.RecordingFinished:
			ev.Msg(e.Path)
			select {
			case finished <- e:
			default:
			}
		default:
			ev.Send()
		}
	}

	a, err := newApp(conf, onEvent, log)
	if err != nil {
		log.Error().Err(err).Msg("init")
		return 1
	}
	services := service.Group{}
	if conf.Monitoring.IsEnabled() {
		services.Add(monitoring.New(conf.Monitoring, log))
	}
	services.Add(a)
	services.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := services.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}()

	if err := oss.CheckCreateDir(conf.Recorder.Out); err != nil {
		log.Error().Err(err).Msg("out dir")
		return 1
	}
	dest := filepath.Join(conf.Recorder.Out, recorder.FileName(conf.Recorder.Name, recorder.NewId()))
	if !recorderOptions(conf.Recorder).Muxes() {
		dest = strings.TrimSuffix(dest, filepath.Ext(dest)) + ".zip"
		log.Warn().Msg("no ffmpeg, the recording goes into a zip")
	}

	ctx := context.Background()
	if err := a.pipe.StartRecording(ctx, dest); err != nil {
		if errors.Is(err, recorder.ErrConfiguration) {
			log.Error().Err(err).Msg("can't record with these cameras")
		} else {
			log.Error().Err(err).Msg("record")
		}
		return 1
	}

	var stop <-chan time.Time
	if *duration > 0 {
		stop = time.After(*duration)
		if *toggle {
			time.AfterFunc(*duration/2, func() {
				if _, err := a.pipe.TogglePiP(ctx); err != nil {
					log.Warn().Err(err).Msg("toggle")
				}
			})
		}
	}
	select {
	case <-stop:
	case <-oss.ExpectTermination():
		log.Info().Msg("interrupted")
	}

	if err := a.pipe.StopRecording(ctx, nil); err != nil {
		log.Error().Err(err).Msg("stop")
		return 1
	}
	e := <-finished
	if e.Err != nil {
		return 1
	}
	fmt.Println(e.Path)
	return 0
}
