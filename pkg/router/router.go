// Package router sorts incoming camera and microphone frames by their
// source and the current picture-in-picture roles.
package router

import (
	"github.com/pipcam/pipcam/pkg/logger"
	"github.com/pipcam/pipcam/pkg/media"
	"github.com/pipcam/pipcam/pkg/pip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Decision uint8

const (
	Drop Decision = iota
	FullScreen
	Inset
	Record
)

func (d Decision) String() string {
	switch d {
	case FullScreen:
		return "fullscreen"
	case Inset:
		return "inset"
	case Record:
		return "record"
	}
	return "drop"
}

var routed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pipcam", Subsystem: "router", Name: "frames_total",
	Help: "Routed frames by source, kind and decision.",
}, []string{"source", "kind", "decision"})

type (
	Roles interface {
		Load() pip.Assignment
	}
	// VideoSink takes classified camera frames.
	VideoSink interface {
		FullScreen(f *media.VideoFrame, a pip.Assignment)
		Inset(f *media.VideoFrame)
	}
	AudioSink interface {
		Audio(f *media.AudioFrame, a pip.Assignment)
	}
)

type Router struct {
	roles Roles
	video VideoSink
	audio AudioSink
	log   *logger.Logger
}

func New(roles Roles, video VideoSink, audio AudioSink, log *logger.Logger) *Router {
	return &Router{roles: roles, video: video, audio: audio, log: log.Module("route")}
}

// Classify decides where a frame goes with the given role snapshot.
// Audio is recorded only when it comes from the full-screen camera port.
func Classify(a pip.Assignment, src media.SourceID, isVideo bool) Decision {
	role := a.RoleOf(src)
	if !isVideo {
		if role == pip.FullScreen {
			return Record
		}
		return Drop
	}
	switch role {
	case pip.FullScreen:
		return FullScreen
	case pip.PictureInPicture:
		return Inset
	}
	return Drop
}

// RouteVideo dispatches a camera frame to the video sink.
func (r *Router) RouteVideo(f *media.VideoFrame) Decision {
	a := r.roles.Load()
	d := Classify(a, f.Source, true)
	switch d {
	case FullScreen:
		r.video.FullScreen(f, a)
	case Inset:
		r.video.Inset(f)
	default:
		r.log.Debug().Msgf("dropped video from %v", f.Source)
	}
	routed.WithLabelValues(f.Source.String(), "video", d.String()).Inc()
	return d
}

// RouteAudio dispatches an audio frame to the audio sink.
func (r *Router) RouteAudio(f *media.AudioFrame) Decision {
	a := r.roles.Load()
	d := Classify(a, f.Source, false)
	if d == Record {
		r.audio.Audio(f, a)
	}
	routed.WithLabelValues(f.Source.String(), "audio", d.String()).Inc()
	return d
}
