// Package recorder writes composited video frames and the full-screen
// camera audio into one media file.
package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pipcam/pipcam/pkg/logger"
	"github.com/pipcam/pipcam/pkg/media"
	oss "github.com/pipcam/pipcam/pkg/os"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type State uint8

const (
	Idle State = iota
	Recording
	Finalizing
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Finalizing:
		return "finalizing"
	case Finished:
		return "finished"
	}
	return "?"
}

var (
	ErrNotRecording        = errors.New("recorder is not recording")
	ErrAlreadyRecording    = errors.New("recorder is already recording")
	ErrFinalized           = errors.New("recorder can't be reused after stop")
	ErrOutOfOrderFrame     = errors.New("out of order frame")
	ErrAudioSourceMismatch = errors.New("audio is not from the full-screen camera")
	ErrDestinationBusy     = errors.New("destination is busy")
	ErrNothingRecorded     = errors.New("no video frames were recorded")
)

var (
	videoFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipcam", Subsystem: "recorder", Name: "video_frames_total",
		Help: "Video frames offered to the recorder by result.",
	}, []string{"result"})
	audioFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipcam", Subsystem: "recorder", Name: "audio_frames_total",
		Help: "Audio frames offered to the recorder by result.",
	}, []string{"result"})
	writeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pipcam", Subsystem: "recorder", Name: "write_errors_total",
		Help: "Failed frame writes, these don't stop the recording.",
	})
)

type Stats struct {
	Frames        uint64
	OutOfOrder    uint64
	AudioChunks   uint64
	AudioRejected uint64
	WriteErrors   uint64
}

// Recorder makes exactly one recording. A new one is needed for
// every next recording.
type Recorder struct {
	sync.Mutex

	state State
	id    string
	dest  string
	dir   string
	opts  Options

	audio *wavStream
	video *pngStream
	lock  *oss.Flock

	audioFmt  media.AudioFormat
	videoFmt  media.VideoFormat
	transform media.Transform

	frames     []frameEntry
	lastPTS    time.Duration
	firstAudio time.Duration
	stats      Stats

	log *logger.Logger
}

// New creates a recorder for the dest file.
func New(dest string, opts Options, log *logger.Logger) *Recorder {
	id := NewId()
	return &Recorder{
		id:   id,
		dest: dest,
		opts: opts,
		log:  log.Extend(log.With().Str("m", "rec").Str("rec", id[:8])),
	}
}

func (r *Recorder) Id() string { return r.id }

func (r *Recorder) State() State {
	r.Lock()
	defer r.Unlock()
	return r.state
}

func (r *Recorder) Stats() Stats {
	r.Lock()
	defer r.Unlock()
	return r.stats
}

// Start opens the output streams. Both camera paths must agree on
// the encoding parameters, see Negotiate.
func (r *Recorder) Start(audio media.AudioFormat, primary, secondary media.VideoFormat, t media.Transform) (err error) {
	r.Lock()
	defer r.Unlock()

	switch r.state {
	case Recording:
		return ErrAlreadyRecording
	case Finalizing, Finished:
		return ErrFinalized
	}

	video, err := Negotiate(primary, secondary, audio)
	if err != nil {
		return err
	}

	dest, err := filepath.Abs(r.dest)
	if err != nil {
		return configErr("bad destination %v: %v", r.dest, err)
	}
	if err = oss.CheckCreateDir(filepath.Dir(dest)); err != nil {
		return err
	}
	lock, err := oss.NewFileLock(dest + ".lock")
	if err != nil {
		return err
	}
	if err = lock.TryLock(); err != nil {
		if errors.Is(err, oss.ErrLocked) {
			return fmt.Errorf("%w: %v", ErrDestinationBusy, dest)
		}
		return err
	}

	root := r.opts.Dir
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, "pipcam-"+r.id)
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
			_ = lock.Release()
		}
	}()
	if err = oss.CheckCreateDir(dir); err != nil {
		return err
	}
	wav, err := newWavStream(dir, audio)
	if err != nil {
		return err
	}

	r.dest, r.dir, r.lock = dest, dir, lock
	r.audio = wav
	r.video = newPngStream(dir, r.opts.ImageCompressionLevel, r.onWriteError)
	r.audioFmt, r.videoFmt, r.transform = audio, video, t
	r.state = Recording
	r.log.Info().Msgf("recording %v into %v", video, dest)
	r.log.Debug().Msgf("work dir: %v", dir)
	return nil
}

// RecordVideo appends a composited frame. Frames must come with
// increasing timestamps, others are dropped. The frame is released
// by the recorder in any case.
func (r *Recorder) RecordVideo(f *media.VideoFrame) error {
	r.Lock()
	defer r.Unlock()

	if r.state != Recording {
		f.Release()
		return ErrNotRecording
	}
	if len(r.frames) > 0 && f.PTS <= r.lastPTS {
		r.stats.OutOfOrder++
		videoFrames.WithLabelValues("out_of_order").Inc()
		r.log.Debug().Msgf("drop frame %v after %v", f.PTS, r.lastPTS)
		f.Release()
		return fmt.Errorf("%w: %v <= %v", ErrOutOfOrderFrame, f.PTS, r.lastPTS)
	}
	r.lastPTS = f.PTS
	name := r.video.Write(f)
	r.frames = append(r.frames, frameEntry{name: name, pts: f.PTS})
	r.stats.Frames++
	videoFrames.WithLabelValues("accepted").Inc()
	return nil
}

// RecordAudio appends samples that came from the full camera port.
func (r *Recorder) RecordAudio(f *media.AudioFrame, full media.SourceID) error {
	r.Lock()
	defer r.Unlock()

	if r.state != Recording {
		return ErrNotRecording
	}
	if f.Source != full {
		r.stats.AudioRejected++
		audioFrames.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: %v, full-screen is %v", ErrAudioSourceMismatch, f.Source, full)
	}
	if r.stats.AudioChunks == 0 {
		r.firstAudio = f.PTS
	}
	r.stats.AudioChunks++
	if err := r.audio.Write(f.Samples); err != nil {
		r.stats.WriteErrors++
		writeErrors.Inc()
		r.log.Warn().Err(err).Msg("audio write")
	}
	audioFrames.WithLabelValues("accepted").Inc()
	return nil
}

func (r *Recorder) onWriteError(err error) {
	writeErrors.Inc()
	r.log.Warn().Err(err).Msg("frame write")
}

// Stop finishes the recording in the background and calls done
// with the resulting file or the error. Frames accepted before the
// call are flushed into the file.
func (r *Recorder) Stop(done func(path string, err error)) error {
	r.Lock()
	switch r.state {
	case Idle:
		r.Unlock()
		return ErrNotRecording
	case Finalizing, Finished:
		r.Unlock()
		return ErrFinalized
	}
	r.state = Finalizing
	r.Unlock()

	go func() {
		path, err := r.finalize()
		r.Lock()
		r.state = Finished
		r.Unlock()
		if done != nil {
			done(path, err)
		}
	}()
	return nil
}

// StopWait is Stop that waits for the result.
func (r *Recorder) StopWait() (string, error) {
	type result struct {
		path string
		err  error
	}
	ch := make(chan result, 1)
	if err := r.Stop(func(p string, e error) { ch <- result{p, e} }); err != nil {
		return "", err
	}
	res := <-ch
	return res.path, res.err
}

func (r *Recorder) finalize() (string, error) {
	start := time.Now()
	var result *multierror.Error

	result = multierror.Append(result, r.video.Close(), r.audio.Close())
	r.Lock()
	r.stats.WriteErrors += r.video.Errors()
	stats := r.stats
	r.Unlock()

	if len(r.frames) == 0 {
		result = multierror.Append(result, ErrNothingRecorded)
	}
	if result.ErrorOrNil() == nil {
		result = multierror.Append(result, createFfmpegMuxFile(r.dir, r.frames, r.videoFmt, r.audioFmt, r.id))
	}
	if result.ErrorOrNil() == nil {
		result = multierror.Append(result, r.pack(stats.AudioChunks > 0))
	}

	if err := os.RemoveAll(r.dir); err != nil {
		r.log.Warn().Err(err).Msg("work dir cleanup")
	}
	if err := r.lock.Release(); err != nil {
		r.log.Warn().Err(err).Msg("unlock")
	}

	if err := result.ErrorOrNil(); err != nil {
		_ = os.Remove(r.dest)
		r.log.Error().Err(err).Msg("recording failed")
		return "", err
	}
	r.log.Info().Msgf("saved %v, frames: %v, dropped: %v, audio: %v, write errors: %v [%v]",
		r.dest, stats.Frames, stats.OutOfOrder, stats.AudioChunks, stats.WriteErrors, time.Since(start))
	return r.dest, nil
}

// pack muxes everything into the destination with ffmpeg or
// puts the work dir into a zip when there is no ffmpeg.
func (r *Recorder) pack(withAudio bool) error {
	if bin, ok := ffmpegPath(r.opts); ok {
		offset := time.Duration(0)
		if withAudio && len(r.frames) > 0 {
			offset = r.firstAudio - r.frames[0].pts
		}
		legacy := legacyFfmpeg(ffmpegVersion(bin))
		return runFfmpeg(bin, muxArgs(r.dir, r.dest, r.videoFmt, r.transform, offset, withAudio, legacy, r.opts))
	}
	r.log.Debug().Msg("no ffmpeg, making zip")
	return compress(r.dir, r.dest)
}
