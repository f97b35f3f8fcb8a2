package capture

import (
	"context"
	"image/color"
	"math"
	"sync"
	"time"

	"github.com/pipcam/pipcam/pkg/media"
)

// AudioChunk is the duration of one generated audio frame.
const AudioChunk = 10 * time.Millisecond

var tints = map[media.SourceID]color.RGBA{
	media.PrimarySensor:   {R: 0x20, G: 0x60, B: 0xc0, A: 0xff},
	media.SecondarySensor: {R: 0xc0, G: 0x60, B: 0x20, A: 0xff},
}

// Run feeds synthetic frames of both cameras and their microphone
// ports into the sink until ctx is done. Frames follow the current
// active format and frame rate of each camera. Timestamps of all
// streams share one clock.
func (s *Sim) Run(ctx context.Context, sink Sink) {
	start := time.Now()
	clock := func() time.Duration { return time.Since(start) }

	var wg sync.WaitGroup
	for _, id := range []media.SourceID{media.PrimarySensor, media.SecondarySensor} {
		wg.Add(1)
		go func(d *simDevice) {
			defer wg.Done()
			s.video(ctx, d, clock, sink)
		}(s.devices[id])
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.audio(ctx, clock, sink)
	}()
	wg.Wait()
}

func (s *Sim) video(ctx context.Context, d *simDevice, clock func() time.Duration, sink Sink) {
	var n int
	for {
		fps := d.FrameRate().Max
		if fps <= 0 {
			fps = 1
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(float64(time.Second) / fps)):
		}
		f := d.ActiveFormat()
		sink.OnVideo(Pattern(d.id, s.conf.PixFmt, f.W, f.H, n, clock()))
		n++
	}
}

func (s *Sim) audio(ctx context.Context, clock func() time.Duration, sink Sink) {
	af := s.conf.Audio
	if af.IsZero() {
		return
	}
	samples := int(int64(af.SampleRate)*int64(AudioChunk)/int64(time.Second)) * af.Channels
	t := time.NewTicker(AudioChunk)
	defer t.Stop()
	var n int
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		pts := clock()
		// one directional port per camera
		for i, id := range []media.SourceID{media.PrimarySensor, media.SecondarySensor} {
			sink.OnAudio(&media.AudioFrame{Source: id, Samples: tone(samples, af, 440*float64(i+1), n), PTS: pts})
		}
		n++
	}
}

// Pattern makes a frame filled with the camera tint and a bar that
// moves with n.
func Pattern(id media.SourceID, pf media.PixelFormat, w, h, n int, pts time.Duration) *media.VideoFrame {
	f := media.NewVideoFrame(id, pf, w, h, pts)
	c := tints[id]
	if pf == media.PixFmtBGRA {
		c.R, c.B = c.B, c.R
	}
	bar := 0
	if w > 0 {
		bar = (n * 8) % w
	}
	for y := 0; y < h; y++ {
		row := f.Pix[y*f.Stride : y*f.Stride+w*4]
		for x := 0; x < w; x++ {
			p := row[x*4 : x*4+4]
			if x >= bar && x < bar+8 {
				p[0], p[1], p[2], p[3] = 0xff, 0xff, 0xff, 0xff
				continue
			}
			p[0], p[1], p[2], p[3] = c.R, c.G, c.B, c.A
		}
	}
	return f
}

func tone(n int, af media.AudioFormat, hz float64, chunk int) []int16 {
	out := make([]int16, n)
	frames := n / af.Channels
	base := chunk * frames
	for i := 0; i < frames; i++ {
		v := int16(math.Sin(2*math.Pi*hz*float64(base+i)/float64(af.SampleRate)) * 8000)
		for c := 0; c < af.Channels; c++ {
			out[i*af.Channels+c] = v
		}
	}
	return out
}
