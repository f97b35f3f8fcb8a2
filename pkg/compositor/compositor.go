// Package compositor mixes two camera frames into one, drawing the
// picture-in-picture camera as an inset over the full-screen one.
package compositor

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/pipcam/pipcam/pkg/logger"
	"github.com/pipcam/pipcam/pkg/media"
	"github.com/pipcam/pipcam/pkg/pip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/image/draw"
)

var (
	ErrNotPrepared        = errors.New("compositor is not prepared")
	ErrIncompatibleFormat = errors.New("incompatible frame format")
)

var (
	mixed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pipcam", Subsystem: "compositor", Name: "frames_total",
		Help: "Composited output frames.",
	})
	skipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pipcam", Subsystem: "compositor", Name: "skipped_total",
		Help: "Full-screen frames without an inset to mix with.",
	})
	failed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pipcam", Subsystem: "compositor", Name: "errors_total",
		Help: "Composite calls that returned an error.",
	})
)

type Options struct {
	PoolSize int
	Scale    int
}

// Compositor is not safe for concurrent use, it lives on the data context.
type Compositor struct {
	opts   Options
	format media.VideoFormat
	canvas *canvas
	scaler draw.Scaler

	// inset is the latest picture-in-picture frame,
	// overwritten on arrival and kept until reset
	inset   *media.VideoFrame
	latched uint64
	// mirror scratch
	scratch *image.RGBA

	log *logger.Logger
}

func New(opts Options, log *logger.Logger) *Compositor {
	if opts.PoolSize < MinPoolSize {
		opts.PoolSize = MinPoolSize
	}
	return &Compositor{opts: opts, scaler: scaler(opts.Scale), log: log.Module("mix")}
}

// Prepare sets up the output format and the frame pool.
// Calling it again with an equivalent format does nothing.
func (c *Compositor) Prepare(f media.VideoFormat) error {
	if f.PixFmt == media.PixFmtUnknown || f.W <= 0 || f.H <= 0 {
		return fmt.Errorf("%w: %v", ErrIncompatibleFormat, f)
	}
	if c.Prepared() && c.format.PixFmt == f.PixFmt && c.format.W == f.W && c.format.H == f.H {
		return nil
	}
	if c.canvas != nil {
		c.canvas.drain()
	}
	c.format = f
	c.canvas = newCanvas(f.PixFmt, f.W, f.H, c.opts.PoolSize)
	c.log.Debug().Msgf("prepared %v, pool: %v", f, c.opts.PoolSize)
	return nil
}

func (c *Compositor) Prepared() bool { return c.canvas != nil }

// Latch stores the inset frame, replacing the previous one.
func (c *Compositor) Latch(f *media.VideoFrame) {
	c.inset = f
	c.latched++
}

// HasInset tells if any inset frame has arrived since the last reset.
func (c *Compositor) HasInset() bool { return c.inset != nil }

// Mix composites the full-screen frame with the latched inset.
// It returns nil without an error when there is no inset yet or the
// inset came from the same camera.
func (c *Compositor) Mix(full *media.VideoFrame, g pip.Geometry, mirror bool) (*media.VideoFrame, error) {
	if c.inset == nil {
		skipped.Inc()
		return nil, nil
	}
	// latched before a role swap
	if c.inset.Source == full.Source {
		c.inset = nil
		skipped.Inc()
		return nil, nil
	}
	return c.Composite(full, c.inset, g.Rect, mirror)
}

// Composite draws the inset over a copy of the full-screen frame.
// The inset is placed into the g area given in normalized coordinates
// of the full-screen frame and mirrored horizontally if asked.
// The output keeps the full-screen frame timestamp and must be
// released by the consumer.
func (c *Compositor) Composite(full, inset *media.VideoFrame, g pip.Rect, mirror bool) (*media.VideoFrame, error) {
	if !c.Prepared() {
		failed.Inc()
		return nil, ErrNotPrepared
	}
	if !full.Valid() || !inset.Valid() {
		failed.Inc()
		return nil, fmt.Errorf("%w: broken frame", ErrIncompatibleFormat)
	}
	if full.PixFmt != c.format.PixFmt || inset.PixFmt != full.PixFmt {
		failed.Inc()
		return nil, fmt.Errorf("%w: %v + %v, expected %v", ErrIncompatibleFormat, full.PixFmt, inset.PixFmt, c.format.PixFmt)
	}

	out := c.canvas.get(full.W, full.H)
	out.Source = full.Source
	out.PTS = full.PTS
	copyFrame(out, full)

	r := area(g, full.W, full.H)
	if !r.Empty() {
		dst := out.Image()
		if mirror {
			tmp := c.scratchOf(r.Dx(), r.Dy())
			c.scaler.Scale(tmp, tmp.Bounds(), inset.Image(), inset.Bounds(), draw.Src, nil)
			mirrorInto(dst, r, tmp)
		} else {
			c.scaler.Scale(dst, r, inset.Image(), inset.Bounds(), draw.Src, nil)
		}
	}
	mixed.Inc()
	return out, nil
}

// Reset drops the inset, scratch and pooled frames.
// The compositor stays prepared.
func (c *Compositor) Reset() {
	c.inset = nil
	c.scratch = nil
	if c.canvas != nil {
		c.canvas.drain()
	}
	c.log.Debug().Msgf("reset after %v latched insets", c.latched)
	c.latched = 0
}

func (c *Compositor) scratchOf(w, h int) *image.RGBA {
	if c.scratch == nil || cap(c.scratch.Pix) < w*h<<2 {
		c.scratch = image.NewRGBA(image.Rect(0, 0, w, h))
		return c.scratch
	}
	c.scratch.Pix = c.scratch.Pix[:w*h<<2]
	c.scratch.Stride = w << 2
	c.scratch.Rect = image.Rect(0, 0, w, h)
	return c.scratch
}

// area converts a normalized rectangle into pixels clipped to w×h.
func area(g pip.Rect, w, h int) image.Rectangle {
	r := image.Rect(
		int(math.Round(g.X*float64(w))),
		int(math.Round(g.Y*float64(h))),
		int(math.Round((g.X+g.W)*float64(w))),
		int(math.Round((g.Y+g.H)*float64(h))),
	)
	return r.Intersect(image.Rect(0, 0, w, h))
}
