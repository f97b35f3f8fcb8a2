package compositor

import (
	"image"

	"github.com/pipcam/pipcam/pkg/media"
	"golang.org/x/image/draw"
)

const (
	ScaleNearestNeighbour = iota // nearest neighbour interpolation
	ScaleBilinear                // approximate bilinear interpolation
)

// MinPoolSize is the number of output frames kept ready,
// one being recorded, one being composited and one spare.
const MinPoolSize = 3

func scaler(scaleType int) draw.Scaler {
	switch scaleType {
	case ScaleBilinear:
		return draw.ApproxBiLinear
	default:
		return draw.NearestNeighbor
	}
}

// canvas is a bounded pool of output frames.
// Frames are resliced to the requested size and only reallocated
// when they don't fit.
type canvas struct {
	pf   media.PixelFormat
	w, h int
	free chan *media.VideoFrame
}

func newCanvas(pf media.PixelFormat, w, h, size int) *canvas {
	size = max(size, MinPoolSize)
	c := canvas{pf: pf, w: w, h: h, free: make(chan *media.VideoFrame, size)}
	for i := 0; i < size; i++ {
		c.free <- media.NewVideoFrame(media.Unknown, pf, w, h, 0)
	}
	return &c
}

func (c *canvas) get(w, h int) *media.VideoFrame {
	var f *media.VideoFrame
	select {
	case f = <-c.free:
	default:
		f = media.NewVideoFrame(media.Unknown, c.pf, w, h, 0)
	}
	stride := w << 2
	if cap(f.Pix) < stride*h {
		f.Pix = make([]byte, stride*h)
	}
	f.Pix = f.Pix[:stride*h]
	f.Stride, f.W, f.H, f.PixFmt = stride, w, h, c.pf
	f.Pooled(c.put)
	return f
}

func (c *canvas) put(f *media.VideoFrame) {
	select {
	case c.free <- f:
	default:
	}
}

// drain lets the pooled memory go.
func (c *canvas) drain() {
	for {
		select {
		case <-c.free:
		default:
			return
		}
	}
}

// copyFrame copies src rows into dst of the same size.
func copyFrame(dst, src *media.VideoFrame) {
	rowLen := src.W << 2
	if dst.Stride == src.Stride && len(src.Pix) >= len(dst.Pix) {
		copy(dst.Pix, src.Pix[:len(dst.Pix)])
		return
	}
	for y := 0; y < src.H; y++ {
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+rowLen], src.Pix[y*src.Stride:y*src.Stride+rowLen])
	}
}

// mirrorInto copies src into the r area of dst flipping it horizontally.
// src must be of the r size.
func mirrorInto(dst *image.RGBA, r image.Rectangle, src *image.RGBA) {
	w, h := r.Dx(), r.Dy()
	for y := 0; y < h; y++ {
		s := src.Pix[y*src.Stride : y*src.Stride+w<<2]
		d := dst.Pix[(r.Min.Y+y)*dst.Stride+r.Min.X<<2:]
		for x, k := 0, (w-1)<<2; x < w; x, k = x+1, k-4 {
			copy(d[x<<2:x<<2+4], s[k:k+4])
		}
	}
}
