// Package media holds the frame and format types shared by the capture
// sources, the compositor and the recorder.
package media

import (
	"fmt"
	"image"
	"time"
)

// SourceID identifies a capture source.
type SourceID uint8

const (
	Unknown SourceID = iota
	PrimarySensor
	SecondarySensor
	Microphone
)

func (s SourceID) String() string {
	switch s {
	case PrimarySensor:
		return "primary"
	case SecondarySensor:
		return "secondary"
	case Microphone:
		return "mic"
	}
	return "unknown"
}

// ParseSourceID is the reverse of String.
func ParseSourceID(name string) SourceID {
	for _, s := range []SourceID{PrimarySensor, SecondarySensor, Microphone} {
		if s.String() == name {
			return s
		}
	}
	return Unknown
}

// IsCamera tells if the source produces video.
func (s SourceID) IsCamera() bool { return s == PrimarySensor || s == SecondarySensor }

// PixelFormat is a packed 4 bytes per pixel layout.
type PixelFormat uint8

const (
	PixFmtUnknown PixelFormat = iota
	PixFmtRGBA
	PixFmtBGRA
)

func (p PixelFormat) String() string {
	switch p {
	case PixFmtRGBA:
		return "rgba"
	case PixFmtBGRA:
		return "bgra"
	}
	return "unknown"
}

func ParsePixelFormat(name string) PixelFormat {
	switch name {
	case "rgba":
		return PixFmtRGBA
	case "bgra":
		return PixFmtBGRA
	}
	return PixFmtUnknown
}

const bpp = 4

type (
	// VideoFormat describes the encoded parameters of a video path.
	VideoFormat struct {
		Codec  string
		PixFmt PixelFormat
		W, H   int
		Fps    float64
	}
	// AudioFormat describes interleaved signed PCM.
	AudioFormat struct {
		SampleRate int
		Channels   int
		BitDepth   int
	}
	// Transform is applied to the recorded video track by players.
	Transform struct {
		Rotation int // degrees clockwise, one of 0, 90, 180, 270
		Mirror   bool
	}
)

func (f VideoFormat) IsZero() bool {
	return f.Codec == "" || f.PixFmt == PixFmtUnknown || f.W <= 0 || f.H <= 0
}
func (f VideoFormat) String() string {
	return fmt.Sprintf("%s/%s %dx%d@%v", f.Codec, f.PixFmt, f.W, f.H, f.Fps)
}

func (f AudioFormat) IsZero() bool { return f.SampleRate <= 0 || f.Channels <= 0 || f.BitDepth <= 0 }

// VideoFrame is a timestamped packed image sample.
// Frames are treated as immutable once they leave the capture source.
type VideoFrame struct {
	Source SourceID
	PixFmt PixelFormat
	Pix    []byte
	Stride int
	W, H   int
	PTS    time.Duration

	recycle func(*VideoFrame)
}

// AudioFrame is a chunk of interleaved int16 samples.
// Source is the camera whose directional microphone port produced it.
type AudioFrame struct {
	Source  SourceID
	Samples []int16
	PTS     time.Duration
}

// NewVideoFrame allocates a zeroed frame.
func NewVideoFrame(src SourceID, pf PixelFormat, w, h int, pts time.Duration) *VideoFrame {
	return &VideoFrame{
		Source: src,
		PixFmt: pf,
		Pix:    make([]byte, w*h*bpp),
		Stride: w * bpp,
		W:      w,
		H:      h,
		PTS:    pts,
	}
}

// Image exposes the frame as an image.RGBA sharing the same memory.
// For BGRA frames the channel names are swapped but byte order is kept,
// which is fine for copy and scale operations.
func (f *VideoFrame) Image() *image.RGBA {
	return &image.RGBA{Pix: f.Pix, Stride: f.Stride, Rect: image.Rect(0, 0, f.W, f.H)}
}

func (f *VideoFrame) Bounds() image.Rectangle { return image.Rect(0, 0, f.W, f.H) }

// Valid checks that the pixel buffer can hold the declared size.
func (f *VideoFrame) Valid() bool {
	return f != nil && f.W > 0 && f.H > 0 && f.Stride >= f.W*bpp && len(f.Pix) >= f.Stride*(f.H-1)+f.W*bpp
}

// Copy makes a deep copy of the frame.
// The copy is never pooled.
func (f *VideoFrame) Copy() *VideoFrame {
	c := *f
	c.Pix = append([]byte{}, f.Pix...)
	c.recycle = nil
	return &c
}

// Pooled attaches a function returning the frame to its pool.
func (f *VideoFrame) Pooled(recycle func(*VideoFrame)) { f.recycle = recycle }

// Release gives a pooled frame back. It's a no-op for plain frames
// and for frames already released.
func (f *VideoFrame) Release() {
	if f == nil || f.recycle == nil {
		return
	}
	r := f.recycle
	f.recycle = nil
	r(f)
}

// Duration returns the play time of the samples.
func (a *AudioFrame) Duration(f AudioFormat) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	n := len(a.Samples) / f.Channels
	return time.Duration(n) * time.Second / time.Duration(f.SampleRate)
}
