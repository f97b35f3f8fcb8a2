package recorder

import (
	"bufio"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pipcam/pipcam/pkg/media"
)

const videoFile = "f%07d.png"

type pool struct{ sync.Pool }

func pngBuf() *pool                      { return &pool{sync.Pool{New: func() any { return &png.EncoderBuffer{} }}} }
func (p *pool) Get() *png.EncoderBuffer  { return p.Pool.Get().(*png.EncoderBuffer) }
func (p *pool) Put(b *png.EncoderBuffer) { p.Pool.Put(b) }

// pngStream saves every frame into its own numbered file.
// Frames are encoded concurrently and released after that.
type pngStream struct {
	dir    string
	e      *png.Encoder
	id     uint32
	errors atomic.Uint64
	wg     sync.WaitGroup
	onErr  func(error)
}

func newPngStream(dir string, level int, onErr func(error)) *pngStream {
	return &pngStream{
		dir:   dir,
		e:     &png.Encoder{CompressionLevel: png.CompressionLevel(level), BufferPool: pngBuf()},
		onErr: onErr,
	}
}

// Write queues the frame for saving and returns its file name.
func (p *pngStream) Write(f *media.VideoFrame) string {
	name := fmt.Sprintf(videoFile, atomic.AddUint32(&p.id, 1))
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer f.Release()
		if err := p.save(name, f); err != nil {
			p.errors.Add(1)
			p.onErr(err)
		}
	}()
	return name
}

func (p *pngStream) save(name string, f *media.VideoFrame) (err error) {
	file, err := os.Create(filepath.Join(p.dir, name))
	if err != nil {
		return err
	}
	defer func() {
		if er := file.Close(); err == nil {
			err = er
		}
	}()
	w := bufio.NewWriterSize(file, f.W*f.H)
	img := f.Image()
	if f.PixFmt == media.PixFmtBGRA {
		img = bgraToRGBA(f)
	}
	if err = p.e.Encode(w, img); err != nil {
		return err
	}
	return w.Flush()
}

// Close waits for all the queued frames.
// Frames that failed to save are only counted.
func (p *pngStream) Close() error {
	p.wg.Wait()
	return nil
}

func (p *pngStream) Errors() uint64 { return p.errors.Load() }

func bgraToRGBA(f *media.VideoFrame) *image.RGBA {
	out := image.NewRGBA(f.Bounds())
	for y := 0; y < f.H; y++ {
		s := f.Pix[y*f.Stride : y*f.Stride+f.W<<2]
		d := out.Pix[y*out.Stride:]
		for i := 0; i < len(s); i += 4 {
			d[i], d[i+1], d[i+2], d[i+3] = s[i+2], s[i+1], s[i], s[i+3]
		}
	}
	return out
}
