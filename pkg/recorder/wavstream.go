package recorder

import (
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hashicorp/go-multierror"
	"github.com/pipcam/pipcam/pkg/media"
)

const (
	audioFile      = "audio.wav"
	wavFormatPCM   = 1
	defaultBitRate = 16
	// samples are encoded in chunks of this many milliseconds
	wavChunkMs = 100
)

// wavStream writes PCM samples into a WAV file,
// the RIFF header sizes are fixed on close.
type wavStream struct {
	f   *os.File
	enc *wav.Encoder
	pcm media.Buffer
	buf audio.IntBuffer
	err error
}

func newWavStream(dir string, format media.AudioFormat) (*wavStream, error) {
	f, err := os.Create(filepath.Join(dir, audioFile))
	if err != nil {
		return nil, err
	}
	depth := format.BitDepth
	if depth == 0 {
		depth = defaultBitRate
	}
	return &wavStream{
		f:   f,
		enc: wav.NewEncoder(f, format.SampleRate, depth, format.Channels, wavFormatPCM),
		pcm: media.NewBuffer(format.SampleRate * format.Channels * wavChunkMs / 1000),
		buf: audio.IntBuffer{
			Format:         &audio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
			SourceBitDepth: depth,
		},
	}, nil
}

// Write buffers the samples, the error is of the last encoded chunk.
func (w *wavStream) Write(samples []int16) error {
	w.err = nil
	w.pcm.Write(samples, w.encode)
	return w.err
}

func (w *wavStream) encode(samples media.Samples) {
	if cap(w.buf.Data) < len(samples) {
		w.buf.Data = make([]int, len(samples))
	}
	w.buf.Data = w.buf.Data[:len(samples)]
	for i, s := range samples {
		w.buf.Data[i] = int(s)
	}
	if err := w.enc.Write(&w.buf); err != nil {
		w.err = err
	}
}

func (w *wavStream) Close() error {
	var result *multierror.Error
	w.err = nil
	w.pcm.Flush(w.encode)
	result = multierror.Append(result, w.err)
	result = multierror.Append(result, w.enc.Close())
	result = multierror.Append(result, w.f.Close())
	return result.ErrorOrNil()
}
