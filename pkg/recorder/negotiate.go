package recorder

import (
	"errors"
	"fmt"

	"github.com/pipcam/pipcam/pkg/media"
)

var ErrConfiguration = errors.New("recorder configuration error")

// ConfigurationError tells why the track settings couldn't be derived.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string        { return fmt.Sprintf("%v: %v", ErrConfiguration, e.Reason) }
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func configErr(format string, v ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, v...)}
}

// Negotiate derives the settings of the single composited video track
// from both camera paths. They have to agree on codec and pixel format
// since only one of them is encoded at a time, the track is sized to fit
// the bigger one.
func Negotiate(primary, secondary media.VideoFormat, audio media.AudioFormat) (media.VideoFormat, error) {
	switch {
	case audio.IsZero():
		return media.VideoFormat{}, configErr("no audio settings")
	case primary.IsZero():
		return media.VideoFormat{}, configErr("no primary video settings")
	case secondary.IsZero():
		return media.VideoFormat{}, configErr("no secondary video settings")
	case primary.Codec != secondary.Codec:
		return media.VideoFormat{}, configErr("codec mismatch %v != %v", primary.Codec, secondary.Codec)
	case primary.PixFmt != secondary.PixFmt:
		return media.VideoFormat{}, configErr("pixel format mismatch %v != %v", primary.PixFmt, secondary.PixFmt)
	}
	out := primary
	if secondary.W*secondary.H > primary.W*primary.H {
		out.W, out.H = secondary.W, secondary.H
	}
	out.Fps = max(primary.Fps, secondary.Fps)
	return out, nil
}
