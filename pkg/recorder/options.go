package recorder

type Options struct {
	// Dir is where the per-recording work directories go,
	// the system temp dir when empty.
	Dir string
	// Ffmpeg is the ffmpeg binary used for the final mux.
	// When it can't be found the recording is packed into a zip.
	Ffmpeg string
	// NoFfmpeg forces the zip container.
	NoFfmpeg bool
	// ImageCompressionLevel is png.CompressionLevel of the frames.
	ImageCompressionLevel int
	// VideoCodec and AudioCodec are ffmpeg encoder names.
	VideoCodec string
	AudioCodec string
}

func (o Options) videoCodec() string {
	if o.VideoCodec == "" {
		return "libx264"
	}
	return o.VideoCodec
}

func (o Options) audioCodec() string {
	if o.AudioCodec == "" {
		return "aac"
	}
	return o.AudioCodec
}

// Muxes tells if recordings will be muxed with ffmpeg
// rather than packed into a zip.
func (o Options) Muxes() bool {
	_, ok := ffmpegPath(o)
	return ok
}
