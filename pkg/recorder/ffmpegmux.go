package recorder

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pipcam/pipcam/pkg/media"
)

const demuxFile = "input.txt"

type frameEntry struct {
	name string
	pts  time.Duration
}

// createFfmpegMuxFile makes FFMPEG concat demuxer file with
// the frame durations taken from their timestamps.
// Frames that never made it to the disk give their time to the previous one.
//
// ffmpeg concat demuxer, see: https://ffmpeg.org/ffmpeg-formats.html#concat
func createFfmpegMuxFile(dir string, frames []frameEntry, video media.VideoFormat, audio media.AudioFormat, id string) (err error) {
	demux, err := newFile(dir, demuxFile)
	if err != nil {
		return err
	}
	defer func() {
		if er := demux.Close(); err == nil {
			err = er
		}
	}()

	b := strings.Builder{}
	b.WriteString("ffconcat version 1.0\n")
	b.WriteString(meta("v", "1"))
	b.WriteString(meta("id", id))
	b.WriteString(meta("date", time.Now().Format("20060102")))
	b.WriteString(meta("fps", video.Fps))
	b.WriteString(meta("freq", audio.SampleRate))
	b.WriteString(meta("pix", video.PixFmt))

	for _, f := range frameDurations(dir, frames, video.Fps) {
		b.WriteString(fmt.Sprintf("file %v\nduration %f\n", f.name, f.dur.Seconds()))
	}
	_, err = demux.WriteString(b.String())
	return err
}

type timedFile struct {
	name string
	dur  time.Duration
}

func frameDurations(dir string, frames []frameEntry, fps float64) []timedFile {
	def := time.Second / 30
	if fps > 0 {
		def = time.Duration(float64(time.Second) / fps)
	}
	var out []timedFile
	for i, f := range frames {
		dur := def
		if i+1 < len(frames) {
			dur = frames[i+1].pts - f.pts
		}
		if _, err := os.Stat(filepath.Join(dir, f.name)); err != nil {
			if len(out) > 0 {
				out[len(out)-1].dur += dur
			}
			continue
		}
		out = append(out, timedFile{name: f.name, dur: dur})
	}
	return out
}

// meta adds stream_meta key value line.
func meta(key string, value any) string { return fmt.Sprintf("stream_meta %s '%v'\n", key, value) }

// muxArgs builds the ffmpeg call that turns the image sequence and
// the wav track into one file. Rotation and mirroring go into the
// picture since newer ffmpeg ignores the rotate tag. Before 5.1
// there is no -fps_mode, so legacy gets -vsync instead.
//
//	ffmpeg -f concat -safe 0 -i input.txt \
//		   -itsoffset 0.012 -i audio.wav \
//		   -vf scale=1280:720,transpose=1 -fps_mode vfr \
//		   -c:v libx264 -pix_fmt yuv420p -c:a aac out.mp4
func muxArgs(dir, dest string, v media.VideoFormat, t media.Transform, audioOffset time.Duration, withAudio, legacy bool, opts Options) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0", "-i", filepath.Join(dir, demuxFile)}
	if withAudio {
		args = append(args, "-itsoffset", fmt.Sprintf("%.3f", audioOffset.Seconds()), "-i", filepath.Join(dir, audioFile))
	}
	vf := fmt.Sprintf("scale=%d:%d", v.W&^1, v.H&^1)
	if t.Mirror {
		vf += ",hflip"
	}
	if r := rotation(t.Rotation); r != "" {
		vf += "," + r
	}
	args = append(args, "-vf", vf)
	if legacy {
		args = append(args, "-vsync", "vfr")
	} else {
		args = append(args, "-fps_mode", "vfr")
	}
	args = append(args, "-c:v", opts.videoCodec(), "-pix_fmt", "yuv420p")
	if withAudio {
		args = append(args, "-c:a", opts.audioCodec())
	}
	return append(args, dest)
}

// rotation is the filter turning the picture clockwise by deg.
func rotation(deg int) string {
	switch (deg%360 + 360) % 360 {
	case 90:
		return "transpose=1"
	case 180:
		return "hflip,vflip"
	case 270:
		return "transpose=2"
	}
	return ""
}

var versionLine = regexp.MustCompile(`ffmpeg version n?(\d+)\.(\d+)`)

// legacyFfmpeg tells if the ffmpeg build is older than 5.1.
// Builds without a release number (git snapshots) count as new.
func legacyFfmpeg(version string) bool {
	m := versionLine.FindStringSubmatch(version)
	if m == nil {
		return false
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	return major < 5 || major == 5 && minor < 1
}

func ffmpegVersion(bin string) string {
	out, err := exec.Command(bin, "-version").Output()
	if err != nil {
		return ""
	}
	return string(out)
}

// ffmpegPath finds a usable ffmpeg binary.
func ffmpegPath(opts Options) (string, bool) {
	if opts.NoFfmpeg {
		return "", false
	}
	bin := opts.Ffmpeg
	if bin == "" {
		bin = "ffmpeg"
	}
	path, err := exec.LookPath(bin)
	return path, err == nil
}

func runFfmpeg(bin string, args []string) error {
	var out bytes.Buffer
	cmd := exec.Command(bin, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w, %s", err, strings.TrimSpace(out.String()))
	}
	return nil
}
