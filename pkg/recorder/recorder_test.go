package recorder

import (
	"archive/zip"
	"errors"
	"image"
	"image/color"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pipcam/pipcam/pkg/logger"
	"github.com/pipcam/pipcam/pkg/media"
)

var (
	testAudio = media.AudioFormat{SampleRate: 48000, Channels: 2, BitDepth: 16}
	testVideo = media.VideoFormat{Codec: "h264", PixFmt: media.PixFmtRGBA, W: 32, H: 24, Fps: 30}
)

func newTestRecorder(t testing.TB) (*Recorder, string) {
	t.Helper()
	dir := t.TempDir()
	dest := filepath.Join(dir, "out", "test.zip")
	return New(dest, Options{Dir: dir, NoFfmpeg: true}, logger.Nop()), dest
}

func start(t testing.TB, r *Recorder) {
	t.Helper()
	if err := r.Start(testAudio, testVideo, testVideo, media.Transform{}); err != nil {
		t.Fatal(err)
	}
}

func TestRecordVideoDropsOutOfOrder(t *testing.T) {
	r, dest := newTestRecorder(t)
	start(t, r)

	var accepted []time.Duration
	for _, ms := range []time.Duration{10, 20, 15, 30} {
		f := genFrame(32, 24, ms*time.Millisecond)
		err := r.RecordVideo(f)
		switch {
		case err == nil:
			accepted = append(accepted, ms)
		case errors.Is(err, ErrOutOfOrderFrame):
			if ms != 15 {
				t.Errorf("frame %v dropped", ms)
			}
		default:
			t.Fatalf("frame %v: %v", ms, err)
		}
	}
	if len(accepted) != 3 || accepted[0] != 10 || accepted[1] != 20 || accepted[2] != 30 {
		t.Errorf("accepted %v, want [10 20 30]", accepted)
	}
	if s := r.Stats(); s.Frames != 3 || s.OutOfOrder != 1 {
		t.Errorf("stats %+v", s)
	}
	if r.State() != Recording {
		t.Errorf("state = %v after a drop", r.State())
	}

	path, err := r.StopWait()
	if err != nil {
		t.Fatal(err)
	}
	if path != dest {
		t.Errorf("path %v, want %v", path, dest)
	}
	files := zipFiles(t, path)
	for _, name := range []string{"f0000001.png", "f0000002.png", "f0000003.png", audioFile, demuxFile} {
		if _, ok := files[name]; !ok {
			t.Errorf("%v is missing in %v", name, files)
		}
	}
	if _, ok := files["f0000004.png"]; ok {
		t.Errorf("dropped frame was saved")
	}
	if n := strings.Count(files[demuxFile], "\nfile "); n != 3 {
		t.Errorf("index has %v files:\n%v", n, files[demuxFile])
	}
	if !strings.Contains(files[demuxFile], "duration 0.010000") {
		t.Errorf("no pts based duration in:\n%v", files[demuxFile])
	}
}

func TestStopIdle(t *testing.T) {
	r, _ := newTestRecorder(t)
	if err := r.Stop(nil); !errors.Is(err, ErrNotRecording) {
		t.Errorf("err = %v, want ErrNotRecording", err)
	}
	if r.State() != Idle {
		t.Errorf("state = %v", r.State())
	}
}

func TestNoReuse(t *testing.T) {
	r, _ := newTestRecorder(t)
	start(t, r)
	if err := r.RecordVideo(genFrame(32, 24, time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.StopWait(); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(testAudio, testVideo, testVideo, media.Transform{}); !errors.Is(err, ErrFinalized) {
		t.Errorf("restart err = %v", err)
	}
	if err := r.Stop(nil); !errors.Is(err, ErrFinalized) {
		t.Errorf("second stop err = %v", err)
	}
	if err := r.RecordVideo(genFrame(32, 24, time.Second)); !errors.Is(err, ErrNotRecording) {
		t.Errorf("record after stop err = %v", err)
	}
}

func TestStopWithoutFrames(t *testing.T) {
	r, dest := newTestRecorder(t)
	start(t, r)
	if _, err := r.StopWait(); !errors.Is(err, ErrNothingRecorded) {
		t.Errorf("err = %v", err)
	}
	if _, err := os.Stat(dest); err == nil {
		t.Errorf("empty recording left a file")
	}
}

func TestRecordAudio(t *testing.T) {
	r, _ := newTestRecorder(t)
	if err := r.RecordAudio(&media.AudioFrame{Source: media.PrimarySensor}, media.PrimarySensor); !errors.Is(err, ErrNotRecording) {
		t.Errorf("idle err = %v", err)
	}
	start(t, r)
	samples := []int16{0, 0, 0, 0, 0, 1, 11, 11, 11, 1}
	if err := r.RecordAudio(&media.AudioFrame{Source: media.PrimarySensor, Samples: samples}, media.PrimarySensor); err != nil {
		t.Fatal(err)
	}
	err := r.RecordAudio(&media.AudioFrame{Source: media.SecondarySensor, Samples: samples}, media.PrimarySensor)
	if !errors.Is(err, ErrAudioSourceMismatch) {
		t.Errorf("mismatch err = %v", err)
	}
	if s := r.Stats(); s.AudioChunks != 1 || s.AudioRejected != 1 {
		t.Errorf("stats %+v", s)
	}
	_ = r.RecordVideo(genFrame(32, 24, 0))
	path, err := r.StopWait()
	if err != nil {
		t.Fatal(err)
	}
	wav := zipFiles(t, path)[audioFile]
	// RIFF header + 10 samples
	if len(wav) != 44+len(samples)*2 {
		t.Errorf("wav size %v", len(wav))
	}
}

func TestStartConfigurationError(t *testing.T) {
	bgra := testVideo
	bgra.PixFmt = media.PixFmtBGRA
	hevc := testVideo
	hevc.Codec = "hevc"

	tests := []struct {
		name               string
		audio              media.AudioFormat
		primary, secondary media.VideoFormat
	}{
		{name: "no audio", primary: testVideo, secondary: testVideo},
		{name: "no primary", audio: testAudio, secondary: testVideo},
		{name: "no secondary", audio: testAudio, primary: testVideo},
		{name: "codec", audio: testAudio, primary: testVideo, secondary: hevc},
		{name: "pix", audio: testAudio, primary: testVideo, secondary: bgra},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRecorder(t)
			err := r.Start(tt.audio, tt.primary, tt.secondary, media.Transform{})
			var ce *ConfigurationError
			if !errors.Is(err, ErrConfiguration) || !errors.As(err, &ce) {
				t.Errorf("err = %v, want configuration error", err)
			}
			if r.State() != Idle {
				t.Errorf("state = %v", r.State())
			}
		})
	}
}

func TestNegotiateSize(t *testing.T) {
	small := testVideo
	big := testVideo
	big.W, big.H, big.Fps = 64, 48, 60
	out, err := Negotiate(small, big, testAudio)
	if err != nil {
		t.Fatal(err)
	}
	if out.W != 64 || out.H != 48 || out.Fps != 60 {
		t.Errorf("negotiated %v", out)
	}
}

func TestDestinationBusy(t *testing.T) {
	a, dest := newTestRecorder(t)
	start(t, a)
	b := New(dest, Options{Dir: t.TempDir(), NoFfmpeg: true}, logger.Nop())
	if err := b.Start(testAudio, testVideo, testVideo, media.Transform{}); !errors.Is(err, ErrDestinationBusy) {
		t.Errorf("err = %v, want ErrDestinationBusy", err)
	}
	_ = a.RecordVideo(genFrame(32, 24, 0))
	if _, err := a.StopWait(); err != nil {
		t.Fatal(err)
	}
}

func TestFrameDurations(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a.png", "c.png"} {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	frames := []frameEntry{{"a.png", 0}, {"b.png", 10 * time.Millisecond}, {"c.png", 30 * time.Millisecond}}
	got := frameDurations(dir, frames, 50)
	want := []timedFile{{"a.png", 30 * time.Millisecond}, {"c.png", 20 * time.Millisecond}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got[i], want[i])
		}
	}
}

func TestMuxArgs(t *testing.T) {
	v := media.VideoFormat{Codec: "h264", PixFmt: media.PixFmtRGBA, W: 641, H: 480}
	args := strings.Join(muxArgs("/w", "/o.mp4", v, media.Transform{Rotation: 90, Mirror: true}, 12*time.Millisecond, true, false, Options{}), " ")
	for _, part := range []string{
		"-f concat -safe 0 -i /w/input.txt",
		"-itsoffset 0.012 -i /w/audio.wav",
		"-vf scale=640:480,hflip,transpose=1",
		"-fps_mode vfr",
		"-c:v libx264",
		"-c:a aac",
	} {
		if !strings.Contains(args, part) {
			t.Errorf("no [%v] in [%v]", part, args)
		}
	}
	if strings.Contains(args, "rotate=") || strings.Contains(args, "-vsync") {
		t.Errorf("unexpected args: %v", args)
	}
	if !strings.HasSuffix(args, "/o.mp4") {
		t.Errorf("dest isn't last: %v", args)
	}
	noAudio := strings.Join(muxArgs("/w", "/o.mp4", v, media.Transform{}, 0, false, true, Options{}), " ")
	if strings.Contains(noAudio, "audio.wav") || strings.Contains(noAudio, "transpose") || strings.Contains(noAudio, "-fps_mode") {
		t.Errorf("unexpected args: %v", noAudio)
	}
	if !strings.Contains(noAudio, "-vf scale=640:480 -vsync vfr") {
		t.Errorf("no legacy sync in [%v]", noAudio)
	}
}

func TestRotation(t *testing.T) {
	for deg, want := range map[int]string{
		0: "", 90: "transpose=1", 180: "hflip,vflip", 270: "transpose=2", -90: "transpose=2", 450: "transpose=1", 45: "",
	} {
		if got := rotation(deg); got != want {
			t.Errorf("rotation(%v) = %q, want %q", deg, got, want)
		}
	}
}

func TestLegacyFfmpeg(t *testing.T) {
	tests := []struct {
		version string
		want    bool
	}{
		{version: "ffmpeg version 4.4.2-0ubuntu0.22.04.1 Copyright (c) 2000-2021", want: true},
		{version: "ffmpeg version 5.0.1 Copyright", want: true},
		{version: "ffmpeg version 5.1.2 Copyright", want: false},
		{version: "ffmpeg version n6.1 Copyright", want: false},
		{version: "ffmpeg version 7.0-static https://johnvansickle.com", want: false},
		{version: "ffmpeg version N-111000-g1234abcd Copyright", want: false},
		{version: "", want: false},
	}
	for _, test := range tests {
		if got := legacyFfmpeg(test.version); got != test.want {
			t.Errorf("legacyFfmpeg(%q) = %v, want %v", test.version, got, test.want)
		}
	}
}

func TestFileName(t *testing.T) {
	name := FileName("rec_%id%_%rand:5%.mp4", "abc")
	if !strings.HasPrefix(name, "rec_abc_") || len(name) != len("rec_abc_12345.mp4") {
		t.Errorf("bad name %v", name)
	}
	if d := FileName("%date:2006%", ""); d != time.Now().Format("2006") {
		t.Errorf("bad date %v", d)
	}
}

func BenchmarkRecorder320x240(b *testing.B) {
	r, _ := newTestRecorder(b)
	start(b, r)
	frame := genFrame(320, 240, 0)
	samples := make([]int16, 1600)
	b.SetBytes(int64(len(frame.Pix) + len(samples)*2))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f := frame.Copy()
		f.PTS = time.Duration(i+1) * time.Millisecond
		_ = r.RecordVideo(f)
		_ = r.RecordAudio(&media.AudioFrame{Source: media.PrimarySensor, Samples: samples}, media.PrimarySensor)
	}
	if _, err := r.StopWait(); err != nil {
		b.Fatal(err)
	}
}

func genFrame(w, h int, pts time.Duration) *media.VideoFrame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, randomColor())
		}
	}
	return &media.VideoFrame{
		Source: media.PrimarySensor,
		PixFmt: media.PixFmtRGBA,
		Pix:    img.Pix,
		Stride: img.Stride,
		W:      w,
		H:      h,
		PTS:    pts,
	}
}

func randomColor() color.RGBA {
	return color.RGBA{R: uint8(rand.Intn(256)), G: uint8(rand.Intn(256)), B: uint8(rand.Intn(256)), A: 255}
}

func zipFiles(t *testing.T, path string) map[string]string {
	t.Helper()
	z, err := zip.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = z.Close() }()
	out := map[string]string{}
	for _, f := range z.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		b, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		out[f.Name] = string(b)
	}
	return out
}
