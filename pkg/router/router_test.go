package router

import (
	"testing"

	"github.com/pipcam/pipcam/pkg/logger"
	"github.com/pipcam/pipcam/pkg/media"
	"github.com/pipcam/pipcam/pkg/pip"
)

type tSink struct {
	full, inset []media.SourceID
	audio       []media.SourceID
}

func (t *tSink) FullScreen(f *media.VideoFrame, _ pip.Assignment) { t.full = append(t.full, f.Source) }
func (t *tSink) Inset(f *media.VideoFrame)                        { t.inset = append(t.inset, f.Source) }
func (t *tSink) Audio(f *media.AudioFrame, _ pip.Assignment)      { t.audio = append(t.audio, f.Source) }

func TestClassify(t *testing.T) {
	primary := pip.Assignment{Full: media.PrimarySensor}
	secondary := pip.Assignment{Full: media.SecondarySensor}

	tests := []struct {
		name  string
		a     pip.Assignment
		src   media.SourceID
		video bool
		want  Decision
	}{
		{"primary full video", primary, media.PrimarySensor, true, FullScreen},
		{"secondary inset video", primary, media.SecondarySensor, true, Inset},
		{"swapped primary inset", secondary, media.PrimarySensor, true, Inset},
		{"swapped secondary full", secondary, media.SecondarySensor, true, FullScreen},
		{"full audio", primary, media.PrimarySensor, false, Record},
		{"inset audio", primary, media.SecondarySensor, false, Drop},
		{"swapped audio", secondary, media.SecondarySensor, false, Record},
		{"unknown video", primary, media.Unknown, true, Drop},
		{"mic video", primary, media.Microphone, true, Drop},
		{"mic audio", primary, media.Microphone, false, Drop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.a, tt.src, tt.video); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRouterFollowsToggles(t *testing.T) {
	state, err := pip.NewState(media.PrimarySensor, pip.Rect{X: 0.6, Y: 0.6, W: 0.3, H: 0.3})
	if err != nil {
		t.Fatal(err)
	}
	sink := tSink{}
	r := New(state, &sink, &sink, logger.Nop())

	for i := 0; i < 5; i++ {
		sink = tSink{}
		for _, src := range []media.SourceID{media.PrimarySensor, media.SecondarySensor} {
			r.RouteVideo(&media.VideoFrame{Source: src})
			r.RouteAudio(&media.AudioFrame{Source: src})
		}
		full := state.Load().Full
		if len(sink.full) != 1 || sink.full[0] != full {
			t.Errorf("round %v: full-screen %v, want [%v]", i, sink.full, full)
		}
		if len(sink.inset) != 1 || sink.inset[0] == full {
			t.Errorf("round %v: inset %v", i, sink.inset)
		}
		if len(sink.audio) != 1 || sink.audio[0] != full {
			t.Errorf("round %v: audio %v, want [%v]", i, sink.audio, full)
		}
		state.Toggle()
	}
}

func TestRouterDropsUnknown(t *testing.T) {
	state, _ := pip.NewState(media.PrimarySensor, pip.Rect{W: 0.2, H: 0.2})
	sink := tSink{}
	r := New(state, &sink, &sink, logger.Nop())
	if d := r.RouteVideo(&media.VideoFrame{Source: media.SourceID(42)}); d != Drop {
		t.Errorf("decision = %v", d)
	}
	if len(sink.full)+len(sink.inset)+len(sink.audio) > 0 {
		t.Errorf("unknown frame dispatched: %+v", sink)
	}
}
