package turn_test

import (
	"context"
	"encoding/binary"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/MrWong99/voxline/internal/turn"
	"github.com/MrWong99/voxline/pkg/frame"
	"github.com/MrWong99/voxline/pkg/provider/vad"
	"github.com/MrWong99/voxline/pkg/provider/vad/energy"
	vadmock "github.com/MrWong99/voxline/pkg/provider/vad/mock"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type recorder struct{ frames []frame.Frame }

func (r *recorder) Push(_ context.Context, f frame.Frame) bool {
	r.frames = append(r.frames, f)
	return true
}

func (r *recorder) Epoch() uint64 { return 1 }

// boundaries renders the non-audio frames as labels.
func (r *recorder) boundaries() []string {
	var out []string
	for _, f := range r.frames {
		switch f.(type) {
		case frame.SpeechStarted:
			out = append(out, "started")
		case frame.SpeechStopped:
			out = append(out, "stopped")
		case frame.SustainedSpeech:
			out = append(out, "sustained")
		}
	}
	return out
}

// chunk returns 20ms of 16 kHz mono audio, loud or silent.
func chunk(loud bool) frame.AudioRaw {
	data := make([]byte, 640)
	if loud {
		for i := 0; i < len(data); i += 2 {
			v := int16(16000)
			if (i/2)%2 == 1 {
				v = -16000
			}
			binary.LittleEndian.PutUint16(data[i:], uint16(v))
		}
	}
	return frame.AudioRaw{Data: data, SampleRate: 16000, Channels: 1, Direction: frame.Inbound}
}

func run(t *testing.T, d *turn.Detector, pattern []bool) *recorder {
	t.Helper()
	rec := &recorder{}
	ctx := context.Background()
	if err := d.Setup(ctx, rec); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	for _, loud := range pattern {
		if err := d.Process(ctx, chunk(loud), rec); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	if err := d.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	return rec
}

func repeat(loud bool, n int) []bool {
	return slices.Repeat([]bool{loud}, n)
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestDetector_BoundariesArePaired(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		pattern := rapid.SliceOfN(rapid.Bool(), 0, 400).Draw(rt, "pattern")
		d := turn.New(energy.New(), turn.Config{})

		rec := &recorder{}
		ctx := context.Background()
		if err := d.Setup(ctx, rec); err != nil {
			rt.Fatalf("Setup: %v", err)
		}
		for _, loud := range pattern {
			_ = d.Process(ctx, chunk(loud), rec)
		}

		inSpeech, sustained := false, false
		for _, b := range rec.boundaries() {
			switch b {
			case "started":
				if inSpeech {
					rt.Fatalf("started twice: %v", rec.boundaries())
				}
				inSpeech, sustained = true, false
			case "sustained":
				if !inSpeech || sustained {
					rt.Fatalf("unexpected sustained: %v", rec.boundaries())
				}
				sustained = true
			case "stopped":
				if !inSpeech {
					rt.Fatalf("stopped without start: %v", rec.boundaries())
				}
				inSpeech = false
			}
		}
	})
}

func TestDetector_Scenarios(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pattern []bool
		want    []string
	}{
		{
			name:    "silence only",
			pattern: repeat(false, 100),
			want:    nil,
		},
		{
			name:    "short utterance is not a barge-in",
			pattern: slices.Concat(repeat(true, 10), repeat(false, 30)),
			want:    []string{"started", "stopped"},
		},
		{
			name:    "sustained speech",
			pattern: slices.Concat(repeat(true, 50), repeat(false, 30)),
			want:    []string{"started", "sustained", "stopped"},
		},
		{
			name:    "flapping within debounce window",
			pattern: slices.Repeat([]bool{true, false}, 60),
			want:    nil,
		},
		{
			name: "two utterances",
			pattern: slices.Concat(
				repeat(true, 40), repeat(false, 30),
				repeat(true, 5), repeat(false, 30),
			),
			want: []string{"started", "sustained", "stopped", "started", "stopped"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := run(t, turn.New(energy.New(), turn.Config{}), tt.pattern)
			if got := rec.boundaries(); !slices.Equal(got, tt.want) {
				t.Errorf("boundaries: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetector_TrailingSilenceIsNotSustainedSpeech(t *testing.T) {
	t.Parallel()

	// 160ms of speech followed by a 500ms hangover must not count as 660ms.
	rec := run(t,
		turn.New(energy.New(), turn.Config{MinInterruption: 300 * time.Millisecond}),
		slices.Concat(repeat(true, 8), repeat(false, 40)),
	)
	if got := rec.boundaries(); slices.Contains(got, "sustained") {
		t.Errorf("boundaries: got %v", got)
	}
}

func TestDetector_ForwardsAudioAfterBoundary(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{
		Script:      []vad.Event{{Type: vad.SpeechStart, Probability: 0.9}},
		EventResult: vad.Event{Type: vad.SpeechContinue, Probability: 0.9},
	}
	d := turn.New(&vadmock.Engine{Session: sess}, turn.Config{})
	rec := run(t, d, []bool{true})

	if len(rec.frames) != 2 {
		t.Fatalf("frames: want 2, got %d", len(rec.frames))
	}
	if _, ok := rec.frames[0].(frame.SpeechStarted); !ok {
		t.Errorf("first frame: want SpeechStarted, got %T", rec.frames[0])
	}
	if _, ok := rec.frames[1].(frame.AudioRaw); !ok {
		t.Errorf("second frame: want AudioRaw, got %T", rec.frames[1])
	}
	if sess.Closes() != 1 {
		t.Errorf("Close calls: want 1, got %d", sess.Closes())
	}
}

func TestDetector_RechunksForAnalysis(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{EventResult: vad.Event{Type: vad.Silence}}
	d := turn.New(&vadmock.Engine{Session: sess}, turn.Config{})
	rec := &recorder{}
	ctx := context.Background()
	if err := d.Setup(ctx, rec); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	// 8 kHz input is upsampled to 16 kHz; 30ms chunks become 20ms frames.
	in := frame.AudioRaw{Data: make([]byte, 480), SampleRate: 8000, Channels: 1, Direction: frame.Inbound}
	for range 4 {
		_ = d.Process(ctx, in, rec)
	}

	if got := sess.FrameCount(); got != 6 {
		t.Errorf("frames analysed: want 6, got %d", got)
	}
	for i, f := range sess.Frames {
		if len(f) != 640 {
			t.Errorf("frame %d: want 640 bytes, got %d", i, len(f))
		}
	}
	for _, f := range rec.frames {
		if a, ok := f.(frame.AudioRaw); ok && a.SampleRate != 8000 {
			t.Errorf("forwarded audio must be unchanged, got rate %d", a.SampleRate)
		}
	}
}

func TestDetector_OutboundAudioIsIgnored(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{EventResult: vad.Event{Type: vad.Silence}}
	d := turn.New(&vadmock.Engine{Session: sess}, turn.Config{})
	out := chunk(true)
	out.Direction = frame.Outbound
	rec := &recorder{}
	_ = d.Setup(context.Background(), rec)
	_ = d.Process(context.Background(), out, rec)

	if sess.FrameCount() != 0 {
		t.Errorf("outbound audio was analysed")
	}
	if len(rec.frames) != 1 {
		t.Errorf("outbound audio must be forwarded")
	}
}

func TestDetector_InvalidConfig(t *testing.T) {
	t.Parallel()

	d := turn.New(energy.New(), turn.Config{VAD: vad.Config{SampleRate: 16000}})
	err := d.Setup(context.Background(), &recorder{})
	if !errors.Is(err, frame.ErrConfiguration) {
		t.Errorf("Setup: want configuration error, got %v", err)
	}
}

func TestDetector_LoudnessScriptedSession(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{Threshold: 0.2}
	eng := &vadmock.Engine{Session: sess}
	rec := run(t, turn.New(eng, turn.Config{}), slices.Concat(repeat(true, 40), repeat(false, 30)))

	if got := rec.boundaries(); !slices.Equal(got, []string{"started", "sustained", "stopped"}) {
		t.Errorf("boundaries: got %v", got)
	}
	cfgs := eng.Configs()
	if len(cfgs) != 1 || cfgs[0] != turn.DefaultVAD {
		t.Errorf("sessions opened with %+v, want one with the default config", cfgs)
	}
}

func TestDetector_OnsetCountsTowardInterruption(t *testing.T) {
	t.Parallel()

	start := vad.Event{Type: vad.SpeechStart, Probability: 0.9}
	cont := vad.Event{Type: vad.SpeechContinue, Probability: 0.9}
	tests := []struct {
		name        string
		minSpeechMs int
		minInterr   time.Duration
		continues   int
		wantAt      int // frame index of SustainedSpeech, -1 for none
		wantDur     time.Duration
	}{
		{name: "default onset", minSpeechMs: 60, minInterr: 500 * time.Millisecond, continues: 30, wantAt: 22, wantDur: 500 * time.Millisecond},
		{name: "one frame short", minSpeechMs: 60, minInterr: 500 * time.Millisecond, continues: 21, wantAt: -1},
		{name: "onset alone is enough", minSpeechMs: 300, minInterr: 200 * time.Millisecond, continues: 0, wantAt: 0, wantDur: 300 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sess := &vadmock.Session{
				Script:      append([]vad.Event{start}, slices.Repeat([]vad.Event{cont}, tt.continues)...),
				EventResult: cont,
			}
			vcfg := turn.DefaultVAD
			vcfg.MinSpeechMs = tt.minSpeechMs
			d := turn.New(&vadmock.Engine{Session: sess}, turn.Config{VAD: vcfg, MinInterruption: tt.minInterr})

			rec := &recorder{}
			ctx := context.Background()
			if err := d.Setup(ctx, rec); err != nil {
				t.Fatalf("Setup: %v", err)
			}
			at := -1
			var dur time.Duration
			for i := range tt.continues + 1 {
				_ = d.Process(ctx, chunk(true), rec)
				for _, f := range rec.frames {
					if s, ok := f.(frame.SustainedSpeech); ok && at < 0 {
						at, dur = i, s.Duration
					}
				}
			}
			if at != tt.wantAt {
				t.Fatalf("SustainedSpeech at frame %d, want %d", at, tt.wantAt)
			}
			if at >= 0 && dur != tt.wantDur {
				t.Errorf("Duration = %s, want %s", dur, tt.wantDur)
			}
			if n := strings.Count(strings.Join(rec.boundaries(), ","), "sustained"); n > 1 {
				t.Errorf("sustained %d times", n)
			}
		})
	}
}
