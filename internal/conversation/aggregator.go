package conversation

import (
	"context"
	"strings"

	"github.com/MrWong99/voxline/internal/pipeline"
	"github.com/MrWong99/voxline/pkg/frame"
)

// UserAggregator collects user transcripts between the speech recognizer's
// Start and Stop frames. At Stop it appends the utterance to the Context and
// emits the full history as a Messages frame. Seed Messages frames are
// appended turn by turn and answered the same way. Transcript frames are
// consumed; everything else is forwarded.
type UserAggregator struct {
	ctx    *Context
	source string
	parts  []string
}

var _ pipeline.Stage = (*UserAggregator)(nil)

// NewUserAggregator returns an aggregator for transcripts from the stage
// named source.
func NewUserAggregator(c *Context, source string) *UserAggregator {
	return &UserAggregator{ctx: c, source: source}
}

func (u *UserAggregator) Name() string { return "user_context" }

func (u *UserAggregator) Process(ctx context.Context, f frame.Frame, out pipeline.Emitter) error {
	switch f := f.(type) {
	case frame.Messages:
		for _, t := range f.Turns {
			u.ctx.Add(t)
		}
		u.emit(ctx, out)
		return nil
	case frame.Start:
		if f.Source == u.source {
			u.parts = u.parts[:0]
		}
	case frame.TextDelta:
		if f.Role == frame.RoleUser && f.Source == u.source {
			u.parts = append(u.parts, f.Text)
			return nil
		}
	case frame.Stop:
		if f.Source == u.source {
			text := strings.TrimSpace(strings.Join(u.parts, " "))
			u.parts = u.parts[:0]
			if text != "" {
				u.ctx.AddUser(text)
				out.Push(ctx, f)
				u.emit(ctx, out)
				return nil
			}
		}
	}
	out.Push(ctx, f)
	return nil
}

func (u *UserAggregator) emit(ctx context.Context, out pipeline.Emitter) {
	out.Push(ctx, frame.Messages{
		Meta:  frame.Meta{Source: u.Name(), Epoch: out.Epoch()},
		Turns: u.ctx.Snapshot(),
	})
}

// AssistantAggregator observes assistant text from the language model and
// appends it to the Context when the reply's Stop arrives. An interrupted
// reply is committed with the text that had been spoken so far. Every frame
// is forwarded.
type AssistantAggregator struct {
	ctx    *Context
	source string
	buf    strings.Builder
	epoch  uint64
}

var (
	_ pipeline.Stage        = (*AssistantAggregator)(nil)
	_ pipeline.CleanupStage = (*AssistantAggregator)(nil)
)

// NewAssistantAggregator returns an aggregator for replies from the stage
// named source.
func NewAssistantAggregator(c *Context, source string) *AssistantAggregator {
	return &AssistantAggregator{ctx: c, source: source}
}

func (a *AssistantAggregator) Name() string { return "assistant_context" }

func (a *AssistantAggregator) Process(ctx context.Context, f frame.Frame, out pipeline.Emitter) error {
	switch f := f.(type) {
	case frame.TextDelta:
		if f.Role == frame.RoleAssistant && f.Source == a.source {
			if f.Epoch != a.epoch {
				a.commit()
				a.epoch = f.Epoch
			}
			a.buf.WriteString(f.Text)
		}
	case frame.Stop:
		if f.Source == a.source && f.Epoch == a.epoch {
			a.commit()
		}
	case frame.Interrupt, frame.End:
		a.commit()
		return nil
	}
	out.Push(ctx, f)
	return nil
}

// Cleanup commits a reply still in progress when the call ends.
func (a *AssistantAggregator) Cleanup(context.Context) error {
	a.commit()
	return nil
}

func (a *AssistantAggregator) commit() {
	text := strings.TrimSpace(a.buf.String())
	a.buf.Reset()
	if text != "" {
		a.ctx.AddAssistant(text)
	}
}
