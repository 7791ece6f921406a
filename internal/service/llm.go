package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxline/internal/pipeline"
	"github.com/MrWong99/voxline/pkg/frame"
	"github.com/MrWong99/voxline/pkg/provider/llm"
)

var errNoTurns = errors.New("service: no turns to complete")

// LLMConfig configures an [LLMStage].
type LLMConfig struct {
	// Name is the frame Source of the stage. Defaults to "llm".
	Name string
	// Temperature and MaxTokens are passed through to the endpoint.
	Temperature float64
	MaxTokens   int
	// HistoryTokens caps the prompt size. The oldest non-system turns are
	// dropped until the provider's token count fits. Zero disables the cap.
	HistoryTokens int
}

// LLMStage streams a completion for every Messages frame it receives and
// emits the reply as assistant TextDelta frames stamped with the current
// output generation.
type LLMStage struct {
	provider llm.Provider
	adapter  *Adapter[[]frame.Turn]
	cfg      LLMConfig
}

var (
	_ pipeline.Stage        = (*LLMStage)(nil)
	_ pipeline.SetupStage   = (*LLMStage)(nil)
	_ pipeline.CleanupStage = (*LLMStage)(nil)
	_ pipeline.BusyStage    = (*LLMStage)(nil)
)

// NewLLMStage returns a stage that generates replies with p.
func NewLLMStage(p llm.Provider, cfg LLMConfig, opts ...Option) *LLMStage {
	if cfg.Name == "" {
		cfg.Name = "llm"
	}
	s := &LLMStage{provider: p, cfg: cfg}
	s.adapter = NewAdapter(cfg.Name, s.complete, append([]Option{WithKind("llm")}, opts...)...)
	return s
}

func (s *LLMStage) Name() string { return s.cfg.Name }

func (s *LLMStage) Setup(ctx context.Context, out pipeline.Emitter) error {
	s.adapter.Attach(ctx, out)
	return nil
}

func (s *LLMStage) Cleanup(ctx context.Context) error { return s.adapter.Close(ctx) }

// Busy reports whether a reply is being generated or waiting to be.
func (s *LLMStage) Busy() bool { return s.adapter.Busy() }

func (s *LLMStage) Process(ctx context.Context, f frame.Frame, out pipeline.Emitter) error {
	switch f := f.(type) {
	case frame.Messages:
		epoch := f.Epoch
		if epoch == 0 {
			epoch = out.Epoch()
		}
		s.adapter.Submit(f.Turns, epoch)
		return nil
	case frame.Interrupt:
		s.adapter.Interrupt()
		return nil
	case frame.End:
		return nil
	}
	out.Push(ctx, f)
	return nil
}

func (s *LLMStage) complete(ctx context.Context, turns []frame.Turn, meta frame.Meta, emit Emit) error {
	if len(turns) == 0 {
		return errNoTurns
	}
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	msgs = s.fit(msgs)

	ch, err := s.provider.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:    msgs,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("service: llm request: %w", err)
	}
	for c := range ch {
		if c.Err != nil {
			return fmt.Errorf("service: llm stream: %w", c.Err)
		}
		if c.Text == "" {
			continue
		}
		if !emit(frame.TextDelta{Meta: meta, Text: c.Text, Role: frame.RoleAssistant}) {
			// Abandoned; keep draining so the provider can release the stream.
			continue
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// fit drops the oldest non-system messages until the history fits the token
// budget. The most recent message is always kept.
func (s *LLMStage) fit(msgs []llm.Message) []llm.Message {
	if s.cfg.HistoryTokens <= 0 {
		return msgs
	}
	for {
		n, err := s.provider.CountTokens(msgs)
		if err != nil {
			n = llm.EstimateTokens(msgs)
		}
		if n <= s.cfg.HistoryTokens {
			return msgs
		}
		i := oldestDroppable(msgs)
		if i < 0 {
			slog.Warn("service: history exceeds token budget", "tokens", n, "budget", s.cfg.HistoryTokens)
			return msgs
		}
		msgs = append(msgs[:i:i], msgs[i+1:]...)
	}
}

func oldestDroppable(msgs []llm.Message) int {
	for i, m := range msgs[:max(len(msgs)-1, 0)] {
		if m.Role != string(frame.RoleSystem) {
			return i
		}
	}
	return -1
}
