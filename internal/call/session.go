// Package call runs voice calls. A [Session] owns the pipeline of one caller
// connection from the first inbound frame to the saved recording; a
// [Manager] accepts connections and bounds how many sessions run at once.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/voxline/internal/audiobuffer"
	"github.com/MrWong99/voxline/internal/conversation"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/pipeline"
	"github.com/MrWong99/voxline/internal/recording"
	"github.com/MrWong99/voxline/internal/service"
	"github.com/MrWong99/voxline/internal/transcript"
	"github.com/MrWong99/voxline/internal/turn"
	"github.com/MrWong99/voxline/pkg/frame"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/provider/tts"
	"github.com/MrWong99/voxline/pkg/provider/vad"
	"github.com/MrWong99/voxline/pkg/transport"
)

// DefaultKickoff is the instruction that makes the agent speak first.
const DefaultKickoff = "Please introduce yourself."

const persistTimeout = 10 * time.Second

// Config holds the per-call settings. A session keeps the Config it was
// built with for its whole life.
type Config struct {
	// SystemPrompt is the first turn of every conversation.
	SystemPrompt string
	// Kickoff is sent as a user instruction at call start. Defaults to
	// [DefaultKickoff].
	Kickoff string
	// MaxTurns caps the non-system turns kept in the history. Zero keeps
	// all of them.
	MaxTurns int

	AllowInterruptions bool
	Turn               turn.Config
	STT                service.STTConfig
	LLM                service.LLMConfig
	TTS                service.TTSConfig

	// Per-endpoint exchange timeouts. Zero uses the adapter default.
	STTTimeout time.Duration
	LLMTimeout time.Duration
	TTSTimeout time.Duration

	QueueSize    int
	DrainTimeout time.Duration

	// Record arms the audio buffer at call start.
	Record    bool
	Recording audiobuffer.Config
}

// Deps are the collaborators of a session.
type Deps struct {
	VAD vad.Engine
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// Recordings receives the call audio when Config.Record is set.
	Recordings recording.Store
	// Transcripts, if set, receives the final turn sequence.
	Transcripts transcript.Store

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Info describes a running session.
type Info struct {
	SessionID string    `json:"session_id"`
	ConnID    string    `json:"conn_id"`
	StartedAt time.Time `json:"started_at"`
	State     string    `json:"state"`
}

// Session is one call.
type Session struct {
	mu   sync.Mutex
	info Info

	cfg    Config
	conn   transport.Conn
	deps   Deps
	log    *slog.Logger
	conv   *conversation.Context
	buffer *audiobuffer.Processor
	task   *pipeline.Task
}

// NewSession builds the pipeline for conn. Configuration problems are
// reported as errors wrapping [frame.ErrConfiguration]; nothing is started.
func NewSession(id string, conn transport.Conn, cfg Config, deps Deps) (*Session, error) {
	if err := validate(id, conn, cfg, deps); err != nil {
		return nil, frame.ConfigurationError(err)
	}
	if cfg.Kickoff == "" {
		cfg.Kickoff = DefaultKickoff
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	log := deps.Logger.With("session_id", id, "conn_id", conn.ID())

	s := &Session{
		info: Info{SessionID: id, ConnID: conn.ID()},
		cfg:  cfg,
		conn: conn,
		deps: deps,
		log:  log,
	}
	s.conv = conversation.New(
		conversation.WithMaxTurns(cfg.MaxTurns),
		conversation.WithOnTurn(func(t frame.Turn) {
			log.Debug("call: turn", "role", string(t.Role), "chars", len(t.Content))
		}),
	)

	var handler audiobuffer.Handler
	if deps.Recordings != nil {
		handler = recording.NewSaver(deps.Recordings, id,
			recording.WithLogger(log),
			recording.WithMetrics(deps.Metrics),
		).Handle
	}
	s.buffer = audiobuffer.New(cfg.Recording, handler)

	adapterOpts := func(timeout time.Duration) []service.Option {
		return []service.Option{
			service.WithTimeout(timeout),
			service.WithLogger(log),
			service.WithMetrics(deps.Metrics),
		}
	}
	sttStage := service.NewSTTStage(deps.STT, cfg.STT, adapterOpts(cfg.STTTimeout)...)
	llmStage := service.NewLLMStage(deps.LLM, cfg.LLM, adapterOpts(cfg.LLMTimeout)...)
	ttsStage := service.NewTTSStage(deps.TTS, cfg.TTS, adapterOpts(cfg.TTSTimeout)...)

	stages := []pipeline.Stage{
		turn.New(deps.VAD, cfg.Turn),
		sttStage,
		conversation.NewUserAggregator(s.conv, sttStage.Name()),
		llmStage,
		ttsStage,
		NewOutput(conn, ttsStage.Name()),
		s.buffer,
		conversation.NewAssistantAggregator(s.conv, llmStage.Name()),
	}
	p, err := pipeline.New(stages, pipeline.WithQueueSize(cfg.QueueSize), pipeline.WithLogger(log))
	if err != nil {
		return nil, err
	}
	s.task = pipeline.NewTask(p,
		pipeline.WithAllowInterruptions(cfg.AllowInterruptions),
		pipeline.WithDrainTimeout(cfg.DrainTimeout),
		pipeline.WithTaskLogger(log),
		pipeline.WithMetrics(deps.Metrics),
		pipeline.WithStateHandler(func(st pipeline.State) {
			log.Debug("call: state", "state", st.String())
		}),
	)
	return s, nil
}

func validate(id string, conn transport.Conn, cfg Config, deps Deps) error {
	var errs []error
	if id == "" {
		errs = append(errs, errors.New("call: session id is empty"))
	}
	if conn == nil {
		errs = append(errs, errors.New("call: connection is nil"))
	}
	if deps.VAD == nil {
		errs = append(errs, errors.New("call: no vad engine"))
	}
	if deps.STT == nil {
		errs = append(errs, errors.New("call: no stt provider"))
	}
	if deps.LLM == nil {
		errs = append(errs, errors.New("call: no llm provider"))
	}
	if deps.TTS == nil {
		errs = append(errs, errors.New("call: no tts provider"))
	}
	if cfg.Record && deps.Recordings == nil {
		errs = append(errs, errors.New("call: recording enabled without a store"))
	}
	if cfg.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("call: max turns %d is negative", cfg.MaxTurns))
	}
	return errors.Join(errs...)
}

// ID returns the session id.
func (s *Session) ID() string { return s.info.SessionID }

// Info returns the session metadata.
func (s *Session) Info() Info {
	s.mu.Lock()
	info := s.info
	s.mu.Unlock()
	info.State = s.State().String()
	return info
}

// State returns the pipeline state.
func (s *Session) State() pipeline.State { return s.task.State() }

// Transcript returns the conversation so far.
func (s *Session) Transcript() []frame.Turn { return s.conv.Snapshot() }

// Recorder returns the audio buffer of the call.
func (s *Session) Recorder() *audiobuffer.Processor { return s.buffer }

// Interrupt abandons the reply being spoken.
func (s *Session) Interrupt() { s.task.Interrupt() }

// Stop ends the call. It returns at once; Run returns when teardown is
// complete.
func (s *Session) Stop() { s.task.Cancel() }

// Run starts the pipeline and blocks until the call ends: the caller hangs
// up, the transport fails, a fatal error occurs, ctx is done or Stop is
// called. The connection is closed before Run returns.
func (s *Session) Run(ctx context.Context) error {
	started := time.Now().UTC()
	s.mu.Lock()
	s.info.StartedAt = started
	s.mu.Unlock()
	ctx, span := observe.StartCallSpan(ctx, s.info.SessionID, s.info.ConnID)
	defer span.End()
	if s.cfg.Record {
		s.buffer.StartRecording()
	}

	var turns []frame.Turn
	if s.cfg.SystemPrompt != "" {
		turns = append(turns, frame.Turn{Role: frame.RoleSystem, Content: s.cfg.SystemPrompt})
	}
	turns = append(turns, frame.Turn{Role: frame.RoleUser, Content: s.cfg.Kickoff})
	seed := frame.Messages{Meta: frame.Meta{Source: "session"}, Turns: turns}

	s.log.Info("call: session started")
	s.deps.Metrics.ActiveCalls.Add(ctx, 1)
	defer s.deps.Metrics.ActiveCalls.Add(context.WithoutCancel(ctx), -1)

	if err := s.task.Start(ctx, seed); err != nil {
		_ = s.conn.Close()
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("call: start: %w", err)
	}
	go s.pump(ctx)

	<-s.task.Done()
	_ = s.conn.Close()
	s.persist(ctx)

	elapsed := time.Since(started)
	s.deps.Metrics.CallDuration.Record(context.WithoutCancel(ctx), elapsed.Seconds())

	err := s.task.Err()
	if terr := s.conn.Err(); terr != nil {
		err = errors.Join(frame.TransportError(terr), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, frame.OriginOf(err).String())
	}
	s.log.Info("call: session ended", "duration", elapsed.Round(time.Millisecond), "turns", len(s.conv.Turns()), "err", err)
	return err
}

// pump feeds caller audio into the pipeline until the connection closes.
func (s *Session) pump(ctx context.Context) {
	in := s.conn.Inbound()
	for {
		select {
		case <-s.task.Done():
			return
		case a, ok := <-in:
			if !ok {
				if err := s.conn.Err(); err != nil {
					s.log.Error("call: transport failed", "err", err)
					s.deps.Metrics.RecordServiceError(ctx, "transport", frame.OriginTransport.String())
				} else {
					s.log.Info("call: caller hung up")
				}
				s.task.Cancel()
				return
			}
			err := s.task.Queue(frame.AudioRaw{
				Data:       a.Data,
				SampleRate: a.SampleRate,
				Channels:   max(a.Channels, 1),
				Direction:  frame.Inbound,
			})
			if err != nil {
				return
			}
		}
	}
}

func (s *Session) persist(ctx context.Context) {
	if s.deps.Transcripts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.deps.Transcripts.Save(ctx, s.info.SessionID, s.conv.Snapshot()); err != nil {
		s.log.Error("call: save transcript failed", "err", err)
	}
}
