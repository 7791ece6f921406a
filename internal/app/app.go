// Package app wires the voxline subsystems into a running call server.
//
// The App struct owns the full lifecycle: New opens the stores and builds the
// call manager, Run serves the media websocket and the operational endpoints,
// and Shutdown drains calls and tears everything down in order.
//
// For testing, inject stores and metrics via functional options
// (WithRecordingStore, WithTranscriptStore, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxline/internal/call"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/health"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/recording"
	"github.com/MrWong99/voxline/internal/resilience"
	"github.com/MrWong99/voxline/internal/transcript"
	"github.com/MrWong99/voxline/pkg/transport/twilio"
)

// App owns all subsystem lifetimes of the call server.
type App struct {
	cfg       *config.Config
	current   func() *config.Config
	log       *slog.Logger
	metrics   *observe.Metrics
	providers *Providers
	provMu    sync.RWMutex

	recordings  recording.Store
	transcripts transcript.Store
	pinger      health.Pinger

	manager        *call.Manager
	health         *health.Handler
	metricsHandler http.Handler
	handler        http.Handler
	server         *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for [New].
type Option func(*App)

// WithRecordingStore overrides the store built from cfg.Recording.
func WithRecordingStore(s recording.Store) Option {
	return func(a *App) { a.recordings = s }
}

// WithTranscriptStore overrides the store built from cfg.Transcript.
func WithTranscriptStore(s transcript.Store) Option {
	return func(a *App) { a.transcripts = s }
}

// WithMetrics sets the instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler behind /metrics, typically
// [observe.Telemetry.Handler]. Defaults to the global Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogger sets the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithConfigSource makes every new call read its settings from fn, typically
// [config.Watcher.Current]. Without it the config passed to [New] is used.
func WithConfigSource(fn func() *config.Config) Option {
	return func(a *App) { a.current = fn }
}

// New creates the App. Stores not injected via options are opened from cfg;
// a failure closes whatever was opened before it.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.VAD == nil || providers.STT == nil || providers.LLM == nil || providers.TTS == nil {
		return nil, errors.New("app: vad, stt, llm and tts providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.current == nil {
		a.current = func() *config.Config { return a.cfg }
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	if err := a.initRecordings(); err != nil {
		return nil, err
	}
	if err := a.initTranscripts(ctx); err != nil {
		_ = a.closeAll()
		return nil, err
	}

	a.manager = call.NewManager(cfg.Limits.MaxCalls, a.newSession, call.WithManagerLogger(a.log))
	a.initHealth()
	a.handler = a.routes()
	return a, nil
}

func (a *App) initRecordings() error {
	rc := a.cfg.Recording
	if a.recordings != nil || !rc.Enabled {
		return nil
	}
	switch rc.Store {
	case config.StoreS3:
		client := recording.NewS3Client(recording.S3Config{
			Bucket:    rc.S3.Bucket,
			Prefix:    rc.S3.Prefix,
			Region:    rc.S3.Region,
			Endpoint:  rc.S3.Endpoint,
			AccessKey: rc.S3.AccessKey,
			SecretKey: rc.S3.SecretKey,
			PathStyle: rc.S3.PathStyle,
		})
		s, err := recording.NewS3Store(client, rc.S3.Bucket, rc.S3.Prefix)
		if err != nil {
			return fmt.Errorf("app: recording store: %w", err)
		}
		a.recordings = s
	default:
		s, err := recording.NewFileStore(rc.Dir)
		if err != nil {
			return fmt.Errorf("app: recording store: %w", err)
		}
		a.recordings = s
	}
	a.log.Info("recording enabled", "store", a.recordings.Kind())
	return nil
}

func (a *App) initTranscripts(ctx context.Context) error {
	if a.transcripts != nil {
		if p, ok := a.transcripts.(health.Pinger); ok {
			a.pinger = p
		}
		return nil
	}
	dsn := a.cfg.Transcript.PostgresDSN
	if dsn == "" {
		a.transcripts = transcript.NewMemStore()
		return nil
	}
	pg, err := transcript.NewPostgresStore(ctx, dsn)
	if err != nil {
		return fmt.Errorf("app: transcript store: %w", err)
	}
	a.transcripts = pg
	a.pinger = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return nil
}

func (a *App) initHealth() {
	maxCalls := max(a.cfg.Limits.MaxCalls, 1)
	checkers := []health.Checker{
		health.Capacity(func() int { return maxCalls - a.manager.Active() }),
	}
	if a.pinger != nil {
		checkers = append(checkers, health.Ping("transcripts", a.pinger))
	}
	for _, kind := range []string{"stt", "llm", "tts"} {
		checkers = append(checkers, health.Breakers(kind, func() map[string]resilience.State {
			if states, ok := a.currentProviders().Breakers[kind]; ok {
				return states()
			}
			return nil
		}))
	}
	a.health = health.New(checkers...)
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+a.cfg.Server.MediaPath, a.serveMedia)
	mux.Handle("GET /metrics", a.metricsHandler)
	mux.HandleFunc("GET /calls", a.listCalls)
	mux.HandleFunc("DELETE /calls/{id}", a.endCall)
	a.health.Register(mux)
	return observe.Middleware(a.metrics, observe.WithQuietPaths("/healthz", "/readyz", "/metrics"))(mux)
}

// serveMedia upgrades a Twilio Media Streams request and runs the call on it
// until the caller hangs up.
func (a *App) serveMedia(w http.ResponseWriter, r *http.Request) {
	if !a.manager.Available() {
		http.Error(w, "no free call slots", http.StatusServiceUnavailable)
		return
	}
	ws, err := twilio.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("media upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	conn, err := twilio.Accept(r.Context(), ws,
		twilio.WithSampleRate(a.config().Pipeline.InputSampleRate),
		twilio.WithLogger(a.log),
	)
	if err != nil {
		a.log.Warn("media handshake failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	if err := a.manager.Accept(r.Context(), conn); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("call ended with error", "stream_sid", conn.ID(), "call_sid", conn.CallSID(), "err", err)
	}
}

// listCalls writes the running calls as a JSON array, oldest first.
func (a *App) listCalls(w http.ResponseWriter, _ *http.Request) {
	infos := a.manager.Sessions()
	slices.SortFunc(infos, func(x, y call.Info) int { return x.StartedAt.Compare(y.StartedAt) })
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(infos); err != nil {
		a.log.Warn("encode calls failed", "err", err)
	}
}

// endCall hangs up the call with the given session id.
func (a *App) endCall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, ok := a.manager.Session(id)
	if !ok {
		http.Error(w, "no such call", http.StatusNotFound)
		return
	}
	a.log.Info("ending call on request", "session_id", id, "remote", r.RemoteAddr)
	s.Stop()
	w.WriteHeader(http.StatusAccepted)
}

// Handler returns the HTTP handler serving the media endpoint, /calls,
// /metrics, /healthz and /readyz.
func (a *App) Handler() http.Handler { return a.handler }

// Manager returns the call manager.
func (a *App) Manager() *call.Manager { return a.manager }

// Transcripts returns the transcript store.
func (a *App) Transcripts() transcript.Store { return a.transcripts }

// SetProviders replaces the providers used by calls started from now on.
func (a *App) SetProviders(p *Providers) {
	a.provMu.Lock()
	defer a.provMu.Unlock()
	a.providers = p
}

func (a *App) currentProviders() *Providers {
	a.provMu.RLock()
	defer a.provMu.RUnlock()
	return a.providers
}

func (a *App) config() *config.Config {
	if c := a.current(); c != nil {
		return c
	}
	return a.cfg
}

// Run serves HTTP on cfg.Server.ListenAddr until ctx is cancelled or the
// listener fails. Calls keep running after Run returns; [App.Shutdown] ends
// them.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		errCh <- err
	}()

	a.log.Info("app running",
		"addr", ln.Addr().String(),
		"media_path", a.cfg.Server.MediaPath,
		"max_calls", a.cfg.Limits.MaxCalls,
	)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown fails readiness, stops accepting connections, ends running calls
// and then closes the stores. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "active_calls", a.manager.Active(), "closers", len(a.closers))
		a.health.SetDraining()

		if a.server != nil {
			// Hijacked media connections are not tracked by the server;
			// the manager ends them below.
			if err := a.server.Shutdown(ctx); err != nil {
				a.log.Warn("http shutdown error", "err", err)
			}
		}
		if err := a.manager.Stop(ctx); err != nil {
			a.log.Warn("calls did not end in time", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	a.closers = nil
	return errors.Join(errs...)
}
