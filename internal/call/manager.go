package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/voxline/pkg/transport"
)

// ErrAtCapacity is returned by [Manager.Accept] when the maximum number of
// concurrent calls is already running.
var ErrAtCapacity = errors.New("call: at capacity")

// ErrStopped is returned by [Manager.Accept] after [Manager.Stop].
var ErrStopped = errors.New("call: manager stopped")

// Factory builds the session for a new connection. It is called for every
// accepted connection, so a factory reading the current configuration makes
// config changes apply to new calls only.
type Factory func(id string, conn transport.Conn) (*Session, error)

// Manager runs one session per connection.
// All exported methods are safe for concurrent use.
type Manager struct {
	factory Factory
	max     int64
	sem     *semaphore.Weighted
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	stopped  bool
	wg       sync.WaitGroup
}

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager returns a manager running at most maxCalls sessions at once.
// maxCalls below 1 means one.
func NewManager(maxCalls int, factory Factory, opts ...ManagerOption) *Manager {
	if maxCalls < 1 {
		maxCalls = 1
	}
	m := &Manager{
		factory:  factory,
		max:      int64(maxCalls),
		sem:      semaphore.NewWeighted(int64(maxCalls)),
		log:      slog.Default(),
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Accept runs a session for conn and blocks until it ends. conn is closed
// in every case, including when the manager is at capacity.
func (m *Manager) Accept(ctx context.Context, conn transport.Conn) error {
	if !m.sem.TryAcquire(1) {
		_ = conn.Close()
		m.log.Warn("call: rejected connection, at capacity", "conn_id", conn.ID(), "max", m.max)
		return ErrAtCapacity
	}
	defer m.sem.Release(1)

	id := uuid.NewString()
	s, err := m.factory(id, conn)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("call: new session: %w", err)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrStopped
	}
	m.sessions[id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		m.wg.Done()
	}()
	return s.Run(ctx)
}

// Sessions returns the metadata of every running session.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	return out
}

// Session returns the running session with the given id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Active returns the number of running sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Available reports whether another call would be accepted.
func (m *Manager) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.stopped && int64(len(m.sessions)) < m.max
}

// Stop rejects new connections, ends every running session and waits for
// them to finish or ctx to be done.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	for _, s := range m.sessions {
		s.Stop()
	}
	n := len(m.sessions)
	m.mu.Unlock()

	if n > 0 {
		m.log.Info("call: stopping sessions", "count", n)
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("call: stop: %w", ctx.Err())
	}
}
