// Package conversation keeps the turn sequence of one call and the pipeline
// stages that feed it.
//
// A [Context] is owned by a single call session. The [UserAggregator] appends
// completed user utterances and hands the updated history to the language
// model; the [AssistantAggregator] observes the reply text leaving the
// pipeline and appends it once the reply completes or is interrupted.
package conversation

import (
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/frame"
)

// Option configures a [Context].
type Option func(*Context)

// WithMaxTurns caps the number of user and assistant turns kept. The oldest
// are dropped first; system turns are never dropped. Zero means unlimited.
func WithMaxTurns(n int) Option {
	return func(c *Context) {
		if n > 0 {
			c.maxTurns = n
		}
	}
}

// WithClock sets the time source used to stamp turns.
func WithClock(now func() time.Time) Option {
	return func(c *Context) {
		if now != nil {
			c.now = now
		}
	}
}

// WithOnTurn registers fn to be called with every appended turn. fn runs
// synchronously and must not call back into the Context.
func WithOnTurn(fn func(frame.Turn)) Option {
	return func(c *Context) { c.onTurn = fn }
}

// Context is the ordered, append-only turn sequence of one call.
// It is safe for concurrent use.
type Context struct {
	mu       sync.Mutex
	system   []frame.Turn
	turns    []frame.Turn
	maxTurns int
	dropped  int
	now      func() time.Time
	onTurn   func(frame.Turn)
}

// New returns an empty Context.
func New(opts ...Option) *Context {
	c := &Context{now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AddSystem appends a system instruction.
func (c *Context) AddSystem(content string) { c.add(frame.RoleSystem, content) }

// AddUser appends a completed user utterance.
func (c *Context) AddUser(content string) { c.add(frame.RoleUser, content) }

// AddAssistant appends a completed assistant reply.
func (c *Context) AddAssistant(content string) { c.add(frame.RoleAssistant, content) }

// Add appends t, stamping it with the current time if it has none.
func (c *Context) Add(t frame.Turn) {
	c.mu.Lock()
	if t.At.IsZero() {
		t.At = c.now()
	}
	if t.Role == frame.RoleSystem {
		c.system = append(c.system, t)
	} else {
		c.turns = append(c.turns, t)
		if c.maxTurns > 0 && len(c.turns) > c.maxTurns {
			n := len(c.turns) - c.maxTurns
			c.turns = slices.Delete(c.turns, 0, n)
			c.dropped += n
		}
	}
	fn := c.onTurn
	c.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (c *Context) add(role frame.Role, content string) {
	c.Add(frame.Turn{Role: role, Content: content})
}

// Snapshot returns the system instructions followed by the retained
// conversation turns. The result is a copy.
func (c *Context) Snapshot() []frame.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Concat(c.system, c.turns)
}

// Turns returns the retained user and assistant turns in conversation order.
func (c *Context) Turns() []frame.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.turns)
}

// Dropped returns how many turns the cap has removed.
func (c *Context) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
