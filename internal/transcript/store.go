// Package transcript persists the turn sequence of finished calls.
//
// Persistence is optional: a call without a configured [Store] keeps its
// transcript in memory only and discards it when the session ends.
package transcript

import (
	"context"
	"errors"

	"github.com/MrWong99/voxline/pkg/frame"
)

// ErrNotFound is returned by [Store.Load] for an unknown session.
var ErrNotFound = errors.New("transcript: session not found")

// Store saves and loads call transcripts keyed by session id.
type Store interface {
	// Save writes turns as the transcript of sessionID, replacing any
	// transcript previously saved under the same id.
	Save(ctx context.Context, sessionID string, turns []frame.Turn) error

	// Load returns the transcript of sessionID in turn order.
	Load(ctx context.Context, sessionID string) ([]frame.Turn, error)
}
