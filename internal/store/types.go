// Package store persists the feed cursor and the ledger of sent replies.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Store keeps the polling cursor and records which updates were answered.
//
// The cursor is the highest fully processed sequence id. The reply ledger is
// keyed by sequence id so that a redelivered update is not answered twice.
type Store interface {
	// LoadCursor returns the saved cursor, or 0 if none was saved.
	LoadCursor(ctx context.Context) (int64, error)

	// SaveCursor stores the cursor. Values lower than the saved one are ignored.
	SaveCursor(ctx context.Context, cursor int64) error

	// HasReplied reports whether a reply for seq was recorded.
	HasReplied(ctx context.Context, seq int64) (bool, error)

	// MarkReplied records a sent reply.
	MarkReplied(ctx context.Context, r Reply) error

	// Ping checks that the store is usable.
	Ping(ctx context.Context) error

	Close() error
}

// Reply is one entry of the reply ledger.
type Reply struct {
	Sequence       int64
	ConversationID int64
	MessageID      int64
	Text           string
	SentAt         time.Time
}
