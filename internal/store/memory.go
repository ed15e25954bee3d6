package store

import (
	"context"
	"sync"
)

// Memory is an in-process Store. Nothing survives a restart.
type Memory struct {
	mu      sync.Mutex
	cursor  int64
	replies map[int64]Reply
	closed  bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{replies: make(map[int64]Reply)}
}

func (m *Memory) LoadCursor(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.cursor, nil
}

func (m *Memory) SaveCursor(ctx context.Context, cursor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if cursor > m.cursor {
		m.cursor = cursor
	}
	return nil
}

func (m *Memory) HasReplied(ctx context.Context, seq int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.replies[seq]
	return ok, nil
}

func (m *Memory) MarkReplied(ctx context.Context, r Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.replies[r.Sequence] = r
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
