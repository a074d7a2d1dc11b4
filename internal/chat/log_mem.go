package chat

import (
	"context"
	"sync"
)

// MemLog is an in-memory Log, used when no database is configured.
type MemLog struct {
	mu    sync.RWMutex
	order []*Message // insertion order, oldest first
	byID  map[string]*Message
}

// NewMemLog creates an empty in-memory message log.
func NewMemLog() *MemLog {
	return &MemLog{byID: make(map[string]*Message)}
}

func (l *MemLog) Insert(_ context.Context, m *Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[m.ID]; ok {
		return nil
	}
	cp := *m
	l.order = append(l.order, &cp)
	l.byID[m.ID] = &cp
	return nil
}

func (l *MemLog) Recent(_ context.Context, limit int) ([]*Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Message, 0, limit)
	for i := len(l.order) - 1; i >= 0 && len(out) < limit; i-- {
		if m := l.order[i]; !m.Deleted {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (l *MemLog) Get(_ context.Context, id string) (*Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (l *MemLog) DeletedAmong(_ context.Context, ids []string) (map[string]bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	deleted := make(map[string]bool)
	for _, id := range ids {
		if m, ok := l.byID[id]; ok && m.Deleted {
			deleted[id] = true
		}
	}
	return deleted, nil
}

func (l *MemLog) SoftDelete(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.byID[id]; ok {
		m.Deleted = true
	}
	return nil
}
