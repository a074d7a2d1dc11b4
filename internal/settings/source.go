package settings

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/whisper/lobby/internal/store"
)

// PGSource reads the settings table in PostgreSQL.
type PGSource struct {
	db *sql.DB
	cb *store.Breaker
}

// NewPGSource creates a settings source over db.
func NewPGSource(db *sql.DB, cb *store.Breaker) *PGSource {
	return &PGSource{db: db, cb: cb}
}

func (s *PGSource) LoadSettings(ctx context.Context) (map[string]string, error) {
	return store.Query(s.cb, func() (map[string]string, error) {
		rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
		if err != nil {
			return nil, fmt.Errorf("settings: query: %w", err)
		}
		defer rows.Close()

		out := make(map[string]string)
		for rows.Next() {
			var k, v string
			if err := rows.Scan(&k, &v); err != nil {
				return nil, fmt.Errorf("settings: scan: %w", err)
			}
			out[k] = v
		}
		return out, rows.Err()
	})
}

func (s *PGSource) SaveSetting(ctx context.Context, key, value string) error {
	return s.cb.Do(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO settings (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
		return err
	})
}

// MemSource keeps settings in memory. Used when no database is configured.
type MemSource struct {
	mu   sync.RWMutex
	vals map[string]string
}

// NewMemSource creates an in-memory source seeded with initial values.
func NewMemSource(initial map[string]string) *MemSource {
	vals := make(map[string]string, len(initial))
	for k, v := range initial {
		vals[k] = v
	}
	return &MemSource{vals: vals}
}

func (s *MemSource) LoadSettings(context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.vals))
	for k, v := range s.vals {
		out[k] = v
	}
	return out, nil
}

func (s *MemSource) SaveSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.vals[key] = value
	s.mu.Unlock()
	return nil
}
