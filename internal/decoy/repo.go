package decoy

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"

	"github.com/lib/pq"

	"github.com/whisper/lobby/internal/store"
)

// PGRepo stores the decoy pool in the decoys table.
type PGRepo struct {
	db *sql.DB
	cb *store.Breaker
}

// NewPGRepo creates a PostgreSQL decoy repository.
func NewPGRepo(db *sql.DB, cb *store.Breaker) *PGRepo {
	return &PGRepo{db: db, cb: cb}
}

func (p *PGRepo) All(ctx context.Context) ([]Decoy, error) {
	return store.Query(p.cb, func() ([]Decoy, error) {
		rows, err := p.db.QueryContext(ctx, `
			SELECT nickname, COALESCE(age, 0), COALESCE(sex, ''), COALESCE(location, ''), is_active
			FROM decoys ORDER BY nickname`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []Decoy
		for rows.Next() {
			var d Decoy
			if err := rows.Scan(&d.Nickname, &d.Age, &d.Sex, &d.Location, &d.Active); err != nil {
				return nil, err
			}
			out = append(out, d)
		}
		return out, rows.Err()
	})
}

func (p *PGRepo) SetActive(ctx context.Context, nicknames []string, active bool) error {
	if len(nicknames) == 0 {
		return nil
	}
	return p.cb.Do(func() error {
		_, err := p.db.ExecContext(ctx,
			`UPDATE decoys SET is_active = $1 WHERE nickname = ANY($2)`, active, pq.Array(nicknames))
		return err
	})
}

func (p *PGRepo) Exists(ctx context.Context, nickname string) (bool, error) {
	return store.Query(p.cb, func() (bool, error) {
		var ok bool
		err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM decoys WHERE lower(nickname) = lower($1))`, nickname).Scan(&ok)
		return ok, err
	})
}

// Add seeds a decoy. Existing nicknames are left untouched.
func (p *PGRepo) Add(ctx context.Context, d Decoy) error {
	return p.cb.Do(func() error {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO decoys (nickname, age, sex, location, is_active)
			VALUES ($1, NULLIF($2, 0), NULLIF($3, ''), NULLIF($4, ''), FALSE)
			ON CONFLICT (nickname) DO NOTHING`,
			d.Nickname, d.Age, d.Sex, d.Location)
		return err
	})
}

// MemRepo keeps the decoy pool in memory.
type MemRepo struct {
	mu     sync.Mutex
	decoys map[string]Decoy
}

// NewMemRepo creates an in-memory pool seeded with decoys.
func NewMemRepo(seed ...Decoy) *MemRepo {
	m := &MemRepo{decoys: make(map[string]Decoy, len(seed))}
	for _, d := range seed {
		m.decoys[d.Nickname] = d
	}
	return m
}

func (m *MemRepo) All(context.Context) ([]Decoy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Decoy, 0, len(m.decoys))
	for _, d := range m.decoys {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nickname < out[j].Nickname })
	return out, nil
}

func (m *MemRepo) SetActive(_ context.Context, nicknames []string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range nicknames {
		d, ok := m.decoys[n]
		if !ok {
			return ErrUnknownDecoy
		}
		d.Active = active
		m.decoys[n] = d
	}
	return nil
}

func (m *MemRepo) Add(_ context.Context, d Decoy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decoys[d.Nickname]; !ok {
		d.Active = false
		m.decoys[d.Nickname] = d
	}
	return nil
}

func (m *MemRepo) Exists(_ context.Context, nickname string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n := range m.decoys {
		if strings.EqualFold(n, nickname) {
			return true, nil
		}
	}
	return false, nil
}
