package ban

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/whisper/lobby/internal/store"
)

// PGRepo stores bans in the bans table.
type PGRepo struct {
	db *sql.DB
	cb *store.Breaker
}

// NewPGRepo creates a PostgreSQL ban repository.
func NewPGRepo(db *sql.DB, cb *store.Breaker) *PGRepo {
	return &PGRepo{db: db, cb: cb}
}

func (p *PGRepo) List(ctx context.Context) ([]Ban, error) {
	return store.Query(p.cb, func() ([]Ban, error) {
		rows, err := p.db.QueryContext(ctx, `
			SELECT kind, subject, reason, banned_by, banned_at, banned_until
			FROM bans ORDER BY banned_at DESC`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []Ban
		for rows.Next() {
			var (
				b     Ban
				until sql.NullTime
			)
			if err := rows.Scan(&b.Kind, &b.Subject, &b.Reason, &b.BannedBy, &b.BannedAt, &until); err != nil {
				return nil, err
			}
			if until.Valid {
				t := until.Time
				b.BannedUntil = &t
			}
			out = append(out, b)
		}
		return out, rows.Err()
	})
}

func (p *PGRepo) Upsert(ctx context.Context, b Ban) error {
	return p.cb.Do(func() error {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO bans (kind, subject, reason, banned_by, banned_at, banned_until)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (kind, subject) DO UPDATE SET
				reason = EXCLUDED.reason,
				banned_by = EXCLUDED.banned_by,
				banned_at = EXCLUDED.banned_at,
				banned_until = EXCLUDED.banned_until`,
			b.Kind, b.Subject, b.Reason, b.BannedBy, b.BannedAt, b.BannedUntil)
		return err
	})
}

func (p *PGRepo) Delete(ctx context.Context, kind Kind, subject string) error {
	return p.cb.Do(func() error {
		_, err := p.db.ExecContext(ctx, `DELETE FROM bans WHERE kind = $1 AND subject = $2`, kind, subject)
		return err
	})
}

func (p *PGRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return store.Query(p.cb, func() (int64, error) {
		res, err := p.db.ExecContext(ctx,
			`DELETE FROM bans WHERE banned_until IS NOT NULL AND banned_until <= $1`, now)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
}

// MemRepo keeps bans in memory.
type MemRepo struct {
	mu   sync.Mutex
	bans map[string]Ban
}

// NewMemRepo creates an empty in-memory ban repository.
func NewMemRepo() *MemRepo {
	return &MemRepo{bans: make(map[string]Ban)}
}

func memKey(kind Kind, subject string) string {
	return string(kind) + ":" + subject
}

func (m *MemRepo) List(context.Context) ([]Ban, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Ban, 0, len(m.bans))
	for _, b := range m.bans {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BannedAt.After(out[j].BannedAt) })
	return out, nil
}

func (m *MemRepo) Upsert(_ context.Context, b Ban) error {
	m.mu.Lock()
	m.bans[memKey(b.Kind, b.Subject)] = b
	m.mu.Unlock()
	return nil
}

func (m *MemRepo) Delete(_ context.Context, kind Kind, subject string) error {
	m.mu.Lock()
	delete(m.bans, memKey(kind, subject))
	m.mu.Unlock()
	return nil
}

func (m *MemRepo) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, b := range m.bans {
		if !b.Active(now) {
			delete(m.bans, k)
			n++
		}
	}
	return n, nil
}
