package presence

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/whisper/lobby/internal/store"
)

// PGRepo stores sessions and profiles in PostgreSQL.
type PGRepo struct {
	db *sql.DB
	cb *store.Breaker
}

// NewPGRepo creates a PostgreSQL presence repository.
func NewPGRepo(db *sql.DB, cb *store.Breaker) *PGRepo {
	return &PGRepo{db: db, cb: cb}
}

func (p *PGRepo) UpsertSession(ctx context.Context, s Session) error {
	return p.cb.Do(func() error {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO sessions (username, session_id, ip, joined_at, last_heartbeat)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (username, session_id) DO UPDATE SET
				ip = EXCLUDED.ip,
				last_heartbeat = EXCLUDED.last_heartbeat`,
			s.Username, s.SessionID, s.IP, s.JoinedAt, s.LastHeartbeat)
		return err
	})
}

func (p *PGRepo) UpsertProfile(ctx context.Context, pr Profile) error {
	return p.cb.Do(func() error {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO profiles (username, age, sex, location, updated_at)
			VALUES ($1, NULLIF($2, 0), NULLIF($3, ''), NULLIF($4, ''), now())
			ON CONFLICT (username) DO UPDATE SET
				age = EXCLUDED.age,
				sex = EXCLUDED.sex,
				location = EXCLUDED.location,
				updated_at = EXCLUDED.updated_at`,
			pr.Username, pr.Age, pr.Sex, pr.Location)
		return err
	})
}

func (p *PGRepo) Touch(ctx context.Context, username, sessionID string, at time.Time) (bool, error) {
	return store.Query(p.cb, func() (bool, error) {
		res, err := p.db.ExecContext(ctx,
			`UPDATE sessions SET last_heartbeat = $3 WHERE username = $1 AND session_id = $2`,
			username, sessionID, at)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		return n > 0, err
	})
}

func (p *PGRepo) DeleteSession(ctx context.Context, username, sessionID string) error {
	return p.cb.Do(func() error {
		_, err := p.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE username = $1 AND session_id = $2`, username, sessionID)
		return err
	})
}

func (p *PGRepo) exec(ctx context.Context, query string, args ...any) (int, error) {
	return store.Query(p.cb, func() (int, error) {
		res, err := p.db.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		return int(n), err
	})
}

func (p *PGRepo) DeleteByUsername(ctx context.Context, username string) (int, error) {
	return p.exec(ctx, `DELETE FROM sessions WHERE lower(username) = lower($1)`, username)
}

func (p *PGRepo) DeleteStale(ctx context.Context, cutoff time.Time) (int, error) {
	return p.exec(ctx, `DELETE FROM sessions WHERE last_heartbeat <= $1`, cutoff)
}

func (p *PGRepo) Holders(ctx context.Context, username string) ([]Session, error) {
	return store.Query(p.cb, func() ([]Session, error) {
		rows, err := p.db.QueryContext(ctx, `
			SELECT username, session_id, ip, joined_at, last_heartbeat
			FROM sessions WHERE lower(username) = lower($1)`, username)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []Session
		for rows.Next() {
			var s Session
			if err := rows.Scan(&s.Username, &s.SessionID, &s.IP, &s.JoinedAt, &s.LastHeartbeat); err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, rows.Err()
	})
}

func (p *PGRepo) Users(ctx context.Context) ([]User, error) {
	return store.Query(p.cb, func() ([]User, error) {
		rows, err := p.db.QueryContext(ctx, `
			SELECT s.username, MIN(s.joined_at), MAX(s.last_heartbeat),
			       COALESCE(p.age, 0), COALESCE(p.sex, ''), COALESCE(p.location, '')
			FROM sessions s
			LEFT JOIN profiles p ON p.username = s.username
			GROUP BY s.username, p.age, p.sex, p.location
			ORDER BY MIN(s.joined_at), s.username`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []User
		for rows.Next() {
			var (
				u              User
				joined, beaten time.Time
			)
			if err := rows.Scan(&u.Username, &joined, &beaten, &u.Age, &u.Sex, &u.Location); err != nil {
				return nil, err
			}
			u.JoinedAt, u.LastHeartbeat = &joined, &beaten
			out = append(out, u)
		}
		return out, rows.Err()
	})
}

// MemRepo keeps sessions and profiles in memory.
type MemRepo struct {
	mu       sync.Mutex
	sessions map[[2]string]Session
	profiles map[string]Profile
}

// NewMemRepo creates an empty in-memory presence repository.
func NewMemRepo() *MemRepo {
	return &MemRepo{
		sessions: make(map[[2]string]Session),
		profiles: make(map[string]Profile),
	}
}

func (m *MemRepo) UpsertSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{s.Username, s.SessionID}
	if old, ok := m.sessions[key]; ok {
		s.JoinedAt = old.JoinedAt
	}
	m.sessions[key] = s
	return nil
}

func (m *MemRepo) UpsertProfile(_ context.Context, p Profile) error {
	m.mu.Lock()
	m.profiles[p.Username] = p
	m.mu.Unlock()
	return nil
}

func (m *MemRepo) Touch(_ context.Context, username, sessionID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{username, sessionID}
	s, ok := m.sessions[key]
	if !ok {
		return false, nil
	}
	s.LastHeartbeat = at
	m.sessions[key] = s
	return true, nil
}

func (m *MemRepo) DeleteSession(_ context.Context, username, sessionID string) error {
	m.mu.Lock()
	delete(m.sessions, [2]string{username, sessionID})
	m.mu.Unlock()
	return nil
}

func (m *MemRepo) deleteWhere(match func(Session) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, s := range m.sessions {
		if match(s) {
			delete(m.sessions, k)
			n++
		}
	}
	return n
}

func (m *MemRepo) DeleteByUsername(_ context.Context, username string) (int, error) {
	return m.deleteWhere(func(s Session) bool { return strings.EqualFold(s.Username, username) }), nil
}

func (m *MemRepo) DeleteStale(_ context.Context, cutoff time.Time) (int, error) {
	return m.deleteWhere(func(s Session) bool { return !s.LastHeartbeat.After(cutoff) }), nil
}

func (m *MemRepo) Holders(_ context.Context, username string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if strings.EqualFold(s.Username, username) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemRepo) Users(context.Context) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byName := make(map[string]*User)
	for _, s := range m.sessions {
		u, ok := byName[s.Username]
		if !ok {
			joined, beat := s.JoinedAt, s.LastHeartbeat
			u = &User{Username: s.Username, JoinedAt: &joined, LastHeartbeat: &beat}
			if p, ok := m.profiles[s.Username]; ok {
				u.Age, u.Sex, u.Location = p.Age, p.Sex, p.Location
			}
			byName[s.Username] = u
			continue
		}
		if s.JoinedAt.Before(*u.JoinedAt) {
			joined := s.JoinedAt
			u.JoinedAt = &joined
		}
		if s.LastHeartbeat.After(*u.LastHeartbeat) {
			beat := s.LastHeartbeat
			u.LastHeartbeat = &beat
		}
	}
	out := make([]User, 0, len(byName))
	for _, u := range byName {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(*out[j].JoinedAt) {
			return out[i].JoinedAt.Before(*out[j].JoinedAt)
		}
		return out[i].Username < out[j].Username
	})
	return out, nil
}
