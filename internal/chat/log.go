package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/whisper/lobby/internal/store"
)

// Log is the durable, authoritative message store.
type Log interface {
	Insert(ctx context.Context, m *Message) error
	// Recent returns up to limit non-deleted messages, newest first.
	Recent(ctx context.Context, limit int) ([]*Message, error)
	// Get returns nil, nil when id is unknown.
	Get(ctx context.Context, id string) (*Message, error)
	// DeletedAmong reports which of ids are soft-deleted.
	DeletedAmong(ctx context.Context, ids []string) (map[string]bool, error)
	SoftDelete(ctx context.Context, id string) error
}

// PGLog implements Log on the messages table.
type PGLog struct {
	db *sql.DB
	cb *store.Breaker
}

// NewPGLog creates a PostgreSQL message log.
func NewPGLog(db *sql.DB, cb *store.Breaker) *PGLog {
	return &PGLog{db: db, cb: cb}
}

const messageColumns = `id, author, body, created_at, origin_ip,
	reply_to_id, reply_author, reply_body, deleted`

func (l *PGLog) Insert(ctx context.Context, m *Message) error {
	var replyAuthor, replyBody sql.NullString
	if m.Reply != nil {
		replyAuthor = sql.NullString{String: m.Reply.Author, Valid: true}
		replyBody = sql.NullString{String: m.Reply.Body, Valid: true}
	}
	replyTo := sql.NullString{String: m.ReplyToID, Valid: m.ReplyToID != ""}

	err := l.cb.Do(func() error {
		_, err := l.db.ExecContext(ctx, `
			INSERT INTO messages (`+messageColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING`,
			m.ID, m.Author, m.Body, m.CreatedAt, m.OriginIP,
			replyTo, replyAuthor, replyBody, m.Deleted)
		return err
	})
	if err != nil {
		return fmt.Errorf("chat: insert message: %w", err)
	}
	return nil
}

func (l *PGLog) Recent(ctx context.Context, limit int) ([]*Message, error) {
	msgs, err := store.Query(l.cb, func() ([]*Message, error) {
		rows, err := l.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE NOT deleted
			ORDER BY created_at DESC, id DESC
			LIMIT $1`, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []*Message
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("chat: recent messages: %w", err)
	}
	return msgs, nil
}

func (l *PGLog) Get(ctx context.Context, id string) (*Message, error) {
	m, err := store.Query(l.cb, func() (*Message, error) {
		row := l.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
		return scanMessage(row)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chat: get message: %w", err)
	}
	return m, nil
}

func (l *PGLog) DeletedAmong(ctx context.Context, ids []string) (map[string]bool, error) {
	deleted := make(map[string]bool)
	if len(ids) == 0 {
		return deleted, nil
	}
	err := l.cb.Do(func() error {
		rows, err := l.db.QueryContext(ctx,
			`SELECT id FROM messages WHERE deleted AND id = ANY($1)`, pq.Array(ids))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			deleted[id] = true
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("chat: deleted lookup: %w", err)
	}
	return deleted, nil
}

func (l *PGLog) SoftDelete(ctx context.Context, id string) error {
	err := l.cb.Do(func() error {
		_, err := l.db.ExecContext(ctx, `UPDATE messages SET deleted = TRUE WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("chat: soft delete: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m                            Message
		replyTo, replyAuthor, replyB sql.NullString
	)
	if err := row.Scan(&m.ID, &m.Author, &m.Body, &m.CreatedAt, &m.OriginIP,
		&replyTo, &replyAuthor, &replyB, &m.Deleted); err != nil {
		return nil, err
	}
	m.ReplyToID = replyTo.String
	if replyAuthor.Valid {
		m.Reply = &ReplySnapshot{Author: replyAuthor.String, Body: replyB.String}
	}
	return &m, nil
}
