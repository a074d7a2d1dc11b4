package chat

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/lobby/internal/apperr"
)

func TestNewMessage(t *testing.T) {
	now := time.Now()
	m, err := NewMessage("alice", "hello", "10.0.0.1", now)
	require.NoError(t, err)

	id, err := uuid.Parse(m.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
	assert.Equal(t, time.UTC, m.CreatedAt.Location())
	assert.True(t, m.CreatedAt.Equal(now))
}

func TestSnapshot_Truncates(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"short", "hi", 2},
		{"exact", strings.Repeat("a", 100), 100},
		{"long ascii", strings.Repeat("a", 150), 100},
		{"long multibyte", strings.Repeat("é", 150), 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Message{Author: "bob", Body: tt.body}
			snap := m.Snapshot()
			assert.Equal(t, "bob", snap.Author)
			assert.Equal(t, tt.want, len([]rune(snap.Body)))
		})
	}
}

func TestValidatePost(t *testing.T) {
	tests := []struct {
		name    string
		author  string
		body    string
		maxBody int
		reason  string
	}{
		{"valid", "alice", "hello", 500, ""},
		{"missing author", "", "hello", 500, "author is required"},
		{"blank author", "   ", "hello", 500, "author is required"},
		{"missing body", "alice", "", 500, "body is required"},
		{"author too long", strings.Repeat("a", 51), "hello", 500, "author exceeds 50 characters"},
		{"author 50 multibyte", strings.Repeat("ü", 50), "hello", 500, ""},
		{"body at limit", "alice", strings.Repeat("日", 500), 500, ""},
		{"body over limit", "alice", strings.Repeat("x", 501), 500, "body exceeds 500 characters"},
		{"configured lower limit", "alice", strings.Repeat("x", 21), 20, "body exceeds 20 characters"},
		{"limit capped", "alice", strings.Repeat("x", 501), 1000, "body exceeds 500 characters"},
		{"invalid utf8", "alice", "\xff\xfe", 500, "body contains invalid UTF-8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePost(tt.author, tt.body, tt.maxBody)
			if tt.reason == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, apperr.ErrValidation)
			_, msg := apperr.Public(err)
			assert.Equal(t, tt.reason, msg)
		})
	}
}
