package chat

import (
	"context"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/whisper/lobby/internal/apperr"
	"github.com/whisper/lobby/internal/logging"
	"github.com/whisper/lobby/internal/metrics"
	"github.com/whisper/lobby/internal/settings"
)

// RecentKey is the Redis list holding the recent window, newest at the head.
const RecentKey = "history:recent"

// SettingsSource supplies the current settings snapshot.
type SettingsSource interface {
	Current(ctx context.Context) settings.Snapshot
}

// History keeps a bounded recent window in Redis in front of the durable
// Log. The window is a cache: the Log decides which messages are deleted.
type History struct {
	rdb      *redis.Client
	log      Log
	settings SettingsSource
	rebuilds singleflight.Group
}

// NewHistory creates a History over the given cache and log.
func NewHistory(rdb *redis.Client, log Log, settings SettingsSource) *History {
	return &History{rdb: rdb, log: log, settings: settings}
}

func (h *History) windowSize(ctx context.Context) int {
	return h.settings.Current(ctx).HistoryLimit
}

// Append pushes m onto the window, trims it, then writes m to the durable
// log. A failure of either store alone is logged; Append fails only when
// neither store accepted the message.
func (h *History) Append(ctx context.Context, m *Message) error {
	log := logging.Component("history")

	cacheErr := h.push(ctx, h.windowSize(ctx), m)
	if cacheErr != nil {
		log.Warn().Err(cacheErr).Str("message_id", m.ID).Msg("cache append failed")
	}

	if err := h.log.Insert(ctx, m); err != nil {
		if cacheErr != nil {
			return apperr.Unavailable("history append", err)
		}
		log.Error().Err(err).Str("message_id", m.ID).Msg("durable write failed, message kept in cache only")
	}
	return nil
}

// push LPUSHes msgs in order, so the last one ends at the head.
func (h *History) push(ctx context.Context, size int, msgs ...*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	vals := make([]any, 0, len(msgs))
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		vals = append(vals, data)
	}
	pipe := h.rdb.TxPipeline()
	pipe.LPush(ctx, RecentKey, vals...)
	pipe.LTrim(ctx, RecentKey, 0, int64(size-1))
	_, err := pipe.Exec(ctx)
	return err
}

// GetHistory returns up to limit recent messages, oldest first, excluding
// anything the durable log marks deleted. An empty window is rebuilt from
// the log before returning.
func (h *History) GetHistory(ctx context.Context, limit int) ([]*Message, error) {
	size := h.windowSize(ctx)
	if limit <= 0 || limit > size {
		limit = size
	}
	log := logging.Component("history")

	raw, err := h.rdb.LRange(ctx, RecentKey, 0, int64(limit-1)).Result()
	if err != nil {
		log.Warn().Err(err).Msg("cache read failed, serving from durable store")
		msgs, err := h.log.Recent(ctx, limit)
		if err != nil {
			return nil, apperr.Unavailable("history read", err)
		}
		return reversed(msgs), nil
	}
	if len(raw) == 0 {
		return h.rebuild(ctx, limit, size)
	}

	msgs := make([]*Message, 0, len(raw))
	ids := make([]string, 0, len(raw))
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			log.Warn().Err(err).Msg("skipping undecodable cache entry")
			continue
		}
		msgs = append(msgs, &m)
		ids = append(ids, m.ID)
	}

	deleted, err := h.log.DeletedAmong(ctx, ids)
	if err != nil {
		log.Error().Err(err).Msg("deletion cross-check failed, serving cache as-is")
		return reversed(msgs), nil
	}
	live := msgs[:0]
	for _, m := range msgs {
		if !deleted[m.ID] {
			live = append(live, m)
		}
	}
	return reversed(live), nil
}

// rebuild loads exactly limit messages from the log and repopulates the
// window. Concurrent rebuilds of the same size share one load.
func (h *History) rebuild(ctx context.Context, limit, size int) ([]*Message, error) {
	v, err, _ := h.rebuilds.Do(strconv.Itoa(limit), func() (any, error) {
		metrics.HistoryRebuilds.Inc()
		newest, err := h.log.Recent(ctx, limit)
		if err != nil {
			return nil, err
		}
		oldest := reversed(newest)
		if err := h.push(ctx, size, oldest...); err != nil {
			log := logging.Component("history")
			log.Warn().Err(err).Msg("cache repopulate failed")
		}
		return oldest, nil
	})
	if err != nil {
		return nil, apperr.Unavailable("history rebuild", err)
	}
	msgs := v.([]*Message)
	out := make([]*Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Lookup finds a message by ID in the window, then in the durable log.
// It returns nil, nil when the message cannot be found or has been
// soft-deleted.
func (h *History) Lookup(ctx context.Context, id string) (*Message, error) {
	raw, err := h.rdb.LRange(ctx, RecentKey, 0, -1).Result()
	if err == nil {
		for _, r := range raw {
			var m Message
			if json.Unmarshal([]byte(r), &m) != nil || m.ID != id {
				continue
			}
			deleted, err := h.log.DeletedAmong(ctx, []string{id})
			if err != nil {
				return nil, apperr.Unavailable("history lookup", err)
			}
			if deleted[id] {
				return nil, nil
			}
			return &m, nil
		}
	}
	m, err := h.log.Get(ctx, id)
	if err != nil {
		return nil, apperr.Unavailable("history lookup", err)
	}
	if m == nil || m.Deleted {
		return nil, nil
	}
	return m, nil
}

// Delete soft-deletes a message in the durable log. The window is left as
// is; reads filter it out.
func (h *History) Delete(ctx context.Context, id string) error {
	if err := h.log.SoftDelete(ctx, id); err != nil {
		return apperr.Unavailable("history delete", err)
	}
	return nil
}

func reversed(msgs []*Message) []*Message {
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}
