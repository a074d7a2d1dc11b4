package moderation

import (
	"context"
	"strings"
	"sync"

	"github.com/whisper/lobby/internal/logging"
	"github.com/whisper/lobby/internal/metrics"
	"github.com/whisper/lobby/internal/violation"
)

// publicFilter needs no blacklist.
var publicFilter = NewFilter(nil)

// ViolationRecorder counts abuse by IP.
type ViolationRecorder interface {
	RecordAndCheck(ctx context.Context, ip, kind string) (violation.Outcome, error)
}

// Screener applies Filter with the live blacklist and feeds blacklist hits
// into the violation tracker.
type Screener struct {
	blacklist *Blacklist
	recorder  ViolationRecorder

	mu     sync.Mutex
	sig    string
	filter *Filter
}

// NewScreener creates a Screener.
func NewScreener(bl *Blacklist, rec ViolationRecorder) *Screener {
	return &Screener{blacklist: bl, recorder: rec, filter: NewFilter(nil)}
}

// FilterPublic filters a public room message.
func (s *Screener) FilterPublic(body string) Result {
	res := publicFilter.FilterPublic(body)
	observe(res)
	return res
}

// FilterPrivate filters a private message sent from ip. A message that hits
// the blacklist counts as one spam_url violation for ip.
func (s *Screener) FilterPrivate(ctx context.Context, body, ip string) Result {
	res := s.current(ctx).FilterPrivate(body)
	observe(res)
	if !res.BlacklistHit {
		return res
	}

	out, err := s.recorder.RecordAndCheck(ctx, ip, violation.KindSpamURL)
	if err != nil {
		log := logging.Component("moderation")
		log.Error().Err(err).Str("ip", ip).Msg("recording blacklist violation failed")
		return res
	}
	if out.Blocked {
		log := logging.Component("moderation")
		log.Warn().Str("ip", ip).Msg("sender banned after repeated blacklist hits")
	}
	return res
}

// current returns a Filter for the live pattern list, recompiling only when
// the list changed. A failed load keeps the previous filter.
func (s *Screener) current(ctx context.Context) *Filter {
	patterns, err := s.blacklist.Patterns(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		log := logging.Component("moderation")
		log.Error().Err(err).Msg("blacklist unavailable, using last loaded patterns")
		return s.filter
	}
	sig := strings.Join(patterns, "\x00")
	if sig != s.sig {
		s.filter = NewFilter(patterns)
		s.sig = sig
	}
	return s.filter
}

func observe(res Result) {
	for _, r := range res.Reasons {
		if strings.HasPrefix(r, ReasonMarkup) {
			r = strings.TrimSuffix(ReasonMarkup, ":")
		}
		metrics.RedactionsTotal.WithLabelValues(r).Inc()
	}
}
