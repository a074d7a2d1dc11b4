package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// series is one tracked server metric. Lines whose name matches are summed
// across label sets unless match rejects them.
type series struct {
	label string
	name  string
	match func(labels string) bool
}

// Gauge-like values reported as initial/final/delta/peak.
var tracked = []series{
	{label: "Connections", name: "lobby_connections_total"},
	{label: "Present Users", name: "lobby_presence_users"},
	{label: "Active Decoys", name: "lobby_active_decoys"},
	{label: "Messages Total", name: "lobby_messages_total"},
	{label: "Rejected", name: "lobby_messages_total", match: func(labels string) bool {
		return !strings.Contains(labels, `outcome="accepted"`)
	}},
	{label: "Auto Bans", name: "lobby_auto_bans_total"},
	{label: "Redactions", name: "lobby_redactions_total"},
}

// Histograms reported as an average over the run.
var histograms = []series{
	{label: "Post Latency", name: "lobby_message_latency_seconds"},
	{label: "Sweep Duration", name: "lobby_sweep_duration_seconds"},
}

type snapshot struct {
	at     time.Time
	values map[string]float64 // by series label; histograms as label+"_sum"/"_count"
}

// Scraper polls the server's /metrics endpoint during a run.
type Scraper struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu    sync.Mutex
	snaps []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      metricsURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start takes a snapshot now and then every interval until Stop or ctx ends.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.record()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.record()
				return
			case <-ticker.C:
				s.record()
			}
		}
	}()
}

// Stop ends scraping and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) record() {
	snap, err := s.fetch()
	if err != nil {
		// the server may not be up yet
		return
	}
	s.mu.Lock()
	s.snaps = append(s.snaps, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch() (snapshot, error) {
	resp, err := s.client.Get(s.url)
	if err != nil {
		return snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snapshot{}, fmt.Errorf("metrics: status %d", resp.StatusCode)
	}
	return parseExposition(resp.Body, time.Now())
}

// parseExposition reads Prometheus text format and keeps the tracked series.
func parseExposition(r io.Reader, at time.Time) (snapshot, error) {
	snap := snapshot{at: at, values: make(map[string]float64)}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, labels, value, ok := parseSample(line)
		if !ok {
			continue
		}
		for _, ser := range tracked {
			if ser.name == name && (ser.match == nil || ser.match(labels)) {
				snap.values[ser.label] += value
			}
		}
		for _, h := range histograms {
			switch name {
			case h.name + "_sum":
				snap.values[h.label+"_sum"] += value
			case h.name + "_count":
				snap.values[h.label+"_count"] += value
			}
		}
	}
	return snap, sc.Err()
}

// parseSample splits `name{labels} value` or `name value`.
func parseSample(line string) (name, labels string, value float64, ok bool) {
	rest := line
	if open := strings.IndexByte(line, '{'); open >= 0 {
		end := strings.IndexByte(line[open:], '}')
		if end < 0 {
			return "", "", 0, false
		}
		name = line[:open]
		labels = line[open+1 : open+end]
		rest = line[open+end+1:]
	} else {
		var found bool
		name, rest, found = strings.Cut(line, " ")
		if !found {
			return "", "", 0, false
		}
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", "", 0, false
	}
	return name, labels, v, true
}

// Report prints initial, final, delta and peak per tracked series and the
// histogram averages over the run.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snaps...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, ser := range tracked {
		peak := math.Inf(-1)
		for _, sn := range snaps {
			peak = math.Max(peak, sn.values[ser.label])
		}
		initial, final := first.values[ser.label], last.values[ser.label]
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n", ser.label, initial, final, final-initial, peak)
	}

	fmt.Println()
	for _, h := range histograms {
		sum := last.values[h.label+"_sum"] - first.values[h.label+"_sum"]
		count := last.values[h.label+"_count"] - first.values[h.label+"_count"]
		if count > 0 {
			fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", h.label, sum/count, count)
		} else {
			fmt.Printf("  %-16s avg: N/A  (no observations)\n", h.label)
		}
	}
}
