// Package stats aggregates metrics from many load test clients and prints a
// summary with percentile distributions.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector is goroutine-safe.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	joinLatencies    []time.Duration
	fanoutLatencies  []time.Duration
	rejections       map[string]int
	sent             int
	delivered        int
	errors           int
	connections      int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now(), rejections: make(map[string]int)}
}

// SetScraper attaches a server metrics scraper whose data is included in
// Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddJoin records a client that connected and joined the room.
func (c *Collector) AddJoin(connect, join time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, connect)
	c.joinLatencies = append(c.joinLatencies, join)
	c.connections++
	c.mu.Unlock()
}

// AddSent counts a posted message.
func (c *Collector) AddSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// AddDelivery records one message received by one client, d after it was
// posted.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.fanoutLatencies = append(c.fanoutLatencies, d)
	c.delivered++
	c.mu.Unlock()
}

// AddRejections merges a client's error frame counts by code.
func (c *Collector) AddRejections(byCode map[string]int) {
	c.mu.Lock()
	for code, n := range byCode {
		c.rejections[code] += n
	}
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of joined clients so far.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints the collected results to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Joined:       %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections+c.errors)*100)
	}
	if c.sent > 0 {
		fmt.Printf("Posted:       %d\n", c.sent)
		fmt.Printf("Delivered:    %d (%.1f per post)\n", c.delivered, float64(c.delivered)/float64(c.sent))
	}

	if len(c.rejections) > 0 {
		fmt.Println("\n--- Rejections ---")
		codes := make([]string, 0, len(c.rejections))
		for code := range c.rejections {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			fmt.Printf("  %-14s %d\n", code, c.rejections[code])
		}
	}

	if len(c.connectLatencies) > 0 {
		fmt.Println("\n--- Connect Latency ---")
		printPercentiles(c.connectLatencies)
	}
	if len(c.joinLatencies) > 0 {
		fmt.Println("\n--- Join Latency ---")
		printPercentiles(c.joinLatencies)
	}
	if len(c.fanoutLatencies) > 0 {
		fmt.Println("\n--- Fan-out Latency ---")
		printPercentiles(c.fanoutLatencies)
	}

	if c.scraper != nil {
		c.scraper.Report()
	}

	fmt.Println()
}

func printPercentiles(durations []time.Duration) {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		(sum / time.Duration(n)).Round(time.Microsecond),
		percentile(durations, 0.50).Round(time.Microsecond),
		percentile(durations, 0.95).Round(time.Microsecond),
		percentile(durations, 0.99).Round(time.Microsecond),
		durations[n-1].Round(time.Microsecond),
		n,
	)
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	i := int(math.Ceil(float64(len(sorted))*p)) - 1
	if i < 0 {
		i = 0
	}
	return sorted[i]
}
