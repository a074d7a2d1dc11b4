package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/lobby/loadtest/client"
	"github.com/whisper/lobby/loadtest/stats"
)

// stampPrefix marks load test posts. The body is "lt:<unix nanos>:<padding>"
// so receivers can measure fan-out latency without a shared clock source.
const stampPrefix = "lt:"

func stampedBody(size int, now time.Time) string {
	body := stampPrefix + strconv.FormatInt(now.UnixNano(), 10) + ":"
	if pad := size - len(body); pad > 0 {
		body += strings.Repeat("x", pad)
	}
	return body
}

func parseStamp(body string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(body, stampPrefix)
	if !ok {
		return time.Time{}, false
	}
	nanos, _, ok := strings.Cut(rest, ":")
	if !ok {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// runRoom joins users and has each post to the public room at a fixed
// interval. Every client measures how long each post took to reach it.
func runRoom(args []string) {
	fs := flag.NewFlagSet("room", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	users := fs.Int("users", 100, "Number of users to join")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	duration := fs.Duration("duration", 30*time.Second, "How long users keep posting")
	msgInterval := fs.Duration("msg-interval", 10*time.Second, "Interval between posts per user")
	msgSize := fs.Int("msg-size", 64, "Size of each post body in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	prefix := fs.String("prefix", "lt", "Nickname prefix")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Room test: %d users to %s (ramp=%s, duration=%s, interval=%s, msg-size=%d)\n",
		*users, *url, *ramp, *duration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: Join ---")
	clients, interrupted := rampUp(ctx, rampConfig{
		url:         *url,
		users:       *users,
		duration:    *ramp,
		concurrency: *concurrency,
		prefix:      *prefix,
	}, collector, func(c *client.Client) {
		c.On(client.TypeMessage, func(raw json.RawMessage) {
			var msg struct {
				Body string `json:"body"`
			}
			if json.Unmarshal(raw, &msg) != nil {
				return
			}
			if sent, ok := parseStamp(msg.Body); ok {
				collector.AddDelivery(time.Since(sent))
			}
		})
	})
	fmt.Printf("\nPhase 1 complete: %d/%d users joined (%d errors)\n",
		len(clients), *users, collector.ErrorCount())

	if !interrupted && len(clients) > 0 {
		fmt.Printf("\n--- Phase 2: Post for %s ---\n", *duration)

		postCtx, cancel := context.WithTimeout(ctx, *duration)
		var wg sync.WaitGroup
		stagger := *msgInterval / time.Duration(len(clients))
		for i, c := range clients {
			wg.Add(1)
			go func(i int, c *client.Client) {
				defer wg.Done()
				select {
				case <-postCtx.Done():
					return
				case <-time.After(stagger * time.Duration(i)):
				}
				ticker := time.NewTicker(*msgInterval)
				defer ticker.Stop()
				for {
					if err := c.Post(stampedBody(*msgSize, time.Now())); err != nil {
						collector.AddError()
						return
					}
					collector.AddSent()
					select {
					case <-postCtx.Done():
						return
					case <-ticker.C:
					}
				}
			}(i, c)
		}
		wg.Wait()
		cancel()

		// let the last fan-out land
		time.Sleep(time.Second)
	}

	fmt.Println("\n--- Cleanup ---")
	closeAll(clients, collector)
	scraper.Stop()
	collector.Report()
}
