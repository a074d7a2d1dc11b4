package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/whisper/lobby/loadtest/client"
	"github.com/whisper/lobby/loadtest/stats"
)

type rampConfig struct {
	url         string
	users       int
	duration    time.Duration
	concurrency int
	prefix      string
}

// username is unique per run index and stays within the nickname limit.
func username(prefix string, i int) string {
	return fmt.Sprintf("%s%d", prefix, i)
}

// syntheticIP spreads users over 10.0.0.0/8.
func syntheticIP(i int) string {
	i++
	return fmt.Sprintf("10.%d.%d.%d", (i>>16)&0xff, (i>>8)&0xff, i&0xff)
}

// rampUp connects and joins cfg.users clients spread over cfg.duration. It
// returns the joined clients and whether ctx ended first. setup runs on each
// client before it joins, so handlers miss no frames.
func rampUp(ctx context.Context, cfg rampConfig, collector *stats.Collector, setup func(*client.Client)) ([]*client.Client, bool) {
	interval := cfg.duration / time.Duration(cfg.users)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var mu sync.Mutex
	clients := make([]*client.Client, 0, cfg.users)

	sem := make(chan struct{}, cfg.concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				current := collector.ConnectionCount()
				rate := float64(current-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [ramp] joined: %d/%d  errors: %d  rate: %.1f/s\n",
					current, cfg.users, collector.ErrorCount(), rate)
				lastCount = current
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	interrupted := false

launch:
	for i := 0; i < cfg.users; i++ {
		select {
		case <-ctx.Done():
			interrupted = true
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.New(connCtx, client.Options{
				URL:          cfg.url,
				Username:     username(cfg.prefix, i),
				ForwardedFor: syntheticIP(i),
			})
			if err != nil {
				collector.AddError()
				return
			}
			if setup != nil {
				setup(c)
			}
			if err := c.WaitJoined(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}

			m := c.GetMetrics()
			collector.AddJoin(m.ConnectLatency, m.JoinLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)
	}

	ticker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	return clients, interrupted
}

func closeAll(clients []*client.Client, collector *stats.Collector) {
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		collector.AddRejections(c.GetMetrics().Rejections)
		c.Close()
	}
}
