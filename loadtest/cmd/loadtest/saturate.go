package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/lobby/loadtest/stats"
)

// runSaturate opens the requested number of joined connections over the ramp
// duration and holds them, sending heartbeats, while counting drops.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	users := fs.Int("users", 1000, "Number of users to join")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all users joined")
	heartbeat := fs.Duration("heartbeat", time.Minute, "Interval between session heartbeats")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	prefix := fs.String("prefix", "sat", "Nickname prefix")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d users to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*users, *url, *ramp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	fmt.Println("\n--- Ramp-up phase ---")
	rampStart := time.Now()
	clients, interrupted := rampUp(ctx, rampConfig{
		url:         *url,
		users:       *users,
		duration:    *ramp,
		concurrency: *concurrency,
		prefix:      *prefix,
	}, collector, nil)
	fmt.Printf("\nRamp-up complete: %d/%d users in %s (%d errors)\n",
		len(clients), *users, time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	dropped := 0
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		fmt.Printf("Holding %d users for %s...\n", len(clients), *hold)

		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)
		heartbeatTicker := time.NewTicker(*heartbeat)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-heartbeatTicker.C:
				for _, c := range clients {
					if err := c.Heartbeat(); err != nil {
						collector.AddError()
					}
				}
			case <-statusTicker.C:
				alive := 0
				for _, c := range clients {
					if c.GetMetrics().Errors == 0 {
						alive++
					}
				}
				dropped = len(clients) - alive
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, len(clients), dropped)
			}
		}

		holdTimer.Stop()
		statusTicker.Stop()
		heartbeatTicker.Stop()
	}

	fmt.Println("\n--- Cleanup ---")
	closeAll(clients, collector)

	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
}
