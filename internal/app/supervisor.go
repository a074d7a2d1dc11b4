package app

import (
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/whisper/lobby/internal/logging"
)

// SupervisorConfig tunes restart behavior of the service tree.
type SupervisorConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultSupervisorConfig returns suture's defaults with a shorter shutdown
// timeout.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// NewSupervisor returns a root supervisor that logs its events through
// zerolog.
func NewSupervisor(name string, cfg SupervisorConfig) *suture.Supervisor {
	return suture.New(name, suture.Spec{
		EventHook:        eventHook,
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})
}

func eventHook(e suture.Event) {
	log := logging.Component("supervisor")
	ev := log.Warn()
	if e.Type() == suture.EventTypeBackoff || e.Type() == suture.EventTypeResume {
		ev = log.Info()
	}
	ev.Fields(e.Map()).Msg(e.String())
}
