package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyService struct {
	runs atomic.Int32
}

func (f *flakyService) Serve(ctx context.Context) error {
	if f.runs.Add(1) < 3 {
		return errors.New("boom")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestSupervisor_RestartsFailedService(t *testing.T) {
	cfg := DefaultSupervisorConfig()
	cfg.FailureBackoff = 10 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	sup := NewSupervisor("test", cfg)

	svc := &flakyService{}
	sup.Add(svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := sup.ServeBackground(ctx)

	require.Eventually(t, func() bool { return svc.runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.GreaterOrEqual(t, svc.runs.Load(), int32(3))
}
