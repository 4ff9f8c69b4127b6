// Package trigger drives sensor sampling cadence. Each family has one
// Trigger that posts its read request on a fixed interval. Firing does
// nothing but set a flag, so a tick never blocks on a slow sampler.
package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/fieldnode/internal/state"
)

// Trigger posts a family's read request periodically.
type Trigger struct {
	family   string
	interval time.Duration
	req      state.Request
	logger   *slog.Logger

	fired     atomic.Uint64
	coalesced atomic.Uint64
}

// New creates a trigger for family that posts req every interval.
func New(family string, interval time.Duration, req state.Request, logger *slog.Logger) (*Trigger, error) {
	if interval <= 0 {
		return nil, errors.New("trigger: interval must be > 0")
	}
	if req.Bit() == 0 {
		return nil, errors.New("trigger: request has no flag bit")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{
		family:   family,
		interval: interval,
		req:      req,
		logger:   logger.With("component", "trigger", "family", family, "request", req.Index()),
	}, nil
}

// Run fires once immediately and then on every tick until ctx is
// cancelled. One goroutine per family.
func (t *Trigger) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info("readout timer started", "interval", t.interval)
	t.fire()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.fire()
		}
	}
}

func (t *Trigger) fire() {
	t.fired.Add(1)
	if t.req.Post() {
		n := t.coalesced.Add(1)
		t.logger.Debug("read request still pending, coalesced", "coalesced_total", n)
	}
}

// Stats returns how many times the trigger fired and how many of those
// coalesced with a request that was still pending.
func (t *Trigger) Stats() (fired, coalesced uint64) {
	return t.fired.Load(), t.coalesced.Load()
}
