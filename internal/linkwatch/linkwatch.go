// Package linkwatch polls a local condition (an interface being up with
// an address, typically) and reports transitions. It is the host-side
// replacement for the link and IP events a radio driver would raise.
//
// A Watcher probes immediately on start and then every PollInterval.
// OnReady fires on every not-ready → ready transition and OnDown on
// every ready → not-ready transition. Callbacks run synchronously on
// the watcher goroutine, in transition order, and must not block.
package linkwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks the watched condition. Return nil when it holds.
type ProbeFunc func(ctx context.Context) error

// Config configures a Watcher.
type Config struct {
	// Name identifies the watcher in logs (e.g., "wlan0").
	Name string

	// Probe checks the condition. Required.
	Probe ProbeFunc

	// PollInterval is the time between probes (default: 2s).
	PollInterval time.Duration

	// ProbeTimeout bounds each probe call (default: 1s).
	ProbeTimeout time.Duration

	// OnReady is called on a not-ready → ready transition. Optional.
	OnReady func()

	// OnDown is called on a ready → not-ready transition with the
	// probe error. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Status is a point-in-time view of a watcher, logged when a
// supervisor gives up on the link.
type Status struct {
	Name      string
	Ready     bool
	LastCheck time.Time
	LastError string
}

// LogValue renders the status as a slog group.
func (s Status) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("name", s.Name),
		slog.Bool("ready", s.Ready),
		slog.Time("last_check", s.LastCheck),
	}
	if s.LastError != "" {
		attrs = append(attrs, slog.String("last_error", s.LastError))
	}
	return slog.GroupValue(attrs...)
}

// Watcher polls a single condition.
type Watcher struct {
	cfg   Config
	ready atomic.Bool
	done  chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// New validates cfg, fills defaults and returns an unstarted watcher.
//
// Panics if Probe is nil; that is a wiring bug, not a runtime condition.
func New(cfg Config) *Watcher {
	if cfg.Probe == nil {
		panic("linkwatch: Config.Probe must not be nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if ready.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.cfg.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Done is closed when Run returns. A watcher that was never run never
// closes it.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Run probes until ctx is cancelled. Call it once, on its own goroutine.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// check runs one probe and fires the transition callback, if any.
func (w *Watcher) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	err := w.cfg.Probe(probeCtx)
	cancel()

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	wasReady := w.ready.Load()
	switch {
	case !wasReady && err == nil:
		w.ready.Store(true)
		w.cfg.Logger.Info("link ready", "watch", w.cfg.Name)
		if w.cfg.OnReady != nil {
			w.cfg.OnReady()
		}
	case wasReady && err != nil:
		w.ready.Store(false)
		w.cfg.Logger.Info("link lost", "watch", w.cfg.Name, "error", err)
		if w.cfg.OnDown != nil {
			w.cfg.OnDown(err)
		}
	case !wasReady && err != nil:
		w.cfg.Logger.Debug("link still down", "watch", w.cfg.Name, "error", err)
	}
}
