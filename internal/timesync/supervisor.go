package timesync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/fieldnode/internal/events"
	"github.com/nugget/fieldnode/internal/state"
)

// Config configures a Supervisor.
type Config struct {
	// SyncTimeout bounds one sync attempt.
	SyncTimeout time.Duration
	// ResyncInterval is the pause after a successful sync.
	ResyncInterval time.Duration
	// RetryCooldown is the pause after a failed sync.
	RetryCooldown time.Duration

	Logger *slog.Logger
	Bus    *events.Bus
}

// Supervisor owns the ClockSynced flag.
type Supervisor struct {
	syncer Syncer
	clock  *Clock
	flags  *state.Register
	cfg    Config
	logger *slog.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSupervisor creates a supervisor that applies offsets from syncer
// to clock.
func NewSupervisor(syncer Syncer, clock *Clock, flags *state.Register, cfg Config) *Supervisor {
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 10 * time.Second
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = 24 * time.Hour
	}
	if cfg.RetryCooldown <= 0 {
		cfg.RetryCooldown = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		syncer: syncer,
		clock:  clock,
		flags:  flags,
		cfg:    cfg,
		logger: logger.With("component", "timesync"),
		sleep:  sleepCtx,
	}
}

// Run syncs whenever an address is assigned, forever. Failed syncs are
// retried after the cooldown without limit. It returns ctx.Err() when
// ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if _, err := s.flags.Wait(ctx, state.IPAssigned, state.All, state.Forever); err != nil {
			return err
		}

		pause := s.cfg.RetryCooldown
		if s.syncOnce(ctx) {
			pause = s.cfg.ResyncInterval
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.sleep(ctx, pause); err != nil {
			return err
		}
	}
}

// syncOnce clears ClockSynced, runs one bounded sync and sets the flag
// again on success.
func (s *Supervisor) syncOnce(ctx context.Context) bool {
	s.flags.Clear(state.ClockSynced)
	server := s.syncer.Server()
	s.logger.Debug("syncing clock", "server", server)

	syncCtx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	offset, err := s.syncer.Sync(syncCtx)
	cancel()

	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return false
		}
		s.logger.Warn("clock sync failed", "server", server, "error", err,
			"retry_in", s.cfg.RetryCooldown)
		s.cfg.Bus.Emit(events.SourceTimeSync, events.KindSyncFailed, map[string]any{
			"server": server,
			"error":  err.Error(),
		})
		return false
	}

	s.clock.Apply(offset)
	s.flags.Set(state.ClockSynced)
	s.logger.Info("clock synced", "server", server, "offset", offset,
		"time", s.clock.Now().UTC().Format(time.RFC3339))
	s.cfg.Bus.Emit(events.SourceTimeSync, events.KindClockSynced, map[string]any{
		"server":    server,
		"offset_ms": offset.Milliseconds(),
	})
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
