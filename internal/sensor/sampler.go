package sensor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/fieldnode/internal/events"
	"github.com/nugget/fieldnode/internal/readout"
	"github.com/nugget/fieldnode/internal/state"
)

// SamplerConfig configures a Sampler.
type SamplerConfig struct {
	// Topic overrides the deployment topic for this family's batches.
	Topic string

	// SendTimeout bounds the wait for channel space (default: 100ms).
	SendTimeout time.Duration

	Logger *slog.Logger
	Bus    *events.Bus
}

// Sampler reads one family on request.
type Sampler struct {
	driver  Driver
	req     state.Request
	out     *readout.Channel
	clock   Clock
	cfg     SamplerConfig
	logger  *slog.Logger
	devices []Device
}

// NewSampler creates a sampler for driver that consumes req and queues
// batches on out.
func NewSampler(driver Driver, req state.Request, out *readout.Channel, clock Clock, cfg SamplerConfig) *Sampler {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 100 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		driver: driver,
		req:    req,
		out:    out,
		clock:  clock,
		cfg:    cfg,
		logger: logger.With("component", "sampler", "family", driver.Name()),
	}
}

// Run discovers devices once and then serves read requests until ctx
// ends. When discovery finds nothing the sampler stays idle for the
// rest of the process lifetime; a restart is needed to rescan.
func (s *Sampler) Run(ctx context.Context) error {
	if c, ok := s.driver.(Closer); ok {
		defer c.Close()
	}

	n, err := s.discover(ctx)
	if err != nil || n == 0 {
		s.logger.Error("no sensors found, sampler idle", "error", err)
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		if _, err := s.req.Await(ctx, state.ClockSynced); err != nil {
			return err
		}
		// Taken on wake: a request posted during the cycle below is
		// served by the next one.
		s.req.Take()
		s.Cycle(ctx)
	}
}

func (s *Sampler) discover(ctx context.Context) (int, error) {
	devices, err := s.driver.Discover(ctx)
	if err != nil {
		return 0, err
	}
	for i, d := range devices {
		s.logger.Info("sensor found", "index", i, "source", d.Source(), "kind", s.driver.Kind())
	}
	s.logger.Info("discovery done", "devices", len(devices))
	s.devices = devices
	return len(devices), nil
}

// Cycle reads every device once and queues the batch. All readings
// share the timestamp taken at the start of the cycle. Devices that
// fail are skipped. It returns the batch and the result of queuing it.
func (s *Sampler) Cycle(ctx context.Context) (readout.Batch, error) {
	ts := s.clock.Now()
	batch := readout.Batch{
		Family:   s.driver.Name(),
		Shape:    s.driver.Shape(),
		Topic:    s.cfg.Topic,
		Readings: make([]readout.Reading, 0, len(s.devices)),
	}

	for _, d := range s.devices {
		m, err := d.Read(ctx)
		if err != nil {
			s.logger.Warn("sensor read failed", "source", d.Source(), "error", err)
			s.cfg.Bus.Emit(events.SourceSampler, events.KindReadFailed, map[string]any{
				"family": batch.Family,
				"source": d.Source(),
				"error":  err.Error(),
			})
			continue
		}
		s.logger.Debug("sensor read", "source", d.Source(), "value", m.Value)
		batch.Readings = append(batch.Readings, readout.Reading{
			Timestamp:  ts,
			Value:      m.Value,
			Address:    m.Address,
			SensorType: m.SensorType,
			Unit:       m.Unit,
			Kind:       s.driver.Kind(),
		})
	}

	err := s.out.Send(ctx, batch, s.cfg.SendTimeout)
	switch {
	case err == nil:
		s.logger.Debug("batch queued", "readings", batch.Len(), "queued", s.out.Len())
	case errors.Is(err, readout.ErrFull):
		s.logger.Warn("readout channel full, batch dropped", "readings", batch.Len())
		s.cfg.Bus.Emit(events.SourceSampler, events.KindBatchDropped, map[string]any{
			"family":   batch.Family,
			"readings": batch.Len(),
		})
	default:
		s.logger.Error("batch not queued", "error", err)
	}
	return batch, err
}
