// Package telemetry moves readout batches from the channel to the
// broker. The publisher only drains while the broker session is up.
// While it is down, batches queue up to the channel's capacity and the
// samplers drop every batch sent after that.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/fieldnode/internal/config"
	"github.com/nugget/fieldnode/internal/events"
	"github.com/nugget/fieldnode/internal/readout"
	"github.com/nugget/fieldnode/internal/state"
)

// Broker is the publishing side of a broker session.
type Broker interface {
	// Start begins connecting. Connection state is reported through
	// the BrokerConnected flag, not through Start's result.
	Start(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Config configures a Publisher.
type Config struct {
	// Topic is the deployment topic used when a batch has no override.
	Topic string

	Encoder *readout.Encoder

	// Attempts per batch before it is discarded (default: 3).
	Attempts int
	// RetryPause separates attempts on the same batch (default: 250ms).
	RetryPause time.Duration
	// PublishGap separates consecutive batches (default: 100ms).
	PublishGap time.Duration
	// IdleDelay is the pause after the queue runs empty (default: 500ms).
	IdleDelay time.Duration

	Logger *slog.Logger
	Bus    *events.Bus
}

// Stats counts batch outcomes.
type Stats struct {
	Published uint64 `json:"published"`
	Discarded uint64 `json:"discarded"`
}

// Publisher drains the readout channel into a Broker.
type Publisher struct {
	broker Broker
	flags  *state.Register
	in     *readout.Channel
	cfg    Config
	logger *slog.Logger

	published atomic.Uint64
	discarded atomic.Uint64
}

// New creates a publisher. Encoder defaults to JSON.
func New(broker Broker, flags *state.Register, in *readout.Channel, cfg Config) (*Publisher, error) {
	if cfg.Topic == "" {
		return nil, errors.New("telemetry: topic required")
	}
	if cfg.Encoder == nil {
		enc, err := readout.NewEncoder(readout.FormatJSON)
		if err != nil {
			return nil, err
		}
		cfg.Encoder = enc
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = 250 * time.Millisecond
	}
	if cfg.PublishGap <= 0 {
		cfg.PublishGap = 100 * time.Millisecond
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		broker: broker,
		flags:  flags,
		in:     in,
		cfg:    cfg,
		logger: logger.With("component", "publisher"),
	}, nil
}

// Stats returns a snapshot of the outcome counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Discarded: p.discarded.Load(),
	}
}

// Run waits for the network and the clock, starts the broker session
// and then drains the channel whenever the session is up. It returns
// when ctx ends or the session cannot be started.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("waiting for network and clock")
	if _, err := p.flags.Wait(ctx, state.IPAssigned|state.ClockSynced, state.All, state.Forever); err != nil {
		return err
	}
	if err := p.broker.Start(ctx); err != nil {
		return fmt.Errorf("start broker session: %w", err)
	}

	for {
		if _, err := p.flags.Wait(ctx, state.BrokerConnected, state.All, state.Forever); err != nil {
			return err
		}
		p.drain(ctx)
		if err := sleep(ctx, p.cfg.IdleDelay); err != nil {
			return err
		}
	}
}

// drain publishes queued batches until the queue is empty or the
// session drops. The session is re-checked before each dequeue, so a
// batch is never taken off the channel while the broker is down.
func (p *Publisher) drain(ctx context.Context) {
	for {
		if _, err := p.flags.Wait(ctx, state.BrokerConnected, state.All, 0); err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("broker disconnected, drain paused", "queued", p.in.Len())
			}
			return
		}

		b, err := p.in.Receive(ctx, 0)
		if err != nil {
			return
		}
		p.publish(ctx, b)

		if sleep(ctx, p.cfg.PublishGap) != nil {
			return
		}
	}
}

// publish delivers one batch, retrying up to the attempt limit, and
// discards it after the last failure.
func (p *Publisher) publish(ctx context.Context, b readout.Batch) {
	topic := b.Topic
	if topic == "" {
		topic = p.cfg.Topic
	}

	payload, err := p.cfg.Encoder.Encode(b)
	if err != nil {
		p.discard(b, 0, fmt.Errorf("encode: %w", err))
		return
	}
	p.logger.Log(ctx, config.LevelTrace, "payload", "topic", topic, "bytes", string(payload))

	var lastErr error
	made := 0
	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		made = attempt
		lastErr = p.broker.Publish(ctx, topic, payload)
		if lastErr == nil {
			p.published.Add(1)
			p.logger.Info("batch published", "family", b.Family, "readings", b.Len(),
				"topic", topic, "attempt", attempt)
			p.cfg.Bus.Emit(events.SourcePublisher, events.KindBatchPublished, map[string]any{
				"family":   b.Family,
				"readings": b.Len(),
				"attempts": attempt,
				"topic":    topic,
			})
			return
		}
		p.logger.Warn("publish failed", "family", b.Family, "attempt", attempt,
			"max_attempts", p.cfg.Attempts, "error", lastErr)
		if attempt < p.cfg.Attempts {
			if sleep(ctx, p.cfg.RetryPause) != nil {
				break
			}
		}
	}
	p.discard(b, made, lastErr)
}

func (p *Publisher) discard(b readout.Batch, attempts int, err error) {
	p.discarded.Add(1)
	p.logger.Error("batch discarded", "family", b.Family, "readings", b.Len(),
		"attempts", attempts, "error", err)
	p.cfg.Bus.Emit(events.SourcePublisher, events.KindBatchDiscarded, map[string]any{
		"family":   b.Family,
		"readings": b.Len(),
		"attempts": attempts,
		"error":    err.Error(),
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
