package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/fieldnode/internal/events"
	"github.com/nugget/fieldnode/internal/state"
)

// ErrNotStarted is returned by Publish before Start.
var ErrNotStarted = errors.New("mqtt session not started")

// Config configures a Session.
type Config struct {
	// Broker is the broker URL: mqtt://, tcp://, mqtts:// or ssl://.
	Broker   string
	Username string
	Password string

	// ClientID identifies the session; normally the device ID.
	ClientID string

	// Topic is the deployment topic. Availability and info live below
	// it at <Topic>/<ClientID>/availability and .../info.
	Topic string

	// ContentType is attached to every batch publish (MQTT v5).
	ContentType string

	KeepAlive      time.Duration // default: 30s
	PublishTimeout time.Duration // default: 5s

	Info DeviceInfo

	Logger *slog.Logger
	Bus    *events.Bus
}

// linkEvent is posted by paho callbacks to the session loop.
type linkEvent struct {
	up  bool
	err error
}

// Session owns the BrokerConnected flag.
type Session struct {
	cfg       Config
	brokerURL *url.URL
	flags     *state.Register
	logger    *slog.Logger
	inbox     chan linkEvent

	mu    sync.Mutex
	cm    *autopaho.ConnectionManager
	cause error // last client error or server disconnect
}

// New validates cfg and returns an unstarted session.
func New(cfg Config, flags *state.Register) (*Session, error) {
	u, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	switch u.Scheme {
	case "mqtt", "tcp", "mqtts", "ssl":
	default:
		return nil, fmt.Errorf("mqtt broker URL %q: unsupported scheme %q", cfg.Broker, u.Scheme)
	}
	if cfg.ClientID == "" {
		return nil, errors.New("mqtt client ID required")
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:       cfg,
		brokerURL: u,
		flags:     flags,
		logger:    logger.With("component", "mqtt"),
		inbox:     make(chan linkEvent, 8),
	}, nil
}

// AvailabilityTopic is where the retained online/offline status lives.
func (s *Session) AvailabilityTopic() string {
	return s.cfg.Topic + "/" + s.cfg.ClientID + "/availability"
}

// InfoTopic is where the retained DeviceInfo document lives.
func (s *Session) InfoTopic() string {
	return s.cfg.Topic + "/" + s.cfg.ClientID + "/info"
}

// Start creates the connection manager and the session loop. It
// returns once connecting has begun; autopaho keeps retrying in the
// background until ctx ends.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cm != nil {
		return errors.New("mqtt session already started")
	}

	cm, err := autopaho.NewConnection(ctx, s.clientConfig())
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm = cm
	s.logger.Info("mqtt connecting", "broker", s.cfg.Broker, "client_id", s.cfg.ClientID)

	go s.loop(ctx)
	return nil
}

func (s *Session) clientConfig() autopaho.ClientConfig {
	cfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{s.brokerURL},
		KeepAlive:       uint16(s.cfg.KeepAlive / time.Second),
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   s.AvailabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			s.post(linkEvent{up: true})
		},
		// Down is posted only from OnConnectionDown, which autopaho runs
		// on its main loop between one connection and the next. The
		// error callbacks run on separate goroutines and only record
		// the cause.
		OnConnectionDown: func() bool {
			s.post(linkEvent{err: s.takeCause()})
			return true
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.cfg.ClientID,
			OnClientError: func(err error) {
				s.logger.Debug("mqtt client error", "error", err)
				s.setCause(err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				err := fmt.Errorf("server disconnect, reason code %d", d.ReasonCode)
				s.logger.Debug("mqtt server disconnect", "reason_code", d.ReasonCode)
				s.setCause(err)
			},
		},
	}

	if s.brokerURL.Scheme == "mqtts" || s.brokerURL.Scheme == "ssl" {
		cfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	return cfg
}

func (s *Session) setCause(err error) {
	s.mu.Lock()
	s.cause = err
	s.mu.Unlock()
}

// takeCause returns and forgets the last recorded disconnect cause.
func (s *Session) takeCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.cause
	s.cause = nil
	return err
}

// post hands a link change to the session loop. Callbacks run on paho
// goroutines and must not block.
func (s *Session) post(ev linkEvent) {
	select {
	case s.inbox <- ev:
	default:
		s.logger.Warn("mqtt link event dropped, inbox full", "up", ev.up)
	}
}

func (s *Session) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.flags.Clear(state.BrokerConnected)
			return
		case ev := <-s.inbox:
			s.handle(ctx, ev)
		}
	}
}

func (s *Session) handle(ctx context.Context, ev linkEvent) {
	if ev.up {
		s.publishBirth(ctx)
		s.flags.Set(state.BrokerConnected)
		s.logger.Info("mqtt connected to broker", "broker", s.cfg.Broker)
		s.cfg.Bus.Emit(events.SourceMQTT, events.KindBrokerUp, map[string]any{
			"broker": s.cfg.Broker,
		})
		return
	}

	if !s.flags.Get().Has(state.BrokerConnected) {
		s.logger.Debug("mqtt link error while down", "error", ev.err)
		return
	}
	s.flags.Clear(state.BrokerConnected)
	s.logger.Warn("mqtt connection lost", "error", ev.err)
	data := map[string]any{"broker": s.cfg.Broker}
	if ev.err != nil {
		data["error"] = ev.err.Error()
	}
	s.cfg.Bus.Emit(events.SourceMQTT, events.KindBrokerDown, data)
}

// Publish sends one payload with QoS 1 and waits for the broker's
// acknowledgement, bounded by the publish timeout.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	cm := s.manager()
	if cm == nil {
		return ErrNotStarted
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()

	msg := &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	}
	if s.cfg.ContentType != "" {
		msg.Properties = &paho.PublishProperties{ContentType: s.cfg.ContentType}
	}
	if _, err := cm.Publish(pctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Stop publishes "offline" and disconnects cleanly. ctx bounds both.
func (s *Session) Stop(ctx context.Context) error {
	cm := s.manager()
	if cm == nil {
		return nil
	}
	s.publishRetained(ctx, cm, s.AvailabilityTopic(), []byte("offline"), nil)
	s.flags.Clear(state.BrokerConnected)
	return cm.Disconnect(ctx)
}

func (s *Session) manager() *autopaho.ConnectionManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cm
}

func (s *Session) publishBirth(ctx context.Context) {
	cm := s.manager()
	if cm == nil {
		return
	}
	boot := paho.UserProperties{{Key: "boot_id", Value: s.cfg.Info.BootID}}
	s.publishRetained(ctx, cm, s.AvailabilityTopic(), []byte("online"), boot)

	info, err := json.Marshal(s.cfg.Info)
	if err != nil {
		s.logger.Error("mqtt marshal device info", "error", err)
		return
	}
	s.publishRetained(ctx, cm, s.InfoTopic(), info, nil)
}

func (s *Session) publishRetained(ctx context.Context, cm *autopaho.ConnectionManager, topic string, payload []byte, user paho.UserProperties) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()

	msg := &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}
	if len(user) > 0 {
		msg.Properties = &paho.PublishProperties{User: user}
	}
	if _, err := cm.Publish(pctx, msg); err != nil {
		s.logger.Warn("mqtt retained publish failed", "topic", topic, "error", err)
		return
	}
	s.logger.Debug("mqtt retained publish", "topic", topic)
}
