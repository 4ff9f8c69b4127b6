// Package wifi supervises the station link. A [Supervisor] turns radio
// events into the WifiLinkUp and IPAssigned flags and applies a bounded
// reconnect policy; a [Radio] issues the actual connect attempts.
//
// Radio callbacks never touch supervisor state directly. They post
// [Event] values into the supervisor's inbox, and the supervisor's own
// goroutine processes them in arrival order.
package wifi

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nugget/fieldnode/internal/events"
	"github.com/nugget/fieldnode/internal/linkwatch"
	"github.com/nugget/fieldnode/internal/state"
)

// EventKind identifies a radio event.
type EventKind int

const (
	// EventStarted is posted once when the radio is ready for use.
	EventStarted EventKind = iota + 1
	// EventConnected is posted when the link to the AP comes up.
	EventConnected
	// EventDisconnected is posted when the link is lost or a connect
	// attempt fails. Reason says why.
	EventDisconnected
	// EventGotIP is posted when the interface obtains an address.
	EventGotIP
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventGotIP:
		return "got_ip"
	default:
		return "unknown"
	}
}

// Event is one radio notification.
type Event struct {
	Kind   EventKind
	Reason Reason // EventDisconnected only
	Addr   string // EventGotIP only
}

// State is the supervisor's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// GivenUp is terminal for automatic reconnects. Only a link that
	// comes back by itself (or a restart) leaves it.
	GivenUp
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case GivenUp:
		return "given_up"
	default:
		return "unknown"
	}
}

// Radio issues connect attempts. Connect must return promptly; the
// outcome arrives later as an [Event]. An error means the attempt could
// not even be issued.
type Radio interface {
	Connect(ctx context.Context) error
}

// linkReporter is implemented by radios that can describe what they
// last saw of the link. The supervisor logs it when it gives up.
type linkReporter interface {
	Status() linkwatch.Status
}

// Config configures a Supervisor.
type Config struct {
	// MaxRetry is the number of consecutive reconnects attempted after
	// a disconnect before giving up.
	MaxRetry int

	// InboxSize bounds the event inbox (default: 16).
	InboxSize int

	Logger *slog.Logger
	Bus    *events.Bus
}

// Supervisor owns the WifiLinkUp and IPAssigned flags.
type Supervisor struct {
	radio  Radio
	flags  *state.Register
	cfg    Config
	logger *slog.Logger
	inbox  chan Event

	mu       sync.Mutex
	state    State
	retries  int
	attempts int
}

// NewSupervisor creates a supervisor in the Disconnected state.
func NewSupervisor(radio Radio, flags *state.Register, cfg Config) *Supervisor {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 16
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		radio:  radio,
		flags:  flags,
		cfg:    cfg,
		logger: logger.With("component", "wifi"),
		inbox:  make(chan Event, cfg.InboxSize),
	}
}

// Post queues a radio event without blocking. It reports false, and
// the event is lost, when the inbox is full.
func (s *Supervisor) Post(ev Event) bool {
	select {
	case s.inbox <- ev:
		return true
	default:
		s.logger.Warn("wifi inbox full, event dropped", "event", ev.Kind)
		return false
	}
}

// Run processes posted events until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.inbox:
			s.handle(ctx, ev)
		}
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Retries returns the number of consecutive failed connections.
func (s *Supervisor) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Attempts returns the total number of connect attempts issued.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Supervisor) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventStarted:
		s.logger.Info("radio started, connecting")
		s.transition(Connecting, nil)
		s.connect(ctx)

	case EventConnected:
		s.flags.Set(state.WifiLinkUp)
		s.mu.Lock()
		s.retries = 0
		s.mu.Unlock()
		s.logger.Info("link up")
		s.transition(Connected, nil)

	case EventDisconnected:
		s.flags.Clear(state.WifiLinkUp | state.IPAssigned)
		if s.State() == GivenUp {
			s.logger.Debug("disconnect ignored, reconnects given up", "reason", ev.Reason)
			return
		}

		cause := &DisconnectError{Reason: ev.Reason}
		s.mu.Lock()
		s.retries++
		retries := s.retries
		s.mu.Unlock()

		s.logger.Error("link lost", "error", cause)
		if retries <= s.cfg.MaxRetry {
			s.logger.Warn("reconnecting", "retry", retries, "max_retry", s.cfg.MaxRetry)
			s.transition(Connecting, cause)
			s.connect(ctx)
			return
		}
		attrs := []any{"retries", retries - 1, "attempts", s.Attempts()}
		if r, ok := s.radio.(linkReporter); ok {
			attrs = append(attrs, "link", r.Status())
		}
		s.logger.Error("maximum retries reached, giving up; manual reset required", attrs...)
		s.transition(GivenUp, cause)

	case EventGotIP:
		if !s.flags.Get().Has(state.WifiLinkUp) {
			s.logger.Warn("address reported without link, ignored", "addr", ev.Addr)
			return
		}
		s.flags.Set(state.IPAssigned)
		s.logger.Info("address assigned", "addr", ev.Addr)

	default:
		s.logger.Warn("unknown radio event", "kind", int(ev.Kind))
	}
}

// connect issues one attempt. Failing to issue it counts as a failed
// connection and is handled in place, not through the inbox, so it can
// never be lost to a full inbox. The recursion is bounded by MaxRetry.
func (s *Supervisor) connect(ctx context.Context) {
	s.mu.Lock()
	s.attempts++
	s.mu.Unlock()

	if err := s.radio.Connect(ctx); err != nil {
		s.logger.Warn("connect attempt not issued", "error", err)
		s.handle(ctx, Event{Kind: EventDisconnected, Reason: ReasonConnectionFail})
	}
}

func (s *Supervisor) transition(to State, cause *DisconnectError) {
	s.mu.Lock()
	from := s.state
	s.state = to
	retries := s.retries
	s.mu.Unlock()

	if from == to {
		return
	}
	data := map[string]any{
		"from":    from.String(),
		"to":      to.String(),
		"retries": retries,
	}
	if cause != nil {
		data["reason"] = cause.Reason.String()
		data["reason_code"] = int(cause.Reason)
	}
	s.cfg.Bus.Emit(events.SourceWifi, events.KindStateChange, data)
}
