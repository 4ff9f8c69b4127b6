package wifi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/fieldnode/internal/linkwatch"
)

var (
	errInterfaceMissing = errors.New("interface not present")
	errLinkDown         = errors.New("link down")
	errNoAddress        = errors.New("no IPv4 address")
)

// linkState is what a probe of the interface found.
type linkState struct {
	Addr string
}

// NetifConfig configures a NetifRadio.
type NetifConfig struct {
	// Interface is the network interface to watch (e.g., "wlan0").
	Interface string

	// PollInterval is how often the interface is inspected.
	PollInterval time.Duration

	// ConnectTimeout bounds how long one connect attempt waits for the
	// link to come up before it is reported as failed.
	ConnectTimeout time.Duration

	// ConnectCommand, if set, is run on every connect attempt
	// (e.g., ["nmcli", "device", "connect", "wlan0"]).
	ConnectCommand []string

	Logger *slog.Logger
}

// NetifRadio is a [Radio] for hosts where an OS network manager owns
// the association. It watches the interface and reports link and
// address changes as events. Connect nudges the network manager with
// the configured command and reports a failure if the link is still
// down after ConnectTimeout.
type NetifRadio struct {
	cfg     NetifConfig
	sink    func(Event) bool
	logger  *slog.Logger
	watcher *linkwatch.Watcher

	// inspect is replaced in tests.
	inspect func(name string) (linkState, error)

	addr     atomic.Value // string
	inFlight atomic.Bool
	started  atomic.Bool
	wg       sync.WaitGroup
}

var (
	_ Radio        = (*NetifRadio)(nil)
	_ linkReporter = (*NetifRadio)(nil)
)

// NewNetifRadio creates a radio that delivers its events to sink,
// normally [Supervisor.Post].
func NewNetifRadio(cfg NetifConfig, sink func(Event) bool) *NetifRadio {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 20 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &NetifRadio{
		cfg:     cfg,
		sink:    sink,
		logger:  cfg.Logger.With("component", "netif", "interface", cfg.Interface),
		inspect: inspectInterface,
	}
	r.addr.Store("")
	r.watcher = linkwatch.New(linkwatch.Config{
		Name:         cfg.Interface,
		Probe:        r.probe,
		PollInterval: cfg.PollInterval,
		OnReady:      r.onReady,
		OnDown:       r.onDown,
		Logger:       cfg.Logger,
	})
	return r
}

// Start posts EventStarted and begins watching the interface. It
// returns immediately; watching stops when ctx ends.
func (r *NetifRadio) Start(ctx context.Context) {
	r.started.Store(true)
	r.sink(Event{Kind: EventStarted})
	go r.watcher.Run(ctx)
}

// Connect starts one connect attempt. While an attempt is in flight
// further calls are no-ops. The gate is released before the outcome is
// reported, so the next Connect issued in response always starts a new
// attempt.
func (r *NetifRadio) Connect(ctx context.Context) error {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.logger.Debug("connect attempt already in flight")
		return nil
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ev, failed := r.attempt(ctx)
		r.inFlight.Store(false)
		if failed {
			r.sink(ev)
		}
	}()
	return nil
}

// Wait blocks until in-flight connect attempts have returned and, if
// the radio was started, the interface watcher has stopped.
func (r *NetifRadio) Wait() {
	r.wg.Wait()
	if r.started.Load() {
		<-r.watcher.Done()
	}
}

// Status reports what the interface watcher last saw.
func (r *NetifRadio) Status() linkwatch.Status {
	return r.watcher.Status()
}

// attempt runs the connect command and waits for the link. It returns
// the disconnect event to report when the link did not come up in time.
func (r *NetifRadio) attempt(ctx context.Context) (Event, bool) {
	if len(r.cfg.ConnectCommand) > 0 {
		cmd := exec.CommandContext(ctx, r.cfg.ConnectCommand[0], r.cfg.ConnectCommand[1:]...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			r.logger.Warn("connect command failed", "error", err, "output", string(out))
		}
	}

	deadline := time.NewTimer(r.cfg.ConnectTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(min(r.cfg.PollInterval, 250*time.Millisecond))
	defer tick.Stop()

	for !r.watcher.IsReady() {
		select {
		case <-ctx.Done():
			return Event{}, false
		case <-deadline.C:
			reason := ReasonConnectionFail
			if errors.Is(r.watcher.LastError(), errInterfaceMissing) {
				reason = ReasonNoAPFound
			}
			r.logger.Debug("connect attempt timed out", "timeout", r.cfg.ConnectTimeout)
			return Event{Kind: EventDisconnected, Reason: reason}, true
		case <-tick.C:
		}
	}
	return Event{}, false
}

func (r *NetifRadio) probe(context.Context) error {
	st, err := r.inspect(r.cfg.Interface)
	if err != nil {
		return err
	}
	r.addr.Store(st.Addr)
	return nil
}

func (r *NetifRadio) onReady() {
	r.sink(Event{Kind: EventConnected})
	r.sink(Event{Kind: EventGotIP, Addr: r.addr.Load().(string)})
}

func (r *NetifRadio) onDown(err error) {
	reason := ReasonUnspecified
	switch {
	case errors.Is(err, errInterfaceMissing):
		reason = ReasonNoAPFound
	case errors.Is(err, errLinkDown):
		reason = ReasonBeaconTimeout
	case errors.Is(err, errNoAddress):
		reason = ReasonConnectionFail
	}
	r.sink(Event{Kind: EventDisconnected, Reason: reason})
}

// inspectInterface reports the interface ready when it is up, running
// and holds a global IPv4 address.
func inspectInterface(name string) (linkState, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return linkState{}, fmt.Errorf("%s: %w", name, errInterfaceMissing)
	}
	if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagRunning == 0 {
		return linkState{}, fmt.Errorf("%s: %w", name, errLinkDown)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return linkState{}, fmt.Errorf("%s addresses: %w", name, err)
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil && ip4.IsGlobalUnicast() {
			return linkState{Addr: ip4.String()}, nil
		}
	}
	return linkState{}, fmt.Errorf("%s: %w", name, errNoAddress)
}
