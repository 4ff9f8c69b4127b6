package wifi

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/fieldnode/internal/state"
)

type eventLog struct {
	mu  sync.Mutex
	evs []Event
}

func (l *eventLog) post(ev Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evs = append(l.evs, ev)
	return true
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.evs))
	for i, ev := range l.evs {
		out[i] = ev.Kind
	}
	return out
}

func (l *eventLog) last() Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evs[len(l.evs)-1]
}

func TestNetifRadio_ReportsLinkTransitions(t *testing.T) {
	var up atomic.Bool
	log := &eventLog{}
	r := NewNetifRadio(NetifConfig{Interface: "wlan0", PollInterval: 5 * time.Millisecond}, log.post)
	r.inspect = func(name string) (linkState, error) {
		if !up.Load() {
			return linkState{}, fmt.Errorf("%s: %w", name, errLinkDown)
		}
		return linkState{Addr: "192.168.1.20"}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	time.Sleep(20 * time.Millisecond)
	up.Store(true)
	time.Sleep(20 * time.Millisecond)
	up.Store(false)
	time.Sleep(20 * time.Millisecond)

	want := []EventKind{EventStarted, EventConnected, EventGotIP, EventDisconnected}
	got := log.kinds()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if ev := log.last(); ev.Reason != ReasonBeaconTimeout {
		t.Errorf("disconnect reason = %v, want beacon timeout", ev.Reason)
	}
	log.mu.Lock()
	addr := log.evs[2].Addr
	log.mu.Unlock()
	if addr != "192.168.1.20" {
		t.Errorf("GotIP addr = %q", addr)
	}
}

func TestNetifRadio_ConnectTimesOut(t *testing.T) {
	log := &eventLog{}
	r := NewNetifRadio(NetifConfig{
		Interface:      "wlan9",
		PollInterval:   5 * time.Millisecond,
		ConnectTimeout: 30 * time.Millisecond,
	}, log.post)
	r.inspect = func(name string) (linkState, error) {
		return linkState{}, fmt.Errorf("%s: %w", name, errInterfaceMissing)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	if err := r.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	// A second call while the first is in flight is absorbed.
	r.Connect(ctx)
	r.wg.Wait()

	got := log.kinds()
	if len(got) != 2 || got[1] != EventDisconnected {
		t.Fatalf("events = %v, want [started disconnected]", got)
	}
	if ev := log.last(); ev.Reason != ReasonNoAPFound {
		t.Errorf("reason = %v, want no AP found", ev.Reason)
	}
}

func TestNetifRadio_ConnectSucceedsWhenLinkUp(t *testing.T) {
	log := &eventLog{}
	r := NewNetifRadio(NetifConfig{
		Interface:      "wlan0",
		PollInterval:   5 * time.Millisecond,
		ConnectTimeout: time.Second,
	}, log.post)
	r.inspect = func(string) (linkState, error) {
		return linkState{Addr: "10.1.1.1"}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	r.Connect(ctx)
	r.wg.Wait()

	for _, k := range log.kinds() {
		if k == EventDisconnected {
			t.Fatal("connect reported failure with link up")
		}
	}
}

func TestNetifRadio_ReleasesGateBeforeReporting(t *testing.T) {
	const rounds = 3
	var (
		r       *NetifRadio
		reports atomic.Int32
		reissue = make(chan error, rounds)
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r = NewNetifRadio(NetifConfig{
		Interface:      "wlan9",
		PollInterval:   5 * time.Millisecond,
		ConnectTimeout: time.Millisecond,
	}, func(ev Event) bool {
		if ev.Kind == EventDisconnected && reports.Add(1) < rounds {
			// Reconnect from inside the report, as a supervisor does.
			reissue <- r.Connect(ctx)
		}
		return true
	})
	r.inspect = func(name string) (linkState, error) {
		return linkState{}, fmt.Errorf("%s: %w", name, errInterfaceMissing)
	}

	r.Connect(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for reports.Load() < rounds {
		if time.Now().After(deadline) {
			t.Fatalf("only %d failures reported, want %d: reconnect was swallowed", reports.Load(), rounds)
		}
		time.Sleep(time.Millisecond)
	}
	r.Wait()
	close(reissue)
	for err := range reissue {
		if err != nil {
			t.Errorf("Connect from report: %v", err)
		}
	}
}

func TestNetifRadio_SupervisorReachesGivenUp(t *testing.T) {
	const maxRetry = 30
	for run := 0; run < 20; run++ {
		var sup *Supervisor
		r := NewNetifRadio(NetifConfig{
			Interface:      "wlan9",
			PollInterval:   5 * time.Millisecond,
			ConnectTimeout: time.Millisecond,
		}, func(ev Event) bool { return sup.Post(ev) })
		r.inspect = func(name string) (linkState, error) {
			return linkState{}, fmt.Errorf("%s: %w", name, errInterfaceMissing)
		}
		sup = NewSupervisor(r, state.New(nil), Config{MaxRetry: maxRetry, InboxSize: 64})

		ctx, cancel := context.WithCancel(context.Background())
		go sup.Run(ctx)
		r.Start(ctx)

		deadline := time.Now().Add(2 * time.Second)
		for sup.State() != GivenUp && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		st, attempts, retries := sup.State(), sup.Attempts(), sup.Retries()
		cancel()
		r.Wait()

		if st != GivenUp {
			t.Fatalf("run %d: stalled in %v, retries=%d attempts=%d", run, st, retries, attempts)
		}
		if attempts != maxRetry+1 {
			t.Fatalf("run %d: attempts = %d, want %d", run, attempts, maxRetry+1)
		}
		if got := r.Status(); got.Ready || got.LastError == "" {
			t.Errorf("run %d: link status = %+v", run, got)
		}
	}
}
