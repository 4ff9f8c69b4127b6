// Package state provides the condition-flag register shared by every
// long-running task in fieldnode. Supervisors publish what they have
// established (link up, address assigned, clock synchronized, broker
// session live) as level flags; triggers post per-family read requests.
// Consumers block on combinations of flags instead of calling into the
// supervisors directly.
//
// Waking never clears a flag. Level flags are cleared only by their
// designated owner, and read requests are cleared only by the sampler
// that takes them (see [Request]).
package state

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Flags is a bitmask of conditions held in a [Register].
type Flags uint32

// Level flags. Each has exactly one designated writer:
//
//	WifiLinkUp, IPAssigned   wifi supervisor
//	ClockSynced              timesync supervisor
//	BrokerConnected          mqtt session event loop
const (
	WifiLinkUp Flags = 1 << iota
	IPAssigned
	ClockSynced
	BrokerConnected
)

// levelTrace matches config.LevelTrace without importing config.
const levelTrace = slog.Level(-8)

// requestBase is the first bit used for per-family read requests.
const requestBase = 4

// MaxFamilies is the number of sensor families that can own a read
// request bit.
const MaxFamilies = 32 - requestBase

// Forever makes [Register.Wait] block until the condition holds or the
// context ends.
const Forever time.Duration = -1

// Mode selects how [Register.Wait] combines the requested flags.
type Mode int

const (
	// All waits until every requested flag is set at the same instant.
	All Mode = iota
	// Any waits until at least one requested flag is set.
	Any
)

var (
	// ErrTimeout is returned by Wait when the timeout elapses first.
	ErrTimeout = errors.New("state: wait timed out")
	// ErrNoRegister is returned when a nil register is used.
	ErrNoRegister = errors.New("state: register not created")
)

var levelNames = []struct {
	flag Flags
	name string
}{
	{WifiLinkUp, "wifi_link_up"},
	{IPAssigned, "ip_assigned"},
	{ClockSynced, "clock_synced"},
	{BrokerConnected, "broker_connected"},
}

// ReadRequested returns the read-request bit for the family with the
// given index. Indexes outside [0, MaxFamilies) yield 0.
func ReadRequested(family int) Flags {
	if family < 0 || family >= MaxFamilies {
		return 0
	}
	return 1 << (requestBase + family)
}

// Has reports whether every bit in mask is set in f.
func (f Flags) Has(mask Flags) bool {
	return f&mask == mask
}

// String renders the set flags as a pipe-separated list for logging.
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, l := range levelNames {
		if f&l.flag != 0 {
			parts = append(parts, l.name)
		}
	}
	for i := 0; i < MaxFamilies; i++ {
		if f&ReadRequested(i) != 0 {
			parts = append(parts, "read_requested["+strconv.Itoa(i)+"]")
		}
	}
	return strings.Join(parts, "|")
}

func satisfied(bits, mask Flags, mode Mode) bool {
	if mode == Any {
		return bits&mask != 0
	}
	return bits&mask == mask
}

// waiter is one blocked Wait call. The register delivers the flags
// observed at the moment the condition held on ch.
type waiter struct {
	mask Flags
	mode Mode
	ch   chan Flags
}

// Register is a process-wide set of condition flags with blocking
// waits. All methods are safe for concurrent use. A nil *Register is
// tolerated: every method logs a usage error and does nothing.
type Register struct {
	mu      sync.Mutex
	bits    Flags
	waiters map[*waiter]struct{}
	logger  *slog.Logger
}

// New creates an empty register.
func New(logger *slog.Logger) *Register {
	if logger == nil {
		logger = slog.Default()
	}
	return &Register{
		waiters: make(map[*waiter]struct{}),
		logger:  logger,
	}
}

func usageError(op string) {
	slog.Default().Error("state register used before creation", "op", op)
}

// Get returns a snapshot of the current flags.
func (r *Register) Get() Flags {
	if r == nil {
		usageError("get")
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bits
}

// Set sets every bit in f and wakes waiters whose condition now holds.
func (r *Register) Set(f Flags) {
	if r == nil {
		usageError("set")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setLocked(f)
}

// Clear clears every bit in f. Clearing can never satisfy a waiter, so
// nobody is woken.
func (r *Register) Clear(f Flags) {
	if r == nil {
		usageError("clear")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bits&f == 0 {
		return
	}
	r.bits &^= f
	r.logger.Log(context.Background(), levelTrace, "flags cleared", "cleared", f, "now", r.bits)
}

func (r *Register) setLocked(f Flags) {
	if r.bits&f == f {
		return
	}
	r.bits |= f
	r.logger.Log(context.Background(), levelTrace, "flags set", "set", f, "now", r.bits)
	for w := range r.waiters {
		if satisfied(r.bits, w.mask, w.mode) {
			w.ch <- r.bits
			delete(r.waiters, w)
		}
	}
}

// Wait blocks until the flags in mask satisfy mode, the timeout
// elapses, or ctx ends. A timeout of 0 polls once; [Forever] (or any
// negative value) never times out.
//
// On success it returns the flags observed at the instant the
// condition held. On timeout it returns the current flags and
// [ErrTimeout]; on cancellation it returns ctx.Err().
func (r *Register) Wait(ctx context.Context, mask Flags, mode Mode, timeout time.Duration) (Flags, error) {
	if r == nil {
		usageError("wait")
		return 0, ErrNoRegister
	}

	r.mu.Lock()
	if satisfied(r.bits, mask, mode) {
		bits := r.bits
		r.mu.Unlock()
		return bits, nil
	}
	if timeout == 0 {
		bits := r.bits
		r.mu.Unlock()
		return bits, ErrTimeout
	}
	w := &waiter{mask: mask, mode: mode, ch: make(chan Flags, 1)}
	r.waiters[w] = struct{}{}
	r.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case bits := <-w.ch:
		return bits, nil
	case <-expired:
		return r.abandon(w, ErrTimeout)
	case <-ctx.Done():
		return r.abandon(w, ctx.Err())
	}
}

// abandon deregisters w after a timeout or cancellation. If a Set
// satisfied w in the meantime the wake wins.
func (r *Register) abandon(w *waiter, err error) (Flags, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, pending := r.waiters[w]; pending {
		delete(r.waiters, w)
		return r.bits, err
	}
	return <-w.ch, nil
}

// testAndSet sets f and reports whether it was already fully set.
func (r *Register) testAndSet(f Flags) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := r.bits&f == f
	r.setLocked(f)
	return was
}

// testAndClear clears f and reports whether any of it was set.
func (r *Register) testAndClear(f Flags) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := r.bits&f != 0
	r.bits &^= f
	return was
}
