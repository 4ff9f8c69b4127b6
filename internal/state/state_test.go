package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestWait_AlreadySatisfied(t *testing.T) {
	r := New(nil)
	r.Set(WifiLinkUp | IPAssigned)

	got, err := r.Wait(context.Background(), WifiLinkUp|IPAssigned, All, 0)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !got.Has(WifiLinkUp | IPAssigned) {
		t.Errorf("Wait() = %v, want wifi_link_up|ip_assigned", got)
	}
}

func TestWait_ZeroTimeoutPolls(t *testing.T) {
	r := New(nil)
	r.Set(WifiLinkUp)

	got, err := r.Wait(context.Background(), WifiLinkUp|ClockSynced, All, 0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Wait() error = %v, want ErrTimeout", err)
	}
	if got != WifiLinkUp {
		t.Errorf("Wait() flags = %v, want wifi_link_up", got)
	}
}

func TestWait_AllDoesNotWakeOnPartial(t *testing.T) {
	r := New(nil)

	done := make(chan Flags, 1)
	go func() {
		got, err := r.Wait(context.Background(), IPAssigned|ClockSynced, All, Forever)
		if err != nil {
			t.Errorf("Wait() error = %v", err)
		}
		done <- got
	}()

	time.Sleep(10 * time.Millisecond)
	r.Set(IPAssigned)

	select {
	case got := <-done:
		t.Fatalf("Wait() returned early with %v", got)
	case <-time.After(30 * time.Millisecond):
	}

	r.Set(ClockSynced)

	select {
	case got := <-done:
		if !got.Has(IPAssigned | ClockSynced) {
			t.Errorf("Wait() = %v, want both flags", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait() did not return after all flags were set")
	}
}

func TestWait_AllIgnoresClearedPrefix(t *testing.T) {
	r := New(nil)

	done := make(chan Flags, 1)
	go func() {
		got, _ := r.Wait(context.Background(), IPAssigned|ClockSynced, All, Forever)
		done <- got
	}()
	time.Sleep(10 * time.Millisecond)

	// Both bits are set at some point, but never at the same time.
	r.Set(IPAssigned)
	r.Clear(IPAssigned)
	r.Set(ClockSynced)

	select {
	case got := <-done:
		t.Fatalf("Wait() returned %v without both flags set together", got)
	case <-time.After(30 * time.Millisecond):
	}

	r.Set(IPAssigned)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait() did not return")
	}
}

func TestWait_AnyReportsFullSet(t *testing.T) {
	r := New(nil)
	r.Set(WifiLinkUp)

	done := make(chan Flags, 1)
	go func() {
		got, err := r.Wait(context.Background(), ClockSynced|BrokerConnected, Any, Forever)
		if err != nil {
			t.Errorf("Wait() error = %v", err)
		}
		done <- got
	}()
	time.Sleep(10 * time.Millisecond)

	r.Set(BrokerConnected)

	select {
	case got := <-done:
		want := WifiLinkUp | BrokerConnected
		if got != want {
			t.Errorf("Wait() = %v, want %v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait() did not return after one flag was set")
	}
}

func TestWait_DoesNotClearOnWake(t *testing.T) {
	r := New(nil)
	r.Set(ClockSynced)

	for i := 0; i < 3; i++ {
		if _, err := r.Wait(context.Background(), ClockSynced, All, 0); err != nil {
			t.Fatalf("Wait() #%d error = %v", i, err)
		}
	}
	if got := r.Get(); got != ClockSynced {
		t.Errorf("Get() = %v, want clock_synced", got)
	}
}

func TestWait_Timeout(t *testing.T) {
	r := New(nil)

	start := time.Now()
	_, err := r.Wait(context.Background(), BrokerConnected, All, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Wait() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Wait() returned after %v, before the timeout", elapsed)
	}

	r.mu.Lock()
	n := len(r.waiters)
	r.mu.Unlock()
	if n != 0 {
		t.Errorf("waiters = %d after timeout, want 0", n)
	}
}

func TestWait_ContextCancel(t *testing.T) {
	r := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := r.Wait(ctx, BrokerConnected, All, Forever)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Wait() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait() did not return after cancel")
	}
}

func TestWait_ManyWaiters(t *testing.T) {
	r := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Wait(context.Background(), IPAssigned, All, time.Second); err != nil {
				t.Errorf("Wait() error = %v", err)
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	r.Set(IPAssigned)
	wg.Wait()
}

func TestNilRegister(t *testing.T) {
	var r *Register

	r.Set(WifiLinkUp)
	r.Clear(WifiLinkUp)
	if got := r.Get(); got != 0 {
		t.Errorf("Get() = %v, want 0", got)
	}
	if _, err := r.Wait(context.Background(), WifiLinkUp, All, Forever); !errors.Is(err, ErrNoRegister) {
		t.Errorf("Wait() error = %v, want ErrNoRegister", err)
	}

	q := NewRequest(nil, 0)
	if q.Post() || q.Take() {
		t.Error("nil request reported pending state")
	}
}

func TestReadRequested(t *testing.T) {
	if ReadRequested(0) != 1<<4 {
		t.Errorf("ReadRequested(0) = %b", ReadRequested(0))
	}
	if ReadRequested(MaxFamilies-1) != 1<<31 {
		t.Errorf("ReadRequested(last) = %b", ReadRequested(MaxFamilies-1))
	}
	for _, i := range []int{-1, MaxFamilies} {
		if got := ReadRequested(i); got != 0 {
			t.Errorf("ReadRequested(%d) = %b, want 0", i, got)
		}
	}
}

func TestFlagsString(t *testing.T) {
	tests := []struct {
		flags Flags
		want  string
	}{
		{0, "none"},
		{WifiLinkUp, "wifi_link_up"},
		{IPAssigned | ClockSynced, "ip_assigned|clock_synced"},
		{BrokerConnected | ReadRequested(2), "broker_connected|read_requested[2]"},
	}
	for _, tt := range tests {
		if got := tt.flags.String(); got != tt.want {
			t.Errorf("%b.String() = %q, want %q", uint32(tt.flags), got, tt.want)
		}
	}
}

func TestRequest_Coalesces(t *testing.T) {
	r := New(nil)
	q := NewRequest(r, 1)

	if q.Post() {
		t.Error("first Post() reported coalesced")
	}
	if !q.Post() {
		t.Error("second Post() did not coalesce")
	}
	if !q.Take() {
		t.Error("Take() = false with a pending request")
	}
	if q.Take() {
		t.Error("second Take() = true, request should be consumed")
	}
	if r.Get()&q.Bit() != 0 {
		t.Error("request bit still set after Take()")
	}
}

func TestRequest_AwaitNeedsClock(t *testing.T) {
	r := New(nil)
	q := NewRequest(r, 0)
	q.Post()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := q.Await(ctx, ClockSynced); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Await() error = %v, want deadline exceeded", err)
	}

	r.Set(ClockSynced)
	got, err := q.Await(context.Background(), ClockSynced)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if !got.Has(q.Bit() | ClockSynced) {
		t.Errorf("Await() = %v", got)
	}
}
