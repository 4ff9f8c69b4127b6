package readout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func batchN(family string, n int) Batch {
	return Batch{
		Family:   family,
		Shape:    ShapeSensorType,
		Readings: []Reading{{Value: float64(n), SensorType: family, Unit: "C"}},
	}
}

func TestChannel_CapacityFiveSixthSendFull(t *testing.T) {
	c := NewChannel(5)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := c.Send(ctx, batchN("ds18b20", i), 10*time.Millisecond); err != nil {
			t.Fatalf("Send #%d error = %v", i, err)
		}
	}

	start := time.Now()
	err := c.Send(ctx, batchN("ds18b20", 6), 20*time.Millisecond)
	if !errors.Is(err, ErrFull) {
		t.Fatalf("Send #6 error = %v, want ErrFull", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Send #6 blocked for %v, past its timeout", elapsed)
	}
	if c.Len() != 5 {
		t.Errorf("Len() = %d, want 5", c.Len())
	}

	// The dropped batch is gone: draining yields exactly 1..5.
	for i := 1; i <= 5; i++ {
		b, err := c.Receive(ctx, 0)
		if err != nil {
			t.Fatalf("Receive #%d error = %v", i, err)
		}
		if got := int(b.Readings[0].Value); got != i {
			t.Errorf("Receive #%d = batch %d", i, got)
		}
	}
	if _, err := c.Receive(ctx, 0); !errors.Is(err, ErrEmpty) {
		t.Errorf("Receive after drain error = %v, want ErrEmpty", err)
	}
}

func TestChannel_SendWaitsForSpace(t *testing.T) {
	c := NewChannel(1)
	ctx := context.Background()
	if err := c.Send(ctx, batchN("a", 1), 0); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Receive(ctx, 0)
	}()

	if err := c.Send(ctx, batchN("a", 2), time.Second); err != nil {
		t.Fatalf("Send() error = %v, want space after receive", err)
	}
}

func TestChannel_SendForeverDoesNotBlock(t *testing.T) {
	c := NewChannel(1)
	ctx := context.Background()
	c.Send(ctx, batchN("a", 1), 0)

	if err := c.Send(ctx, batchN("a", 2), Forever); !errors.Is(err, ErrFull) {
		t.Errorf("Send(Forever) error = %v, want ErrFull", err)
	}
}

func TestChannel_ReceiveTimeout(t *testing.T) {
	c := NewChannel(2)
	start := time.Now()
	if _, err := c.Receive(context.Background(), 20*time.Millisecond); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Receive() error = %v, want ErrEmpty", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Receive() returned before its timeout")
	}
}

func TestChannel_ReceiveForeverWakes(t *testing.T) {
	c := NewChannel(2)
	ctx := context.Background()

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Send(ctx, batchN("dht11", 7), 0)
	}()

	b, err := c.Receive(ctx, Forever)
	if err != nil {
		t.Fatalf("Receive(Forever) error = %v", err)
	}
	if b.Family != "dht11" {
		t.Errorf("Family = %q, want dht11", b.Family)
	}
}

func TestChannel_ReceiveCancelled(t *testing.T) {
	c := NewChannel(2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Receive(ctx, Forever); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive() error = %v, want deadline exceeded", err)
	}
}

func TestChannel_InitIdempotent(t *testing.T) {
	var c Channel
	if err := c.Send(context.Background(), batchN("a", 1), 0); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Send() before Init error = %v, want ErrNotInitialized", err)
	}
	if _, err := c.Receive(context.Background(), 0); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Receive() before Init error = %v, want ErrNotInitialized", err)
	}

	c.Init(3)
	c.Send(context.Background(), batchN("a", 1), 0)
	c.Init(10)

	if c.Cap() != 3 {
		t.Errorf("Cap() = %d after second Init, want 3", c.Cap())
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, second Init must keep queued batches", c.Len())
	}
}

func TestChannel_FIFOAcrossProducers(t *testing.T) {
	const perFamily = 200
	families := []string{"ds18b20", "dht11", "modbus"}
	c := NewChannel(8)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, fam := range families {
		wg.Add(1)
		go func(fam string) {
			defer wg.Done()
			for i := 0; i < perFamily; i++ {
				if err := c.Send(ctx, batchN(fam, i), time.Second); err != nil {
					t.Errorf("Send(%s, %d) error = %v", fam, i, err)
					return
				}
			}
		}(fam)
	}

	next := make(map[string]int)
	for n := 0; n < perFamily*len(families); n++ {
		b, err := c.Receive(ctx, time.Second)
		if err != nil {
			t.Fatalf("Receive #%d error = %v", n, err)
		}
		got := int(b.Readings[0].Value)
		if got != next[b.Family] {
			t.Fatalf("family %s: got batch %d, want %d", b.Family, got, next[b.Family])
		}
		next[b.Family]++
	}
	wg.Wait()

	for _, fam := range families {
		if next[fam] != perFamily {
			t.Errorf("family %s: received %d batches, want %d", fam, next[fam], perFamily)
		}
	}
}

func ExampleFormatAddress() {
	fmt.Println(FormatAddress(0x7F0316A2799AFF28))
	// Output: 0x7F0316A2799AFF28
}
