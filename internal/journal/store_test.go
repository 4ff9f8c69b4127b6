package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/fieldnode/internal/events"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal_test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := testStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, kind := range []string{events.KindBatchPublished, events.KindBatchDiscarded} {
		err := s.Record(events.Event{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Source:    events.SourcePublisher,
			Kind:      kind,
			Data:      map[string]any{"family": "ds18b20", "readings": 3},
		})
		if err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}
	if err := s.Record(events.Event{Timestamp: base, Source: events.SourceMQTT, Kind: events.KindBrokerUp}); err != nil {
		t.Fatalf("Record() without data error: %v", err)
	}

	got, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent() returned %d events, want 3", len(got))
	}
	if got[0].Kind != events.KindBrokerUp || got[0].Data != nil {
		t.Errorf("newest event = %+v", got[0])
	}
	if got[1].Kind != events.KindBatchDiscarded || got[1].Data["family"] != "ds18b20" {
		t.Errorf("second event = %+v", got[1])
	}
	// JSON numbers come back as float64.
	if got[1].Data["readings"] != float64(3) {
		t.Errorf("readings = %v (%T)", got[1].Data["readings"], got[1].Data["readings"])
	}
	if !got[2].Timestamp.Equal(base) {
		t.Errorf("oldest timestamp = %v, want %v", got[2].Timestamp, base)
	}

	n, err := s.Count(events.SourcePublisher, events.KindBatchDiscarded)
	if err != nil || n != 1 {
		t.Errorf("Count() = %d, %v, want 1", n, err)
	}
}

func TestGetSet(t *testing.T) {
	s := testStore(t)

	if v, err := s.Get("node", "missing"); err != nil || v != "" {
		t.Errorf("Get(missing) = %q, %v", v, err)
	}
	s.Set("node", "k", "v1")
	s.Set("node", "k", "v2")
	if v, _ := s.Get("node", "k"); v != "v2" {
		t.Errorf("Get() = %q, want v2", v)
	}
}

func TestRecordBoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.db")
	for _, tt := range []struct {
		bootID string
		want   int
	}{{"boot-a", 1}, {"boot-b", 2}} {
		s, err := Open(path)
		if err != nil {
			t.Fatal(err)
		}
		n, err := s.RecordBoot(tt.bootID)
		last, _ := s.Get("node", "last_boot_id")
		s.Close()
		if err != nil {
			t.Fatalf("RecordBoot() error: %v", err)
		}
		if n != tt.want || last != tt.bootID {
			t.Errorf("boot count = %d last = %q, want %d %q", n, last, tt.want, tt.bootID)
		}
	}
}

func TestFollow(t *testing.T) {
	s := testStore(t)
	bus := events.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Follow(ctx, bus, s, nil)
		close(done)
	}()

	for bus.SubscriberCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	bus.Emit(events.SourceSampler, events.KindBatchDropped, map[string]any{"family": "dht11"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, _ := s.Count(events.SourceSampler, events.KindBatchDropped)
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
	if bus.SubscriberCount() != 0 {
		t.Error("Follow left its subscription behind")
	}
}
