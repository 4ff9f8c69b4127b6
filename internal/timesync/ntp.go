package timesync

import (
	"context"
	"fmt"
	"time"

	"github.com/beevik/ntp"
)

// Syncer measures the offset between the local clock and a reference.
type Syncer interface {
	Sync(ctx context.Context) (time.Duration, error)
	// Server names the reference for logs.
	Server() string
}

// NTPSyncer queries a single NTP server.
type NTPSyncer struct {
	server string
}

// NewNTPSyncer returns a syncer for host (a name or address, optionally
// with ":port").
func NewNTPSyncer(server string) *NTPSyncer {
	return &NTPSyncer{server: server}
}

// Server returns the configured server.
func (s *NTPSyncer) Server() string {
	return s.server
}

// Sync sends one query and returns the measured clock offset. The
// query timeout is taken from ctx's deadline (5s if it has none).
func (s *NTPSyncer) Sync(ctx context.Context) (time.Duration, error) {
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
		if timeout <= 0 {
			return 0, context.DeadlineExceeded
		}
	}

	type result struct {
		resp *ntp.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := ntp.QueryWithOptions(s.server, ntp.QueryOptions{Timeout: timeout})
		done <- result{resp, err}
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return 0, fmt.Errorf("query %s: %w", s.server, r.err)
		}
		if err := r.resp.Validate(); err != nil {
			return 0, fmt.Errorf("invalid response from %s: %w", s.server, err)
		}
		return r.resp.ClockOffset, nil
	}
}
