// Package ready gates service startup on dependency liveness. Every
// binary calls Await once per hard dependency before serving traffic or
// consuming queues, and treats a timeout as fatal.
package ready

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrTimedOut means the dependency never came up within maxWait.
var ErrTimedOut = errors.New("readiness: timed out")

// ProbeFunc is a side-effect-free liveness check.
type ProbeFunc func(ctx context.Context) error

// Pinger covers the store and broker handles.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe adapts a Pinger into a ProbeFunc.
func PingProbe(p Pinger) ProbeFunc {
	return p.Ping
}

// TCPProbe checks that something is listening at addr.
func TCPProbe(addr string) ProbeFunc {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// HTTPProbe checks that url answers with a non-5xx status.
func HTTPProbe(url string) ProbeFunc {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	}
}

// Probe attempts are bounded individually so a hung dependency cannot
// eat the whole wait budget.
const probeTimeout = 2 * time.Second

const maxPollDelay = 5 * time.Second

// Await polls probe until it succeeds or maxWait elapses. The delay
// between attempts starts at pollInterval and doubles up to a cap.
// Returns nil once the dependency is live, ErrTimedOut on exhaustion.
func Await(ctx context.Context, name string, probe ProbeFunc, maxWait, pollInterval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	delay := pollInterval
	for attempt := 1; ; attempt++ {
		probeCtx, probeCancel := context.WithTimeout(ctx, probeTimeout)
		err := probe(probeCtx)
		probeCancel()
		if err == nil {
			log.Info().Str("dependency", name).Int("attempts", attempt).Msg("dependency ready")
			return nil
		}

		log.Warn().Str("dependency", name).Int("attempt", attempt).Err(err).
			Msg("dependency not ready")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s after %s", ErrTimedOut, name, maxWait)
		case <-timer.C:
		}

		delay *= 2
		if delay > maxPollDelay {
			delay = maxPollDelay
		}
	}
}
