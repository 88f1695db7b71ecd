// Package probe performs bounded-timeout liveness checks against peer
// addresses. Transport failures never surface as errors; they resolve
// to an offline result with a recorded reason.
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/mmkash-web/wireguard/pkg/model"
)

// Pinger is the reachability capability. A nil error means the address
// answered an echo within the timeout.
type Pinger interface {
	Ping(ctx context.Context, address string, timeout time.Duration) error
}

// PortDialer is the service-accessibility capability: socket-open only,
// no protocol handshake at this layer.
type PortDialer interface {
	PortOpen(ctx context.Context, address string, port int, timeout time.Duration) error
}

const (
	DefaultAttempts = 3
	DefaultTimeout  = 5 * time.Second

	// maxTimeout keeps fleet-wide scans bounded.
	maxTimeout = 5 * time.Second
)

// Probe runs reachability then API checks with an explicit retry count
// and per-attempt timeout.
type Probe struct {
	Pinger   Pinger
	Dialer   PortDialer
	Attempts int
	Timeout  time.Duration
}

// New returns a probe with the default retry policy.
func New(p Pinger, d PortDialer) *Probe {
	return &Probe{Pinger: p, Dialer: d, Attempts: DefaultAttempts, Timeout: DefaultTimeout}
}

// Check pings address up to Attempts times, then, only if reachable,
// tries a socket open against apiPort.
func (p *Probe) Check(ctx context.Context, address string, apiPort int) model.ProbeResult {
	res := model.ProbeResult{Timestamp: time.Now()}
	if address == "" {
		res.Reason = "no address assigned"
		return res
	}

	attempts := p.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	timeout := p.Timeout
	if timeout <= 0 || timeout > maxTimeout {
		timeout = DefaultTimeout
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := p.Pinger.Ping(ctx, address, timeout); err == nil {
			res.Reachable = true
			break
		} else {
			lastErr = err
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
	}
	if !res.Reachable {
		res.Reason = fmt.Sprintf("unreachable after %d attempts: %v", attempts, lastErr)
		return res
	}

	if err := p.Dialer.PortOpen(ctx, address, apiPort, timeout); err != nil {
		res.Reason = fmt.Sprintf("api port %d not accessible: %v", apiPort, err)
		return res
	}
	res.APIAccessible = true
	return res
}
