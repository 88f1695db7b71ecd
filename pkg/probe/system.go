package probe

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"time"
)

// SystemPinger shells out to the system ping, falling back to a TCP
// connect when ping is missing or blocked.
type SystemPinger struct {
	// FallbackPort is dialed when ICMP fails; defaults to the device
	// API port since that is what tunnel peers keep open.
	FallbackPort int
}

func (sp SystemPinger) Ping(ctx context.Context, address string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	cmd := exec.CommandContext(ctx, "ping", "-c", "1", "-W", strconv.Itoa(secs), address)
	if err := cmd.Run(); err == nil {
		return nil
	}
	port := sp.FallbackPort
	if port == 0 {
		port = 8728
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("icmp failed and tcp fallback to :%d failed: %w", port, err)
	}
	return conn.Close()
}

// NetDialer opens and immediately closes a TCP socket.
type NetDialer struct{}

func (NetDialer) PortOpen(ctx context.Context, address string, port int, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return conn.Close()
}
