package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Dial opens a socket to addr, auto-detecting TCP versus unix domain sockets.
// A zero timeout leaves the deadline to ctx.
func Dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	network, address := Detect(addr)
	if address == "" {
		return nil, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s server: %w", network, err)
	}
	return conn, nil
}
