// Package safehttp guards outbound connections against private network targets.
package safehttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrPrivateAddress is wrapped by dial errors for refused destinations.
var ErrPrivateAddress = errors.New("private address denied")

// PublicOnlyDialContext dials addr and rejects the connection if the remote end is a
// loopback, private or link-local address. The check runs on the resolved peer so
// DNS answers pointing at internal ranges are caught too.
func PublicOnlyDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	ip := net.ParseIP(host)
	if ip == nil {
		conn.Close()
		return nil, fmt.Errorf("failed to parse remote IP for %q", addr)
	}

	if IsPrivate(ip) {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrPrivateAddress, ip)
	}

	return conn, nil
}

// IsPrivate reports whether ip is loopback, private or link-local.
func IsPrivate(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
