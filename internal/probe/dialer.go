package probe

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Dialer opens the TCP connection to a proxy. It does not retry.
type Dialer struct {
	Resolver Resolver
}

// Dial connects to host:port, giving up at deadline. Errors are *Error with
// one of KindDNSFailure, KindConnectTimeout, KindConnectRefused or
// KindConnectFailed.
func (d *Dialer) Dial(ctx context.Context, host string, port uint16, deadline time.Time) (net.Conn, error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ips, err := resolve(ctx, d.resolver(), host)
	if err != nil {
		return nil, classifyDial("resolve proxy", err)
	}

	var nd net.Dialer
	var lastErr error
	portStr := strconv.Itoa(int(port))
	for _, ip := range ips {
		conn, err := nd.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), portStr))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if ctx.Err() != nil && !isTimeout(lastErr) {
		lastErr = ctx.Err()
	}
	return nil, classifyDial("connect proxy", lastErr)
}

func (d *Dialer) resolver() Resolver {
	if d.Resolver == nil {
		return SystemResolver{}
	}
	return d.Resolver
}

// resolve returns literal addresses as is and otherwise asks r, IPv4 first.
func resolve(ctx context.Context, r Resolver, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	ips, err := r.LookupIP(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Name: host, Err: "no such host", IsNotFound: true}
	}
	ordered := make([]net.IP, 0, len(ips))
	for _, ip := range ips {
		if ip.To4() != nil {
			ordered = append(ordered, ip)
		}
	}
	for _, ip := range ips {
		if ip.To4() == nil {
			ordered = append(ordered, ip)
		}
	}
	return ordered, nil
}
