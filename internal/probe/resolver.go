package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver turns a host name into addresses. Implementations must honour the
// context deadline.
type Resolver interface {
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

// SystemResolver uses the operating system resolver.
type SystemResolver struct {
	Resolver *net.Resolver
}

func (s SystemResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	r := s.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	return r.LookupIP(ctx, "ip", host)
}

// DNSResolver queries one DNS server directly over UDP, A first then AAAA.
// It is used when the system resolver must be bypassed (dns_server option).
type DNSResolver struct {
	server string
	client *dns.Client
}

// NewDNSResolver accepts "host" or "host:port"; the port defaults to 53.
func NewDNSResolver(server string) *DNSResolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &DNSResolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: 5 * time.Second},
	}
}

func (r *DNSResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true

		resp, _, err := r.client.ExchangeContext(ctx, m, r.server)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("rcode %s", dns.RcodeToString[resp.Rcode])
			continue
		}
		for _, ans := range resp.Answer {
			switch rr := ans.(type) {
			case *dns.A:
				ips = append(ips, rr.A)
			case *dns.AAAA:
				ips = append(ips, rr.AAAA)
			}
		}
	}
	if len(ips) > 0 {
		return ips, nil
	}

	dnsErr := &net.DNSError{Name: host, Server: r.server, Err: "no such host", IsNotFound: true}
	if lastErr != nil {
		dnsErr.Err = lastErr.Error()
		dnsErr.IsNotFound = false
		dnsErr.IsTimeout = isTimeout(lastErr)
	}
	return nil, dnsErr
}
