package probe

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"proxyprobe/internal/shared/logger"
	"proxyprobe/internal/shared/types"
)

const (
	DefaultTimeout       = 10 * time.Second
	DefaultConnectTarget = "www.gstatic.com:443"
	DefaultConcurrency   = 16
)

// Options configures a Prober. The zero value is not usable; start from
// DefaultOptions or OptionsFromConfig.
type Options struct {
	// Timeout bounds one whole probe: connect, negotiate and verify.
	Timeout time.Duration
	// VerifyURL is fetched through the tunnel. Empty disables verification
	// and the probe succeeds as soon as the tunnel is established. Without
	// it an ordinary web server that answers CONNECT with 200 (Go's net/http
	// does) is reported as a working HTTP proxy.
	VerifyURL string
	// ConnectTarget is the tunnel destination when VerifyURL is empty.
	ConnectTarget      string
	UserAgent          string
	InsecureSkipVerify bool
	Resolver           Resolver
}

func DefaultOptions() Options {
	return Options{
		Timeout:       DefaultTimeout,
		VerifyURL:     types.DefaultConfig().VerifyURL,
		ConnectTarget: DefaultConnectTarget,
		UserAgent:     types.DefaultUserAgent,
	}
}

// OptionsFromConfig maps the [probe] section onto Options.
func OptionsFromConfig(c types.ProbeConf) Options {
	opts := Options{
		Timeout:            time.Duration(c.TimeoutMs) * time.Millisecond,
		VerifyURL:          c.VerifyURL,
		ConnectTarget:      c.ConnectTarget,
		UserAgent:          c.UserAgent,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if c.DNSServer != "" {
		opts.Resolver = NewDNSResolver(c.DNSServer)
	}
	return opts
}

// Result is the outcome of one probe. Latency is set only on success, Kind
// and Err only on failure.
type Result struct {
	Success       bool
	Latency       *time.Duration
	Kind          ErrorKind
	RemoteAddress string
	Err           error
}

// Prober runs probes. It holds no per-probe state and is safe for concurrent
// use.
type Prober struct {
	opts      Options
	dialer    Dialer
	verifyURL *url.URL // nil: 不做转发验证
	destHost  string
	destPort  uint16
}

func New(opts Options) (*Prober, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = types.DefaultUserAgent
	}
	if opts.ConnectTarget == "" {
		opts.ConnectTarget = DefaultConnectTarget
	}
	p := &Prober{opts: opts, dialer: Dialer{Resolver: opts.Resolver}}

	dest := opts.ConnectTarget
	if opts.VerifyURL != "" {
		u, err := url.Parse(opts.VerifyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid verify url: %w", err)
		}
		switch u.Scheme {
		case "http", "https":
		default:
			return nil, fmt.Errorf("verify url scheme %q not supported", u.Scheme)
		}
		if u.Hostname() == "" {
			return nil, fmt.Errorf("verify url %q has no host", opts.VerifyURL)
		}
		p.verifyURL = u
		port := u.Port()
		if port == "" {
			port = "80"
			if u.Scheme == "https" {
				port = "443"
			}
		}
		dest = net.JoinHostPort(u.Hostname(), port)
	}

	host, portStr, err := net.SplitHostPort(dest)
	if err != nil {
		return nil, fmt.Errorf("invalid connect target %q: %w", dest, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, fmt.Errorf("invalid connect target port %q", portStr)
	}
	p.destHost, p.destPort = host, uint16(port)
	return p, nil
}

// Probe runs one probe against t. It never panics on network failure; the
// returned Result always describes what happened.
func (p *Prober) Probe(ctx context.Context, t Target) Result {
	log := logger.WithComponent("Probe").With().
		Str("probe_id", uuid.NewString()).
		Str("target", t.String()).
		Logger()

	start := time.Now()
	res := p.run(ctx, t, start, log)
	elapsed := time.Since(start)

	if res.Success {
		log.Debug().Dur("latency", *res.Latency).Str("remote", res.RemoteAddress).Msg("Probe succeeded.")
	} else {
		log.Debug().Str("kind", string(res.Kind)).Err(res.Err).Dur("elapsed", elapsed).Msg("Probe failed.")
	}
	return res
}

func (p *Prober) run(ctx context.Context, t Target, start time.Time, log zerolog.Logger) Result {
	b := newBudget(start, p.opts.Timeout, p.verifyURL != nil)
	ctx, cancel := context.WithDeadline(ctx, b.deadline)
	defer cancel()

	raw, err := p.dialer.Dial(ctx, t.Host, t.Port, b.next(time.Now(), phaseConnect))
	if err != nil {
		return failed(err)
	}
	conn := &countedConn{Conn: raw}
	defer func() {
		conn.Close()
		log.Trace().Int64("uplink", conn.uplink.Load()).Int64("downlink", conn.downlink.Load()).Msg("Connection closed.")
	}()
	stop := watchCancel(ctx, conn)
	defer stop()

	negDeadline := b.next(time.Now(), phaseNegotiate)
	if err := conn.SetDeadline(negDeadline); err != nil {
		return failed(newError(KindConnectFailed, "set deadline", err))
	}
	negCtx, negCancel := context.WithDeadline(ctx, negDeadline)
	defer negCancel()

	var tunnel net.Conn = conn
	var bound string
	if t.Scheme == SchemeHTTP {
		dest := net.JoinHostPort(p.destHost, strconv.Itoa(int(p.destPort)))
		tunnel, err = negotiateHTTP(conn, t, dest, p.opts.UserAgent)
	} else {
		n := newSocks5Negotiator(conn, t, p.dialer.resolver())
		err = n.negotiate(negCtx, p.destHost, p.destPort)
		bound = n.bound
	}
	if err != nil {
		return failed(err)
	}
	log.Trace().Str("bound", bound).Msg("Tunnel established.")

	remote := bound
	if p.verifyURL != nil {
		if err := conn.SetDeadline(b.next(time.Now(), phaseVerify)); err != nil {
			return failed(newError(KindForwardingFailed, "set deadline", err))
		}
		exitIP, err := p.verify(ctx, tunnel, p.verifyURL)
		if err != nil {
			return failed(err)
		}
		if exitIP != "" {
			remote = exitIP
		}
	}

	latency := time.Since(start)
	return Result{Success: true, Latency: &latency, RemoteAddress: remote}
}

func failed(err error) Result {
	kind := KindOf(err)
	if kind == KindNone {
		kind = KindProtocolViolation
	}
	return Result{Kind: kind, Err: err}
}

// ProbeEach probes every target with at most limit probes in flight and calls
// fn with each result as it completes. fn may be called concurrently.
func (p *Prober) ProbeEach(ctx context.Context, targets []Target, limit int, fn func(i int, r Result)) {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, t := range targets {
		g.Go(func() error {
			fn(i, p.Probe(ctx, t))
			return nil
		})
	}
	_ = g.Wait()
}

// ProbeAll is ProbeEach collecting the results in input order.
func (p *Prober) ProbeAll(ctx context.Context, targets []Target, limit int) []Result {
	results := make([]Result, len(targets))
	p.ProbeEach(ctx, targets, limit, func(i int, r Result) {
		results[i] = r
	})
	return results
}
