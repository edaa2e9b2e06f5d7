package probe

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/armon/go-socks5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

// listen starts a TCP server on loopback that runs handle for every accepted
// connection.
func listen(t *testing.T, handle func(c net.Conn)) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				handle(c)
			}()
		}
	}()
	return l.Addr().String()
}

func closedPort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func targetAt(t *testing.T, scheme Scheme, addr string, user, pass *string) Target {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	target, err := NewTarget(scheme, host, uint16(port), user, pass)
	require.NoError(t, err)
	return target
}

// noVerify returns a prober that stops after the handshake.
func noVerify(t *testing.T, timeout time.Duration) *Prober {
	t.Helper()
	p, err := New(Options{Timeout: timeout, ConnectTarget: "example.com:443"})
	require.NoError(t, err)
	return p
}

// httpProxy answers every CONNECT with status and, on 2xx, pipes the tunnel
// to the requested destination when forward is set.
func httpProxy(t *testing.T, status int, forward bool) string {
	return listen(t, func(c net.Conn) {
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		if req.Method != http.MethodConnect {
			return
		}
		if status/100 != 2 {
			io.WriteString(c, "HTTP/1.1 "+strconv.Itoa(status)+" "+http.StatusText(status)+"\r\nContent-Length: 0\r\n\r\n")
			return
		}
		if !forward {
			io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n")
			io.Copy(io.Discard, br)
			return
		}
		upstream, err := net.Dial("tcp", req.Host)
		if err != nil {
			io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
			return
		}
		defer upstream.Close()
		io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n")
		go io.Copy(upstream, br)
		io.Copy(c, upstream)
	})
}

func socks5Server(t *testing.T, creds socks5.StaticCredentials) string {
	t.Helper()
	conf := &socks5.Config{}
	if creds != nil {
		conf.Credentials = creds
	}
	srv, err := socks5.New(conf)
	require.NoError(t, err)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go srv.Serve(l)
	return l.Addr().String()
}

// fakeSocks5 accepts no-auth, records the CONNECT request and answers with
// reply code rep.
func fakeSocks5(t *testing.T, rep byte, requests chan<- []byte) string {
	return listen(t, func(c net.Conn) {
		var head [2]byte
		if _, err := io.ReadFull(c, head[:]); err != nil {
			return
		}
		methods := make([]byte, head[1])
		if _, err := io.ReadFull(c, methods); err != nil {
			return
		}
		c.Write([]byte{socks5Version, authNone})

		req := make([]byte, 4)
		if _, err := io.ReadFull(c, req); err != nil {
			return
		}
		var addrLen int
		switch req[3] {
		case atypIPv4:
			addrLen = 4
		case atypIPv6:
			addrLen = 16
		case atypDomain:
			var l [1]byte
			io.ReadFull(c, l[:])
			req = append(req, l[0])
			addrLen = int(l[0])
		}
		rest := make([]byte, addrLen+2)
		if _, err := io.ReadFull(c, rest); err != nil {
			return
		}
		if requests != nil {
			requests <- append(req, rest...)
		}
		c.Write([]byte{socks5Version, rep, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
		io.Copy(io.Discard, c)
	})
}

func TestHTTPProxyEstablished(t *testing.T) {
	addr := httpProxy(t, http.StatusOK, false)
	res := noVerify(t, 2*time.Second).Probe(context.Background(), targetAt(t, SchemeHTTP, addr, nil, nil))

	require.True(t, res.Success, "err: %v", res.Err)
	require.NotNil(t, res.Latency)
	assert.GreaterOrEqual(t, *res.Latency, time.Duration(0))
	assert.Equal(t, KindNone, res.Kind)
}

func TestHTTPProxySendsCredentials(t *testing.T) {
	got := make(chan string, 1)
	addr := listen(t, func(c net.Conn) {
		req, err := http.ReadRequest(bufio.NewReader(c))
		if err != nil {
			return
		}
		got <- req.Header.Get("Proxy-Authorization")
		io.WriteString(c, "HTTP/1.1 200 OK\r\n\r\n")
	})
	res := noVerify(t, 2*time.Second).Probe(context.Background(),
		targetAt(t, SchemeHTTP, addr, strPtr("alice"), strPtr("s3cret")))

	require.True(t, res.Success, "err: %v", res.Err)
	assert.Equal(t, "Basic YWxpY2U6czNjcmV0", <-got)
}

func TestHTTPProxyRejected(t *testing.T) {
	for _, status := range []int{http.StatusProxyAuthRequired, http.StatusForbidden, http.StatusBadGateway} {
		addr := httpProxy(t, status, false)
		res := noVerify(t, 2*time.Second).Probe(context.Background(), targetAt(t, SchemeHTTP, addr, nil, nil))
		assert.False(t, res.Success)
		assert.Equal(t, KindProxyRejected, res.Kind, "status %d", status)
		assert.Nil(t, res.Latency)
	}
}

func TestConnectRefusedIsStable(t *testing.T) {
	target := targetAt(t, SchemeHTTP, closedPort(t), nil, nil)
	p := noVerify(t, 2*time.Second)
	for i := 0; i < 3; i++ {
		res := p.Probe(context.Background(), target)
		assert.False(t, res.Success)
		assert.Equal(t, KindConnectRefused, res.Kind)
		assert.Nil(t, res.Latency)
	}
}

func TestNonProxyEndpoint(t *testing.T) {
	banner := listen(t, func(c net.Conn) {
		io.WriteString(c, "SSH-2.0-OpenSSH_9.6\r\n")
		io.Copy(io.Discard, c)
	})
	p := noVerify(t, time.Second)
	for _, scheme := range []Scheme{SchemeHTTP, SchemeSOCKS5, SchemeSOCKS5H} {
		res := p.Probe(context.Background(), targetAt(t, scheme, banner, nil, nil))
		assert.False(t, res.Success)
		assert.Contains(t, []ErrorKind{KindProtocolViolation, KindNegotiationTimeout}, res.Kind, scheme.String())
	}
}

func TestTimeoutIsBounded(t *testing.T) {
	silent := listen(t, func(c net.Conn) { io.Copy(io.Discard, c) })
	const timeout = 300 * time.Millisecond
	p, err := New(Options{Timeout: timeout, VerifyURL: "http://example.com/"})
	require.NoError(t, err)

	for _, scheme := range []Scheme{SchemeHTTP, SchemeSOCKS5} {
		start := time.Now()
		res := p.Probe(context.Background(), targetAt(t, scheme, silent, nil, nil))
		elapsed := time.Since(start)

		assert.Equal(t, KindNegotiationTimeout, res.Kind)
		assert.Less(t, elapsed, timeout+100*time.Millisecond)
	}
}

func TestCallerCancellation(t *testing.T) {
	silent := listen(t, func(c net.Conn) { io.Copy(io.Discard, c) })
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := noVerify(t, 5*time.Second).Probe(ctx, targetAt(t, SchemeSOCKS5, silent, nil, nil))
	assert.False(t, res.Success)
	assert.Equal(t, KindNegotiationTimeout, res.Kind)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSocks5Auth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	addr := socks5Server(t, socks5.StaticCredentials{"alice": "s3cret"})

	p, err := New(Options{Timeout: 2 * time.Second, ConnectTarget: upstream.Listener.Addr().String()})
	require.NoError(t, err)

	ok := p.Probe(context.Background(), targetAt(t, SchemeSOCKS5, addr, strPtr("alice"), strPtr("s3cret")))
	require.True(t, ok.Success, "err: %v", ok.Err)
	assert.NotEmpty(t, ok.RemoteAddress)

	bad := p.Probe(context.Background(), targetAt(t, SchemeSOCKS5, addr, strPtr("alice"), strPtr("wrong")))
	assert.False(t, bad.Success)
	assert.Equal(t, KindAuthFailed, bad.Kind)

	none := p.Probe(context.Background(), targetAt(t, SchemeSOCKS5, addr, nil, nil))
	assert.Equal(t, KindNoAcceptableAuthMethod, none.Kind)
}

func TestSocks5NoAuthVerified(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "fl=1\nip=203.0.113.7\nts=1\n")
	}))
	defer upstream.Close()
	addr := socks5Server(t, nil)

	p, err := New(Options{Timeout: 2 * time.Second, VerifyURL: upstream.URL + "/cdn-cgi/trace"})
	require.NoError(t, err)

	res := p.Probe(context.Background(), targetAt(t, SchemeSOCKS5, addr, nil, nil))
	require.True(t, res.Success, "err: %v", res.Err)
	assert.Equal(t, "203.0.113.7", res.RemoteAddress)
}

func TestHTTPProxyVerification(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		io.WriteString(w, `{"ip":"198.51.100.4"}`)
	}))
	defer upstream.Close()
	addr := httpProxy(t, http.StatusOK, true)

	p, err := New(Options{Timeout: 2 * time.Second, VerifyURL: upstream.URL})
	require.NoError(t, err)
	target := targetAt(t, SchemeHTTP, addr, nil, nil)

	res := p.Probe(context.Background(), target)
	require.True(t, res.Success, "err: %v", res.Err)
	assert.Equal(t, "198.51.100.4", res.RemoteAddress)

	status.Store(http.StatusBadGateway)
	res = p.Probe(context.Background(), target)
	assert.False(t, res.Success)
	assert.Equal(t, KindForwardingFailed, res.Kind)
}

func TestHTTPSVerification(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "192.0.2.1\n")
	}))
	defer upstream.Close()
	addr := httpProxy(t, http.StatusOK, true)

	p, err := New(Options{Timeout: 3 * time.Second, VerifyURL: upstream.URL, InsecureSkipVerify: true})
	require.NoError(t, err)
	res := p.Probe(context.Background(), targetAt(t, SchemeHTTP, addr, nil, nil))
	require.True(t, res.Success, "err: %v", res.Err)
	assert.Equal(t, "192.0.2.1", res.RemoteAddress)
}

func TestForwardingFailedWhenTunnelIsDead(t *testing.T) {
	// 代理回 200 但不转发任何数据
	addr := httpProxy(t, http.StatusOK, false)
	p, err := New(Options{Timeout: 500 * time.Millisecond, VerifyURL: "http://example.com/"})
	require.NoError(t, err)
	res := p.Probe(context.Background(), targetAt(t, SchemeHTTP, addr, nil, nil))
	assert.False(t, res.Success)
	assert.Equal(t, KindForwardingFailed, res.Kind)
}

func TestSocks5ReplyCodes(t *testing.T) {
	cases := map[byte]ErrorKind{
		0x01: KindSocks5GeneralFailure,
		0x02: KindSocks5RuleDenied,
		0x03: KindSocks5NetworkUnreachable,
		0x04: KindSocks5HostUnreachable,
		0x05: KindSocks5ConnectionRefused,
		0x06: KindSocks5TTLExpired,
		0x07: KindSocks5CommandNotSupported,
		0x08: KindSocks5AddressTypeNotSupported,
		0x09: KindProtocolViolation,
	}
	p := noVerify(t, 2*time.Second)
	for code, want := range cases {
		addr := fakeSocks5(t, code, nil)
		res := p.Probe(context.Background(), targetAt(t, SchemeSOCKS5H, addr, nil, nil))
		assert.Equal(t, want, res.Kind, "reply code 0x%02x", code)
	}
}

type staticResolver []net.IP

func (s staticResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	return s, nil
}

func TestSocks5DestinationEncoding(t *testing.T) {
	requests := make(chan []byte, 1)
	addr := fakeSocks5(t, 0x00, requests)

	p, err := New(Options{Timeout: 2 * time.Second, ConnectTarget: "Bücher.example:8443"})
	require.NoError(t, err)
	res := p.Probe(context.Background(), targetAt(t, SchemeSOCKS5H, addr, nil, nil))
	require.True(t, res.Success, "err: %v", res.Err)
	// SOCKS5 回复里的 BND.ADDR 是 0.0.0.0，不应作为 remoteAddress
	assert.Empty(t, res.RemoteAddress)

	req := <-requests
	domain := "xn--bcher-kva.example"
	assert.Equal(t, []byte{socks5Version, cmdConnect, 0x00, atypDomain, byte(len(domain))}, req[:5])
	assert.Equal(t, domain, string(req[5:5+len(domain)]))
	assert.Equal(t, uint16(8443), binary.BigEndian.Uint16(req[5+len(domain):]))

	p, err = New(Options{
		Timeout:       2 * time.Second,
		ConnectTarget: "proxy-check.example:443",
		Resolver:      staticResolver{net.ParseIP("2001:db8::1"), net.ParseIP("10.1.2.3")},
	})
	require.NoError(t, err)
	res = p.Probe(context.Background(), targetAt(t, SchemeSOCKS5, addr, nil, nil))
	require.True(t, res.Success, "err: %v", res.Err)

	req = <-requests
	assert.Equal(t, []byte{socks5Version, cmdConnect, 0x00, atypIPv4, 10, 1, 2, 3, 0x01, 0xBB}, req)
}

func TestProbeAllKeepsOrder(t *testing.T) {
	good := httpProxy(t, http.StatusOK, false)
	refused := closedPort(t)
	targets := []Target{
		targetAt(t, SchemeHTTP, good, nil, nil),
		targetAt(t, SchemeHTTP, refused, nil, nil),
		targetAt(t, SchemeHTTP, good, nil, nil),
	}
	results := noVerify(t, 2*time.Second).ProbeAll(context.Background(), targets, 2)
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.Equal(t, KindConnectRefused, results[1].Kind)
	assert.True(t, results[2].Success)
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{VerifyURL: "ftp://example.com/"})
	assert.Error(t, err)
	_, err = New(Options{VerifyURL: "", ConnectTarget: "no-port"})
	assert.Error(t, err)
}
