package probe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

const maxVerifyBody = 64 << 10

// verify sends one GET for u through the established tunnel and reports the
// exit IP when the endpoint echoes it. Every failure is KindForwardingFailed:
// the proxy accepted the tunnel but did not carry traffic.
func (p *Prober) verify(ctx context.Context, tunnel net.Conn, u *url.URL) (string, error) {
	const op = "verify"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", newError(KindForwardingFailed, op, err)
	}
	req.Header.Set("User-Agent", p.opts.UserAgent)
	req.Header.Set("Accept", "*/*")

	var resp *http.Response
	if u.Scheme == "https" {
		uconn := utls.UClient(tunnel, &utls.Config{
			ServerName:         u.Hostname(),
			InsecureSkipVerify: p.opts.InsecureSkipVerify,
		}, utls.HelloChrome_Auto)
		if err := uconn.HandshakeContext(ctx); err != nil {
			return "", newError(KindForwardingFailed, "verify tls handshake", err)
		}
		// Chrome 指纹会带上 h2 的 ALPN，服务端选了 h2 就得按 h2 说话。
		if uconn.ConnectionState().NegotiatedProtocol == http2.NextProtoTLS {
			resp, err = roundTripH2(uconn, req)
		} else {
			resp, err = roundTripH1(uconn, req)
		}
	} else {
		resp, err = roundTripH1(tunnel, req)
	}
	if err != nil {
		return "", newError(KindForwardingFailed, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return "", newError(KindForwardingFailed, op, fmt.Errorf("unexpected status %s", resp.Status))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVerifyBody))
	if err != nil {
		return "", newError(KindForwardingFailed, "verify read body", err)
	}
	return parseExitIP(body), nil
}

func roundTripH1(conn net.Conn, req *http.Request) (*http.Response, error) {
	req.Close = true
	if err := req.Write(conn); err != nil {
		return nil, err
	}
	return http.ReadResponse(bufio.NewReader(conn), req)
}

func roundTripH2(conn net.Conn, req *http.Request) (*http.Response, error) {
	t := &http2.Transport{}
	cc, err := t.NewClientConn(conn)
	if err != nil {
		return nil, err
	}
	return cc.RoundTrip(req)
}

// parseExitIP understands a bare address, Cloudflare trace ("ip=...") and
// JSON bodies with an "ip" or "query" field.
func parseExitIP(body []byte) string {
	s := strings.TrimSpace(string(body))
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "ip="); ok {
			if ip := net.ParseIP(v); ip != nil {
				return ip.String()
			}
		}
	}
	if bytes.HasPrefix(bytes.TrimSpace(body), []byte("{")) {
		var obj struct {
			IP    string `json:"ip"`
			Query string `json:"query"`
		}
		if json.Unmarshal(body, &obj) == nil {
			for _, v := range []string{obj.IP, obj.Query} {
				if ip := net.ParseIP(v); ip != nil {
					return ip.String()
				}
			}
		}
	}
	return ""
}
