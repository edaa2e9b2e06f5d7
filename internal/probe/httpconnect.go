package probe

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// negotiateHTTP asks an HTTP proxy to CONNECT to dest (host:port). On success
// the returned conn replaces conn and still holds any bytes the proxy sent
// after the response header.
func negotiateHTTP(conn net.Conn, t Target, dest, userAgent string) (net.Conn, error) {
	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: dest},
		Host:   dest,
		Header: make(http.Header),
	}
	if t.HasAuth() {
		user, pass := t.credentials()
		auth := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		connectReq.Header.Set("Proxy-Authorization", "Basic "+auth)
	}
	connectReq.Header.Set("User-Agent", userAgent)
	connectReq.Header.Set("Proxy-Connection", "Keep-Alive")

	if err := connectReq.Write(conn); err != nil {
		return nil, classifyIO("http send connect", err)
	}

	br := bufio.NewReader(conn)
	// 响应体不读也不关闭: CONNECT 成功后剩下的字节属于隧道。
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		return nil, classifyIO("http read connect response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newError(KindProxyRejected, "http read connect response", fmt.Errorf("status %s", resp.Status))
	}
	return &bufferedConn{Conn: conn, r: br}, nil
}
