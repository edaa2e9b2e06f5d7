package bridge

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func configure(t *testing.T, ini string) {
	t.Helper()
	require.NoError(t, Configure(ini))
	t.Cleanup(func() { Configure("") })
}

func TestProxyCheckConnectRefused(t *testing.T) {
	configure(t, "[probe]\ntimeout_ms = 2000\n")
	port := closedPort(t)

	for name, check := range map[string]func(string, int, string, string) (string, error){
		"http":    ProxyCheckHttp,
		"socks5":  ProxyCheckSocks5,
		"socks5h": ProxyCheckSocks5H,
	} {
		t.Run(name, func(t *testing.T) {
			out, err := check("127.0.0.1", port, "", "")
			require.NoError(t, err)
			assert.JSONEq(t, `{"success":false,"latencyMs":null,"error":"ConnectRefused","remoteAddress":null}`, out)
		})
	}
}

func TestProxyCheckEstablished(t *testing.T) {
	configure(t, "[probe]\ntimeout_ms = 2000\nverify_url =\n")

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 4096)
		c.Read(buf)
		c.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
		c.Read(buf)
	}()

	out, err := ProxyCheckHttp("127.0.0.1", l.Addr().(*net.TCPAddr).Port, "user", "pass")
	require.NoError(t, err)
	var p map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	assert.Equal(t, true, p["success"])
	assert.NotNil(t, p["latencyMs"])
	assert.Nil(t, p["error"])
}

func TestProxyCheckInvalidArguments(t *testing.T) {
	_, err := ProxyCheckHttp("127.0.0.1", 0, "", "")
	assert.Error(t, err)
	_, err = ProxyCheckSocks5("127.0.0.1", 70000, "", "")
	assert.Error(t, err)
	_, err = ProxyCheckSocks5("", 1080, "", "")
	assert.Error(t, err)
}

func TestConfigureRejectsBadContent(t *testing.T) {
	assert.Error(t, Configure("[probe\n"))
	assert.Error(t, Configure("[probe]\nverify_url = ftp://example.com/\n"))
}

func TestArchivateFolder(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.log"), []byte("a"), 0o644))
	dest := filepath.Join(t.TempDir(), "out.zip")

	ok, err := ArchivateFolder(dest, src, `["*.log"]`)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.FileExists(t, dest)

	_, err = ArchivateFolder(dest, src, `not json`)
	assert.Error(t, err)
}

func TestKillProcessByPidInvalid(t *testing.T) {
	assert.Error(t, KillProcessByPid(-1))
}

type collectCallback struct {
	mu     sync.Mutex
	events []string
}

func (c *collectCallback) OnProgress(eventJson string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, eventJson)
}

func TestDownloadFile(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "data.bin", time.Time{}, bytes.NewReader(content))
	}))
	defer srv.Close()

	cb := &collectCallback{}
	dest := filepath.Join(t.TempDir(), "data.bin")
	out, err := NewHttpFileDownloader(cb).DownloadFile(srv.URL, dest)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":true,"ecode":3,"message":"OK"}`, out)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	require.NotEmpty(t, cb.events)
	assert.JSONEq(t, `{"target":"progress","downloaded":`+strconv.Itoa(len(content))+`,"total":`+strconv.Itoa(len(content))+`}`, cb.events[len(cb.events)-1])

	// 第二次下载时文件已完整
	out, err = NewHttpFileDownloader(nil).DownloadFile(srv.URL, dest)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":true,"ecode":0,"message":"File size equals content-length"}`, out)
}

func TestDownloadFileNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_, err := NewHttpFileDownloader(nil).DownloadFile(srv.URL, filepath.Join(t.TempDir(), "x"))
	assert.Error(t, err)
}
