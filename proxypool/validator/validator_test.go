package validator

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxyprobe/internal/probe"
	"proxyprobe/proxypool/model"
)

func connectOK(t *testing.T) (string, int) {
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
				br := bufio.NewReader(c)
				if _, err := http.ReadRequest(br); err != nil {
					return
				}
				io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n")
			}()
		}
	}()
	host, port, _ := net.SplitHostPort(l.Addr().String())
	p, _ := strconv.Atoi(port)
	return host, p
}

func TestValidate(t *testing.T) {
	host, port := connectOK(t)
	prober, err := probe.New(probe.Options{Timeout: 2 * time.Second, ConnectTarget: "example.com:443"})
	require.NoError(t, err)

	good := &model.Record{ID: "good", Scheme: "http", Host: host, Port: port}
	broken := &model.Record{ID: "broken", Scheme: "socks4", Host: host, Port: port}

	var calls atomic.Int32
	outcomes := NewValidator(prober, 2).Validate(context.Background(), []*model.Record{good, broken}, func(Outcome) {
		calls.Add(1)
	})

	require.Len(t, outcomes, 2)
	assert.Equal(t, "good", outcomes[0].ID)
	assert.True(t, outcomes[0].Result.Success)
	assert.Equal(t, "broken", outcomes[1].ID)
	assert.False(t, outcomes[1].Result.Success)
	assert.Equal(t, int32(1), calls.Load(), "only probed records are reported")
	assert.Zero(t, good.SuccessCount, "records must not be mutated")
}
