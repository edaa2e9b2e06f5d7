package probe

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"
	"time"
)

var aLongTimeAgo = time.Unix(1, 0)

// watchCancel makes pending reads and writes on conn fail as soon as ctx is
// done. The returned func stops the watcher.
func watchCancel(ctx context.Context, conn net.Conn) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(aLongTimeAgo)
		case <-done:
		}
	}()
	return func() { close(done) }
}

// bufferedConn 保留握手时 bufio.Reader 已经读入但尚未消费的字节。
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// countedConn 统计探测过程中收发的字节数，只在日志中使用。
type countedConn struct {
	net.Conn
	uplink   atomic.Int64
	downlink atomic.Int64
}

func (c *countedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.downlink.Add(int64(n))
	return n, err
}

func (c *countedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.uplink.Add(int64(n))
	return n, err
}
