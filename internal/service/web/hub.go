package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"proxyprobe/internal/download"
	"proxyprobe/internal/probe"
	"proxyprobe/internal/shared/logger"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	// 每个客户端最多积压的消息数，超过后断开该客户端
	clientQueue = 64
)

// WebSocketMessage 定义了 WebSocket 消息的通用格式
type WebSocketMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ProbeEvent 是一次探测完成后推送给前端的数据
type ProbeEvent struct {
	ID     string `json:"id"`
	Target string `json:"target"`
	probe.Payload
}

// DownloadEvent 是下载进度推送
type DownloadEvent struct {
	JobID string `json:"job_id"`
	download.Progress
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans probe and download events out to every connected websocket
// client. Each client has its own queue and writer goroutine; a client that
// falls behind is dropped instead of slowing the others down.
type Hub struct {
	clients    map[*client]struct{}
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.Mutex // 保护 clients，供 Run 之外的读取使用
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run 分发注册、注销和广播，直到 ctx 结束。
func (h *Hub) Run(ctx context.Context) {
	l := logger.WithComponent("Web/Hub")
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			l.Info().Str("remote_addr", c.conn.RemoteAddr().String()).Msg("WebSocket client registered.")
		case c := <-h.unregister:
			h.drop(c)
			l.Info().Str("remote_addr", c.conn.RemoteAddr().String()).Msg("WebSocket client unregistered.")
		case msg := <-h.broadcast:
			h.mu.Lock()
			slow := make([]*client, 0)
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()
			for _, c := range slow {
				l.Warn().Str("remote_addr", c.conn.RemoteAddr().String()).Msg("WebSocket client too slow, dropping.")
				h.drop(c)
			}
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// drop 只在 Run 的 goroutine 中调用
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) publish(msgType string, data interface{}) {
	msg, err := json.Marshal(WebSocketMessage{Type: msgType, Data: data})
	if err != nil {
		logger.Error().Err(err).Str("type", msgType).Msg("Hub: Failed to marshal message")
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		// 队列满时丢弃，避免拖慢探测
	}
}

// BroadcastProbeResult 广播一次探测结果
func (h *Hub) BroadcastProbeResult(ev ProbeEvent) {
	h.publish("probe_result", ev)
}

// BroadcastDownloadProgress 广播下载进度
func (h *Hub) BroadcastDownloadProgress(ev DownloadEvent) {
	h.publish("download_progress", ev)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWs upgrades the request and attaches the connection to hub. The feed
// is one-way; anything the client sends is discarded.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to upgrade websocket")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientQueue)}
	select {
	case hub.register <- c:
	case <-hub.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump(hub)
}

// readPump 只用于处理 pong 和发现断开
func (c *client) readPump(hub *Hub) {
	defer func() {
		select {
		case hub.unregister <- c:
		case <-hub.done:
		}
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("Unexpected websocket close error")
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
