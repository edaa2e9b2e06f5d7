package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"proxyprobe/internal/shared/logger"
	"proxyprobe/internal/shared/types"
)

// loggingListener logs every accepted connection at debug level.
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Str("remote_addr", conn.RemoteAddr().String()).Msg("[WebServer] Connection accepted")
	}
	return conn, err
}

// basicAuthMiddleware 在配置了用户名和密码时强制 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type Server struct {
	cfg      types.WebConf
	handler  *Handler
	hub      *Hub
	gatherer prometheus.Gatherer
	srv      *http.Server
}

func NewServer(cfg types.WebConf, handler *Handler, hub *Hub, gatherer prometheus.Gatherer) *Server {
	return &Server{cfg: cfg, handler: handler, hub: hub, gatherer: gatherer}
}

// Routes builds the mux. /ws, /api/status and /metrics are public.
func (s *Server) Routes() http.Handler {
	h := s.handler
	user, pass := s.cfg.User, s.cfg.Password
	mux := http.NewServeMux()

	// --- 认证保护的 API ---
	mux.Handle("/api/probe", basicAuthMiddleware(http.HandlerFunc(h.HandleProbe), user, pass))
	mux.Handle("/api/batch", basicAuthMiddleware(http.HandlerFunc(h.HandleBatch), user, pass))
	mux.Handle("/api/pool", basicAuthMiddleware(http.HandlerFunc(h.HandlePool), user, pass))
	mux.Handle("/api/pool/import", basicAuthMiddleware(http.HandlerFunc(h.HandlePoolImport), user, pass))
	mux.Handle("/api/pool/validate", basicAuthMiddleware(http.HandlerFunc(h.HandlePoolValidate), user, pass))
	mux.Handle("/api/download", basicAuthMiddleware(http.HandlerFunc(h.HandleDownload), user, pass))

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(s.hub, w, r)
	})
	mux.HandleFunc("/api/status", h.HandleStatus)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start listens on the configured port and serves in the background. A port
// <= 0 disables the server.
func (s *Server) Start() (net.Addr, error) {
	if s.cfg.Port <= 0 {
		logger.Info().Msg("[WebServer] Web API is disabled (port is 0 or not set).")
		return nil, nil
	}
	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start web api on %s: %w", addr, err)
	}
	s.srv = &http.Server{Handler: s.Routes(), ReadHeaderTimeout: 10 * time.Second}
	logger.Info().Str("addr", listener.Addr().String()).Msg("SUCCESS: Web API is listening")

	go func() {
		if err := s.srv.Serve(loggingListener{Listener: listener}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Web server error")
		}
		logger.Info().Msg("Web server stopped.")
	}()
	return listener.Addr(), nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
