package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"proxyprobe/internal/download"
	"proxyprobe/internal/platform"
	"proxyprobe/internal/probe"
	"proxyprobe/internal/shared/logger"
	manager "proxyprobe/proxypool"
	"proxyprobe/proxypool/model"
	"proxyprobe/proxypool/parser"
)

const maxRequestBody = 1 << 20

// PoolController is the part of the proxy pool manager the web handler uses.
// It decouples the web package from the scheduler.
type PoolController interface {
	GetAll() []model.Record
	GetAvailable(count int) []model.Record
	Import(lines []string, def probe.Scheme) (int, []error)
	TriggerValidation(ctx context.Context, ids []string) error
	Delete(ids []string) error
}

type Handler struct {
	prober        *probe.Prober
	concurrency   int
	defaultScheme probe.Scheme
	pool          PoolController // nil: 代理池未启用
	downloader    *download.Downloader
	downloadDir   string // 空: /api/download 关闭
	hub           *Hub
	metrics       *Metrics
	started       time.Time
}

func NewHandler(prober *probe.Prober, concurrency int, defaultScheme probe.Scheme, pool PoolController, downloader *download.Downloader, downloadDir string, hub *Hub, metrics *Metrics) *Handler {
	return &Handler{
		prober:        prober,
		concurrency:   concurrency,
		defaultScheme: defaultScheme,
		pool:          pool,
		downloader:    downloader,
		downloadDir:   downloadDir,
		hub:           hub,
		metrics:       metrics,
		started:       time.Now(),
	}
}

// ProbeRequest is the body of POST /api/probe. Either Line (any proxy list
// format) or the explicit fields are used.
type ProbeRequest struct {
	Line     string  `json:"line,omitempty"`
	Scheme   string  `json:"scheme,omitempty"`
	Host     string  `json:"host,omitempty"`
	Port     uint16  `json:"port,omitempty"`
	Username *string `json:"username,omitempty"`
	Password *string `json:"password,omitempty"`
}

func (req ProbeRequest) target(def probe.Scheme) (probe.Target, error) {
	if req.Line != "" {
		return parser.ParseLine(req.Line, def)
	}
	scheme := def
	if req.Scheme != "" {
		s, err := probe.ParseScheme(req.Scheme)
		if err != nil {
			return probe.Target{}, err
		}
		scheme = s
	}
	user, pass := req.Username, req.Password
	if user != nil && *user == "" {
		user, pass = nil, nil
	}
	return probe.NewTarget(scheme, req.Host, req.Port, user, pass)
}

// BatchItem 是批量探测中每个目标的结果，Error 只在该行无法解析时出现。
type BatchItem struct {
	Line   string         `json:"line"`
	Target string         `json:"target,omitempty"`
	Result *probe.Payload `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func (h *Handler) observe(id string, t probe.Target, res probe.Result) {
	if h.metrics != nil {
		h.metrics.ObserveProbe(t.Scheme, res)
	}
	if h.hub != nil {
		h.hub.BroadcastProbeResult(ProbeEvent{ID: id, Target: t.String(), Payload: probe.Render(res)})
	}
}

// ObservePoolResult forwards pool revalidation results to metrics and
// websocket clients. It matches manager.ResultHook.
func (h *Handler) ObservePoolResult(rec model.Record, res probe.Result) {
	t, err := rec.Target()
	if err != nil {
		return
	}
	h.observe(rec.ID, t, res)
}

// HandleProbe 处理 POST /api/probe：同步探测单个代理。
func (h *Handler) HandleProbe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ProbeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	t, err := req.target(h.defaultScheme)
	if err != nil {
		http.Error(w, "Invalid target: "+err.Error(), http.StatusBadRequest)
		return
	}

	res := h.prober.Probe(r.Context(), t)
	h.observe(uuid.NewString(), t, res)
	writeJSON(w, http.StatusOK, probe.Render(res))
}

// HandleBatch 处理 POST /api/batch：body 为 {"lines": [...], "scheme": "..."}，
// 按输入顺序返回结果，并在每个探测完成时通过 websocket 推送。
func (h *Handler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Lines  []string `json:"lines"`
		Scheme string   `json:"scheme"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	def := h.defaultScheme
	if req.Scheme != "" {
		s, err := probe.ParseScheme(req.Scheme)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		def = s
	}

	items := make([]BatchItem, 0, len(req.Lines))
	var targets []probe.Target
	var slots []int // targets[i] 对应 items[slots[i]]
	for _, line := range req.Lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		item := BatchItem{Line: line}
		t, err := parser.ParseLine(line, def)
		if err != nil {
			item.Error = err.Error()
		} else {
			item.Target = t.String()
			targets = append(targets, t)
			slots = append(slots, len(items))
		}
		items = append(items, item)
	}

	jobID := uuid.NewString()
	logger.Info().Str("job_id", jobID).Int("targets", len(targets)).Msg("Batch probe started.")
	h.prober.ProbeEach(r.Context(), targets, h.concurrency, func(i int, res probe.Result) {
		p := probe.Render(res)
		items[slots[i]].Result = &p
		h.observe(jobID, targets[i], res)
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{"job_id": jobID, "results": items})
}

// HandlePool 处理 /api/pool：GET 列出记录(?available=N 只返回可用的)，
// DELETE 删除 body 中的 ids。
func (h *Handler) HandlePool(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		http.Error(w, "Proxy pool is disabled", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		if v := r.URL.Query().Get("available"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				http.Error(w, "Invalid available count", http.StatusBadRequest)
				return
			}
			writeJSON(w, http.StatusOK, h.pool.GetAvailable(n))
			return
		}
		writeJSON(w, http.StatusOK, h.pool.GetAll())
	case http.MethodDelete:
		var req struct {
			IDs []string `json:"ids"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil || len(req.IDs) == 0 {
			http.Error(w, "Body must be {\"ids\": [...]}", http.StatusBadRequest)
			return
		}
		if err := h.pool.Delete(req.IDs); err != nil {
			http.Error(w, "Failed to save pool: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandlePoolImport 处理 POST /api/pool/import，body 为代理列表纯文本。
func (h *Handler) HandlePoolImport(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		http.Error(w, "Proxy pool is disabled", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	added, errs := h.pool.Import(strings.Split(string(body), "\n"), h.defaultScheme)
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	logger.Info().Int("added", added).Int("rejected", len(errs)).Msg("[Handler] Proxy list imported.")
	writeJSON(w, http.StatusOK, map[string]interface{}{"added": added, "errors": msgs})
}

// HandlePoolValidate 处理 POST /api/pool/validate，同步复检 body 中的 ids。
func (h *Handler) HandlePoolValidate(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		http.Error(w, "Proxy pool is disabled", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if err := h.pool.TriggerValidation(r.Context(), req.IDs); err != nil {
		if errors.Is(err, manager.ErrNoMatch) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var errOutsideDownloadDir = errors.New("path must be a relative path inside the download directory")

// resolveDownloadPath joins p onto dir and rejects anything that would land
// outside dir.
func resolveDownloadPath(dir, p string) (string, error) {
	if filepath.IsAbs(p) || filepath.VolumeName(p) != "" {
		return "", errOutsideDownloadDir
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(root, p)
	rel, err := filepath.Rel(root, dest)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errOutsideDownloadDir
	}
	return dest, nil
}

// HandleDownload 处理 POST /api/download：在后台启动下载，立即返回 job_id，
// 进度通过 websocket 的 download_progress 消息推送。path 相对于 [download] dir。
func (h *Handler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.downloadDir == "" {
		http.Error(w, "Download API is disabled ([download] dir not set)", http.StatusForbidden)
		return
	}
	var req struct {
		URL  string `json:"url"`
		Path string `json:"path"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil || req.URL == "" || req.Path == "" {
		http.Error(w, "Body must be {\"url\": ..., \"path\": ...}", http.StatusBadRequest)
		return
	}

	dest, err := resolveDownloadPath(h.downloadDir, req.Path)
	if err != nil {
		http.Error(w, "Invalid path: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		http.Error(w, "Failed to prepare download directory", http.StatusInternalServerError)
		return
	}

	jobID := uuid.NewString()
	go h.runDownload(jobID, req.URL, dest)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (h *Handler) runDownload(jobID, url, path string) {
	l := logger.WithComponent("Web/Download").With().Str("job_id", jobID).Logger()
	progress := make(chan download.Progress, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range progress {
			if h.hub != nil {
				h.hub.BroadcastDownloadProgress(DownloadEvent{JobID: jobID, Progress: p})
			}
		}
	}()

	resp, err := h.downloader.DownloadFile(context.Background(), url, path, progress)
	close(progress)
	<-done

	result := "error"
	if err != nil {
		l.Error().Err(err).Str("url", url).Msg("Download failed.")
	} else {
		result = strconv.Itoa(int(resp.ECode))
		l.Info().Bool("status", resp.Status).Uint32("ecode", uint32(resp.ECode)).Str("message", resp.Message).Msg("Download finished.")
	}
	if h.metrics != nil {
		h.metrics.ObserveDownload(result)
	}
}

// HandleStatus 返回进程和平台信息，公开访问。
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	type StatusResponse struct {
		Uptime   string `json:"uptime"`
		Platform string `json:"platform"`
		Artifact string `json:"artifact,omitempty"`
		Pool     *int   `json:"pool,omitempty"`
	}
	key := platform.Detect()
	resp := StatusResponse{
		Uptime:   time.Since(h.started).Round(time.Second).String(),
		Platform: key.String(),
	}
	if id, err := platform.Lookup(key); err == nil {
		resp.Artifact = id
	}
	if h.pool != nil {
		n := len(h.pool.GetAll())
		resp.Pool = &n
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("[Handler] Failed to encode response")
	}
}
