package manager

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"proxyprobe/internal/probe"
	"proxyprobe/internal/shared/logger"
	"proxyprobe/internal/shared/types"
	"proxyprobe/proxypool/model"
	"proxyprobe/proxypool/parser"
	"proxyprobe/proxypool/source"
	"proxyprobe/proxypool/storage"
	"proxyprobe/proxypool/validator"
)

const defaultMaxFailures = 7

// 分级间隔策略
var (
	// 成功验证后的下一次检查间隔，与 SuccessCount 对应
	successIntervals = []time.Duration{
		10 * time.Minute,
		1 * time.Hour,
		6 * time.Hour,
		12 * time.Hour,
		24 * time.Hour,
	}

	// 失败验证后的退避间隔，与 FailureCount 对应
	failureIntervals = []time.Duration{
		5 * time.Minute,
		30 * time.Minute,
		1 * time.Hour,
		6 * time.Hour,
		12 * time.Hour,
		24 * time.Hour,
	}
)

var ErrNoMatch = errors.New("no matching proxies found for the given IDs")

// ResultHook is told about every finished probe, e.g. to push it to
// websocket clients.
type ResultHook func(rec model.Record, res probe.Result)

// Manager 是代理池模块的总控制器：维护记录、调度复检、淘汰失效代理。
type Manager struct {
	cfg       types.PoolConf
	storage   storage.Storage
	validator *validator.Validator
	sources   []source.Source
	records   map[string]*model.Record
	mu        sync.RWMutex
	hook      ResultHook

	// 调度器与生命周期管理
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewManager(cfg types.PoolConf, storage storage.Storage, validator *validator.Validator) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		storage:   storage,
		validator: validator,
		records:   make(map[string]*model.Record),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}
}

// AddSource 添加一个代理列表来源。
func (m *Manager) AddSource(s source.Source) {
	m.sources = append(m.sources, s)
}

// SetResultHook must be called before Start.
func (m *Manager) SetResultHook(h ResultHook) {
	m.hook = h
}

// SourcesFromConfig builds the sources named in the [pool] section.
func SourcesFromConfig(cfg types.PoolConf) ([]source.Source, error) {
	scheme, err := probe.ParseScheme(cfg.DefaultScheme)
	if err != nil {
		return nil, err
	}
	var out []source.Source
	if cfg.TargetsFile != "" {
		out = append(out, &source.FileSource{Path: cfg.TargetsFile, DefaultScheme: scheme})
	}
	for _, u := range strings.Split(cfg.SourceURLs, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, &source.PageSource{URL: u, DefaultScheme: scheme, MaxPages: cfg.SourcePages})
		}
	}
	return out, nil
}

// Start 加载存储并启动后台调度。
func (m *Manager) Start() {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Msg("Manager starting...")

	if err := m.load(); err != nil {
		l.Error().Err(err).Msg("Failed to load proxies from storage. Starting with an empty pool.")
	}

	interval := time.Duration(m.cfg.HealthCheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	l.Info().Dur("health_check_interval", interval).Int("sources", len(m.sources)).Msg("Scheduler initialized.")

	m.wg.Add(1)
	go m.schedulerLoop(interval)
}

func (m *Manager) schedulerLoop(interval time.Duration) {
	defer m.wg.Done()
	l := logger.WithComponent("ProxyPool/Manager")

	m.FetchSources(m.ctx)
	m.RevalidateDue(m.ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Debug().Msg("Health check ticker triggered.")
			m.RevalidateDue(m.ctx)
		case <-m.ctx.Done():
			l.Info().Msg("Stop signal received. Shutting down scheduler.")
			return
		}
	}
}

// Stop 停止调度并保存当前状态。
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	if err := m.save(); err != nil {
		logger.Error().Err(err).Msg("Failed to save proxies on shutdown.")
	}
	logger.Info().Msg("ProxyPool Manager gracefully stopped.")
}

// FetchSources pulls every source and adds new records, due immediately.
func (m *Manager) FetchSources(ctx context.Context) int {
	l := logger.WithComponent("ProxyPool/Manager")
	added := 0
	for _, s := range m.sources {
		recs, err := s.Fetch(ctx)
		if err != nil {
			l.Warn().Err(err).Str("source", s.Name()).Msg("Source failed.")
			continue
		}
		added += m.add(recs)
	}
	if added > 0 {
		l.Info().Int("count", added).Msg("New proxies added from sources.")
	}
	return added
}

// Import parses lines (either list format) and adds the new ones.
func (m *Manager) Import(lines []string, def probe.Scheme) (added int, errs []error) {
	recs, errs := parser.Parse(strings.NewReader(strings.Join(lines, "\n")), def, "manual-import")
	return m.add(recs), errs
}

func (m *Manager) add(recs []*model.Record) int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for _, r := range recs {
		if _, ok := m.records[r.ID]; ok {
			continue
		}
		r.NextChecked = now
		m.records[r.ID] = r
		added++
	}
	return added
}

// RevalidateDue probes up to RevalidationBatchSize records whose next check
// time has passed, oldest first.
func (m *Manager) RevalidateDue(ctx context.Context) {
	now := m.now()
	m.mu.RLock()
	due := make([]*model.Record, 0)
	for _, r := range m.records {
		if !r.NextChecked.After(now) {
			c := *r
			due = append(due, &c)
		}
	}
	m.mu.RUnlock()

	if len(due) == 0 {
		l := logger.WithComponent("ProxyPool/Manager")
		l.Debug().Msg("No proxies due for re-validation.")
		return
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextChecked.Before(due[j].NextChecked) })
	if n := m.cfg.RevalidationBatchSize; n > 0 && len(due) > n {
		due = due[:n]
	}
	m.validate(ctx, due)
}

// TriggerValidation probes the given records now and waits for the result.
func (m *Manager) TriggerValidation(ctx context.Context, ids []string) error {
	m.mu.RLock()
	recs := make([]*model.Record, 0, len(ids))
	for _, id := range ids {
		if r, ok := m.records[id]; ok {
			c := *r
			recs = append(recs, &c)
		}
	}
	m.mu.RUnlock()
	if len(recs) == 0 {
		return ErrNoMatch
	}
	m.validate(ctx, recs)
	return nil
}

// validate 探测一批记录的快照，然后在写锁下把结果合并回内存池。
func (m *Manager) validate(ctx context.Context, recs []*model.Record) {
	l := logger.WithComponent("ProxyPool/Manager")
	var onResult func(validator.Outcome)
	if m.hook != nil {
		byID := make(map[string]model.Record, len(recs))
		for _, r := range recs {
			byID[r.ID] = *r
		}
		onResult = func(o validator.Outcome) {
			rec := byID[o.ID]
			rec.Apply(o.Result, o.At)
			m.hook(rec, o.Result)
		}
	}
	outcomes := m.validator.Validate(ctx, recs, onResult)
	if ctx.Err() != nil {
		// 被取消的探测结果不可信，不计入失败次数
		return
	}

	maxFailures := m.cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = defaultMaxFailures
	}

	m.mu.Lock()
	removed := 0
	for _, o := range outcomes {
		r, ok := m.records[o.ID]
		if !ok {
			continue // 探测期间被删除
		}
		r.Apply(o.Result, o.At)
		m.schedule(r)
		if r.FailureCount >= maxFailures {
			delete(m.records, r.ID)
			removed++
			l.Info().Str("proxy_id", r.ID).Int("failures", r.FailureCount).Str("kind", r.LastKind).Msg("Proxy removed from pool due to excessive failures.")
		}
	}
	m.mu.Unlock()

	if err := m.save(); err != nil {
		l.Error().Err(err).Msg("Failed to save proxies after validation.")
	}
}

// schedule sets NextChecked from the success or failure ladder. Caller holds
// the write lock.
func (m *Manager) schedule(r *model.Record) {
	ladder, n := failureIntervals, r.FailureCount
	if r.Alive() {
		ladder, n = successIntervals, r.SuccessCount
	}
	idx := min(max(n-1, 0), len(ladder)-1)
	r.NextChecked = r.LastChecked.Add(ladder[idx])
}

// GetAvailable 返回最多 count 个可用代理：连续成功次数多者优先，其次延迟低者优先。
func (m *Manager) GetAvailable(count int) []model.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	candidates := make([]model.Record, 0)
	for _, r := range m.records {
		if r.Alive() {
			candidates = append(candidates, *r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].SuccessCount != candidates[j].SuccessCount {
			return candidates[i].SuccessCount > candidates[j].SuccessCount
		}
		return candidates[i].Latency < candidates[j].Latency
	})
	if count >= 0 && len(candidates) > count {
		return candidates[:count]
	}
	return candidates
}

// GetAll returns a snapshot of every record, most recently checked first.
func (m *Manager) GetAll() []model.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]model.Record, 0, len(m.records))
	for _, r := range m.records {
		all = append(all, *r)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].LastChecked.Equal(all[j].LastChecked) {
			return all[i].LastChecked.After(all[j].LastChecked)
		}
		return all[i].ID < all[j].ID
	})
	return all
}

// Delete removes records by ID and persists the pool.
func (m *Manager) Delete(ids []string) error {
	m.mu.Lock()
	deleted := 0
	for _, id := range ids {
		if _, ok := m.records[id]; ok {
			delete(m.records, id)
			deleted++
		}
	}
	m.mu.Unlock()
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Int("deleted_count", deleted).Msg("Deletion complete.")
	return m.save()
}

func (m *Manager) load() error {
	recs, err := m.storage.Load()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.records = recs
	m.mu.Unlock()
	return nil
}

func (m *Manager) save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.storage.Save(m.records)
}
