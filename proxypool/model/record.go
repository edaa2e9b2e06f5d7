package model

import (
	"net"
	"strconv"
	"time"

	"proxyprobe/internal/probe"
)

// Record 是代理池中的一条记录：一个待探测的代理以及最近一次探测的结果。
// 它在内存中使用，并通过API序列化为JSON，通过FileStorage持久化为纯文本。
type Record struct {
	ID       string `json:"id"` // scheme://[user@]host:port
	Scheme   string `json:"scheme"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`

	Source string `json:"source"` // 来源: 文件路径、URL 或 "manual-import"

	// LastKind 是最近一次失败的 ErrorKind，成功时为空。
	LastKind      string `json:"last_kind,omitempty"`
	RemoteAddress string `json:"remote_address,omitempty"`

	Latency      time.Duration `json:"latency"` // 0 表示失败或未测试
	LastChecked  time.Time     `json:"last_checked"`
	NextChecked  time.Time     `json:"next_checked"`
	FailureCount int           `json:"failure_count"` // 连续失败次数
	SuccessCount int           `json:"success_count"` // 连续成功次数
}

// NewRecord builds a Record from a validated target and assigns its ID.
func NewRecord(t probe.Target, source string) *Record {
	r := &Record{
		Scheme: t.Scheme.String(),
		Host:   t.Host,
		Port:   int(t.Port),
		Source: source,
	}
	if t.Username != nil {
		r.Username = *t.Username
	}
	if t.Password != nil {
		r.Password = *t.Password
	}
	r.ID = MakeID(r.Scheme, r.Username, r.Host, r.Port)
	return r
}

func MakeID(scheme, user, host string, port int) string {
	hp := net.JoinHostPort(host, strconv.Itoa(port))
	if user != "" {
		return scheme + "://" + user + "@" + hp
	}
	return scheme + "://" + hp
}

// Target converts the record back into a probe target.
func (r *Record) Target() (probe.Target, error) {
	scheme, err := probe.ParseScheme(r.Scheme)
	if err != nil {
		return probe.Target{}, err
	}
	var user, pass *string
	if r.Username != "" {
		user, pass = &r.Username, &r.Password
	}
	return probe.NewTarget(scheme, r.Host, uint16(r.Port), user, pass)
}

// Alive reports whether the last probe succeeded.
func (r *Record) Alive() bool {
	return r.SuccessCount > 0 && r.LastKind == ""
}

// Apply records the outcome of one probe.
func (r *Record) Apply(res probe.Result, at time.Time) {
	r.LastChecked = at
	if res.Success {
		r.FailureCount = 0
		r.SuccessCount++
		r.LastKind = ""
		r.Latency = *res.Latency
		r.RemoteAddress = res.RemoteAddress
		return
	}
	r.SuccessCount = 0
	r.FailureCount++
	r.LastKind = string(res.Kind)
	r.Latency = 0
}
