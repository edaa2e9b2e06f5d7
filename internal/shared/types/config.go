package types

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
	// File 不为空时，日志同时写入该文件并按大小滚动。
	File       string `ini:"file"`
	MaxSizeMB  int    `ini:"max_size_mb"`
	MaxBackups int    `ini:"max_backups"`
	MaxAgeDays int    `ini:"max_age_days"`
}

// ProbeConf 控制单次代理探测的行为。
type ProbeConf struct {
	TimeoutMs int `ini:"timeout_ms"` // 整个探测(连接+握手+验证)的总预算
	// VerifyURL 为空时跳过隧道内的验证请求，只确认握手成功。
	VerifyURL string `ini:"verify_url"`
	// ConnectTarget 是未配置 VerifyURL 时 CONNECT 的目标 host:port。
	ConnectTarget      string `ini:"connect_target"`
	UserAgent          string `ini:"user_agent"`
	DNSServer          string `ini:"dns_server"` // 为空时使用系统解析器
	InsecureSkipVerify bool   `ini:"insecure_skip_verify"`
	Concurrency        int    `ini:"concurrency"`
}

// PoolConf 是批量检测(proxypool)的配置
type PoolConf struct {
	TargetsFile string `ini:"targets_file"`
	// SourceURLs 是逗号分隔的代理列表页面，支持纯文本和 HTML 表格。
	SourceURLs                 string `ini:"source_urls"`
	SourcePages                int    `ini:"source_pages"`
	DefaultScheme              string `ini:"default_scheme"`
	DataFile                   string `ini:"data_file"`
	HealthCheckIntervalSeconds int    `ini:"health_check_interval_seconds"`
	RevalidationBatchSize      int    `ini:"revalidation_batch_size"`
	MaxFailures                int    `ini:"max_failures"`
}

// WebConf 包含 HTTP API 的配置
type WebConf struct {
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

type DownloadConf struct {
	RetryMax       int    `ini:"retry_max"`
	UserAgent      string `ini:"user_agent"`
	TimeoutSeconds int    `ini:"timeout_seconds"`
	// Dir 限定 /api/download 的写入目录，请求中的 path 必须落在其中。
	// 为空时该接口关闭。CLI 和 bridge 不受影响。
	Dir string `ini:"dir"`
}

// Config 是项目的统一配置结构体
type Config struct {
	LogConf      `ini:"log"`
	ProbeConf    `ini:"probe"`
	PoolConf     `ini:"pool"`
	WebConf      `ini:"web"`
	DownloadConf `ini:"download"`
}

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36"

// DefaultConfig 返回在没有任何配置文件时使用的值。
func DefaultConfig() *Config {
	return &Config{
		LogConf: LogConf{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		ProbeConf: ProbeConf{
			TimeoutMs:     10000,
			VerifyURL:     "https://www.cloudflare.com/cdn-cgi/trace",
			ConnectTarget: "www.gstatic.com:443",
			UserAgent:     DefaultUserAgent,
			Concurrency:   16,
		},
		PoolConf: PoolConf{
			DataFile:                   "proxies.dat",
			SourcePages:                1,
			DefaultScheme:              "http",
			HealthCheckIntervalSeconds: 60,
			RevalidationBatchSize:      50,
			MaxFailures:                7,
		},
		DownloadConf: DownloadConf{
			RetryMax:       3,
			UserAgent:      DefaultUserAgent,
			TimeoutSeconds: 0,
			Dir:            "downloads",
		},
	}
}
