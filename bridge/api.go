// Package bridge is the flat, JSON-at-the-boundary API for host
// applications (gomobile, cgo wrappers). Every exported function recovers
// from panics and reports them as errors.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"

	"proxyprobe/internal/archive"
	"proxyprobe/internal/download"
	"proxyprobe/internal/probe"
	"proxyprobe/internal/shared/config"
	"proxyprobe/internal/shared/logger"
	"proxyprobe/internal/shared/types"
	"proxyprobe/internal/sys/process"
)

var (
	// 当前生效的配置和由它构造的 Prober，Configure 会整体替换
	activeConfig = types.DefaultConfig()
	activeProber *probe.Prober
	instanceMu   sync.Mutex
)

func recovered(r interface{}, where string) error {
	return fmt.Errorf("go core panic in %s: %v\n\n%s", where, r, debug.Stack())
}

// Configure replaces the active configuration with the given ini content,
// applied over the defaults. An empty string restores the defaults.
func Configure(iniContent string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r, "Configure")
		}
	}()

	cfg, err := config.LoadBytes([]byte(iniContent))
	if err != nil {
		return err
	}
	p, err := probe.New(probe.OptionsFromConfig(cfg.ProbeConf))
	if err != nil {
		return fmt.Errorf("invalid [probe] section: %w", err)
	}

	instanceMu.Lock()
	activeConfig, activeProber = cfg, p
	instanceMu.Unlock()
	logger.Debug().Int("timeout_ms", cfg.ProbeConf.TimeoutMs).Str("verify_url", cfg.ProbeConf.VerifyURL).Msg("Bridge configured.")
	return nil
}

func current() (*types.Config, *probe.Prober, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if activeProber == nil {
		p, err := probe.New(probe.OptionsFromConfig(activeConfig.ProbeConf))
		if err != nil {
			return nil, nil, err
		}
		activeProber = p
	}
	return activeConfig, activeProber, nil
}

// LoggerInit 初始化日志。file 为空时只输出到 stderr。
func LoggerInit(level, file string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r, "LoggerInit")
		}
	}()
	instanceMu.Lock()
	conf := activeConfig.LogConf
	instanceMu.Unlock()
	conf.Level, conf.File = level, file
	return logger.Init(conf)
}

func proxyCheck(scheme probe.Scheme, host string, port int, username, password string) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r, "ProxyCheck")
			result = ""
		}
	}()

	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid port %d", port)
	}
	var user, pass *string
	if username != "" {
		user, pass = &username, &password
	}
	t, err := probe.NewTarget(scheme, host, uint16(port), user, pass)
	if err != nil {
		return "", err
	}
	_, p, err := current()
	if err != nil {
		return "", err
	}
	return probe.RenderJSON(p.Probe(context.Background(), t)), nil
}

// ProxyCheckHttp probes an HTTP CONNECT proxy and returns the result JSON:
// {"success", "latencyMs", "error", "remoteAddress"}. An empty username
// means no credentials. The error is set only for invalid arguments.
func ProxyCheckHttp(host string, port int, username, password string) (string, error) {
	return proxyCheck(probe.SchemeHTTP, host, port, username, password)
}

// ProxyCheckSocks5 probes a SOCKS5 proxy, resolving the destination locally.
func ProxyCheckSocks5(host string, port int, username, password string) (string, error) {
	return proxyCheck(probe.SchemeSOCKS5, host, port, username, password)
}

// ProxyCheckSocks5H probes a SOCKS5 proxy that resolves the destination
// itself.
func ProxyCheckSocks5H(host string, port int, username, password string) (string, error) {
	return proxyCheck(probe.SchemeSOCKS5H, host, port, username, password)
}

// ArchivateFolder zips the entries of sourceDir selected by patternsJson, a
// JSON array of glob or plain patterns.
func ArchivateFolder(archivePath, sourceDir, patternsJson string) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r, "ArchivateFolder")
			ok = false
		}
	}()

	var patterns []string
	if err := json.Unmarshal([]byte(patternsJson), &patterns); err != nil {
		return false, fmt.Errorf("failed to unmarshal patterns JSON: %w", err)
	}
	return archive.ArchivateFolder(archivePath, sourceDir, patterns)
}

func KillProcessByPid(pid int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r, "KillProcessByPid")
		}
	}()
	return process.KillByPID(pid)
}

// SetForegroundByPid brings a window of pid to the front. It returns false
// when the process has no visible window.
func SetForegroundByPid(pid int) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r, "SetForegroundByPid")
			ok = false
		}
	}()
	return process.SetForegroundByPID(pid)
}

// ProgressCallback receives download progress events as JSON:
// {"target":"progress","downloaded":N,"total":N}.
type ProgressCallback interface {
	OnProgress(eventJson string)
}

type HttpFileDownloader struct {
	callback   ProgressCallback
	downloader *download.Downloader
}

// NewHttpFileDownloader builds a downloader from the active [download]
// configuration. callback may be nil.
func NewHttpFileDownloader(callback ProgressCallback) *HttpFileDownloader {
	instanceMu.Lock()
	conf := activeConfig.DownloadConf
	instanceMu.Unlock()
	return &HttpFileDownloader{callback: callback, downloader: download.New(conf)}
}

// DownloadFile downloads url to path, resuming a partial file when the
// server allows it, and returns {"status", "ecode", "message"} as JSON.
// Network and file system failures are returned as errors.
func (d *HttpFileDownloader) DownloadFile(url, path string) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r, "DownloadFile")
			result = ""
		}
	}()

	var progress chan download.Progress
	done := make(chan struct{})
	if d.callback != nil {
		progress = make(chan download.Progress, 16)
		go func() {
			defer close(done)
			for p := range progress {
				b, err := json.Marshal(p)
				if err == nil {
					d.callback.OnProgress(string(b))
				}
			}
		}()
	} else {
		close(done)
	}

	resp, err := d.downloader.DownloadFile(context.Background(), url, path, progress)
	if progress != nil {
		close(progress)
	}
	<-done
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal download response: %w", err)
	}
	return string(b), nil
}
