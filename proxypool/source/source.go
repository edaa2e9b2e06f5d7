package source

import (
	"context"
	"fmt"
	"os"

	"proxyprobe/internal/probe"
	"proxyprobe/internal/shared/logger"
	"proxyprobe/proxypool/model"
	"proxyprobe/proxypool/parser"
)

// Source 接口定义了从某处获取待检测代理列表的行为。
type Source interface {
	// Fetch 只负责获取和解析，不做探测。
	Fetch(ctx context.Context) ([]*model.Record, error)
	// Name 返回来源名称，用于日志和 Record.Source。
	Name() string
}

// FileSource reads a local proxy list.
type FileSource struct {
	Path          string
	DefaultScheme probe.Scheme
}

func (s *FileSource) Name() string { return s.Path }

func (s *FileSource) Fetch(ctx context.Context) ([]*model.Record, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open proxy list: %w", err)
	}
	defer f.Close()

	records, errs := parser.Parse(f, s.DefaultScheme, s.Name())
	l := logger.WithComponent("ProxyPool/Source")
	for _, err := range errs {
		l.Warn().Err(err).Str("source", s.Name()).Msg("Skipping bad proxy line.")
	}
	return records, nil
}
