package storage

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"proxyprobe/internal/shared/logger"
	"proxyprobe/proxypool/model"
)

const (
	delimiter = "|"
	numFields = 14 // ID|Scheme|Host|Port|Username|Password|Source|LastKind|RemoteAddress|Latency|LastChecked|NextChecked|FailureCount|SuccessCount
)

// Storage 接口定义了代理记录持久化的行为。
type Storage interface {
	Load() (map[string]*model.Record, error)
	Save(records map[string]*model.Record) error
}

// FileStorage 实现了 Storage 接口，使用纯文本文件进行持久化。
// 可能包含 '|' 的字段按 URL query 规则转义。
type FileStorage struct {
	filePath string
	mu       sync.RWMutex
}

func NewFileStorage(filePath string) *FileStorage {
	return &FileStorage{filePath: filePath}
}

// Load 从纯文本文件加载记录，文件不存在时返回空 map。
func (fs *FileStorage) Load() (map[string]*model.Record, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	l := logger.WithComponent("ProxyPool/Storage")

	file, err := os.Open(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.filePath).Msg("Proxy data file not found, starting with an empty pool.")
			return make(map[string]*model.Record), nil
		}
		return nil, err
	}
	defer file.Close()

	records := make(map[string]*model.Record)
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		fields := strings.Split(line, delimiter)
		if len(fields) != numFields {
			l.Warn().Int("line", lineNum).Int("expected", numFields).Int("got", len(fields)).Msg("Skipping malformed line in proxy file.")
			continue
		}

		r, err := parseRecord(fields)
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse record from line, skipping.")
			continue
		}
		records[r.ID] = r
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	l.Info().Int("count", len(records)).Msg("Successfully loaded proxies from file.")
	return records, nil
}

// Save 将记录写入临时文件后替换原文件。
func (fs *FileStorage) Save(records map[string]*model.Record) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	list := make([]*model.Record, 0, len(records))
	for _, r := range records {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	var sb strings.Builder
	for _, r := range list {
		sb.WriteString(formatRecord(r))
		sb.WriteString("\n")
	}

	tmp, err := os.CreateTemp(filepath.Dir(fs.filePath), ".proxies-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), fs.filePath); err != nil {
		return err
	}

	l := logger.WithComponent("ProxyPool/Storage")
	l.Debug().Int("count", len(list)).Msg("Saved proxies to file.")
	return nil
}

func formatRecord(r *model.Record) string {
	return strings.Join([]string{
		url.QueryEscape(r.ID),
		r.Scheme,
		url.QueryEscape(r.Host),
		strconv.Itoa(r.Port),
		url.QueryEscape(r.Username),
		url.QueryEscape(r.Password),
		url.QueryEscape(r.Source),
		r.LastKind,
		url.QueryEscape(r.RemoteAddress),
		strconv.FormatInt(r.Latency.Milliseconds(), 10),
		strconv.FormatInt(unixOrZero(r.LastChecked), 10),
		strconv.FormatInt(unixOrZero(r.NextChecked), 10),
		strconv.Itoa(r.FailureCount),
		strconv.Itoa(r.SuccessCount),
	}, delimiter)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func parseRecord(fields []string) (*model.Record, error) {
	var text [6]string
	for i, idx := range []int{0, 2, 4, 5, 6, 8} {
		v, err := url.QueryUnescape(fields[idx])
		if err != nil {
			return nil, fmt.Errorf("invalid field %d: %w", idx, err)
		}
		text[i] = v
	}

	var nums [6]int64
	for i, idx := range []int{3, 9, 10, 11, 12, 13} {
		v, err := strconv.ParseInt(fields[idx], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid field %d: %w", idx, err)
		}
		nums[i] = v
	}

	r := &model.Record{
		ID:            text[0],
		Scheme:        fields[1],
		Host:          text[1],
		Port:          int(nums[0]),
		Username:      text[2],
		Password:      text[3],
		Source:        text[4],
		LastKind:      fields[7],
		RemoteAddress: text[5],
		Latency:       time.Duration(nums[1]) * time.Millisecond,
		FailureCount:  int(nums[4]),
		SuccessCount:  int(nums[5]),
	}
	if nums[2] > 0 {
		r.LastChecked = time.Unix(nums[2], 0)
	}
	if nums[3] > 0 {
		r.NextChecked = time.Unix(nums[3], 0)
	}
	return r, nil
}
