package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxyprobe/proxypool/model"
)

func TestFileStorageRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxies.dat")
	fs := NewFileStorage(path)

	empty, err := fs.Load()
	require.NoError(t, err)
	assert.Empty(t, empty)

	checked := time.Unix(1700000000, 0)
	rec := &model.Record{
		ID:            "socks5://a|b@10.0.0.1:1080",
		Scheme:        "socks5",
		Host:          "10.0.0.1",
		Port:          1080,
		Username:      "a|b",
		Password:      "p w|d",
		Source:        "https://lists.example/?page=1",
		RemoteAddress: "203.0.113.7",
		Latency:       123 * time.Millisecond,
		LastChecked:   checked,
		NextChecked:   checked.Add(time.Hour),
		SuccessCount:  2,
	}
	failed := &model.Record{ID: "http://10.0.0.2:80", Scheme: "http", Host: "10.0.0.2", Port: 80, LastKind: "ConnectRefused", FailureCount: 3}
	require.NoError(t, fs.Save(map[string]*model.Record{rec.ID: rec, failed.ID: failed}))

	loaded, err := fs.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, rec, loaded[rec.ID])
	assert.Equal(t, failed, loaded[failed.ID])
}

func TestFileStorageSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxies.dat")
	good := formatRecord(&model.Record{ID: "http://h:1", Scheme: "http", Host: "h", Port: 1})
	require.NoError(t, os.WriteFile(path, []byte("a|b|c\n"+good+"\n"), 0o644))

	loaded, err := NewFileStorage(path).Load()
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
	assert.Contains(t, loaded, "http://h:1")
}
