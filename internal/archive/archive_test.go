package archive

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func readArchive(t *testing.T, p string) map[string]string {
	t.Helper()
	r, err := zip.OpenReader(p)
	require.NoError(t, err)
	defer r.Close()
	out := make(map[string]string)
	for _, f := range r.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = string(b)
	}
	return out
}

func TestArchivateFolder(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "Local State", "state")
	writeFile(t, src, "Default/Preferences", "prefs")
	writeFile(t, src, "Default/Extensions/abc/1.0/manifest.json", `{"v":1}`)
	writeFile(t, src, "Default/Cache/data_0", "cache")

	dst := filepath.Join(t.TempDir(), "profile.zip")
	ok, err := ArchivateFolder(dst, src, []string{
		"Local State",
		"Default/Preferences",
		"Default/Extensions/**",
		"Default/Preferences", // duplicate
		"missing.txt",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	entries := readArchive(t, dst)
	names := make([]string, 0, len(entries))
	for n := range entries {
		names = append(names, n)
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		"Default/Extensions/abc/",
		"Default/Extensions/abc/1.0/",
		"Default/Extensions/abc/1.0/manifest.json",
		"Default/Preferences",
		"Local State",
	}, names)
	assert.Equal(t, `{"v":1}`, entries["Default/Extensions/abc/1.0/manifest.json"])
	assert.Equal(t, "state", entries["Local State"])
}

func TestArchivateFolderSingleStar(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "a.log", "a")
	writeFile(t, src, "sub/b.log", "b")

	dst := filepath.Join(src, "logs.zip")
	ok, err := ArchivateFolder(dst, src, []string{"*.log", "*.zip"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, map[string]string{"a.log": "a"}, readArchive(t, dst))
}

func TestArchivateFolderErrors(t *testing.T) {
	_, err := ArchivateFolder(filepath.Join(t.TempDir(), "x.zip"), filepath.Join(t.TempDir(), "nope"), nil)
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	dst := filepath.Join(t.TempDir(), "bad.zip")
	_, err = ArchivateFolder(dst, file, []string{"*"})
	assert.ErrorIs(t, err, ErrSourceNotDir)
	assert.NoFileExists(t, dst)
}
