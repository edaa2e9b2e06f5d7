// Package archive packs selected files of a directory into a zip archive.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/klauspost/compress/flate"

	"proxyprobe/internal/shared/logger"
)

var ErrSourceNotDir = errors.New("source is not a directory")

// ArchivateFolder writes archivePath as a zip of the entries of sourceDir
// selected by patterns. Paths are matched slash-separated and relative to
// sourceDir.
//
// A pattern containing '*' is a glob ('**' crosses directories); matched
// directories are stored as directory entries and matched files are
// deflated. Any other pattern names one file which is added when it exists
// and skipped otherwise. An entry selected by several patterns is written
// once.
func ArchivateFolder(archivePath, sourceDir string, patterns []string) (ok bool, err error) {
	log := logger.WithComponent("Archive")

	info, err := os.Stat(sourceDir)
	if err != nil {
		return false, fmt.Errorf("stat source dir: %w", err)
	}
	if !info.IsDir() {
		return false, fmt.Errorf("%s: %w", sourceDir, ErrSourceNotDir)
	}
	// 归档文件本身可能位于 sourceDir 下，遍历时要跳过
	selfAbs, _ := filepath.Abs(archivePath)

	out, err := os.Create(archivePath)
	if err != nil {
		return false, fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(archivePath)
		}
	}()

	w := &writer{
		zw:   zip.NewWriter(out),
		seen: make(map[string]bool),
		root: sourceDir,
		self: selfAbs,
	}
	w.zw.RegisterCompressor(zip.Deflate, func(dst io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(dst, flate.DefaultCompression)
	})

	for _, pattern := range patterns {
		pattern = filepath.ToSlash(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if strings.Contains(pattern, "*") {
			err = w.addGlob(pattern)
		} else {
			err = w.addPlain(pattern)
		}
		if err != nil {
			return false, err
		}
	}

	if err = w.zw.Close(); err != nil {
		return false, fmt.Errorf("finish archive: %w", err)
	}
	if err = out.Close(); err != nil {
		return false, fmt.Errorf("close archive: %w", err)
	}
	log.Debug().Str("archive", archivePath).Int("entries", len(w.seen)).Msg("Archive written.")
	return true, nil
}

type writer struct {
	zw   *zip.Writer
	seen map[string]bool
	root string
	self string
}

func (w *writer) addGlob(pattern string) error {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return filepath.WalkDir(w.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(w.root, p)
		if err != nil || rel == "." {
			return err
		}
		name := filepath.ToSlash(rel)
		if !g.Match(name) {
			return nil
		}
		if d.IsDir() {
			return w.addDir(name, p)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return w.addFile(name, p)
	})
}

func (w *writer) addPlain(pattern string) error {
	name := path.Clean(strings.TrimPrefix(pattern, "/"))
	if name == "." || strings.HasPrefix(name, "../") || name == ".." {
		return nil
	}
	p := filepath.Join(w.root, filepath.FromSlash(name))
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return nil
	}
	return w.addFile(name, p)
}

func (w *writer) addDir(name, p string) error {
	name += "/"
	if w.seen[name] {
		return nil
	}
	info, err := os.Stat(p)
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Store
	if _, err := w.zw.CreateHeader(hdr); err != nil {
		return fmt.Errorf("add directory %s: %w", name, err)
	}
	w.seen[name] = true
	return nil
}

func (w *writer) addFile(name, p string) error {
	if w.seen[name] {
		return nil
	}
	if abs, _ := filepath.Abs(p); abs == w.self {
		return nil
	}
	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	dst, err := w.zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("add file %s: %w", name, err)
	}
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	w.seen[name] = true
	return nil
}
