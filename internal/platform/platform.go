// Package platform names the build artifact that matches a host. It is used
// for diagnostics only; nothing is loaded from the returned id.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

type Libc string

const (
	LibcNone Libc = ""
	LibcGNU  Libc = "gnu"
	LibcMusl Libc = "musl"
	LibcMSVC Libc = "msvc"
	LibcEABI Libc = "gnueabihf"
)

var ErrUnsupportedPlatform = errors.New("unsupported platform")

// Key identifies a host platform.
type Key struct {
	OS   string
	Arch string
	Libc Libc
}

func (k Key) String() string {
	if k.Libc == LibcNone {
		return k.OS + "/" + k.Arch
	}
	return k.OS + "/" + k.Arch + "/" + string(k.Libc)
}

// artifacts 是 (系统, 架构, libc) 到产物名的静态映射表。
var artifacts = map[Key]string{
	{"windows", "amd64", LibcMSVC}: "win32-x64-msvc",
	{"windows", "386", LibcMSVC}:   "win32-ia32-msvc",
	{"windows", "arm64", LibcMSVC}: "win32-arm64-msvc",

	{"darwin", "amd64", LibcNone}: "darwin-x64",
	{"darwin", "arm64", LibcNone}: "darwin-arm64",

	{"freebsd", "amd64", LibcNone}: "freebsd-x64",

	{"android", "arm64", LibcNone}: "android-arm64",
	{"android", "arm", LibcNone}:   "android-arm-eabi",

	{"linux", "amd64", LibcGNU}:  "linux-x64-gnu",
	{"linux", "amd64", LibcMusl}: "linux-x64-musl",
	{"linux", "arm64", LibcGNU}:  "linux-arm64-gnu",
	{"linux", "arm64", LibcMusl}: "linux-arm64-musl",
	{"linux", "arm", LibcEABI}:   "linux-arm-gnueabihf",
}

// Lookup returns the artifact id for k.
func Lookup(k Key) (string, error) {
	if id, ok := artifacts[k]; ok {
		return id, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedPlatform, k)
}

// Detect describes the running host.
func Detect() Key {
	return Key{OS: runtime.GOOS, Arch: runtime.GOARCH, Libc: detectLibc(runtime.GOOS, runtime.GOARCH)}
}

func detectLibc(goos, goarch string) Libc {
	switch goos {
	case "windows":
		return LibcMSVC
	case "linux":
		if goarch == "arm" {
			return LibcEABI
		}
		if isMusl() {
			return LibcMusl
		}
		return LibcGNU
	}
	return LibcNone
}

func isMusl() bool {
	if m, _ := filepath.Glob("/lib/ld-musl-*.so.1"); len(m) > 0 {
		return true
	}
	_, err := os.Stat("/etc/alpine-release")
	return err == nil
}
