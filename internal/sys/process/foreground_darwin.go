//go:build darwin

package process

import (
	"errors"
	"fmt"
	"os/exec"

	"golang.org/x/sys/unix"

	"proxyprobe/internal/shared/logger"
)

// SetForegroundByPID brings the application owning pid to the front. It
// reports false when no such process exists.
func SetForegroundByPID(pid int) (bool, error) {
	if err := checkPID(pid); err != nil {
		return false, err
	}
	if errors.Is(unix.Kill(pid, 0), unix.ESRCH) {
		return false, nil
	}
	script := fmt.Sprintf(`tell application "System Events" to set frontmost of (first process whose unix id is %d) to true`, pid)
	logger.Debug().Int("pid", pid).Msg("[macos]: activating application")
	if out, err := exec.Command("osascript", "-e", script).CombinedOutput(); err != nil {
		return false, fmt.Errorf("osascript: %w: %s", err, out)
	}
	return true, nil
}
