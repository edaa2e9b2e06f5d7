//go:build !windows

package process

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"proxyprobe/internal/shared/logger"
)

// KillByPID sends SIGINT to pid so the target can shut down cleanly.
func KillByPID(pid int) error {
	if err := checkPID(pid); err != nil {
		return err
	}
	logger.Debug().Int("pid", pid).Msg("kill(pid, SIGINT)")
	return unix.Kill(pid, unix.SIGINT)
}

// TerminateSync sends SIGTERM to pid and returns once it has exited. When ctx
// is done first the process gets SIGKILL and ErrForceKilled is returned.
func TerminateSync(ctx context.Context, pid int) error {
	if err := checkPID(pid); err != nil {
		return err
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if exited(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				return err
			}
			return ErrForceKilled
		case <-ticker.C:
		}
	}
}

// exited reaps pid if it is our child, otherwise probes it with signal 0.
func exited(pid int) bool {
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err == nil && wpid == pid {
		return true
	}
	return errors.Is(unix.Kill(pid, 0), unix.ESRCH)
}
