//go:build windows

package process

import (
	"context"
	"errors"
	"unsafe"

	"golang.org/x/sys/windows"

	"proxyprobe/internal/shared/logger"
)

var (
	user32                  = windows.NewLazySystemDLL("user32.dll")
	procSetForegroundWindow = user32.NewProc("SetForegroundWindow")
	procShowWindow          = user32.NewProc("ShowWindow")
	procIsWindowVisible     = user32.NewProc("IsWindowVisible")
)

const swRestore = 9

// KillByPID terminates pid. Windows has no SIGINT for foreign processes, so
// this is TerminateProcess with exit code 9.
func KillByPID(pid int) error {
	if err := checkPID(pid); err != nil {
		return err
	}
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)
	logger.Debug().Int("pid", pid).Msg("TerminateProcess(pid, 9)")
	return windows.TerminateProcess(h, 9)
}

// TerminateSync terminates pid and waits for it to exit or for ctx.
func TerminateSync(ctx context.Context, pid int) error {
	if err := checkPID(pid); err != nil {
		return err
	}
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE|windows.SYNCHRONIZE, false, uint32(pid))
	if err != nil {
		if errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
			return nil // 进程已经不存在
		}
		return err
	}
	defer windows.CloseHandle(h)
	if err := windows.TerminateProcess(h, 9); err != nil {
		return err
	}
	for {
		ev, err := windows.WaitForSingleObject(h, 50)
		if err != nil {
			return err
		}
		if ev == windows.WAIT_OBJECT_0 {
			return nil
		}
		if ctx.Err() != nil {
			return ErrForceKilled
		}
	}
}

// SetForegroundByPID restores and raises the first visible top-level window
// owned by pid. It reports false when pid owns no such window.
func SetForegroundByPID(pid int) (bool, error) {
	if err := checkPID(pid); err != nil {
		return false, err
	}
	var found windows.HWND
	cb := windows.NewCallback(func(hwnd windows.HWND, lparam uintptr) uintptr {
		var owner uint32
		windows.GetWindowThreadProcessId(hwnd, &owner)
		if owner != uint32(lparam) {
			return 1
		}
		if visible, _, _ := procIsWindowVisible.Call(uintptr(hwnd)); visible == 0 {
			return 1
		}
		found = hwnd
		return 0 // 停止枚举
	})
	// 回调返回 0 时 EnumWindows 也会返回错误，以 found 为准
	err := windows.EnumWindows(cb, unsafe.Pointer(uintptr(pid)))
	if found == 0 {
		return false, err
	}
	procShowWindow.Call(uintptr(found), swRestore)
	ok, _, callErr := procSetForegroundWindow.Call(uintptr(found))
	if ok == 0 {
		return false, callErr
	}
	return true, nil
}
