// Package process signals and raises other processes by pid.
package process

import "errors"

var (
	// ErrUnsupported is returned on platforms without the requested facility.
	ErrUnsupported = errors.New("not supported on this platform")
	// ErrForceKilled means the process ignored the polite signal and was killed.
	ErrForceKilled = errors.New("process didn't terminate, so it was force killed")
	ErrInvalidPID  = errors.New("invalid pid")
)

func checkPID(pid int) error {
	if pid <= 0 {
		return ErrInvalidPID
	}
	return nil
}
