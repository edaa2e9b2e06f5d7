//go:build !windows && !darwin

package process

// SetForegroundByPID has no window system to talk to here.
func SetForegroundByPID(pid int) (bool, error) {
	if err := checkPID(pid); err != nil {
		return false, err
	}
	return false, ErrUnsupported
}
