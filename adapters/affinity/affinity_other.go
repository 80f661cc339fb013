//go:build !linux

package affinity

import "runtime"

func pinPlatform(cpuID int) error {
	runtime.LockOSThread()
	return nil
}
