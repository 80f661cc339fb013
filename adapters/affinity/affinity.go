// Package affinity optionally pins the calling goroutine's OS thread to
// a single CPU core, for callers who run the Main Loop on a dedicated
// thread and want to avoid cross-core cache churn.
//
// Author: coreipc
// License: Apache-2.0
package affinity

// Pin locks the calling goroutine to its current OS thread and sets
// that thread's CPU affinity to cpuID. The caller must not unlock the
// OS thread afterward (runtime.LockOSThread was already called by Pin)
// for the affinity setting to remain meaningful. On non-Linux platforms
// Pin only locks the OS thread and returns nil; affinity is not changed.
func Pin(cpuID int) error {
	return pinPlatform(cpuID)
}
