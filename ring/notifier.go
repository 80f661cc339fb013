package ring

// Notifier is the wakeup primitive paired with a ring buffer. Wait never
// returns spuriously without a corresponding Post or a timeout. Close
// releases only this opener's local resources (such as an attached
// eventfd); Ring.Close calls it on every close, whatever the refcount.
type Notifier interface {
	Post() error
	// Wait blocks up to ms milliseconds for a Post. ms == 0 polls once
	// without blocking; ms < 0 blocks indefinitely. Returns true if a
	// post was observed, false on timeout.
	Wait(ms int) (bool, error)
	// FD returns the pollable descriptor attached to this notifier, or -1
	// if none is attached. FD does not attach one itself; the Linux futex
	// back-end attaches an auxiliary eventfd through AttachPollFD.
	FD() int
	Close() error
}

func newNotifier(flags Flags, word *uint32) Notifier {
	if flags&FlagNoSemaphore != 0 {
		return newNoWaitNotifier(word)
	}
	return newFutexNotifier(word)
}
