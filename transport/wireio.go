package transport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// writeAll writes buf to fd in full, looping over short writes.
func writeAll(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("transport: write: %w", err)
		}
		buf = buf[n:]
	}
	return nil
}

// readFull reads exactly len(buf) bytes from fd, looping over short reads.
func readFull(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("transport: read: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("transport: %w: peer closed control socket", errInvalid)
		}
		buf = buf[n:]
	}
	return nil
}
