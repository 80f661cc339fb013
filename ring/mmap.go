package ring

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapWhole maps the whole control file (header + user data area) as a
// single, non-mirrored region; only the chunk data area needs the
// double-mapping trick.
func mmapWhole(f *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func mmapClose(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}

func chownFile(f *os.File, uid, gid int) error {
	return unix.Fchown(int(f.Fd()), uid, gid)
}
