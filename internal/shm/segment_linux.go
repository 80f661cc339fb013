//go:build linux

// Package shm implements the shared-memory segment backing a ring
// buffer: a file in the runtime directory, truncated to the requested
// size and mapped twice back-to-back so that any chunk can be read or
// written as a contiguous range even when it straddles the physical
// wrap point.
//
// Author: coreipc
// License: Apache-2.0
package shm

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Segment is a page-rounded shared memory region mapped twice
// contiguously: Bytes()[0:Size] and Bytes()[Size:2*Size] alias the same
// physical pages, letting a writer/reader treat the region as linear.
type Segment struct {
	file     *os.File
	size     int  // one copy, page-rounded
	base     uintptr
	mirrored []byte // len == 2*size, aliasing the same pages twice
	ownsFile bool
}

// PageSize returns the host page size; roundPage rounds sizes up to it,
// matching qb_rb_open's "actual size will be rounded up to the next page
// size".
func PageSize() int { return unix.Getpagesize() }

func roundPage(n int) int {
	ps := PageSize()
	if n <= 0 {
		n = ps
	}
	return (n + ps - 1) / ps * ps
}

// Create makes (or truncates) the backing file at path to size bytes
// (page-rounded) and double-maps it. The creator owns unlinking path on
// final close.
func Create(path string, size int) (*Segment, error) {
	size = roundPage(size)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o660)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: truncate %s: %w", path, err)
	}
	return mapDouble(f, size, true)
}

// Open maps an existing segment created by another process/opener.
func Open(path string, size int) (*Segment, error) {
	size = roundPage(size)
	f, err := os.OpenFile(path, os.O_RDWR, 0o660)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	return mapDouble(f, size, true)
}

func mapDouble(f *os.File, size int, ownsFile bool) (*Segment, error) {
	fd := int(f.Fd())

	// Reserve 2*size of address space with no backing, so the two real
	// mappings below land contiguously without colliding with anything
	// else in the process's address space.
	reservation, err := unix.Mmap(-1, 0, size*2, unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		if ownsFile {
			f.Close()
		}
		return nil, fmt.Errorf("shm: reserve: %w", err)
	}
	base := uintptr(unsafe.Pointer(&reservation[0]))

	one, err := mmapFixed(base, size, fd, 0)
	if err != nil {
		unix.Munmap(reservation)
		if ownsFile {
			f.Close()
		}
		return nil, fmt.Errorf("shm: mmap first half: %w", err)
	}
	if one != base {
		unix.Munmap(reservation)
		if ownsFile {
			f.Close()
		}
		return nil, fmt.Errorf("shm: kernel did not honor MAP_FIXED for first half")
	}

	two, err := mmapFixed(base+uintptr(size), size, fd, 0)
	if err != nil {
		unix.RawSyscall(unix.SYS_MUNMAP, base, uintptr(size), 0)
		unix.RawSyscall(unix.SYS_MUNMAP, base+uintptr(size), uintptr(size), 0)
		if ownsFile {
			f.Close()
		}
		return nil, fmt.Errorf("shm: mmap second half: %w", err)
	}
	if two != base+uintptr(size) {
		return nil, fmt.Errorf("shm: kernel did not honor MAP_FIXED for second half")
	}

	return &Segment{
		file:     f,
		size:     size,
		base:     base,
		mirrored: unsafe.Slice((*byte)(unsafe.Pointer(base)), size*2),
		ownsFile: ownsFile,
	}, nil
}

// mmapFixed performs a MAP_FIXED|MAP_SHARED mmap at addr, which
// golang.org/x/sys/unix.Mmap cannot express (it has no addr parameter).
func mmapFixed(addr uintptr, size int, fd int, offset int64) (uintptr, error) {
	ret, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(size),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_FIXED|unix.MAP_SHARED), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, errno
	}
	return ret, nil
}

// Bytes returns the 2*size mirrored view: writes in [0,size) are visible
// at the same offset in [size,2*size) and vice versa.
func (s *Segment) Bytes() []byte { return s.mirrored }

// Size returns one copy's size (the logical region size, page-rounded).
func (s *Segment) Size() int { return s.size }

// File exposes the backing *os.File for chown/chmod/unlink by the owner.
func (s *Segment) File() *os.File { return s.file }

// Close unmaps both halves and the reservation, and closes the file if
// this Segment owns it. It does not unlink the path; that is the
// creator's responsibility on final ring-buffer close.
func (s *Segment) Close() error {
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, s.base, uintptr(s.size*2), 0); errno != 0 {
		return errno
	}
	if s.ownsFile {
		return s.file.Close()
	}
	return nil
}

// HasMirror reports whether Bytes() is double-mapped (always true on
// Linux, where the MAP_FIXED trick is available).
func (s *Segment) HasMirror() bool { return true }

// Chown applies to the backing file only; callers extend this to other
// backing artifacts at a higher layer.
func (s *Segment) Chown(uid, gid int) error {
	return unix.Fchown(int(s.file.Fd()), uid, gid)
}

// Chmod applies to the backing file only.
func (s *Segment) Chmod(mode os.FileMode) error {
	return s.file.Chmod(mode)
}
