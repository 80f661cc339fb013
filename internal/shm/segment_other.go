//go:build !linux

// Fallback for Unix-like systems without the MAP_FIXED double-mapping
// trick wired up. Ring buffer read/write call sites branch on
// HasMirror() and perform the two-part copy themselves when it's false.
//
// Author: coreipc
// License: Apache-2.0
package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

type Segment struct {
	file *os.File
	size int
	data []byte
}

func PageSize() int { return unix.Getpagesize() }

func roundPage(n int) int {
	ps := PageSize()
	if n <= 0 {
		n = ps
	}
	return (n + ps - 1) / ps * ps
}

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
	return mapSingle(f, size)
}

func Open(path string, size int) (*Segment, error) {
	size = roundPage(size)
	f, err := os.OpenFile(path, os.O_RDWR, 0o660)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	return mapSingle(f, size)
}

func mapSingle(f *os.File, size int) (*Segment, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap: %w", err)
	}
	return &Segment{file: f, size: size, data: data}, nil
}

// Bytes returns the single (non-mirrored) region.
func (s *Segment) Bytes() []byte { return s.data }

// Size returns the logical region size, page-rounded.
func (s *Segment) Size() int { return s.size }

func (s *Segment) File() *os.File { return s.file }

func (s *Segment) Close() error {
	if err := unix.Munmap(s.data); err != nil {
		return err
	}
	return s.file.Close()
}

func (s *Segment) Chown(uid, gid int) error {
	return unix.Fchown(int(s.file.Fd()), uid, gid)
}

func (s *Segment) Chmod(mode os.FileMode) error {
	return s.file.Chmod(mode)
}

// HasMirror reports whether Bytes() is double-mapped (always false on
// this fallback path); ring callers must use two-part copies.
func (s *Segment) HasMirror() bool { return false }
