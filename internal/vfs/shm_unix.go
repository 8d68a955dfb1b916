//go:build unix

package vfs

import (
	"os"

	"golang.org/x/sys/unix"

	"sqlitecore/internal/base"
)

// SharedMem is the memory-mapped -shm file that carries the WAL index
// header and reader marks between connections.
type SharedMem struct {
	f    *os.File
	data []byte
}

// OpenSharedMem opens (creating if needed) and maps the -shm file at path
// with the given region size.
func OpenSharedMem(path string, size int) (*SharedMem, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, base.IOErrf("open shm", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, base.IOErrf("stat shm", err)
	}
	if fi.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, base.IOErrf("grow shm", err)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, base.IOErrf("mmap shm", err)
	}
	return &SharedMem{f: f, data: data}, nil
}

// Data returns the mapped region.
func (s *SharedMem) Data() []byte { return s.data }

// Sync flushes the mapping to the file.
func (s *SharedMem) Sync() error {
	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		return base.IOErrf("msync shm", err)
	}
	return nil
}

// Close unmaps and closes the -shm file. The file itself is left in place;
// the last connection to a database removes it alongside the WAL.
func (s *SharedMem) Close() error {
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			s.f.Close()
			return base.IOErrf("munmap shm", err)
		}
		s.data = nil
	}
	if err := s.f.Close(); err != nil {
		return base.IOErrf("close shm", err)
	}
	return nil
}
