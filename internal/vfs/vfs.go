// Package vfs wraps the operating-system file primitives the pager needs:
// positional reads and writes, fsync, truncation, and the advisory
// byte-range locks that implement the five-state database lock.
package vfs

import (
	"io"
	"os"

	"sqlitecore/internal/base"
)

// LockLevel is the connection's position in the file-lock state machine.
// Levels are ordered; a connection moves up one compatible step at a time
// and drops straight down.
type LockLevel int

const (
	LockNone LockLevel = iota
	LockShared
	LockReserved
	LockPending
	LockExclusive
)

func (l LockLevel) String() string {
	switch l {
	case LockNone:
		return "UNLOCKED"
	case LockShared:
		return "SHARED"
	case LockReserved:
		return "RESERVED"
	case LockPending:
		return "PENDING"
	case LockExclusive:
		return "EXCLUSIVE"
	}
	return "?"
}

// File is an open database, journal, or WAL file.
type File struct {
	f        *os.File
	path     string
	readOnly bool
	lock     LockLevel
}

// Open opens or creates the file at path.
func Open(path string, readOnly bool) (*File, error) {
	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, base.IOErrf("open", err)
	}
	return &File{f: f, path: path, readOnly: readOnly}, nil
}

// Path returns the path the file was opened with.
func (f *File) Path() string { return f.path }

// ReadOnly reports whether the file was opened read-only.
func (f *File) ReadOnly() bool { return f.readOnly }

// ReadAt reads len(p) bytes at off. Reads past EOF return zero-filled
// buffers so a fresh page reads as all zeros.
func (f *File) ReadAt(p []byte, off int64) error {
	n, err := f.f.ReadAt(p, off)
	if err == io.EOF || (err == nil && n == len(p)) {
		for i := n; i < len(p); i++ {
			p[i] = 0
		}
		return nil
	}
	if err != nil {
		return base.IOErrf("read", err)
	}
	return nil
}

// WriteAt writes p at off.
func (f *File) WriteAt(p []byte, off int64) error {
	if f.readOnly {
		return base.ErrReadOnly
	}
	if _, err := f.f.WriteAt(p, off); err != nil {
		return base.IOErrf("write", err)
	}
	return nil
}

// Truncate sets the file size.
func (f *File) Truncate(size int64) error {
	if err := f.f.Truncate(size); err != nil {
		return base.IOErrf("truncate", err)
	}
	return nil
}

// Sync flushes file content to stable storage.
func (f *File) Sync() error {
	if err := f.f.Sync(); err != nil {
		return base.IOErrf("fsync", err)
	}
	return nil
}

// Size returns the current file size in bytes.
func (f *File) Size() (int64, error) {
	fi, err := f.f.Stat()
	if err != nil {
		return 0, base.IOErrf("stat", err)
	}
	return fi.Size(), nil
}

// LockState returns the lock level currently held on this file.
func (f *File) LockState() LockLevel { return f.lock }

// Close releases any held lock and then closes the file descriptor. The
// order matters: a lock must never outlive the session that took it.
func (f *File) Close() error {
	if f.lock > LockNone {
		// Best effort; the close below drops OS locks regardless.
		_ = f.Unlock(LockNone)
	}
	if err := f.f.Close(); err != nil {
		return base.IOErrf("close", err)
	}
	return nil
}

// Delete removes a file from the file system, ignoring absence.
func Delete(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return base.IOErrf("unlink", err)
	}
	return nil
}

// Exists reports whether a file is present.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
