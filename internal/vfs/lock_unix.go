//go:build unix

package vfs

import (
	"golang.org/x/sys/unix"

	"sqlitecore/internal/base"
)

// The database lock is built from three advisory byte-range locks placed
// past the 1GB boundary so they never collide with data I/O:
//
//	PENDING   one byte; write-locked while a writer waits for readers
//	RESERVED  one byte; write-locked by the single writer buffering changes
//	SHARED    510 bytes; read-locked by readers, write-locked at EXCLUSIVE
//
// Open-file-description locks are used so two connections inside one
// process conflict the same way two processes do.

func (f *File) fcntlLock(typ int16, start int64, length int64) error {
	fl := unix.Flock_t{
		Type:   typ,
		Whence: 0,
		Start:  start,
		Len:    length,
	}
	err := unix.FcntlFlock(f.f.Fd(), unix.F_OFD_SETLK, &fl)
	if err == unix.EAGAIN || err == unix.EACCES || err == unix.EWOULDBLOCK {
		return base.ErrBusy
	}
	if err != nil {
		return base.IOErrf("lock", err)
	}
	return nil
}

// Lock raises the file lock to the requested level. Transitions follow the
// state machine exactly; skipping levels other than SHARED→EXCLUSIVE on
// rollback is not permitted. Returns base.ErrBusy on conflict without
// changing the held level, except that a failed EXCLUSIVE attempt keeps the
// PENDING lock taken on the way so readers drain for the retry.
func (f *File) Lock(level LockLevel) error {
	if f.lock >= level {
		return nil
	}
	if f.readOnly && level > LockShared {
		return base.ErrReadOnly
	}

	switch level {
	case LockShared:
		// Momentary PENDING read lock gates new readers against a
		// waiting writer, then the SHARED range is read-locked.
		if err := f.fcntlLock(unix.F_RDLCK, base.PendingByte, 1); err != nil {
			return err
		}
		err := f.fcntlLock(unix.F_RDLCK, base.SharedFirst, base.SharedSize)
		if uerr := f.fcntlLock(unix.F_UNLCK, base.PendingByte, 1); err == nil {
			err = uerr
		}
		if err != nil {
			return err
		}
		f.lock = LockShared

	case LockReserved:
		if f.lock != LockShared {
			return base.Misusef("RESERVED requested from %s", f.lock)
		}
		if err := f.fcntlLock(unix.F_WRLCK, base.ReservedByte, 1); err != nil {
			return err
		}
		f.lock = LockReserved

	case LockPending, LockExclusive:
		if f.lock < LockShared {
			return base.Misusef("%s requested from %s", level, f.lock)
		}
		if f.lock < LockPending {
			if err := f.fcntlLock(unix.F_WRLCK, base.PendingByte, 1); err != nil {
				return err
			}
			f.lock = LockPending
		}
		if level == LockExclusive {
			if err := f.fcntlLock(unix.F_WRLCK, base.SharedFirst, base.SharedSize); err != nil {
				return err
			}
			f.lock = LockExclusive
		}
	}
	return nil
}

// Unlock lowers the file lock to the requested level (LockNone or
// LockShared).
func (f *File) Unlock(level LockLevel) error {
	if f.lock <= level {
		return nil
	}
	if level > LockShared {
		return base.Misusef("cannot unlock to %s", level)
	}

	if level == LockShared {
		// Drop the write lock on the shared range back to a read lock,
		// then release PENDING and RESERVED.
		if f.lock == LockExclusive {
			if err := f.fcntlLock(unix.F_RDLCK, base.SharedFirst, base.SharedSize); err != nil {
				return err
			}
		}
		if err := f.fcntlLock(unix.F_UNLCK, base.PendingByte, 2); err != nil {
			return err
		}
		f.lock = LockShared
		return nil
	}

	// Down to UNLOCKED: release everything in one sweep.
	if err := f.fcntlLock(unix.F_UNLCK, base.PendingByte, base.SharedSize+2); err != nil {
		return err
	}
	f.lock = LockNone
	return nil
}

// CheckReservedLock reports whether some other connection holds the
// RESERVED lock, which means a write transaction is in progress somewhere.
func (f *File) CheckReservedLock() (bool, error) {
	if f.lock >= LockReserved {
		return true, nil
	}
	fl := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: 0,
		Start:  base.ReservedByte,
		Len:    1,
	}
	if err := unix.FcntlFlock(f.f.Fd(), unix.F_OFD_GETLK, &fl); err != nil {
		return false, base.IOErrf("getlk", err)
	}
	return fl.Type != unix.F_UNLCK, nil
}
