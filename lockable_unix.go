//go:build unix

package segstore

import "golang.org/x/sys/unix"

// rawLockShared takes a blocking shared flock.
func (lf *LockableFile) rawLockShared() error {
	if err := unix.Flock(int(lf.file.Fd()), unix.LOCK_SH); err != nil {
		return ioErr("flock(SH)", lf.path, err)
	}
	return nil
}

// rawLockExclusive takes a blocking exclusive flock.
func (lf *LockableFile) rawLockExclusive() error {
	if err := unix.Flock(int(lf.file.Fd()), unix.LOCK_EX); err != nil {
		return ioErr("flock(EX)", lf.path, err)
	}
	return nil
}

// rawUnlock releases the flock, regardless of which mode held it.
func (lf *LockableFile) rawUnlock() error {
	if err := unix.Flock(int(lf.file.Fd()), unix.LOCK_UN); err != nil {
		return ioErr("flock(UN)", lf.path, err)
	}
	return nil
}
