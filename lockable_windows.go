//go:build windows

package segstore

import "golang.org/x/sys/windows"

// rawLockShared takes a blocking shared lock over the whole file.
func (lf *LockableFile) rawLockShared() error {
	handle := windows.Handle(lf.file.Fd())
	var overlapped windows.Overlapped
	if err := windows.LockFileEx(handle, 0, 0, ^uint32(0), ^uint32(0), &overlapped); err != nil {
		return ioErr("LockFileEx(SH)", lf.path, err)
	}
	return nil
}

// rawLockExclusive takes a blocking exclusive lock over the whole file.
func (lf *LockableFile) rawLockExclusive() error {
	handle := windows.Handle(lf.file.Fd())
	var overlapped windows.Overlapped
	if err := windows.LockFileEx(handle, windows.LOCKFILE_EXCLUSIVE_LOCK, 0, ^uint32(0), ^uint32(0), &overlapped); err != nil {
		return ioErr("LockFileEx(EX)", lf.path, err)
	}
	return nil
}

// rawUnlock releases the whole-file lock.
func (lf *LockableFile) rawUnlock() error {
	handle := windows.Handle(lf.file.Fd())
	var overlapped windows.Overlapped
	if err := windows.UnlockFileEx(handle, 0, ^uint32(0), ^uint32(0), &overlapped); err != nil {
		return ioErr("UnlockFileEx", lf.path, err)
	}
	return nil
}
