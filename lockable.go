package segstore

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
)

// LockMode is the advisory lock state a LockableFile can be in.
type LockMode int

const (
	// LockUN is the unlocked state.
	LockUN LockMode = iota
	// LockSH is the shared (read) state.
	LockSH
	// LockEX is the exclusive (write) state.
	LockEX
)

func (m LockMode) String() string {
	switch m {
	case LockUN:
		return "UN"
	case LockSH:
		return "SH"
	case LockEX:
		return "EX"
	default:
		return "?"
	}
}

// metadataOps is the capability set every lockable container satisfies: a
// way to serialize its header out to the file, and a way to load it back
// in. ResourceHash composes a wrapper around this to additionally touch its
// sibling prefix file in lockstep (see hookedMetadata in resourcehash.go).
type metadataOps interface {
	// readMetadata reloads in-memory state from the file's current header.
	readMetadata() error
	// writeMetadata serializes in-memory state into the file's header.
	writeMetadata() error
}

// LockableFile is the shared base of every on-disk container in this
// package. It owns a file descriptor, the current advisory lock state, and
// the last-known on-disk modification time, and mediates whole-file
// shared/exclusive locking with header revalidation on every acquire.
//
// LockableFile is not safe for concurrent use by multiple goroutines: flock
// coordinates processes, not goroutines, and neither LockableFile nor List,
// ModelHash, or ResourceHash holds a mutex.
type LockableFile struct {
	file  *os.File
	path  string
	flags int
	mode  LockMode

	// cached mtime of the file as of the last revalidation.
	cachedModTime time.Time

	ops metadataOps
	log *zap.Logger
}

// newLockableFile opens (creating if necessary) the file at path and wires
// up ops, but does not yet run the init discipline: callers that need to
// reference their own container struct from readMetadata/writeMetadata
// (every container in this package does, via "lf.file") must finish
// constructing themselves and assign this LockableFile to a field first,
// then call Init explicitly. openLockable below is a convenience for the
// common case where ops has no such self-reference to wire up first.
func newLockableFile(path string, truncate bool, ops metadataOps, log *zap.Logger) (*LockableFile, error) {
	if log == nil {
		log = zap.NewNop()
	}

	flags := os.O_RDWR | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, ioErr("open", path, err)
	}

	return &LockableFile{
		file:  f,
		path:  path,
		flags: flags,
		mode:  LockUN,
		ops:   ops,
		log:   log,
	}, nil
}

// Init runs the LockableFile init discipline (see init below) and closes
// the underlying file on failure.
func (lf *LockableFile) Init(truncate bool) error {
	if err := lf.init(truncate); err != nil {
		lf.file.Close()
		return err
	}
	return nil
}

// InitCtx is Init with a cancellation check before the blocking lock
// acquisitions the init discipline performs.
func (lf *LockableFile) InitCtx(ctx context.Context, truncate bool) error {
	if err := ctx.Err(); err != nil {
		lf.file.Close()
		return ioErr("init-canceled", lf.path, err)
	}
	return lf.Init(truncate)
}

// openLockable opens the file and immediately runs Init against ops. It is
// only safe when ops is fully usable before the LockableFile it wraps
// exists, i.e. ops does not dereference a "my LockableFile" field from
// within readMetadata/writeMetadata.
func openLockable(path string, truncate bool, ops metadataOps, log *zap.Logger) (*LockableFile, error) {
	lf, err := newLockableFile(path, truncate, ops, log)
	if err != nil {
		return nil, err
	}
	if err := lf.Init(truncate); err != nil {
		return nil, err
	}
	return lf, nil
}

// init implements the LockableFile init discipline: if the file was opened
// truncating, it is freshly written and synced under EX, then the lock is
// dropped to SH just long enough to revalidate. Otherwise, an empty file
// (race with another creator) is double-checked under EX and written if
// still empty; a non-empty file is simply read under SH. Final state is UN.
func (lf *LockableFile) init(truncated bool) error {
	if truncated {
		if err := lf.Lock(LockEX); err != nil {
			return err
		}
		if err := lf.ops.writeMetadata(); err != nil {
			lf.Lock(LockUN)
			return ioErr("write_metadata", lf.path, err)
		}
		if err := lf.flushAndSync(); err != nil {
			lf.Lock(LockUN)
			return err
		}
		// The OS primitive lets us reacquire as SH directly; we model that
		// as an explicit UN -> SH transition since Go's flock has no atomic
		// downgrade. Then fall through to the common read-under-SH tail.
		if err := lf.rawUnlock(); err != nil {
			return err
		}
		lf.mode = LockUN
		if err := lf.Lock(LockSH); err != nil {
			return err
		}
	} else if err := lf.Lock(LockSH); err != nil {
		return err
	}

	fi, err := lf.file.Stat()
	if err != nil {
		lf.Lock(LockUN)
		return ioErr("stat", lf.path, err)
	}

	if fi.Size() == 0 {
		if err := lf.Lock(LockUN); err != nil {
			return err
		}
		if err := lf.Lock(LockEX); err != nil {
			return err
		}
		fi, err = lf.file.Stat()
		if err != nil {
			lf.Lock(LockUN)
			return ioErr("stat", lf.path, err)
		}
		if fi.Size() == 0 {
			if err := lf.ops.writeMetadata(); err != nil {
				lf.Lock(LockUN)
				return ioErr("write_metadata", lf.path, err)
			}
			if err := lf.flushAndSync(); err != nil {
				lf.Lock(LockUN)
				return err
			}
		}
		if err := lf.Lock(LockUN); err != nil {
			return err
		}
		if err := lf.Lock(LockSH); err != nil {
			return err
		}
	}

	if err := lf.ops.readMetadata(); err != nil {
		lf.Lock(LockUN)
		return formatErr("read_metadata", lf.path, err)
	}
	if err := lf.refreshModTime(); err != nil {
		lf.Lock(LockUN)
		return err
	}

	return lf.Lock(LockUN)
}

// Lock transitions the container to the requested mode. Double-locking the
// same mode and upgrade/downgrade between SH and EX through this API are
// usage errors that leave the lock state unchanged.
func (lf *LockableFile) Lock(op LockMode) error {
	if op == lf.mode {
		return usageErr("double-lock", lf.path)
	}
	if lf.mode != LockUN && op != LockUN {
		return usageErr("lock-upgrade-or-downgrade", lf.path)
	}

	if lf.mode == LockEX && op == LockUN {
		if err := lf.ops.writeMetadata(); err != nil {
			// Best-effort unlock on the way out: the data may be stale on
			// disk but leaving the EX lock held would wedge every other
			// process.
			lf.rawUnlock()
			lf.mode = LockUN
			return ioErr("write_metadata", lf.path, err)
		}
		if err := lf.flushAndSync(); err != nil {
			lf.rawUnlock()
			lf.mode = LockUN
			return err
		}
		if err := lf.rawUnlock(); err != nil {
			return err
		}
		lf.mode = LockUN
		return nil
	}

	switch op {
	case LockSH:
		if err := lf.rawLockShared(); err != nil {
			return err
		}
	case LockEX:
		if err := lf.rawLockExclusive(); err != nil {
			return err
		}
	case LockUN:
		if err := lf.rawUnlock(); err != nil {
			return err
		}
		lf.mode = LockUN
		return nil
	default:
		return usageErr("invalid-lock-mode", lf.path)
	}

	lf.mode = op

	if op == LockSH || op == LockEX {
		fi, err := lf.file.Stat()
		if err != nil {
			lf.rawUnlock()
			lf.mode = LockUN
			return ioErr("stat", lf.path, err)
		}
		// An empty file has no header to read yet; init's double-checked
		// write path owns that case.
		if fi.Size() > 0 && fi.ModTime().After(lf.cachedModTime) {
			if err := lf.ops.readMetadata(); err != nil {
				lf.rawUnlock()
				lf.mode = LockUN
				return formatErr("read_metadata", lf.path, err)
			}
			lf.cachedModTime = fi.ModTime()
		}
	}

	return nil
}

// LockCtx is Lock with a cancellation check before the blocking flock is
// issued. The syscall itself is uninterruptible once entered; callers
// embedding these stores in a server get request cancellation only up to
// that point.
func (lf *LockableFile) LockCtx(ctx context.Context, op LockMode) error {
	if err := ctx.Err(); err != nil {
		return ioErr("lock-canceled", lf.path, err)
	}
	return lf.Lock(op)
}

// Test reports whether the current lock state matches op.
func (lf *LockableFile) Test(op LockMode) bool {
	return lf.mode == op
}

// Mode returns the current lock state.
func (lf *LockableFile) Mode() LockMode {
	return lf.mode
}

// flushAndSync fsyncs the file and refreshes the cached mtime from the
// resulting fstat. os.File.Sync issues fcntl(F_FULLFSYNC) on Darwin and
// fsync(2) on the other unix platforms.
func (lf *LockableFile) flushAndSync() error {
	if err := lf.file.Sync(); err != nil {
		return ioErr("fsync", lf.path, err)
	}
	return lf.refreshModTime()
}

func (lf *LockableFile) refreshModTime() error {
	fi, err := lf.file.Stat()
	if err != nil {
		return ioErr("stat", lf.path, err)
	}
	lf.cachedModTime = fi.ModTime()
	return nil
}

// Path returns the underlying file's path.
func (lf *LockableFile) Path() string { return lf.path }

// File returns the underlying *os.File for callers (List, ModelHash,
// ResourceHash) that need raw positional I/O.
func (lf *LockableFile) File() *os.File { return lf.file }

// Close releases the OS file handle. Callers must not hold a lock.
func (lf *LockableFile) Close() error {
	if lf.mode != LockUN {
		return usageErr("close-while-locked", lf.path)
	}
	if err := lf.file.Close(); err != nil {
		return ioErr("close", lf.path, err)
	}
	return nil
}

// Unlink removes the file from disk. Callers must not hold a lock.
func (lf *LockableFile) Unlink() error {
	if err := os.Remove(lf.path); err != nil && !os.IsNotExist(err) {
		return ioErr("unlink", lf.path, err)
	}
	return nil
}
