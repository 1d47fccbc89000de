package fsatomic

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/lmerrett/stravasync/internal/errs"
)

// FileLock serializes whole runs across processes. Two concurrent token
// refreshes against the same refresh token can invalidate each other, and
// two dataset writes can race on the rename, so exclusion is mandatory.
type FileLock struct {
	f *os.File
}

// Acquire takes an exclusive non-blocking flock on path, creating the lock
// file if needed. A busy lock maps to errs.ErrLocked.
func Acquire(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, errs.ErrLocked
		}
		return nil, err
	}
	return &FileLock{f: f}, nil
}

// Release drops the lock. The lock file itself is left in place.
func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
