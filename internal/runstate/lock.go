package runstate

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another process holds the run-state lock.
var ErrLocked = errors.New("run state is locked by another process")

// fileLock is an exclusive advisory flock. The kernel drops it when the
// holder exits, so an unclean shutdown never leaves a stale lock behind.
type fileLock struct {
	f *os.File
}

func acquire(path string) (*fileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create lock directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open lock %s", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errors.Wrapf(ErrLocked, "lock %s", path)
		}
		return nil, errors.Wrapf(err, "failed to lock %s", path)
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) release() error {
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
