//go:build linux

package netfilter

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"grimm.is/appwall/internal/errors"
)

const lockRetryInterval = 50 * time.Millisecond

// FileLock is a TableLock shared by every process using the same path. It
// takes flock(2) on the file: LOCK_EX for writers, LOCK_SH for readers.
// Each acquisition opens its own descriptor, so two FileLocks on one path
// exclude each other even inside a single process.
type FileLock struct {
	path    string
	timeout time.Duration

	rw sync.RWMutex

	mu      sync.Mutex
	fd      int
	readers int
}

// NewFileLock returns a lock on path. A zero timeout uses
// DefaultLockTimeout.
func NewFileLock(path string, timeout time.Duration) *FileLock {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &FileLock{path: path, timeout: timeout, fd: -1}
}

func (l *FileLock) Lock() error {
	l.rw.Lock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.acquire(unix.LOCK_EX); err != nil {
		l.rw.Unlock()
		return err
	}
	return nil
}

func (l *FileLock) Unlock() {
	l.mu.Lock()
	l.release()
	l.mu.Unlock()
	l.rw.Unlock()
}

func (l *FileLock) RLock() error {
	l.rw.RLock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readers == 0 {
		if err := l.acquire(unix.LOCK_SH); err != nil {
			l.rw.RUnlock()
			return err
		}
	}
	l.readers++
	return nil
}

func (l *FileLock) RUnlock() {
	l.mu.Lock()
	l.readers--
	if l.readers == 0 {
		l.release()
	}
	l.mu.Unlock()
	l.rw.RUnlock()
}

func (l *FileLock) acquire(how int) error {
	fd, err := unix.Open(l.path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return errors.Attr(errors.Wrapf(err, errors.KindCall, "open lock file %s", l.path), "path", l.path)
	}

	deadline := time.Now().Add(l.timeout)
	for {
		err = unix.Flock(fd, how|unix.LOCK_NB)
		if err == nil {
			l.fd = fd
			return nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			unix.Close(fd)
			return errors.Wrapf(err, errors.KindCall, "lock %s", l.path)
		}
		if time.Now().After(deadline) {
			unix.Close(fd)
			return errors.Attr(errors.Errorf(errors.KindCall, "filter table locked by another process for %s", l.timeout), "path", l.path)
		}
		time.Sleep(lockRetryInterval)
	}
}

func (l *FileLock) release() {
	if l.fd < 0 {
		return
	}
	unix.Flock(l.fd, unix.LOCK_UN)
	unix.Close(l.fd)
	l.fd = -1
}
