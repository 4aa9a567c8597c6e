//go:build !linux

package netfilter

import (
	"time"

	"grimm.is/appwall/internal/errors"
)

// FileLock is only available on Linux.
type FileLock struct{ path string }

func NewFileLock(path string, _ time.Duration) *FileLock { return &FileLock{path: path} }

func (l *FileLock) Lock() error {
	return errors.New(errors.KindUnimplemented, "file locks require linux")
}
func (l *FileLock) Unlock() {}
func (l *FileLock) RLock() error {
	return errors.New(errors.KindUnimplemented, "file locks require linux")
}
func (l *FileLock) RUnlock() {}
