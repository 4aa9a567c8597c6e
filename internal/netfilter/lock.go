package netfilter

import (
	"sync"
	"time"
)

// DefaultLockTimeout bounds how long a FileLock waits for another process.
const DefaultLockTimeout = 30 * time.Second

// TableLock serializes access to the filter table. Writers hold it
// exclusively for a whole primitive sequence; readers share it.
type TableLock interface {
	Lock() error
	Unlock()
	RLock() error
	RUnlock()
}

// LocalLock is a TableLock scoped to the current process.
type LocalLock struct {
	mu sync.RWMutex
}

// NewLocalLock returns an in-process TableLock.
func NewLocalLock() *LocalLock { return &LocalLock{} }

func (l *LocalLock) Lock() error { l.mu.Lock(); return nil }
func (l *LocalLock) Unlock()     { l.mu.Unlock() }
func (l *LocalLock) RLock() error {
	l.mu.RLock()
	return nil
}
func (l *LocalLock) RUnlock() { l.mu.RUnlock() }
