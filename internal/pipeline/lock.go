package pipeline

import (
	"errors"
	"sync"
)

// ErrJobRunning is returned to a trigger that arrives while a job holds the
// run lock. The caller gets a deterministic rejection, never a queue.
var ErrJobRunning = errors.New("pipeline: another job is already running")

// RunLock serializes pipeline jobs. The EMR tolerates exactly one scraping
// session per account, so one deployment runs one job at a time no matter
// which trigger fired it.
type RunLock struct {
	mu sync.Mutex
}

// TryAcquire claims the lock without blocking.
func (l *RunLock) TryAcquire() bool {
	return l.mu.TryLock()
}

func (l *RunLock) Release() {
	l.mu.Unlock()
}
