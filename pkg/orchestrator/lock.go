package orchestrator

import (
	"context"
	"sync"
	"time"
)

// DefaultLockWait bounds how long a turn queues behind the session's
// in-flight turn before being rejected.
const DefaultLockWait = 10 * time.Second

// SessionLocks serializes turns per session: one in-flight advance at a
// time, later messages queue in arrival order with a bounded wait. Across
// sessions there is no shared lock.
type SessionLocks struct {
	wait time.Duration

	mu   sync.Mutex
	sems map[string]chan struct{}
}

// NewSessionLocks creates the lock table. wait <= 0 selects DefaultLockWait.
func NewSessionLocks(wait time.Duration) *SessionLocks {
	if wait <= 0 {
		wait = DefaultLockWait
	}
	return &SessionLocks{wait: wait, sems: make(map[string]chan struct{})}
}

// Acquire takes the session's lock, waiting up to the configured bound.
// Returns the release function and false when the wait timed out or the
// context was cancelled.
func (l *SessionLocks) Acquire(ctx context.Context, sessionID string) (func(), bool) {
	sem := l.semaphore(sessionID)

	select {
	case sem <- struct{}{}:
	default:
		timer := time.NewTimer(l.wait)
		defer timer.Stop()
		select {
		case sem <- struct{}{}:
		case <-timer.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
	return func() { <-sem }, true
}

func (l *SessionLocks) semaphore(sessionID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.sems[sessionID]
	if !ok {
		sem = make(chan struct{}, 1)
		l.sems[sessionID] = sem
	}
	return sem
}
