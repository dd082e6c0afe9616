package loanapp

import "sync"

// appLocks serializes work per application number. Two concurrent
// notifications for the same application must not race a transition
// (e.g. duplicate final approvals creating two CBS clients); unrelated
// applications proceed independently.
type appLocks struct {
	mu    sync.Mutex
	locks map[string]*appLock
}

type appLock struct {
	mu   sync.Mutex
	refs int
}

func newAppLocks() *appLocks {
	return &appLocks{locks: make(map[string]*appLock)}
}

// Lock acquires the per-application critical section and returns the
// unlock function.
func (a *appLocks) Lock(key string) func() {
	a.mu.Lock()
	l, ok := a.locks[key]
	if !ok {
		l = &appLock{}
		a.locks[key] = l
	}
	l.refs++
	a.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		a.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.locks, key)
		}
		a.mu.Unlock()
	}
}
