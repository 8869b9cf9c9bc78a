package engine

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/durable/internal/ir"
)

// lockManager serializes keyed invocations per (object type, key).
//
// Each key has at most one exclusive owner. The owner is admitted in FIFO
// arrival order and keeps the key across suspensions and retries until it
// is terminal; Release hands the key on. While the owner is suspended
// (inactive), shared tickets run alongside it and may overtake queued
// exclusive tickets. A resuming owner first waits for active shared holders
// to drain, and no new shared ticket is admitted meanwhile. Without an
// owner, tickets are admitted strictly in arrival order, shared ones in
// batches.
//
// Ownership lives in memory. After a restart, recovery re-establishes it
// with Restore before any Pending invocation is dispatched.
type lockManager struct {
	mu   sync.Mutex
	keys map[ir.ObjectKey]*keyLock
}

type keyLock struct {
	owner       string // exclusive owner; "" when none
	ownerActive bool
	resuming    chan struct{} // non-nil while the owner waits for shared holders
	shared      map[string]bool
	waiters     []*ticket
}

type ticket struct {
	invocationID string
	mode         ir.HandlerMode
	admitted     chan struct{}
}

func newLockManager() *lockManager {
	return &lockManager{keys: map[ir.ObjectKey]*keyLock{}}
}

func (m *lockManager) key(k ir.ObjectKey) *keyLock {
	l, ok := m.keys[k]
	if !ok {
		l = &keyLock{shared: map[string]bool{}}
		m.keys[k] = l
	}
	return l
}

// Acquire blocks until the invocation may run on key, the timeout elapses
// (ir.ErrLockTimeout) or ctx is done. A zero timeout waits indefinitely.
func (m *lockManager) Acquire(ctx context.Context, k ir.ObjectKey, id string, mode ir.HandlerMode, timeout time.Duration) error {
	m.mu.Lock()
	l := m.key(k)

	switch {
	case mode == ir.ModeExclusive && l.owner == id:
		if l.ownerActive {
			m.mu.Unlock()
			return nil
		}
		if len(l.shared) == 0 {
			l.ownerActive = true
			m.mu.Unlock()
			return nil
		}
		if l.resuming == nil {
			l.resuming = make(chan struct{})
		}
		wait := l.resuming
		m.mu.Unlock()

		// The owner already holds the key; draining shared holders is
		// bounded by their own progress, not by the lock timeout.
		select {
		case <-wait:
			return nil
		case <-ctx.Done():
			m.abandonResume(k, wait)
			return ctx.Err()
		}

	case mode == ir.ModeShared && l.shared[id]:
		m.mu.Unlock()
		return nil
	}

	t := &ticket{invocationID: id, mode: mode, admitted: make(chan struct{})}
	l.waiters = append(l.waiters, t)
	m.promote(k, l)
	m.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-t.admitted:
		return nil
	case <-ctx.Done():
		if m.withdraw(k, t) {
			return ctx.Err()
		}
		return nil
	case <-expired:
		if m.withdraw(k, t) {
			return ir.Errorf(ir.CodeLockTimeout, "waited %s for %s", timeout, k)
		}
		return nil
	}
}

// withdraw removes a queued ticket. It reports false if the ticket was
// admitted in the meantime, in which case the caller holds the lock.
func (m *lockManager) withdraw(k ir.ObjectKey, t *ticket) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-t.admitted:
		return false
	default:
	}

	l := m.key(k)
	for i, w := range l.waiters {
		if w == t {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			break
		}
	}
	m.promote(k, l)
	return true
}

// abandonResume undoes a resume the owner stopped waiting for.
func (m *lockManager) abandonResume(k ir.ObjectKey, wait chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.key(k)
	if l.resuming == wait {
		l.resuming = nil
	} else {
		l.ownerActive = false
	}
	m.promote(k, l)
}

// Suspend marks the exclusive owner inactive while it waits, or releases a
// shared holder. A parked owner is suspended too: it keeps the key.
func (m *lockManager) Suspend(k ir.ObjectKey, id string, mode ir.HandlerMode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.key(k)
	if mode == ir.ModeShared {
		m.releaseShared(k, l, id)
		return
	}
	if l.owner == id {
		l.ownerActive = false
		m.promote(k, l)
	}
}

// Release gives up the key for good.
func (m *lockManager) Release(k ir.ObjectKey, id string, mode ir.HandlerMode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.key(k)
	if mode == ir.ModeShared {
		m.releaseShared(k, l, id)
		return
	}
	if l.owner == id {
		l.owner = ""
		l.ownerActive = false
		m.promote(k, l)
	}
}

// Restore records id as the suspended owner of k. Used by recovery for
// exclusive invocations that were past admission when the process stopped.
func (m *lockManager) Restore(k ir.ObjectKey, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.key(k)
	if l.owner == "" {
		l.owner = id
	}
}

// Owner returns the exclusive owner of k and whether it is running.
func (m *lockManager) Owner(k ir.ObjectKey) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.keys[k]
	if !ok {
		return "", false
	}
	return l.owner, l.ownerActive
}

func (m *lockManager) releaseShared(k ir.ObjectKey, l *keyLock, id string) {
	delete(l.shared, id)
	if len(l.shared) == 0 && l.resuming != nil {
		l.ownerActive = true
		close(l.resuming)
		l.resuming = nil
	}
	m.promote(k, l)
}

// promote admits every ticket that may run now. Called with m.mu held.
func (m *lockManager) promote(k ir.ObjectKey, l *keyLock) {
	for {
		if l.ownerActive || l.resuming != nil {
			break
		}

		if l.owner != "" {
			// Suspended owner: shared tickets overtake queued exclusive ones.
			kept := l.waiters[:0]
			for _, w := range l.waiters {
				if w.mode == ir.ModeShared {
					l.shared[w.invocationID] = true
					close(w.admitted)
					continue
				}
				kept = append(kept, w)
			}
			l.waiters = kept
			break
		}

		if len(l.waiters) == 0 {
			break
		}
		head := l.waiters[0]
		if head.mode == ir.ModeShared {
			l.waiters = l.waiters[1:]
			l.shared[head.invocationID] = true
			close(head.admitted)
			continue
		}
		if len(l.shared) > 0 {
			break
		}
		l.waiters = l.waiters[1:]
		l.owner = head.invocationID
		l.ownerActive = true
		close(head.admitted)
		break
	}

	if l.owner == "" && len(l.shared) == 0 && len(l.waiters) == 0 {
		delete(m.keys, k)
	}
}
