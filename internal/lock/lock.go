// Package lock provides the per-node row-lock manager for the fact table.
//
// A lock is held from the start of a transaction's local mutation through its
// local terminal state (commit or rollback), not merely until PREPARE. A
// prepared-but-unresolved transaction therefore keeps blocking other writers
// on the same rows, which is exactly the lock-conflict scenario the
// diagnostics snapshot exists to expose.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ModeExclusive is the only lock mode: every fact-table write takes an
// exclusive row lock.
const ModeExclusive = "exclusive"

// Info is one row of the lock-diagnostics snapshot: a holder, and at most one
// waiter. A lock with several waiters produces one row per waiter.
type Info struct {
	Key      int64         `json:"key"`
	HolderTx string        `json:"holder_tx"`
	WaiterTx string        `json:"waiter_tx,omitempty"`
	Mode     string        `json:"mode"`
	Age      time.Duration `json:"age"`                // how long the holder has held the lock
	WaitAge  time.Duration `json:"wait_age,omitempty"` // how long the waiter has been queued
}

type waiter struct {
	tx    string
	since time.Time
	ready chan struct{} // closed once ownership is transferred
}

type entry struct {
	holder   string
	acquired time.Time
	queue    []*waiter // FIFO
}

// Manager serializes conflicting writers per harvest id.
type Manager struct {
	mu    sync.Mutex
	locks map[int64]*entry
	now   func() time.Time // test hook
}

// NewManager returns an empty lock manager.
func NewManager() *Manager {
	return &Manager{
		locks: make(map[int64]*entry),
		now:   time.Now,
	}
}

// Acquire takes the exclusive lock on key for tx, blocking behind the current
// holder for at most wait. Re-acquiring a key the transaction already holds
// succeeds immediately.
//
// On timeout the error is a LOCK_TIMEOUT naming the holder; on context
// cancellation the context error is returned. Either way the waiter is
// removed from the queue.
func (m *Manager) Acquire(ctx context.Context, key int64, tx string, wait time.Duration) error {
	m.mu.Lock()
	e := m.locks[key]
	if e == nil {
		m.locks[key] = &entry{holder: tx, acquired: m.now()}
		m.mu.Unlock()
		return nil
	}
	if e.holder == tx {
		m.mu.Unlock()
		return nil
	}
	w := &waiter{tx: tx, since: m.now(), ready: make(chan struct{})}
	e.queue = append(e.queue, w)
	holder := e.holder
	m.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		if m.abandonWait(key, w) {
			return ctx.Err()
		}
		return nil // granted in the race window; keep the lock
	case <-timer.C:
		if m.abandonWait(key, w) {
			return newTimeoutError(key, tx, holder, wait)
		}
		return nil
	}
}

// abandonWait removes w from the key's queue. Returns false when w was
// granted the lock before it could be removed, in which case the caller owns
// the lock after all.
func (m *Manager) abandonWait(key int64, w *waiter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.locks[key]
	if e == nil {
		// Lock vanished, which only happens after a grant to w followed by a
		// release; treat as granted-then-released.
		return false
	}
	if e.holder == w.tx {
		return false
	}
	for i, queued := range e.queue {
		if queued == w {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Release hands the lock on key from tx to the oldest waiter, or frees it.
// Releasing a lock tx does not hold is a no-op, which keeps the
// commit/rollback paths idempotent.
func (m *Manager) Release(key int64, tx string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(key, tx)
}

// ReleaseAll releases every lock held by tx. Called when a transaction
// reaches its local terminal state.
func (m *Manager) ReleaseAll(tx string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, e := range m.locks {
		if e.holder == tx {
			m.releaseLocked(key, tx)
		}
	}
}

func (m *Manager) releaseLocked(key int64, tx string) {
	e := m.locks[key]
	if e == nil || e.holder != tx {
		return
	}
	if len(e.queue) == 0 {
		delete(m.locks, key)
		return
	}
	next := e.queue[0]
	e.queue = e.queue[1:]
	e.holder = next.tx
	e.acquired = m.now()
	close(next.ready)
}

// HolderOf returns the transaction currently holding key, or "".
func (m *Manager) HolderOf(key int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.locks[key]; e != nil {
		return e.holder
	}
	return ""
}

// Snapshot returns the current holder/waiter table, ordered by key then
// waiter age, oldest first.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	infos := make([]Info, 0, len(m.locks))
	for key, e := range m.locks {
		if len(e.queue) == 0 {
			infos = append(infos, Info{
				Key:      key,
				HolderTx: e.holder,
				Mode:     ModeExclusive,
				Age:      now.Sub(e.acquired),
			})
			continue
		}
		for _, w := range e.queue {
			infos = append(infos, Info{
				Key:      key,
				HolderTx: e.holder,
				WaiterTx: w.tx,
				Mode:     ModeExclusive,
				Age:      now.Sub(e.acquired),
				WaitAge:  now.Sub(w.since),
			})
		}
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Key != infos[j].Key {
			return infos[i].Key < infos[j].Key
		}
		return infos[i].WaitAge > infos[j].WaitAge
	})
	return infos
}

func newTimeoutError(key int64, tx, holder string, wait time.Duration) error {
	return &timeoutError{key: key, tx: tx, holder: holder, wait: wait}
}

// timeoutError is converted to the shared taxonomy at the participant
// boundary; keeping it local avoids an import cycle with fact consumers.
type timeoutError struct {
	key    int64
	tx     string
	holder string
	wait   time.Duration
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("lock on harvest %d not acquired within %s: held by %s (waiter %s)",
		e.key, e.wait, e.holder, e.tx)
}

// IsTimeout reports whether err is a lock wait timeout.
// Uses errors.As to handle wrapped errors.
func IsTimeout(err error) bool {
	var te *timeoutError
	return errors.As(err, &te)
}

// Holder returns the holding transaction recorded in a timeout error, or "".
func Holder(err error) string {
	var te *timeoutError
	if errors.As(err, &te) {
		return te.holder
	}
	return ""
}
