package lock

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type entry struct {
	owner   string
	expires time.Time
}

// Table holds the locks of a single process. Owners share it through
// Memory lockers.
type Table struct {
	mu      sync.Mutex
	locks   map[string]entry
	changed chan struct{}
	now     func() time.Time
}

func NewTable() *Table {
	return &Table{
		locks:   map[string]entry{},
		changed: make(chan struct{}),
		now:     time.Now,
	}
}

// For returns a locker that acquires locks in the table for owner.
func (t *Table) For(owner string) *Memory {
	return &Memory{table: t, owner: owner}
}

// holder returns the live owner of a lock. Must be called with mu held.
func (t *Table) holder(name string) (string, bool) {
	e, ok := t.locks[name]
	if !ok {
		return "", false
	}
	if !e.expires.IsZero() && !t.now().Before(e.expires) {
		delete(t.locks, name)
		return "", false
	}
	return e.owner, true
}

// notify wakes every waiter. Must be called with mu held.
func (t *Table) notify() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// Memory is a Locker for local runs where every tenant worker lives in the
// same process.
type Memory struct {
	table *Table
	owner string
}

func (m *Memory) TryLock(ctx context.Context, names []string, ttl time.Duration) error {
	t := m.table
	t.mu.Lock()
	defer t.mu.Unlock()

	names = normalize(names)
	for _, name := range names {
		if holder, ok := t.holder(name); ok && holder != m.owner {
			return errors.Wrapf(ErrUnavailable, "%s is locked by %s", name, holder)
		}
	}
	var expires time.Time
	if ttl > 0 {
		expires = t.now().Add(ttl)
	}
	for _, name := range names {
		t.locks[name] = entry{owner: m.owner, expires: expires}
	}
	return nil
}

func (m *Memory) Unlock(ctx context.Context, names []string) error {
	t := m.table
	t.mu.Lock()
	defer t.mu.Unlock()

	released := false
	for _, name := range normalize(names) {
		if holder, ok := t.holder(name); ok && holder == m.owner {
			delete(t.locks, name)
			released = true
		}
	}
	if released {
		t.notify()
	}
	return nil
}

func (m *Memory) Wait(ctx context.Context, names []string, max time.Duration) error {
	names = normalize(names)
	deadline := time.NewTimer(max)
	defer deadline.Stop()

	t := m.table
	for {
		t.mu.Lock()
		held := false
		for _, name := range names {
			if _, ok := t.holder(name); ok {
				held = true
				break
			}
		}
		changed := t.changed
		t.mu.Unlock()
		if !held {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-changed:
		case <-time.After(time.Second):
			// expiry does not notify
		}
	}
}
