// Package lock guards integrations that concurrent builds must not configure
// at the same time.
package lock

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// ErrUnavailable is returned by TryLock when another owner holds a lock.
var ErrUnavailable = errors.New("lock held by another build")

// Locker acquires named locks on behalf of one owner.
type Locker interface {
	// TryLock takes every named lock or none of them. It returns
	// ErrUnavailable when any lock is held by another owner.
	TryLock(ctx context.Context, names []string, ttl time.Duration) error
	// Unlock releases the named locks held by this owner.
	Unlock(ctx context.Context, names []string) error
	// Wait blocks until none of the named locks is held or max elapses.
	Wait(ctx context.Context, names []string, max time.Duration) error
}

// normalize sorts and dedupes names so that owners acquire locks in the same
// order.
func normalize(names []string) []string {
	out := make([]string, 0, len(names))
	seen := map[string]bool{}
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
