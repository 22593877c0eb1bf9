// Package dedup guards against duplicate payment submissions. A claim is a
// short-lived reservation on a (budget, amount, method) key; while the claim
// is held, identical submissions are rejected.
package dedup

import (
	"context"
	"time"
)

// Guard reserves keys for a bounded window.
type Guard interface {
	// Claim attempts to reserve key for ttl. It returns true when the key was
	// free and is now held, false when an identical claim is already active.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release drops a claim before its ttl expires, freeing the key for
	// resubmission. Used when the guarded operation fails outright.
	Release(ctx context.Context, key string) error
}
