// Package lock implements the per-session lease used for leader election
// across the fleet. Exactly one process may own a session's live connection
// at a time; ownership is proven by token equality, never by key presence.
//
// This is optimistic leasing, not hard mutual exclusion: a process paused
// longer than the TTL can leave a double-connection window bounded by the
// TTL. That trade-off is accepted - the renewal loop detects the takeover
// and kills the stale side within one renewal interval.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotOwner is returned by Release when the lock is currently held by a
// different token (or not held at all).
var ErrNotOwner = errors.New("lock: not the current owner")

// Service is the conditional-write surface every lock backend must provide.
// Blind overwrites are deliberately not part of the interface.
type Service interface {
	// Acquire performs a set-if-absent with the given TTL. It returns false
	// (and no error) when another token already holds the key.
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Get returns the token currently holding the key, if any.
	Get(ctx context.Context, key string) (string, bool, error)

	// Renew refreshes the TTL of the key. Callers must verify ownership via
	// Get before renewing; Renew itself does not compare tokens.
	Renew(ctx context.Context, key string, ttl time.Duration) error

	// Release deletes the key only if it still holds the given token.
	// Returns ErrNotOwner otherwise - someone else owns the session now and
	// their lease must be left alone.
	Release(ctx context.Context, key, token string) error
}

// SessionKey builds the lease key for a session id.
func SessionKey(sessionID string) string {
	return fmt.Sprintf("lock:session:%s", sessionID)
}
