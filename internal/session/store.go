// ABOUTME: Store interface for session persistence shared across instances
// ABOUTME: Defines sentinel errors and the contract the Redis store implements

package session

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a session does not exist or its TTL elapsed.
var ErrNotFound = errors.New("session not found")

// ErrConflict is returned when an atomic append lost the optimistic
// concurrency race on every retry.
var ErrConflict = errors.New("session modified concurrently")

// Store persists sessions outside any single orchestrator instance.
// Every write resets the TTL measured from last activity.
type Store interface {
	// Get loads a session. Returns ErrNotFound when absent or expired.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Put writes or replaces a session and resets its TTL.
	Put(ctx context.Context, sess *Session) error

	// Delete removes a session. Deleting an absent session is not an error.
	Delete(ctx context.Context, sessionID string) error

	// ListByUser returns the live session ids owned by a user. Administrative
	// use only.
	ListByUser(ctx context.Context, userID string) ([]string, error)

	// Update atomically reads the session, applies fn and writes the result
	// back, retrying a bounded number of times on write races. fn may run
	// more than once and must not have side effects beyond the session.
	// Returns the updated session, ErrNotFound when the session is absent,
	// ErrConflict when retries are exhausted, or fn's error unwrapped.
	Update(ctx context.Context, sessionID string, fn func(*Session) error) (*Session, error)

	// AppendMessage atomically appends msg, truncating to the history cap.
	// Same error contract as Update.
	AppendMessage(ctx context.Context, sessionID string, msg Message) (*Session, error)

	// Count returns the number of live sessions. Used by the metrics surface.
	Count(ctx context.Context) (int64, error)
}
