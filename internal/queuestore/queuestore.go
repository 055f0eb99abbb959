// Package queuestore defines the shared queue/lock store port spec.md §9
// asks for: a narrow abstraction over a Redis-equivalent so the three
// matchmaking queues, their matched-sets, and pairing locks can be
// implemented on any comparable store. internal/matchqueue depends only on
// the Store interface; this package supplies a Redis-backed adapter for
// production and an in-memory adapter for tests and single-replica runs.
package queuestore

import (
	"context"
	"errors"
	"time"

	"github.com/typelo/raceserver/internal/model"
)

// ErrNotFound is returned when a queue entry lookup misses.
var ErrNotFound = errors.New("queuestore: entry not found")

// Store is the narrow port every matchmaking operation suspends on. All
// methods must be safe for concurrent use by multiple orchestrator
// replicas.
type Store interface {
	// Enqueue inserts or replaces entry in the mode's ordered queue,
	// scored by entry.JoinedAt.
	Enqueue(ctx context.Context, mode model.Mode, entry model.QueueEntry) error
	// Dequeue removes a player from the mode's queue. Idempotent.
	Dequeue(ctx context.Context, mode model.Mode, playerID model.PlayerID) error
	// IsQueued reports whether playerID currently holds a queue slot.
	IsQueued(ctx context.Context, mode model.Mode, playerID model.PlayerID) (bool, error)
	// Get returns the stored entry for playerID, or ErrNotFound.
	Get(ctx context.Context, mode model.Mode, playerID model.PlayerID) (model.QueueEntry, error)
	// OldestCandidates returns up to n queued entries other than
	// excluding, ordered oldest-JoinedAt-first.
	OldestCandidates(ctx context.Context, mode model.Mode, excluding model.PlayerID, n int) ([]model.QueueEntry, error)

	// MarkMatched atomically adds all playerIDs to the mode's matched set
	// in a single pipelined transaction.
	MarkMatched(ctx context.Context, mode model.Mode, playerIDs ...model.PlayerID) error
	// IsMatched reports whether playerID is in the mode's matched set.
	IsMatched(ctx context.Context, mode model.Mode, playerID model.PlayerID) (bool, error)
	// ClearMatched removes playerIDs from the mode's matched set and from
	// the friends-matched set as a cross-mode safety (spec.md §4.5
	// cleanupAfterMatch).
	ClearMatched(ctx context.Context, mode model.Mode, playerIDs ...model.PlayerID) error

	// AcquireLock sets key with a short TTL iff it does not already exist
	// (SET NX EX semantics), returning false if another holder has it.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// ReleaseLock clears a lock this caller holds. Safe to call on a lock
	// that has already expired or was never held.
	ReleaseLock(ctx context.Context, key string) error

	// FriendsOf returns the persisted friend list for playerID, as
	// provided at enqueue time for friends-mode matching. Persisting this
	// in the shared store (rather than caching in orchestrator memory) is
	// the spec.md §9 redesign requirement for multi-replica correctness.
	FriendsOf(ctx context.Context, playerID model.PlayerID) ([]model.PlayerID, error)
	// SetFriends persists playerID's friend list for the duration of one
	// friends-mode enrolment.
	SetFriends(ctx context.Context, playerID model.PlayerID, friends []model.PlayerID) error
}

// LockKey builds the distributed-lock key for a player's pairing attempt.
func LockKey(playerID model.PlayerID) string {
	return "lock:pair:" + string(playerID)
}
