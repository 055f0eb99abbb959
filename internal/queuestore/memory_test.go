package queuestore

import (
	"context"
	"testing"
	"time"

	"github.com/typelo/raceserver/internal/model"
)

func TestMemoryEnqueueDequeueRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	entry := model.QueueEntry{PlayerID: "p1", Elo: 1500, JoinedAt: 100}

	if err := m.Enqueue(ctx, model.ModeRanked, entry); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	queued, err := m.IsQueued(ctx, model.ModeRanked, "p1")
	if err != nil || !queued {
		t.Fatalf("IsQueued = %v, %v; want true, nil", queued, err)
	}

	got, err := m.Get(ctx, model.ModeRanked, "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != entry {
		t.Fatalf("Get = %+v, want %+v", got, entry)
	}

	if err := m.Dequeue(ctx, model.ModeRanked, "p1"); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if _, err := m.Get(ctx, model.ModeRanked, "p1"); err != ErrNotFound {
		t.Fatalf("Get after dequeue = %v, want ErrNotFound", err)
	}
}

func TestMemoryOldestCandidatesOrdersByJoinedAtThenExcludesSelf(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	entries := []model.QueueEntry{
		{PlayerID: "late", JoinedAt: 300},
		{PlayerID: "self", JoinedAt: 50},
		{PlayerID: "early", JoinedAt: 100},
		{PlayerID: "mid", JoinedAt: 200},
	}
	for _, e := range entries {
		if err := m.Enqueue(ctx, model.ModeRanked, e); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	got, err := m.OldestCandidates(ctx, model.ModeRanked, "self", 2)
	if err != nil {
		t.Fatalf("OldestCandidates: %v", err)
	}
	if len(got) != 2 || got[0].PlayerID != "early" || got[1].PlayerID != "mid" {
		t.Fatalf("OldestCandidates = %+v, want [early mid]", got)
	}
}

func TestMemoryMatchedSetLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.MarkMatched(ctx, model.ModeRanked, "a", "b"); err != nil {
		t.Fatalf("MarkMatched: %v", err)
	}
	matched, err := m.IsMatched(ctx, model.ModeRanked, "a")
	if err != nil || !matched {
		t.Fatalf("IsMatched = %v, %v; want true, nil", matched, err)
	}

	if err := m.ClearMatched(ctx, model.ModeRanked, "a", "b"); err != nil {
		t.Fatalf("ClearMatched: %v", err)
	}
	matched, err = m.IsMatched(ctx, model.ModeRanked, "a")
	if err != nil || matched {
		t.Fatalf("IsMatched after clear = %v, %v; want false, nil", matched, err)
	}
}

func TestMemoryAcquireLockExclusiveUntilExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.AcquireLock(ctx, "lock:pair:p1", 20*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first AcquireLock = %v, %v; want true, nil", ok, err)
	}
	ok, err = m.AcquireLock(ctx, "lock:pair:p1", 20*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("contended AcquireLock = %v, %v; want false, nil", ok, err)
	}

	time.Sleep(30 * time.Millisecond)
	ok, err = m.AcquireLock(ctx, "lock:pair:p1", 20*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("AcquireLock after expiry = %v, %v; want true, nil", ok, err)
	}
}

func TestMemoryReleaseLockIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.ReleaseLock(ctx, "lock:pair:never-held"); err != nil {
		t.Fatalf("ReleaseLock on unheld key: %v", err)
	}

	if _, err := m.AcquireLock(ctx, "lock:pair:p2", time.Second); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := m.ReleaseLock(ctx, "lock:pair:p2"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	ok, err := m.AcquireLock(ctx, "lock:pair:p2", time.Second)
	if err != nil || !ok {
		t.Fatalf("AcquireLock after release = %v, %v; want true, nil", ok, err)
	}
}

func TestMemorySetFriendsAndFriendsOf(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	want := []model.PlayerID{"f1", "f2"}

	if err := m.SetFriends(ctx, "p1", want); err != nil {
		t.Fatalf("SetFriends: %v", err)
	}
	got, err := m.FriendsOf(ctx, "p1")
	if err != nil {
		t.Fatalf("FriendsOf: %v", err)
	}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("FriendsOf = %v, want %v", got, want)
	}

	// Mutating the returned slice must not corrupt internal state.
	got[0] = "corrupted"
	got2, _ := m.FriendsOf(ctx, "p1")
	if got2[0] != "f1" {
		t.Fatalf("FriendsOf leaked internal slice: got %v", got2)
	}
}
