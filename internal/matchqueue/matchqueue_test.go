package matchqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/typelo/raceserver/internal/model"
	"github.com/typelo/raceserver/internal/queuestore"
)

type fakeStarter struct {
	mu       sync.Mutex
	sessions []model.PendingMatch
	started  []string
}

func (f *fakeStarter) CreateSession(_ context.Context, pending model.PendingMatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, pending)
	return nil
}

func (f *fakeStarter) Start(_ context.Context, matchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, matchID)
	return nil
}

func newCoordinator() (*Coordinator, *fakeStarter) {
	starter := &fakeStarter{}
	c := New(queuestore.NewMemory(), starter, nil, nil)
	return c, starter
}

func TestTryPairMatchesTwoQueuedPlayers(t *testing.T) {
	ctx := context.Background()
	c, starter := newCoordinator()

	entryA := model.QueueEntry{PlayerID: "a", Elo: 1500, JoinedAt: 100}
	entryB := model.QueueEntry{PlayerID: "b", Elo: 1500, JoinedAt: 101}

	var got []model.PendingMatch
	var mu sync.Mutex
	cb := func(_ context.Context, m model.PendingMatch) error {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
		return nil
	}

	c.registrations["a"] = &registration{callback: cb, done: make(chan model.PendingMatch, 1)}
	c.registrations["b"] = &registration{callback: cb, done: make(chan model.PendingMatch, 1)}
	if err := c.store.Enqueue(ctx, model.ModeRanked, entryA); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if err := c.store.Enqueue(ctx, model.ModeRanked, entryB); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	if !c.tryPair(ctx, model.ModeRanked, "a") {
		t.Fatal("tryPair = false, want true")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("callbacks fired = %d, want 2", len(got))
	}
	if got[0].MatchID != got[1].MatchID {
		t.Fatalf("callbacks disagree on match id: %s vs %s", got[0].MatchID, got[1].MatchID)
	}
	if len(starter.sessions) != 1 || len(starter.started) != 1 {
		t.Fatalf("starter calls = %+v, %+v; want one each", starter.sessions, starter.started)
	}

	queuedA, _ := c.store.IsQueued(ctx, model.ModeRanked, "a")
	queuedB, _ := c.store.IsQueued(ctx, model.ModeRanked, "b")
	if queuedA || queuedB {
		t.Fatal("both players should be dequeued after pairing")
	}
}

func TestTryPairReturnsFalseWhenNoCandidate(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator()
	entry := model.QueueEntry{PlayerID: "solo", Elo: 1500, JoinedAt: 100}
	if err := c.store.Enqueue(ctx, model.ModeRanked, entry); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if c.tryPair(ctx, model.ModeRanked, "solo") {
		t.Fatal("tryPair = true, want false with no opponent available")
	}
}

func TestTryPairSkipsAlreadyMatchedCandidate(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator()
	c.store.Enqueue(ctx, model.ModeRanked, model.QueueEntry{PlayerID: "a", JoinedAt: 100})
	c.store.Enqueue(ctx, model.ModeRanked, model.QueueEntry{PlayerID: "b", JoinedAt: 101})
	if err := c.store.MarkMatched(ctx, model.ModeRanked, "b"); err != nil {
		t.Fatalf("MarkMatched: %v", err)
	}
	if c.tryPair(ctx, model.ModeRanked, "a") {
		t.Fatal("tryPair should not pair against an already-matched candidate")
	}
}

func TestTryPairRespectsContendedLock(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator()
	c.store.Enqueue(ctx, model.ModeRanked, model.QueueEntry{PlayerID: "a", JoinedAt: 100})
	c.store.Enqueue(ctx, model.ModeRanked, model.QueueEntry{PlayerID: "b", JoinedAt: 101})

	if _, err := c.store.AcquireLock(ctx, queuestore.LockKey("a"), lockTTL); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if c.tryPair(ctx, model.ModeRanked, "a") {
		t.Fatal("tryPair should fail when self lock is already held")
	}
}

func TestTryCreateBotMatchMarksMatchedAndDequeues(t *testing.T) {
	ctx := context.Background()
	c, starter := newCoordinator()
	c.registrations["solo"] = &registration{callback: func(context.Context, model.PendingMatch) error { return nil }, done: make(chan model.PendingMatch, 1)}
	c.store.Enqueue(ctx, model.ModeRanked, model.QueueEntry{PlayerID: "solo", Elo: 1200, JoinedAt: 1})

	if !c.tryCreateBotMatch(ctx, model.ModeRanked, "solo") {
		t.Fatal("tryCreateBotMatch = false, want true")
	}
	queued, _ := c.store.IsQueued(ctx, model.ModeRanked, "solo")
	if queued {
		t.Fatal("player should be dequeued after bot match")
	}
	if len(starter.sessions) != 1 || !starter.sessions[0].IsBot {
		t.Fatalf("starter.sessions = %+v, want one IsBot pending match", starter.sessions)
	}
}

func TestFriendsModeOnlyPairsFriends(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator()
	c.store.SetFriends(ctx, "a", []model.PlayerID{"c"})
	c.store.Enqueue(ctx, model.ModeFriends, model.QueueEntry{PlayerID: "a", JoinedAt: 100})
	c.store.Enqueue(ctx, model.ModeFriends, model.QueueEntry{PlayerID: "b", JoinedAt: 101})

	if c.tryPair(ctx, model.ModeFriends, "a") {
		t.Fatal("tryPair should not pair a with a non-friend candidate")
	}

	c.store.Enqueue(ctx, model.ModeFriends, model.QueueEntry{PlayerID: "c", JoinedAt: 102})
	c.registrations["a"] = &registration{callback: func(context.Context, model.PendingMatch) error { return nil }, done: make(chan model.PendingMatch, 1)}
	c.registrations["c"] = &registration{callback: func(context.Context, model.PendingMatch) error { return nil }, done: make(chan model.PendingMatch, 1)}
	if !c.tryPair(ctx, model.ModeFriends, "a") {
		t.Fatal("tryPair should pair a with its friend c")
	}
}

func TestCleanupAfterMatchClearsMatchedFlag(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator()
	if err := c.store.MarkMatched(ctx, model.ModeRanked, "a", "b"); err != nil {
		t.Fatalf("MarkMatched: %v", err)
	}
	if err := c.CleanupAfterMatch(ctx, model.ModeRanked, "a", "b"); err != nil {
		t.Fatalf("CleanupAfterMatch: %v", err)
	}
	matched, _ := c.store.IsMatched(ctx, model.ModeRanked, "a")
	if matched {
		t.Fatal("matched flag should be cleared after cleanup")
	}
}

func TestEnqueueRejectsDoubleRegistration(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator()
	cb := func(context.Context, model.PendingMatch) error { return nil }
	if err := c.Enqueue(ctx, model.ModeRanked, model.QueueEntry{PlayerID: "a", JoinedAt: 1}, cb); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := c.Enqueue(ctx, model.ModeRanked, model.QueueEntry{PlayerID: "a", JoinedAt: 1}, cb); err != ErrAlreadyQueued {
		t.Fatalf("second Enqueue = %v, want ErrAlreadyQueued", err)
	}
}

func TestEloBandForWidensWithWait(t *testing.T) {
	if EloBandFor(0) >= EloBandFor(60) {
		t.Fatal("band should widen as wait time grows")
	}
	if EloBandFor(100000) != maxEloBand {
		t.Fatalf("EloBandFor should cap at %d", maxEloBand)
	}
}

func TestOrderByEloBandKeepsOutOfBandFIFOOrder(t *testing.T) {
	candidates := []model.QueueEntry{
		{PlayerID: "far1", Elo: 3000, JoinedAt: 1},
		{PlayerID: "near", Elo: 1510, JoinedAt: 2},
		{PlayerID: "far2", Elo: 100, JoinedAt: 3},
	}
	ordered := orderByEloBand(candidates, 1500, 50)
	if ordered[0].PlayerID != "near" {
		t.Fatalf("expected in-band candidate first, got %s", ordered[0].PlayerID)
	}
	if ordered[1].PlayerID != "far1" || ordered[2].PlayerID != "far2" {
		t.Fatalf("out-of-band candidates should keep FIFO order, got %+v", ordered)
	}
}

func TestSearchLoopExitsWhenPlayerDequeued(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, _ := newCoordinator()
	c.registrations["a"] = &registration{callback: func(context.Context, model.PendingMatch) error { return nil }, done: make(chan model.PendingMatch, 1)}

	done := make(chan struct{})
	go func() {
		c.searchLoop(ctx, model.ModeRanked, "a")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("searchLoop should exit promptly once the player is not queued")
	}
}
