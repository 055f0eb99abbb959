package match

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/typelo/raceserver/internal/model"
	"github.com/typelo/raceserver/internal/rating"
	"github.com/typelo/raceserver/internal/words"
)

type fakeUserStore struct {
	mu      sync.Mutex
	coins   map[model.PlayerID]int
	ranked  map[model.PlayerID]RankedStatsUpdate
	avgWPM  float64
	games   int
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{coins: map[model.PlayerID]int{}, ranked: map[model.PlayerID]RankedStatsUpdate{}, games: 20}
}

func (f *fakeUserStore) AvgWPM(context.Context, model.PlayerID) (float64, error) { return f.avgWPM, nil }
func (f *fakeUserStore) GamesPlayed(context.Context, model.PlayerID) (int, error) { return f.games, nil }
func (f *fakeUserStore) AddCoins(_ context.Context, playerID model.PlayerID, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coins[playerID] += amount
	return nil
}
func (f *fakeUserStore) ApplyRankedResult(_ context.Context, playerID model.PlayerID, update RankedStatsUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranked[playerID] = update
	return nil
}

type fakeMatchStore struct {
	mu      sync.Mutex
	records []model.MatchRecord
}

func (f *fakeMatchStore) InsertMatch(_ context.Context, record model.MatchRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

type fakeAudit struct {
	mu       sync.Mutex
	failures []string
}

func (f *fakeAudit) RecordSettlementFailure(_ context.Context, matchID, step string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, matchID+":"+step)
}

type fakeLeaderboard struct{}

func (fakeLeaderboard) BonusFor(context.Context, model.PlayerID) (rating.LeaderboardBonus, error) {
	return rating.LeaderboardBonus{}, nil
}

type fakeCoordinator struct {
	mu      sync.Mutex
	cleaned int
}

func (f *fakeCoordinator) CleanupAfterMatch(context.Context, model.Mode, model.PlayerID, model.PlayerID) error {
	f.mu.Lock()
	f.cleaned++
	f.mu.Unlock()
	return nil
}

func newTestOrchestrator() (*Orchestrator, *fakeUserStore, *fakeMatchStore, *fakeAudit, *fakeCoordinator) {
	us := newFakeUserStore()
	ms := &fakeMatchStore{}
	audit := &fakeAudit{}
	coord := &fakeCoordinator{}
	o := New(words.NewSource(), 200*time.Millisecond, us, ms, audit, fakeLeaderboard{}, coord, nil)
	return o, us, ms, audit, coord
}

func shrinkTimings(t *testing.T) {
	t.Helper()
	origReg, origPoll, origStart := callbackRegistrationTimeout, callbackPollInterval, scheduledStartDelay
	callbackRegistrationTimeout = 300 * time.Millisecond
	callbackPollInterval = 10 * time.Millisecond
	scheduledStartDelay = 50 * time.Millisecond
	t.Cleanup(func() {
		callbackRegistrationTimeout, callbackPollInterval, scheduledStartDelay = origReg, origPoll, origStart
	})
}

func pairedHumanMatch() model.PendingMatch {
	return model.PendingMatch{
		MatchID: "m1",
		Player1: model.QueueEntry{PlayerID: "p1", Elo: 1500},
		Player2: model.QueueEntry{PlayerID: "p2", Elo: 1500},
		Mode:    model.ModeRanked,
	}
}

func TestCreateSessionIsIdempotentOnMatchID(t *testing.T) {
	ctx := context.Background()
	o, _, _, _, _ := newTestOrchestrator()
	pending := pairedHumanMatch()

	if err := o.CreateSession(ctx, pending); err != nil {
		t.Fatalf("first CreateSession: %v", err)
	}
	if err := o.CreateSession(ctx, pending); err != nil {
		t.Fatalf("second CreateSession: %v", err)
	}
	session, ok := o.getByMatchID("m1")
	if !ok {
		t.Fatal("session not indexed")
	}
	if session.player1.playerID != "p1" || session.player2.playerID != "p2" {
		t.Fatalf("unexpected sides: %+v / %+v", session.player1, session.player2)
	}
}

func TestRegisterCallbacksRejectsUnknownPlayer(t *testing.T) {
	ctx := context.Background()
	o, _, _, _, _ := newTestOrchestrator()
	if err := o.CreateSession(ctx, pairedHumanMatch()); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := o.RegisterCallbacks("m1", "stranger", SideCallbacks{}); err != ErrNotParticipant {
		t.Fatalf("RegisterCallbacks = %v, want ErrNotParticipant", err)
	}
}

func TestForfeitOnRegistrationTimeoutWhenOneSideMissing(t *testing.T) {
	shrinkTimings(t)
	ctx := context.Background()
	o, _, ms, _, coord := newTestOrchestrator()
	if err := o.CreateSession(ctx, pairedHumanMatch()); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	var endMu sync.Mutex
	var endResults []model.MatchResult
	onEnd := func(_ context.Context, r model.MatchResult) error {
		endMu.Lock()
		endResults = append(endResults, r)
		endMu.Unlock()
		return nil
	}
	if err := o.RegisterCallbacks("m1", "p1", SideCallbacks{OnGameEnd: onEnd}); err != nil {
		t.Fatalf("RegisterCallbacks p1: %v", err)
	}
	// p2 never registers.

	if err := o.Start(ctx, "m1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		endMu.Lock()
		n := len(endResults)
		endMu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	endMu.Lock()
	defer endMu.Unlock()
	if len(endResults) != 1 {
		t.Fatalf("onGameEnd calls = %d, want 1 (p2 never registered its callback)", len(endResults))
	}
	if endResults[0].Outcome != model.OutcomeWin {
		t.Fatalf("registered side's outcome = %v, want win", endResults[0].Outcome)
	}
	if len(ms.records) != 1 {
		t.Fatalf("archived records = %d, want 1", len(ms.records))
	}
	if coord.cleaned != 1 {
		t.Fatalf("cleanup calls = %d, want 1", coord.cleaned)
	}
}

func TestFullBotMatchLifecycleSettles(t *testing.T) {
	shrinkTimings(t)
	ctx := context.Background()
	o, us, ms, _, coord := newTestOrchestrator()

	pending := model.PendingMatch{
		MatchID: "bot-match",
		Player1: model.QueueEntry{PlayerID: "human", Elo: 1500},
		Mode:    model.ModeRanked,
		IsBot:   true,
	}
	if err := o.CreateSession(ctx, pending); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	var endMu sync.Mutex
	var ended bool
	onEnd := func(_ context.Context, r model.MatchResult) error {
		endMu.Lock()
		ended = true
		endMu.Unlock()
		return nil
	}
	if err := o.RegisterCallbacks("bot-match", "human", SideCallbacks{
		OnGameStart: func(context.Context, int64, int) error { return nil },
		OnGameEnd:   onEnd,
	}); err != nil {
		t.Fatalf("RegisterCallbacks: %v", err)
	}

	if err := o.Start(ctx, "bot-match"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		endMu.Lock()
		done := ended
		endMu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	endMu.Lock()
	defer endMu.Unlock()
	if !ended {
		t.Fatal("bot match never settled within timeout")
	}
	if len(ms.records) != 1 {
		t.Fatalf("archived records = %d, want 1", len(ms.records))
	}
	if coord.cleaned != 1 {
		t.Fatalf("cleanup calls = %d, want 1", coord.cleaned)
	}
	us.mu.Lock()
	defer us.mu.Unlock()
	if us.coins["human"] <= 0 {
		t.Fatalf("human should have been credited coins, got %d", us.coins["human"])
	}
}

func TestHandleKeystrokeRejectedBeforeActive(t *testing.T) {
	ctx := context.Background()
	o, _, _, _, _ := newTestOrchestrator()
	if err := o.CreateSession(ctx, pairedHumanMatch()); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	var invalidMu sync.Mutex
	var invalidReasons []string
	if err := o.RegisterCallbacks("m1", "p1", SideCallbacks{
		OnInvalidKeystroke: func(_ context.Context, reason string) error {
			invalidMu.Lock()
			invalidReasons = append(invalidReasons, reason)
			invalidMu.Unlock()
			return nil
		},
	}); err != nil {
		t.Fatalf("RegisterCallbacks: %v", err)
	}

	if err := o.HandleKeystroke(ctx, "m1", "p1", model.Keystroke{Char: 't', TimestampMs: 1000, CharIndex: 0}); err != nil {
		t.Fatalf("HandleKeystroke: %v", err)
	}

	invalidMu.Lock()
	defer invalidMu.Unlock()
	if len(invalidReasons) != 1 {
		t.Fatalf("invalid-keystroke notices = %d, want 1 (match still waiting on synchronized start)", len(invalidReasons))
	}
}

func TestHandleKeystrokeUnknownMatch(t *testing.T) {
	ctx := context.Background()
	o, _, _, _, _ := newTestOrchestrator()
	err := o.HandleKeystroke(ctx, "ghost", "p1", model.Keystroke{})
	if err != ErrSessionNotFound {
		t.Fatalf("HandleKeystroke = %v, want ErrSessionNotFound", err)
	}
}

func TestCancelForfeitsUnstartedMatch(t *testing.T) {
	shrinkTimings(t)
	ctx := context.Background()
	o, _, ms, _, _ := newTestOrchestrator()
	if err := o.CreateSession(ctx, pairedHumanMatch()); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := o.Cancel(ctx, "m1", "p1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(ms.records) != 1 {
		t.Fatalf("archived records = %d, want 1 after cancel", len(ms.records))
	}
	if ms.records[0].ForfeitBy != "p1" {
		t.Fatalf("ForfeitBy = %q, want p1", ms.records[0].ForfeitBy)
	}
}

func TestCancelUnknownMatch(t *testing.T) {
	ctx := context.Background()
	o, _, _, _, _ := newTestOrchestrator()
	if err := o.Cancel(ctx, "ghost", "p1"); err != ErrSessionNotFound {
		t.Fatalf("Cancel = %v, want ErrSessionNotFound", err)
	}
}
