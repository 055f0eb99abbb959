// Package matchqueue implements MatchmakingCoordinator: three independent
// queues (ranked, training, friends), FIFO pairing under short-TTL
// distributed locks, and bot fallback on timeout. It depends only on
// queuestore.Store and a MatchStarter it hands finished pairings to; it
// knows nothing about match execution itself.
package matchqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/typelo/raceserver/internal/model"
	"github.com/typelo/raceserver/internal/queuestore"
)

// ErrAlreadyQueued is returned by Enqueue when the player already has a
// live registration in any mode.
var ErrAlreadyQueued = errors.New("matchqueue: player already queued")

const (
	lockTTL           = 2 * time.Second
	searchInterval    = 1 * time.Second
	pairedWaitTimeout = 10 * time.Second
	candidateWindow   = 10

	baseEloBand   = 100
	eloBandPerSec = 20
	maxEloBand    = 2000
)

// EloBandFor returns how far a candidate's Elo may sit from the
// requester's before it is deprioritized in the FIFO candidate scan. The
// band widens the longer the requester has waited, so a player never
// waits longer for a closer Elo match than pure FIFO would already take —
// it only reorders which of the already-available oldest candidates is
// tried first.
func EloBandFor(waitSeconds int64) int {
	band := baseEloBand + int(waitSeconds)*eloBandPerSec
	if band > maxEloBand {
		return maxEloBand
	}
	return band
}

// ModeConfig carries the per-mode search-task tuning spec.md §4.5
// specifies: how long to FIFO-pair before falling back to a bot, and
// whether that fallback is even allowed.
type ModeConfig struct {
	BotFallbackTimeout time.Duration
	AllowBotFallback   bool
}

// DefaultModeConfigs returns the tuning spec.md names literally: ranked
// waits 60s before spawning a bot, training waits only 5s, friends never
// falls back to a bot (a friend match or nothing).
func DefaultModeConfigs() map[model.Mode]ModeConfig {
	return map[model.Mode]ModeConfig{
		model.ModeRanked:   {BotFallbackTimeout: 60 * time.Second, AllowBotFallback: true},
		model.ModeTraining: {BotFallbackTimeout: 5 * time.Second, AllowBotFallback: true},
		model.ModeFriends:  {AllowBotFallback: false},
	}
}

// PairCallback is invoked once per enrolled player when a pairing (human
// or bot) is confirmed for them. Errors are logged, not retried here —
// the orchestrator's own onGameStart retry (spec.md §4.6.3) is the
// durable delivery path.
type PairCallback func(ctx context.Context, match model.PendingMatch) error

// MatchStarter is the seam to MatchOrchestrator (C6): once a pairing is
// confirmed, the coordinator hands it off and asks the orchestrator to
// begin the synchronized-start protocol.
type MatchStarter interface {
	CreateSession(ctx context.Context, pending model.PendingMatch) error
	Start(ctx context.Context, matchID string) error
}

type registration struct {
	callback PairCallback
	done     chan model.PendingMatch
}

// Coordinator is the process-wide MatchmakingCoordinator. One instance is
// shared by every connection handler in a replica; all cross-replica
// state lives in the injected Store.
type Coordinator struct {
	store   queuestore.Store
	starter MatchStarter
	logger  *slog.Logger
	configs map[model.Mode]ModeConfig

	mu            sync.Mutex
	registrations map[model.PlayerID]*registration
}

// New builds a Coordinator. configs may be nil, in which case
// DefaultModeConfigs is used.
func New(store queuestore.Store, starter MatchStarter, logger *slog.Logger, configs map[model.Mode]ModeConfig) *Coordinator {
	if configs == nil {
		configs = DefaultModeConfigs()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:         store,
		starter:       starter,
		logger:        logger,
		configs:       configs,
		registrations: make(map[model.PlayerID]*registration),
	}
}

// Enqueue registers player into mode's queue and spawns its search task.
// The search task runs until ctx is cancelled, the player is paired, or
// the player is removed from the queue by a later Dequeue call.
func (c *Coordinator) Enqueue(ctx context.Context, mode model.Mode, entry model.QueueEntry, callback PairCallback) error {
	c.mu.Lock()
	if _, exists := c.registrations[entry.PlayerID]; exists {
		c.mu.Unlock()
		return ErrAlreadyQueued
	}
	c.registrations[entry.PlayerID] = &registration{callback: callback, done: make(chan model.PendingMatch, 1)}
	c.mu.Unlock()

	if err := c.store.ClearMatched(ctx, mode, entry.PlayerID); err != nil {
		return fmt.Errorf("matchqueue: clearing stale matched flag: %w", err)
	}
	if mode == model.ModeFriends {
		if err := c.store.SetFriends(ctx, entry.PlayerID, entry.FriendIDs); err != nil {
			return fmt.Errorf("matchqueue: persisting friend list: %w", err)
		}
	}
	if err := c.store.Enqueue(ctx, mode, entry); err != nil {
		return fmt.Errorf("matchqueue: enqueue: %w", err)
	}

	go c.searchLoop(ctx, mode, entry.PlayerID)
	return nil
}

// Dequeue removes player from mode's queue and cancels its callback
// registration, so the next search-loop tick exits cleanly.
func (c *Coordinator) Dequeue(ctx context.Context, mode model.Mode, playerID model.PlayerID) error {
	c.mu.Lock()
	delete(c.registrations, playerID)
	c.mu.Unlock()
	return c.store.Dequeue(ctx, mode, playerID)
}

// CleanupAfterMatch is called by MatchOrchestrator at settlement
// (spec.md §4.5's cleanupAfterMatch): remove both players from the
// mode's matched set, and from friends-matched as a cross-mode safety.
func (c *Coordinator) CleanupAfterMatch(ctx context.Context, mode model.Mode, p1, p2 model.PlayerID) error {
	return c.store.ClearMatched(ctx, mode, p1, p2)
}

func (c *Coordinator) searchLoop(ctx context.Context, mode model.Mode, playerID model.PlayerID) {
	cfg := c.configs[mode]
	ticker := time.NewTicker(searchInterval)
	defer ticker.Stop()
	started := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		queued, err := c.store.IsQueued(ctx, mode, playerID)
		if err != nil {
			c.logger.Error("matchqueue: checking queue membership", "player", playerID, "mode", mode, "error", err)
			continue
		}
		if !queued {
			return
		}

		matched, err := c.store.IsMatched(ctx, mode, playerID)
		if err != nil {
			c.logger.Error("matchqueue: checking matched flag", "player", playerID, "mode", mode, "error", err)
			continue
		}
		if matched {
			c.awaitPairingCallback(ctx, mode, playerID)
			return
		}

		if cfg.AllowBotFallback && time.Since(started) >= cfg.BotFallbackTimeout {
			if c.tryCreateBotMatch(ctx, mode, playerID) {
				return
			}
			continue
		}

		if c.tryPair(ctx, mode, playerID) {
			return
		}
	}
}

// awaitPairingCallback waits up to pairedWaitTimeout for whichever
// search task won the pairing race to invoke this player's callback. If
// it never fires — the pairing task crashed or lost the race after
// setting the matched flag — the matched flag is cleared so the player
// can re-enqueue (spec.md §4.5 search-task step 2).
func (c *Coordinator) awaitPairingCallback(ctx context.Context, mode model.Mode, playerID model.PlayerID) {
	c.mu.Lock()
	reg, ok := c.registrations[playerID]
	c.mu.Unlock()
	if !ok {
		return
	}

	select {
	case <-reg.done:
		return
	case <-time.After(pairedWaitTimeout):
	case <-ctx.Done():
		return
	}
	if err := c.store.ClearMatched(ctx, mode, playerID); err != nil {
		c.logger.Error("matchqueue: clearing matched flag after callback timeout", "player", playerID, "mode", mode, "error", err)
	}
}

// invokeCallback delivers match to playerID's registered callback exactly
// once, then retires the registration.
func (c *Coordinator) invokeCallback(ctx context.Context, playerID model.PlayerID, match model.PendingMatch) {
	c.mu.Lock()
	reg, ok := c.registrations[playerID]
	delete(c.registrations, playerID)
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("matchqueue: no callback registered for paired player", "player", playerID, "match", match.MatchID)
		return
	}
	if err := reg.callback(ctx, match); err != nil {
		c.logger.Error("matchqueue: pairing callback failed", "player", playerID, "match", match.MatchID, "error", err)
	}
	select {
	case reg.done <- match:
	default:
	}
}

// tryPair implements the FIFO-with-mutual-lock algorithm of spec.md
// §4.5. It returns true iff a pairing was confirmed and handed off.
func (c *Coordinator) tryPair(ctx context.Context, mode model.Mode, playerID model.PlayerID) bool {
	selfLock := queuestore.LockKey(playerID)
	acquired, err := c.store.AcquireLock(ctx, selfLock, lockTTL)
	if err != nil {
		c.logger.Error("matchqueue: acquiring self lock", "player", playerID, "error", err)
		return false
	}
	if !acquired {
		return false
	}
	selfLockHeld := true
	defer func() {
		if selfLockHeld {
			_ = c.store.ReleaseLock(ctx, selfLock)
		}
	}()

	candidates, err := c.store.OldestCandidates(ctx, mode, playerID, candidateWindow)
	if err != nil {
		c.logger.Error("matchqueue: reading candidates", "player", playerID, "mode", mode, "error", err)
		return false
	}

	if self, err := c.store.Get(ctx, mode, playerID); err == nil {
		waitSeconds := time.Now().Unix() - self.JoinedAt
		candidates = orderByEloBand(candidates, self.Elo, EloBandFor(waitSeconds))
	}

	var friends []model.PlayerID
	if mode == model.ModeFriends {
		friends, err = c.store.FriendsOf(ctx, playerID)
		if err != nil {
			c.logger.Error("matchqueue: reading friend list", "player", playerID, "error", err)
			return false
		}
	}

	var opponent model.PlayerID
	var opponentLocked bool
	for _, candidate := range candidates {
		if mode == model.ModeFriends && !containsPlayer(friends, candidate.PlayerID) {
			continue
		}
		matched, err := c.store.IsMatched(ctx, mode, candidate.PlayerID)
		if err != nil || matched {
			continue
		}

		candLock := queuestore.LockKey(candidate.PlayerID)
		gotLock, err := c.store.AcquireLock(ctx, candLock, lockTTL)
		if err != nil || !gotLock {
			continue
		}

		stillQueued, err1 := c.store.IsQueued(ctx, mode, candidate.PlayerID)
		stillMatched, err2 := c.store.IsMatched(ctx, mode, candidate.PlayerID)
		if err1 != nil || err2 != nil || !stillQueued || stillMatched {
			_ = c.store.ReleaseLock(ctx, candLock)
			continue
		}

		opponent = candidate.PlayerID
		opponentLocked = true
		break
	}

	if !opponentLocked {
		return false
	}
	opponentLock := queuestore.LockKey(opponent)
	defer func() { _ = c.store.ReleaseLock(ctx, opponentLock) }()

	if err := c.store.MarkMatched(ctx, mode, playerID, opponent); err != nil {
		c.logger.Error("matchqueue: marking matched", "player", playerID, "opponent", opponent, "error", err)
		return false
	}

	_ = c.store.ReleaseLock(ctx, selfLock)
	selfLockHeld = false

	c.createMatch(ctx, mode, playerID, opponent)
	return true
}

// tryCreateBotMatch implements spec.md §4.5's bot fallback: lock self,
// re-verify eligibility, mark matched, dequeue, and hand a bot pairing
// to the orchestrator.
func (c *Coordinator) tryCreateBotMatch(ctx context.Context, mode model.Mode, playerID model.PlayerID) bool {
	selfLock := queuestore.LockKey(playerID)
	acquired, err := c.store.AcquireLock(ctx, selfLock, lockTTL)
	if err != nil || !acquired {
		return false
	}
	defer func() { _ = c.store.ReleaseLock(ctx, selfLock) }()

	queued, err1 := c.store.IsQueued(ctx, mode, playerID)
	matched, err2 := c.store.IsMatched(ctx, mode, playerID)
	if err1 != nil || err2 != nil || !queued || matched {
		return false
	}

	entry, err := c.store.Get(ctx, mode, playerID)
	if err != nil {
		c.logger.Error("matchqueue: reading entry for bot match", "player", playerID, "error", err)
		return false
	}

	if err := c.store.MarkMatched(ctx, mode, playerID); err != nil {
		c.logger.Error("matchqueue: marking matched for bot match", "player", playerID, "error", err)
		return false
	}
	if err := c.store.Dequeue(ctx, mode, playerID); err != nil {
		c.logger.Error("matchqueue: dequeuing bot-matched player", "player", playerID, "error", err)
	}

	match := model.PendingMatch{
		MatchID: uuid.NewString(),
		Player1: entry,
		Mode:    mode,
		IsBot:   true,
	}

	if err := c.starter.CreateSession(ctx, match); err != nil {
		c.logger.Error("matchqueue: creating bot match session", "match", match.MatchID, "error", err)
		return false
	}
	c.invokeCallback(ctx, playerID, match)
	if err := c.starter.Start(ctx, match.MatchID); err != nil {
		c.logger.Error("matchqueue: starting bot match", "match", match.MatchID, "error", err)
	}
	return true
}

// createMatch implements spec.md §4.5's createMatch: read both entries,
// build the PendingMatch, dequeue both, invoke both callbacks outside
// any lock, then ask the orchestrator to start the session.
func (c *Coordinator) createMatch(ctx context.Context, mode model.Mode, p1, p2 model.PlayerID) {
	entry1, err := c.store.Get(ctx, mode, p1)
	if err != nil {
		c.logger.Error("matchqueue: reading player1 entry", "player", p1, "error", err)
		return
	}
	entry2, err := c.store.Get(ctx, mode, p2)
	if err != nil {
		c.logger.Error("matchqueue: reading player2 entry", "player", p2, "error", err)
		return
	}

	match := model.PendingMatch{
		MatchID: uuid.NewString(),
		Player1: entry1,
		Player2: entry2,
		Mode:    mode,
	}

	if err := c.store.Dequeue(ctx, mode, p1); err != nil {
		c.logger.Error("matchqueue: dequeuing player1", "player", p1, "error", err)
	}
	if err := c.store.Dequeue(ctx, mode, p2); err != nil {
		c.logger.Error("matchqueue: dequeuing player2", "player", p2, "error", err)
	}

	if err := c.starter.CreateSession(ctx, match); err != nil {
		c.logger.Error("matchqueue: creating match session", "match", match.MatchID, "error", err)
		return
	}

	c.invokeCallback(ctx, p1, match)
	c.invokeCallback(ctx, p2, match)

	if err := c.starter.Start(ctx, match.MatchID); err != nil {
		c.logger.Error("matchqueue: starting match", "match", match.MatchID, "error", err)
	}
}

// orderByEloBand moves candidates within band of selfElo to the front,
// sorted by closeness, while leaving the rest in their original FIFO
// order and position relative to each other. It never drops a
// candidate — FIFO+mutual-lock semantics in tryPair are unchanged.
func orderByEloBand(candidates []model.QueueEntry, selfElo, band int) []model.QueueEntry {
	ordered := make([]model.QueueEntry, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		di, dj := abs(ordered[i].Elo-selfElo), abs(ordered[j].Elo-selfElo)
		inBandI, inBandJ := di <= band, dj <= band
		if inBandI != inBandJ {
			return inBandI
		}
		if inBandI {
			return di < dj
		}
		return false // preserve original FIFO order among out-of-band entries
	})
	return ordered
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func containsPlayer(haystack []model.PlayerID, needle model.PlayerID) bool {
	for _, id := range haystack {
		if id == needle {
			return true
		}
	}
	return false
}
