package match

import (
	"context"

	"github.com/typelo/raceserver/internal/model"
	"github.com/typelo/raceserver/internal/rating"
)

// GameStartFunc delivers the synchronized-start notice to one side of a
// session (spec.md §4.6.3). scheduledStartMs is the epoch millisecond
// both sides' local countdowns synchronize to.
type GameStartFunc func(ctx context.Context, scheduledStartMs int64, durationSeconds int) error

// ProgressFunc delivers one clean-keystroke or word-complete update about
// the *other* side to this side's client (spec.md §4.6.5).
type ProgressFunc func(ctx context.Context, charIndex, wordIndex int) error

// InvalidKeystrokeFunc notifies a client that its last keystroke was
// rejected by anti-cheat validation.
type InvalidKeystrokeFunc func(ctx context.Context, reason string) error

// GameEndFunc delivers a side's final MatchResult (spec.md §4.6.6 step 10).
type GameEndFunc func(ctx context.Context, result model.MatchResult) error

// SideCallbacks is the set of four callbacks a connected human side
// registers against its session after creation.
type SideCallbacks struct {
	OnGameStart        GameStartFunc
	OnOpponentProgress ProgressFunc
	OnInvalidKeystroke InvalidKeystrokeFunc
	OnGameEnd          GameEndFunc
}

// UserStore is the subset of player persistence the orchestrator needs:
// reading a bot's target profile and crediting/recording match outcomes.
type UserStore interface {
	AvgWPM(ctx context.Context, playerID model.PlayerID) (float64, error)
	// GamesPlayed returns a ranked player's completed match count, which
	// gates the placement-bonus modifier (spec.md §4.3 step 1).
	GamesPlayed(ctx context.Context, playerID model.PlayerID) (int, error)
	AddCoins(ctx context.Context, playerID model.PlayerID, amount int) error
	ApplyRankedResult(ctx context.Context, playerID model.PlayerID, update RankedStatsUpdate) error
}

// RankedStatsUpdate is the running-stat mutation spec.md §4.6.6 step 8
// describes: totalMatches++, win/loss, running-average WPM/accuracy,
// peak Elo, best WPM, and the clamped Elo delta itself.
type RankedStatsUpdate struct {
	Won        bool
	Tied       bool
	WPM        float64
	Accuracy   float64
	EloDelta   int
	NewElo     int
}

// MatchStore archives settled matches (spec.md §4.6.6 step 11).
type MatchStore interface {
	InsertMatch(ctx context.Context, record model.MatchRecord) error
}

// AuditSink receives best-effort settlement failures; no step in endGame
// is skipped because a prior step failed, but every failure must be
// surfaced somewhere (spec.md §4.6.6's crash-safety requirement).
type AuditSink interface {
	RecordSettlementFailure(ctx context.Context, matchID string, step string, err error)
}

// LeaderboardQuery resolves a player's external leaderboard standing for
// the coin-reward bonus (spec.md §4.3).
type LeaderboardQuery interface {
	BonusFor(ctx context.Context, playerID model.PlayerID) (rating.LeaderboardBonus, error)
}

// QueueCoordinator is the seam back to MatchmakingCoordinator: settlement
// must release both players' matched-set membership (spec.md §4.5's
// cleanupAfterMatch).
type QueueCoordinator interface {
	CleanupAfterMatch(ctx context.Context, mode model.Mode, p1, p2 model.PlayerID) error
}
