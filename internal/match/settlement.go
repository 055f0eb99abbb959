package match

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"

	"github.com/typelo/raceserver/internal/anticheat"
	"github.com/typelo/raceserver/internal/model"
	"github.com/typelo/raceserver/internal/rating"
)

// EndGame implements spec.md §4.6.6. It is idempotent: the first caller
// to win the finished CompareAndSwap runs settlement; every later caller
// (duration timer, early-finish, a racing forfeit) is a no-op.
func (o *Orchestrator) EndGame(ctx context.Context, matchID, reason string) {
	session, ok := o.getByMatchID(matchID)
	if !ok {
		return
	}
	if !session.finished.CompareAndSwap(false, true) {
		return
	}

	session.mu.Lock()
	session.state = stateFinished
	session.endedAt = time.Now()
	session.mu.Unlock()

	if session.botRunner != nil {
		session.botRunner.Stop()
	}

	elapsed := elapsedSeconds(session)
	p1Stats := anticheat.Compute(session.player1.state.CharsTyped, session.player1.state.Errors, session.player1.state.WordsCompleted, elapsed)
	applyStats(session.player1.state, p1Stats)

	var p2Score float64
	var p2ID model.PlayerID
	var p2Rank model.Rank
	var p2IsBot bool
	if session.isBot {
		botStats := anticheat.Compute(session.botState.CharsTyped, session.botState.Errors, session.botState.WordsCompleted, elapsed)
		applyStats(session.botState, botStats)
		p2Score = session.botState.Score
		p2IsBot = true
	} else {
		p2Stats := anticheat.Compute(session.player2.state.CharsTyped, session.player2.state.Errors, session.player2.state.WordsCompleted, elapsed)
		applyStats(session.player2.state, p2Stats)
		p2Score = session.player2.state.Score
		p2ID = session.player2.playerID
		p2Rank = session.player2.state.Rank
	}

	p1Outcome := rating.OutcomeFor(session.player1.state.Score, p2Score)
	p2Outcome := rating.OutcomeFor(p2Score, session.player1.state.Score)

	var deltas rating.Deltas
	if session.mode.RatedMatch() {
		p1Games, err := o.userStore.GamesPlayed(ctx, session.player1.playerID)
		if err != nil {
			o.logger.Warn("match: reading games played, assuming placement eligible", "player", session.player1.playerID, "error", err)
		}
		p1Side := rating.Side{Rating: rating.NewRating(session.player1.elo), GamesPlayed: p1Games, Score: session.player1.state.Score}

		var p2Side rating.Side
		if session.isBot {
			p2Side = rating.Side{Rating: rating.NewRating(session.player1.elo), GamesPlayed: p1Games, Score: p2Score}
		} else {
			p2Games, err := o.userStore.GamesPlayed(ctx, session.player2.playerID)
			if err != nil {
				o.logger.Warn("match: reading games played, assuming placement eligible", "player", session.player2.playerID, "error", err)
			}
			p2Side = rating.Side{Rating: rating.NewRating(session.player2.elo), GamesPlayed: p2Games, Score: p2Score}
		}
		deltas = rating.ComputeMatchDeltas(p1Side, p2Side, session.isBot)
	}

	var stepErrs []error

	p1Coins := rating.ComputeCoins(p1Outcome, session.player1.state.Rank, o.leaderboardBonus(ctx, session.player1.playerID))
	stepErrs = append(stepErrs, o.runStep(ctx, session.matchID, "credit-coins-p1", func() error {
		return o.userStore.AddCoins(ctx, session.player1.playerID, p1Coins.Total)
	}))

	var p2Coins model.CoinBreakdown
	if !session.isBot {
		p2Coins = rating.ComputeCoins(p2Outcome, p2Rank, o.leaderboardBonus(ctx, p2ID))
		stepErrs = append(stepErrs, o.runStep(ctx, session.matchID, "credit-coins-p2", func() error {
			return o.userStore.AddCoins(ctx, p2ID, p2Coins.Total)
		}))
	}

	if session.mode.RatedMatch() {
		stepErrs = append(stepErrs, o.runStep(ctx, session.matchID, "apply-ranked-stats-p1", func() error {
			return o.userStore.ApplyRankedResult(ctx, session.player1.playerID, RankedStatsUpdate{
				Won: p1Outcome == model.OutcomeWin, Tied: p1Outcome == model.OutcomeTie,
				WPM: session.player1.state.WPM, Accuracy: session.player1.state.Accuracy,
				EloDelta: deltas.Player, NewElo: session.player1.elo + deltas.Player,
			})
		}))
		if !session.isBot {
			stepErrs = append(stepErrs, o.runStep(ctx, session.matchID, "apply-ranked-stats-p2", func() error {
				return o.userStore.ApplyRankedResult(ctx, p2ID, RankedStatsUpdate{
					Won: p2Outcome == model.OutcomeWin, Tied: p2Outcome == model.OutcomeTie,
					WPM: session.player2.state.WPM, Accuracy: session.player2.state.Accuracy,
					EloDelta: deltas.Opponent, NewElo: session.player2.elo + deltas.Opponent,
				})
			}))
		}
	}

	p1Result := model.MatchResult{
		MatchID: session.matchID, Mode: session.mode,
		WPM: session.player1.state.WPM, Accuracy: session.player1.state.Accuracy, Score: session.player1.state.Score,
		EloBefore: session.player1.elo, EloAfter: session.player1.elo + deltas.Player, EloChange: deltas.Player,
		Outcome: p1Outcome, Coins: p1Coins,
		Opponent: opponentSummary(session, p2ID, p2IsBot, p2Score),
	}
	var p2Result model.MatchResult
	if !session.isBot {
		p2Result = model.MatchResult{
			MatchID: session.matchID, Mode: session.mode,
			WPM: session.player2.state.WPM, Accuracy: session.player2.state.Accuracy, Score: session.player2.state.Score,
			EloBefore: session.player2.elo, EloAfter: session.player2.elo + deltas.Opponent, EloChange: deltas.Opponent,
			Outcome: p2Outcome, Coins: p2Coins,
			Opponent: model.OpponentSummary{
				PlayerID: session.player1.playerID, WPM: session.player1.state.WPM,
				Accuracy: session.player1.state.Accuracy, Score: session.player1.state.Score,
			},
		}
	}

	o.deliverGameEnd(ctx, session.matchID, session.player1, p1Result)
	if !session.isBot {
		o.deliverGameEnd(ctx, session.matchID, session.player2, p2Result)
	}

	record := model.MatchRecord{
		MatchID: session.matchID, Mode: session.mode,
		Player1: session.player1.playerID, Player2: p2ID, Player2IsBot: p2IsBot,
		Player1Result: p1Result, Player2Result: p2Result,
		CreatedAt: session.createdAt.Unix(), EndedAt: session.endedAt.Unix(),
	}
	stepErrs = append(stepErrs, o.runStep(ctx, session.matchID, "archive-match", func() error {
		return o.matchStore.InsertMatch(ctx, record)
	}))

	stepErrs = append(stepErrs, o.runStep(ctx, session.matchID, "cleanup-matchmaking", func() error {
		return o.coordinator.CleanupAfterMatch(ctx, session.mode, session.player1.playerID, p2ID)
	}))

	o.mu.Lock()
	o.removeSessionLocked(session.matchID)
	o.mu.Unlock()
	o.logPartialFailures(session.matchID, stepErrs...)
	o.logger.Info("match: settled", "match", session.matchID, "reason", reason)
}

// Forfeit implements spec.md §4.6.7. failedPlayerIDs names the side(s)
// that disconnected, timed out registration, or explicitly cancelled.
func (o *Orchestrator) Forfeit(ctx context.Context, matchID string, failedPlayerIDs ...model.PlayerID) {
	session, ok := o.getByMatchID(matchID)
	if !ok {
		return
	}
	if !session.finished.CompareAndSwap(false, true) {
		return
	}

	session.mu.Lock()
	session.state = stateFinished
	session.endedAt = time.Now()
	session.mu.Unlock()

	if session.botRunner != nil {
		session.botRunner.Stop()
	}

	failed := make(map[model.PlayerID]bool, len(failedPlayerIDs))
	for _, id := range failedPlayerIDs {
		failed[id] = true
	}

	// A bot never "fails"; bothFailed only applies to genuine human-vs-human
	// double dropout. A bot-match disconnect still resolves to a normal
	// loss for the disconnector, with the Elo delta already zeroed below
	// by the isBot gate (SPEC_FULL.md's bot-disconnect-penalty-skip note).
	bothFailed := !session.isBot && session.player1 != nil && session.player2 != nil &&
		failed[session.player1.playerID] && failed[session.player2.playerID]

	p1Outcome, p2Outcome := forfeitOutcomes(session, failed, bothFailed)

	var deltas rating.Deltas
	if session.mode.RatedMatch() && !session.isBot && !bothFailed {
		deltas = forfeitDeltas(p1Outcome)
	}

	var p2ID model.PlayerID
	if session.player2 != nil {
		p2ID = session.player2.playerID
	}

	p1Result := model.MatchResult{
		MatchID: session.matchID, Mode: session.mode,
		EloBefore: session.player1.elo, EloAfter: session.player1.elo + deltas.Player, EloChange: deltas.Player,
		Outcome: p1Outcome, ForfeitBy: firstFailed(failedPlayerIDs),
	}
	o.deliverGameEnd(ctx, session.matchID, session.player1, p1Result)

	var p2Result model.MatchResult
	if session.player2 != nil {
		p2Result = model.MatchResult{
			MatchID: session.matchID, Mode: session.mode,
			EloBefore: session.player2.elo, EloAfter: session.player2.elo + deltas.Opponent, EloChange: deltas.Opponent,
			Outcome: p2Outcome, ForfeitBy: firstFailed(failedPlayerIDs),
		}
		o.deliverGameEnd(ctx, session.matchID, session.player2, p2Result)
	}

	record := model.MatchRecord{
		MatchID: session.matchID, Mode: session.mode,
		Player1: session.player1.playerID, Player2: p2ID, Player2IsBot: session.isBot,
		Player1Result: p1Result, Player2Result: p2Result,
		CreatedAt: session.createdAt.Unix(), EndedAt: session.endedAt.Unix(),
		ForfeitBy: firstFailed(failedPlayerIDs),
	}
	err1 := o.runStep(ctx, session.matchID, "archive-forfeited-match", func() error {
		return o.matchStore.InsertMatch(ctx, record)
	})
	err2 := o.runStep(ctx, session.matchID, "cleanup-matchmaking-after-forfeit", func() error {
		return o.coordinator.CleanupAfterMatch(ctx, session.mode, session.player1.playerID, p2ID)
	})

	o.mu.Lock()
	o.removeSessionLocked(session.matchID)
	o.mu.Unlock()
	o.logPartialFailures(session.matchID, err1, err2)
}

// forfeitOutcomes implements spec.md §4.6.7's bullet logic: exactly one
// failure ⇒ loss for them, win for the other; both failed ⇒ tie for
// both.
func forfeitOutcomes(session *MatchSession, failed map[model.PlayerID]bool, bothFailed bool) (p1, p2 model.Outcome) {
	if bothFailed {
		return model.OutcomeTie, model.OutcomeTie
	}
	p1Failed := session.player1 != nil && failed[session.player1.playerID]
	if p1Failed {
		return model.OutcomeLoss, model.OutcomeWin
	}
	return model.OutcomeWin, model.OutcomeLoss
}

// forfeitDeltas is the small ±10 Elo adjustment spec.md §4.6.7
// prescribes for ranked PvP forfeits (a fixed penalty, not the full
// modifier chain a completed match runs through).
const forfeitEloDelta = 10

func forfeitDeltas(p1Outcome model.Outcome) rating.Deltas {
	switch p1Outcome {
	case model.OutcomeWin:
		return rating.Deltas{Player: forfeitEloDelta, Opponent: -forfeitEloDelta}
	case model.OutcomeLoss:
		return rating.Deltas{Player: -forfeitEloDelta, Opponent: forfeitEloDelta}
	default:
		return rating.Deltas{}
	}
}

func firstFailed(ids []model.PlayerID) model.PlayerID {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func elapsedSeconds(session *MatchSession) float64 {
	start := session.scheduledStartAt
	if start.IsZero() || session.endedAt.Before(start) {
		return session.duration.Seconds()
	}
	return session.endedAt.Sub(start).Seconds()
}

func applyStats(state *model.PlayerState, stats anticheat.Stats) {
	state.WPM = stats.WPM
	state.Accuracy = stats.Accuracy
	state.Score = stats.Score
}

func opponentSummary(session *MatchSession, p2ID model.PlayerID, p2IsBot bool, p2Score float64) model.OpponentSummary {
	if session.isBot {
		return model.OpponentSummary{PlayerID: "bot", IsBot: true, WPM: session.botState.WPM, Accuracy: session.botState.Accuracy, Score: p2Score}
	}
	return model.OpponentSummary{PlayerID: p2ID, WPM: session.player2.state.WPM, Accuracy: session.player2.state.Accuracy, Score: p2Score}
}

func (o *Orchestrator) leaderboardBonus(ctx context.Context, playerID model.PlayerID) rating.LeaderboardBonus {
	if o.leaderboard == nil {
		return rating.LeaderboardBonus{}
	}
	bonus, err := o.leaderboard.BonusFor(ctx, playerID)
	if err != nil {
		o.logger.Warn("match: leaderboard bonus lookup failed", "player", playerID, "error", err)
		return rating.LeaderboardBonus{}
	}
	return bonus
}

// runStep executes one best-effort settlement step. A failure is logged
// and surfaced to AuditSink but never aborts the remaining steps
// (spec.md §4.6.6's crash-safety requirement); it is also returned so
// the caller can fold it into a single end-of-settlement summary via
// multierr, without that summary ever gating which steps ran.
func (o *Orchestrator) runStep(ctx context.Context, matchID, step string, fn func() error) error {
	if err := fn(); err != nil {
		o.logger.Error("match: settlement step failed", "match", matchID, "step", step, "error", err)
		o.audit.RecordSettlementFailure(ctx, matchID, step, err)
		return fmt.Errorf("%s: %w", step, err)
	}
	return nil
}

// logPartialFailures emits one combined warning if any best-effort step
// above failed; settlement itself is unaffected either way.
func (o *Orchestrator) logPartialFailures(matchID string, errs ...error) {
	if err := multierr.Combine(errs...); err != nil {
		o.logger.Warn("match: settlement completed with partial failures", "match", matchID, "errors", err)
	}
}

// deliverGameEnd sends result to side's onGameEnd with the retry policy
// spec.md §4.6.6 step 10 names (3 attempts, 5s timeout each).
func (o *Orchestrator) deliverGameEnd(ctx context.Context, matchID string, side *sidePlayer, result model.MatchResult) {
	if side == nil || !side.registered.Load() {
		return
	}
	cb := side.getCallbacks()
	if cb.OnGameEnd == nil {
		return
	}
	backoff, _ := retry.NewConstant(gameEndTimeout)
	backoff = retry.WithMaxRetries(uint64(gameEndRetries-1), backoff)
	err := retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		deliverCtx, cancel := context.WithTimeout(ctx, gameEndTimeout)
		defer cancel()
		if err := cb.OnGameEnd(deliverCtx, result); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		o.logger.Error("match: delivering game-end result", "match", matchID, "player", side.playerID, "error", err)
		o.audit.RecordSettlementFailure(ctx, matchID, "deliver-game-end:"+string(side.playerID), err)
	}
}
