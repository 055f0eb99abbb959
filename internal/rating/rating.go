package rating

import (
	"github.com/typelo/raceserver/internal/model"
)

const (
	stompThreshold  = 5000.0
	softCapElo      = 2500
	unrankedElo     = 1000
	botFarmGuardElo = 3000
	hardCap         = 100
)

// Side is one participant's inputs to the rating pipeline.
type Side struct {
	Rating      Rating
	GamesPlayed int
	Score       float64
}

// Deltas holds the post-modifier Elo change for both sides of a match.
type Deltas struct {
	Player   int
	Opponent int
}

// ComputeMatchDeltas runs one Glicko-2 cycle for each side, then applies,
// in order, the placement / stomp / bot-dampener / soft-cap / unranked /
// hard-cap / floor modifiers from spec.md §4.3. In a bot match the caller
// must pass the human as player and the bot as opponent: the opponent's
// delta is unconditionally forced to 0 regardless of its raw Glicko result.
func ComputeMatchDeltas(player, opponent Side, isBotMatch bool) Deltas {
	playerOutcome, opponentOutcome := outcomeScores(player.Score, opponent.Score)

	playerNew := updateRating(player.Rating, opponent.Rating.mu(), opponent.Rating.phi(), playerOutcome)
	opponentNew := updateRating(opponent.Rating, player.Rating.mu(), player.Rating.phi(), opponentOutcome)

	playerChange := playerNew.Elo - player.Rating.Elo
	opponentChange := opponentNew.Elo - opponent.Rating.Elo

	// 1. Placement bonus.
	if player.GamesPlayed < 10 {
		playerChange = int(float64(playerChange) * 2.5)
	}
	if opponent.GamesPlayed < 10 && !isBotMatch {
		opponentChange = int(float64(opponentChange) * 2.5)
	}

	// 2. Stomp bonus: winner-side gain only.
	if scoreDiff(player.Score, opponent.Score) > stompThreshold {
		if playerChange > 0 {
			playerChange = int(float64(playerChange) * 1.5)
		}
		if opponentChange > 0 {
			opponentChange = int(float64(opponentChange) * 1.5)
		}
	}

	// 3. Bot-match dampener.
	if isBotMatch {
		if player.Rating.Elo > botFarmGuardElo {
			if playerChange < 0 {
				playerChange = int(float64(playerChange) * 2.0)
			}
			if playerChange > 0 {
				playerChange = int(float64(playerChange) * 0.5)
			}
		} else {
			if playerChange > 0 {
				playerChange = int(float64(playerChange) * 0.7)
			} else {
				playerChange = int(float64(playerChange) * 0.8)
			}
		}
		opponentChange = 0
	}

	// 4. High-rank soft cap: gains only.
	if player.Rating.Elo > softCapElo && playerChange > 0 {
		playerChange = int(float64(playerChange) * 0.75)
	}
	if !isBotMatch && opponent.Rating.Elo > softCapElo && opponentChange > 0 {
		opponentChange = int(float64(opponentChange) * 0.75)
	}

	// 5. Unranked protection: no further losses below the floor.
	if player.Rating.Elo < unrankedElo && playerChange < 0 {
		playerChange = 0
	}
	if opponent.Rating.Elo < unrankedElo && opponentChange < 0 {
		opponentChange = 0
	}

	// 6. Hard cap.
	playerChange = clamp(playerChange, -hardCap, hardCap)
	opponentChange = clamp(opponentChange, -hardCap, hardCap)

	// 7. Elo floor.
	if playerChange < 0 && -playerChange > player.Rating.Elo {
		playerChange = -player.Rating.Elo
	}
	if opponentChange < 0 && -opponentChange > opponent.Rating.Elo {
		opponentChange = -opponent.Rating.Elo
	}

	return Deltas{Player: playerChange, Opponent: opponentChange}
}

func outcomeScores(playerScore, opponentScore float64) (player, opponent float64) {
	switch {
	case playerScore > opponentScore:
		return 1, 0
	case playerScore < opponentScore:
		return 0, 1
	default:
		return 0.5, 0.5
	}
}

func scoreDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// OutcomeFor derives the {win, loss, tie} label a given side sees, from
// the same score comparison ComputeMatchDeltas uses internally.
func OutcomeFor(ownScore, opponentScore float64) model.Outcome {
	switch {
	case ownScore > opponentScore:
		return model.OutcomeWin
	case ownScore < opponentScore:
		return model.OutcomeLoss
	default:
		return model.OutcomeTie
	}
}
