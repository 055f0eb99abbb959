package rating

import "github.com/typelo/raceserver/internal/model"

const (
	// WinCoinBase and LossCoinBase are normative (spec.md §6.3).
	WinCoinBase  = 300
	LossCoinBase = 50

	leaderboardTop3Rate  = 0.50
	leaderboardTop10Rate = 0.20
)

// LeaderboardBonus is what LeaderboardQuery.bonusFor returns for a player.
type LeaderboardBonus struct {
	IsTop3  bool
	IsTop10 bool
}

func (b LeaderboardBonus) rate() float64 {
	switch {
	case b.IsTop3:
		return leaderboardTop3Rate
	case b.IsTop10:
		return leaderboardTop10Rate
	default:
		return 0
	}
}

// ComputeCoins applies spec.md §4.3's coin formula. It runs in every mode,
// including training and friends, unlike the rating delta pipeline. A tie
// pays the loss base (spec.md §8 boundary behavior).
func ComputeCoins(outcome model.Outcome, rank model.Rank, lb LeaderboardBonus) model.CoinBreakdown {
	base := LossCoinBase
	if outcome == model.OutcomeWin {
		base = WinCoinBase
	}
	rankBonus := int(float64(base) * model.RankBonusRate(rank))
	leaderboardBonus := int(float64(base) * lb.rate())
	return model.CoinBreakdown{
		Base:             base,
		RankBonus:        rankBonus,
		LeaderboardBonus: leaderboardBonus,
		Total:            base + rankBonus + leaderboardBonus,
	}
}
