// Package model holds the data types shared across the matchmaking and
// match-execution packages: player identity, queue bookkeeping, and the
// records exchanged with the external stores.
package model

// PlayerID is the stable, opaque identifier issued by IdentityProvider.
type PlayerID string

// BackspaceRune is the distinguished keystroke value used for backspace;
// it cannot collide with a typed word character.
const BackspaceRune rune = 0

// Profile is the subset of a player's persistent record the core needs.
// It is populated by UserStore and never mutated here.
type Profile struct {
	PlayerID       PlayerID
	DisplayName    string
	PhotoRef       string
	EloRating      int
	TotalMatches   int
	AvgWPM         float64
	AvgAccuracy    float64
	PeakElo        int
	BestWPM        float64
	EquippedCursor string
	EquippedEffect string
}

// Rank is a banded label derived from Elo, used for cosmetics and reward
// bonuses. Ranks are ordered low to high.
type Rank int

const (
	RankUnranked Rank = iota
	RankBronze
	RankGold
	RankPlatinum
	RankRanker
)

func (r Rank) String() string {
	switch r {
	case RankUnranked:
		return "unranked"
	case RankBronze:
		return "bronze"
	case RankGold:
		return "gold"
	case RankPlatinum:
		return "platinum"
	case RankRanker:
		return "ranker"
	default:
		return "unknown"
	}
}

// RankFor derives a Rank from an integer Elo rating per spec.md §4.3.
func RankFor(elo int) Rank {
	switch {
	case elo < 1000:
		return RankUnranked
	case elo < 2000:
		return RankBronze
	case elo < 3000:
		return RankGold
	case elo < 10000:
		return RankPlatinum
	default:
		return RankRanker
	}
}

// RankBonusRate returns the coin rankBonus multiplier for a rank.
func RankBonusRate(r Rank) float64 {
	switch r {
	case RankBronze:
		return 0.20
	case RankGold:
		return 0.40
	case RankPlatinum:
		return 0.80
	case RankRanker:
		return 1.60
	default:
		return 0
	}
}

// Mode selects which of the three independent matchmaking queues a player
// enrolled in, and which settlement rules apply.
type Mode int

const (
	ModeRanked Mode = iota
	ModeTraining
	ModeFriends
)

func (m Mode) String() string {
	switch m {
	case ModeRanked:
		return "ranked"
	case ModeTraining:
		return "training"
	case ModeFriends:
		return "friends"
	default:
		return "unknown"
	}
}

// RatedMatch reports whether a mode runs the Glicko-2 pipeline; training
// and friends matches always settle with zero rating delta.
func (m Mode) RatedMatch() bool { return m == ModeRanked }
