// Package bot implements BotSimulator (C4): a synthetic opponent whose
// typing speed, accuracy, and error behavior are scaled to the human
// opponent's skill. Following the teacher's duel-package convention of
// separating a pure planner from the loop that drains it, Config/Plan are
// pure and reentrant; Runner is the only stateful, time-driven piece.
package bot

import "math/rand"

// Config is one match's bot behavior profile, derived once at session
// creation from the human opponent's rating and recent average WPM.
type Config struct {
	TargetWPM        int
	Accuracy         float64 // 0..1
	Variance         float64 // keystroke timing jitter, as a fraction of base delay
	CorrectionSpeed  float64 // speed multiplier applied while typing the fix after a typo
	BurstProbability float64 // chance to speed up on a short word
}

const (
	// MinBotWPM and MaxBotWPM bound the derived target regardless of tier.
	MinBotWPM = 10
	MaxBotWPM = 200

	// BurstProbabilityCap and CorrectionSpeedCap are the normative caps
	// from spec.md §4.4 ("up to caps of 0.85 and ~1.6×").
	BurstProbabilityCap = 0.85
	CorrectionSpeedCap  = 1.6

	// rankerEloThreshold denies rating farming: above this Elo the bot is
	// always faster than the player's own average.
	rankerEloThreshold = 3000
)

// ConfigFromPlayerStats derives a Config scaled to the human opponent's
// skill. When avgWPM is known (> 0) it targets the player's own speed plus
// a random delta; above rankerEloThreshold the delta is always positive so
// a high-rated player cannot farm rating from a deliberately slow bot.
// Falling back to Elo-only tiers mirrors the distillation source exactly
// when no WPM history exists yet.
func ConfigFromPlayerStats(rng *rand.Rand, playerElo int, playerAvgWPM float64) Config {
	var targetWPM int
	var accuracy, variance float64

	if playerAvgWPM > 0 {
		var wpmDelta int
		if playerElo > rankerEloThreshold {
			wpmDelta = 20 + rng.Intn(21) // [20,40]
		} else {
			wpmDelta = -5 + rng.Intn(16) // [-5,10]
		}
		targetWPM = max(10, int(playerAvgWPM)+wpmDelta)
		accuracy, variance = accuracyTierForWPM(rng, playerAvgWPM)
	} else {
		targetWPM, accuracy, variance = eloFallbackTier(rng, playerElo)
	}
	targetWPM = clampInt(targetWPM, MinBotWPM, MaxBotWPM)

	burstProbability, correctionSpeed := 0.3, 1.2
	switch {
	case targetWPM > 120:
		burstProbability, correctionSpeed = 0.55, 1.5
	case targetWPM > 90:
		burstProbability, correctionSpeed = 0.45, 1.35
	case targetWPM > 60:
		burstProbability, correctionSpeed = 0.35, 1.25
	}

	// Smarter play at higher Elo: more bursts, faster corrections.
	if playerElo > 1200 {
		burstProbability += 0.05
		correctionSpeed += 0.05
	}
	if playerElo > 1800 {
		burstProbability += 0.05
		correctionSpeed += 0.05
	}
	if playerElo > 2400 {
		burstProbability += 0.05
		correctionSpeed += 0.05
	}
	burstProbability = min(BurstProbabilityCap, burstProbability)
	correctionSpeed = min(CorrectionSpeedCap, correctionSpeed)

	return Config{
		TargetWPM:        targetWPM,
		Accuracy:         accuracy,
		Variance:         variance,
		BurstProbability: burstProbability,
		CorrectionSpeed:  correctionSpeed,
	}
}

func accuracyTierForWPM(rng *rand.Rand, avgWPM float64) (accuracy, variance float64) {
	switch {
	case avgWPM < 30:
		return uniform(rng, 0.88, 0.92), 0.30
	case avgWPM < 50:
		return uniform(rng, 0.90, 0.94), 0.25
	case avgWPM < 70:
		return uniform(rng, 0.93, 0.96), 0.20
	case avgWPM < 90:
		return uniform(rng, 0.95, 0.98), 0.15
	default:
		return uniform(rng, 0.97, 0.99), 0.10
	}
}

func eloFallbackTier(rng *rand.Rand, elo int) (targetWPM int, accuracy, variance float64) {
	switch {
	case elo < 1000:
		return 15, uniform(rng, 0.88, 0.92), 0.30
	case elo < 2000:
		return 25, uniform(rng, 0.90, 0.94), 0.25
	case elo < 3000:
		return 45, uniform(rng, 0.93, 0.96), 0.20
	case elo < 10000:
		return 65, uniform(rng, 0.95, 0.98), 0.15
	default:
		return 85, uniform(rng, 0.97, 0.99), 0.10
	}
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
