package bot

import (
	"math"
	"math/rand"
	"time"
)

// qwertyAdjacency maps a lowercase key to the keys a human finger is most
// likely to mis-strike it for, used to generate plausible typos.
var qwertyAdjacency = map[rune][]rune{
	'q': {'w', 'a', '1', '2'}, 'w': {'q', 'e', 's', 'a', '2', '3'}, 'e': {'w', 'r', 'd', 's', '3', '4'},
	'r': {'e', 't', 'f', 'd', '4', '5'}, 't': {'r', 'y', 'g', 'f', '5', '6'}, 'y': {'t', 'u', 'h', 'g', '6', '7'},
	'u': {'y', 'i', 'j', 'h', '7', '8'}, 'i': {'u', 'o', 'k', 'j', '8', '9'}, 'o': {'i', 'p', 'l', 'k', '9', '0'},
	'p': {'o', '[', ';', 'l', '0', '-'},
	'a': {'q', 'w', 's', 'z'}, 's': {'w', 'e', 'd', 'x', 'z', 'a'}, 'd': {'e', 'r', 'f', 'c', 'x', 's'},
	'f': {'r', 't', 'g', 'v', 'c', 'd'}, 'g': {'t', 'y', 'h', 'b', 'v', 'f'}, 'h': {'y', 'u', 'j', 'n', 'b', 'g'},
	'j': {'u', 'i', 'k', 'm', 'n', 'h'}, 'k': {'i', 'o', 'l', ',', 'm', 'j'}, 'l': {'o', 'p', ';', '.', ',', 'k'},
	'z': {'a', 's', 'x'}, 'x': {'z', 's', 'd', 'c'}, 'c': {'x', 'd', 'f', 'v'}, 'v': {'c', 'f', 'g', 'b'},
	'b': {'v', 'g', 'h', 'n'}, 'n': {'b', 'h', 'j', 'm'}, 'm': {'n', 'j', 'k', ','},
}

func neighborKey(rng *rand.Rand, char rune) rune {
	const fallback = "abcdefghijklmnopqrstuvwxyz"
	neighbors, ok := qwertyAdjacency[lower(char)]
	if !ok || len(neighbors) == 0 {
		return rune(fallback[rng.Intn(len(fallback))])
	}
	return neighbors[rng.Intn(len(neighbors))]
}

func lower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

// ActionType labels one scheduled step of a bot's typing plan.
type ActionType int

const (
	ActionTypeType ActionType = iota
	ActionTypePress
	ActionTypeWait
	ActionTypeBackspace
)

// Action is one scheduled step: wait Delay, then perform Type. Wait steps
// carry no payload; Type/Press carry the rune typed/pressed.
type Action struct {
	Type  ActionType
	Char  rune
	Delay time.Duration
}

const minKeystrokeDelay = 20 * time.Millisecond

// Plan produces the full action sequence for typing every word in order,
// including the inter-word space and pause. The whole sequence is built
// eagerly into one slice before it is returned. It is pure given rng:
// same seed, same words, same config always produce the same plan, which
// is what makes the bot testable without a running clock (spec.md §9).
func Plan(rng *rand.Rand, cfg Config, words []string) []Action {
	var actions []Action
	for _, word := range words {
		actions = append(actions, planWord(rng, cfg, word)...)
	}
	return actions
}

func planWord(rng *rand.Rand, cfg Config, word string) []Action {
	speedMult := wordSpeedMultiplier(rng, cfg, word)
	baseDelay := baseKeystrokeDelay(cfg.TargetWPM, speedMult)

	var actions []Action
	for _, char := range word {
		if rng.Float64() > cfg.Accuracy {
			wrong := neighborKey(rng, char)
			actions = append(actions, Action{Type: ActionTypePress, Char: wrong, Delay: jitter(rng, baseDelay, cfg.Variance)})
			actions = append(actions, Action{Type: ActionTypeWait, Delay: durationUniform(rng, 150*time.Millisecond, 300*time.Millisecond)})
			actions = append(actions, Action{Type: ActionTypeBackspace, Delay: durationUniform(rng, 80*time.Millisecond, 150*time.Millisecond)})
			correctedDelay := baseKeystrokeDelay(cfg.TargetWPM, speedMult*cfg.CorrectionSpeed)
			actions = append(actions, Action{Type: ActionTypeType, Char: char, Delay: jitter(rng, correctedDelay, cfg.Variance)})
		} else {
			actions = append(actions, Action{Type: ActionTypeType, Char: char, Delay: jitter(rng, baseDelay, cfg.Variance)})
		}
	}
	actions = append(actions, Action{Type: ActionTypeType, Char: ' ', Delay: jitter(rng, baseDelay, cfg.Variance)})

	baseWordDelay := 60.0 / float64(cfg.TargetWPM)
	wordPause := durationUniform(rng, 50*time.Millisecond, 150*time.Millisecond) +
		time.Duration(baseWordDelay*0.1*float64(time.Second))
	actions = append(actions, Action{Type: ActionTypeWait, Delay: wordPause})
	return actions
}

// wordSpeedMultiplier picks a per-word speed scale: a chance to burst on
// short words, a skill-scaled slowdown on long words, otherwise neutral.
func wordSpeedMultiplier(rng *rand.Rand, cfg Config, word string) float64 {
	difficulty := len([]rune(word))
	switch {
	case difficulty < 4 && rng.Float64() < cfg.BurstProbability:
		return uniform(rng, 1.1, 1.3)
	case difficulty > 7:
		skillFactor := math.Min(1.0, float64(cfg.TargetWPM)/150.0)
		minSlow := 0.75 + 0.2*skillFactor
		maxSlow := 0.90 + 0.1*skillFactor
		return uniform(rng, minSlow, maxSlow)
	default:
		return 1.0
	}
}

// baseKeystrokeDelay converts a target WPM and speed multiplier into a
// per-keystroke delay: WPM/12 chars per second, inverted.
func baseKeystrokeDelay(targetWPM int, speedMult float64) time.Duration {
	seconds := 12.0 / (float64(targetWPM) * speedMult)
	return time.Duration(seconds * float64(time.Second))
}

// jitter adds Gaussian noise scaled by variance·base, floored at the
// normative minimum keystroke delay (spec.md §4.4).
func jitter(rng *rand.Rand, base time.Duration, variance float64) time.Duration {
	noise := rng.NormFloat64() * float64(base) * variance
	d := base + time.Duration(noise)
	if d < minKeystrokeDelay {
		return minKeystrokeDelay
	}
	return d
}

func durationUniform(rng *rand.Rand, lo, hi time.Duration) time.Duration {
	return lo + time.Duration(rng.Float64()*float64(hi-lo))
}
