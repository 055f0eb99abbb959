// Package anticheat implements AntiCheat (C2): keystroke validation and the
// WPM/accuracy/score formulas shared by human and bot participants.
package anticheat

import (
	"errors"
	"math"

	"github.com/typelo/raceserver/internal/model"
)

// ErrInvalidLatency is returned when a keystroke arrives less than
// MinInterKeystrokeMs after the player's previous accepted keystroke.
var ErrInvalidLatency = errors.New("anticheat: keystroke latency below minimum interval")

const (
	// MinInterKeystrokeMs is the normative minimum gap between a player's
	// accepted keystrokes (spec.md §6.3).
	MinInterKeystrokeMs = 10
	// MaxSaneWPM flags (does not reject) implausibly fast typing for audit.
	MaxSaneWPM = 250
	// FlagLowJitterCV flags suspiciously uniform keystroke timing.
	FlagLowJitterCV = 0.1
)

// Flag is an observational anti-cheat signal. Flags are recorded to
// AuditSink; they never change a player's computed score.
type Flag struct {
	PlayerID model.PlayerID
	Reason   string
}

// Validate checks a candidate keystroke against a player's current state
// and, if accepted, mutates that state in place. It never rejects due to
// stale/duplicate CharIndex values — those are treated as a network replay
// artifact and silently accepted without mutation (spec.md §4.2, §7
// DuplicateKeystroke).
//
// wordText is the match's full challenge text; it is used to decide
// whether the typed rune at CharIndex is correct.
func Validate(state *model.PlayerState, wordText string, k model.Keystroke) error {
	if len(state.Keystrokes) > 0 {
		prev := state.Keystrokes[len(state.Keystrokes)-1]
		if k.TimestampMs-prev.TimestampMs < MinInterKeystrokeMs {
			return ErrInvalidLatency
		}
	}

	if k.Char == model.BackspaceRune {
		applyBackspace(state, k)
		return nil
	}

	if k.CharIndex <= state.LastProcessedCharIndex && len(state.Keystrokes) > 0 {
		// Out-of-order / duplicate: silent accept, no state mutation.
		return nil
	}

	if state.StartedTypingAt == 0 {
		state.StartedTypingAt = k.TimestampMs
	}

	state.Keystrokes = append(state.Keystrokes, k)
	state.LastProcessedCharIndex = k.CharIndex
	state.CurrentCharIndex = k.CharIndex + 1
	state.CharsTyped++

	if k.CharIndex >= len(wordText) || rune(wordText[k.CharIndex]) != k.Char {
		state.Errors++
	}
	return nil
}

// IsClean reports whether a keystroke that was just accepted by Validate
// represents a cleanly typed character (as opposed to a backspace), the
// condition under which opponent-progress is propagated (spec.md §4.6.5).
func IsClean(k model.Keystroke) bool { return k.Char != model.BackspaceRune }

func applyBackspace(state *model.PlayerState, k model.Keystroke) {
	state.CurrentCharIndex = k.CharIndex
	if k.CharIndex-1 > state.LastProcessedCharIndex {
		return
	}
	state.LastProcessedCharIndex = k.CharIndex - 1
}

// Stats is the derived WPM/accuracy/score triple, rounded per spec.md §4.2.
type Stats struct {
	WPM      float64
	Accuracy float64
	Score    float64
}

// Compute derives WPM, accuracy and score from raw counters and elapsed
// wall-clock time. The same additive formula applies to bots, so
// cross-comparison between a human and a bot score is faithful.
func Compute(charsTyped, errorCount, wordsCompleted int, elapsedSeconds float64) Stats {
	elapsed := math.Max(0.1, elapsedSeconds)
	netWords := math.Max(0, float64(charsTyped-errorCount)/5)
	wpm := round1(netWords * 60 / elapsed)
	accuracy := round1(100 * float64(charsTyped-errorCount) / math.Max(1, float64(charsTyped)))
	score := round1(wpm*100 + accuracy*10 + float64(wordsCompleted)*5)
	return Stats{WPM: wpm, Accuracy: accuracy, Score: score}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// CheckFlags evaluates the observational flags in spec.md §4.2. The
// returned slice is empty when nothing is worth auditing.
func CheckFlags(playerID model.PlayerID, wpm float64, keystrokes []model.Keystroke) []Flag {
	var flags []Flag
	if wpm > MaxSaneWPM {
		flags = append(flags, Flag{PlayerID: playerID, Reason: "wpm_exceeds_sane_bound"})
	}
	if cv, ok := intervalCV(keystrokes); ok && cv < FlagLowJitterCV {
		flags = append(flags, Flag{PlayerID: playerID, Reason: "low_keystroke_jitter"})
	}
	return flags
}

func intervalCV(keystrokes []model.Keystroke) (float64, bool) {
	if len(keystrokes) < 3 {
		return 0, false
	}
	intervals := make([]float64, 0, len(keystrokes)-1)
	for i := 1; i < len(keystrokes); i++ {
		intervals = append(intervals, float64(keystrokes[i].TimestampMs-keystrokes[i-1].TimestampMs))
	}
	var sum float64
	for _, v := range intervals {
		sum += v
	}
	mean := sum / float64(len(intervals))
	if mean == 0 {
		return 0, false
	}
	var variance float64
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(intervals))
	stddev := math.Sqrt(variance)
	return stddev / mean, true
}
