package bot

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/typelo/raceserver/internal/model"
)

// ProgressFunc is called once per cleanly typed character or completed
// word, mirroring MatchOrchestrator's onOpponentProgress contract.
type ProgressFunc func(charIndex, wordIndex int)

// Runner drains a Plan against a wall clock, mutating a PlayerState as it
// goes. It never reports PRESS/BACKSPACE correction steps to onProgress —
// the opponent only sees the bot pause while correcting, then continue
// (spec.md §4.4).
type Runner struct {
	plan    []Action
	stopped atomic.Bool
}

// NewRunner wraps a pre-computed plan for execution.
func NewRunner(plan []Action) *Runner {
	return &Runner{plan: plan}
}

// Run executes the plan against state until duration elapses, the plan is
// exhausted, the context is cancelled, or Stop is called. It terminates by
// duration at the latest, per spec.md §4.4's run contract.
func (r *Runner) Run(ctx context.Context, state *model.PlayerState, duration time.Duration, onProgress ProgressFunc) {
	deadline := time.Now().Add(duration)
	deadlineTimer := time.NewTimer(duration)
	defer deadlineTimer.Stop()

	for _, action := range r.plan {
		if r.stopped.Load() || ctx.Err() != nil {
			return
		}
		if time.Now().After(deadline) {
			return
		}

		timer := time.NewTimer(action.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-deadlineTimer.C:
			timer.Stop()
			return
		case <-timer.C:
		}
		if r.stopped.Load() {
			return
		}

		switch action.Type {
		case ActionTypeWait, ActionTypeBackspace:
			// Time already spent sleeping above; no state change.
		case ActionTypePress:
			state.Errors++
		case ActionTypeType:
			if action.Char == ' ' {
				state.WordsCompleted++
				state.CurrentWordIndex++
				state.CurrentCharIndex = 0
			} else {
				state.CurrentCharIndex++
			}
			state.CharsTyped++
			if onProgress != nil {
				onProgress(state.CurrentCharIndex, state.CurrentWordIndex)
			}
		}
	}
}

// Stop idempotently halts the runner; subsequent Run calls no-op.
func (r *Runner) Stop() {
	r.stopped.Store(true)
}
