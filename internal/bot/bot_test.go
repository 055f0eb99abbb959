package bot

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/typelo/raceserver/internal/model"
)

func TestConfigFromPlayerStatsUsesAvgWPM(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cfg := ConfigFromPlayerStats(rng, 1500, 60)
	if cfg.TargetWPM < 50 || cfg.TargetWPM > 75 {
		t.Fatalf("TargetWPM = %d, want near player's 60 avg", cfg.TargetWPM)
	}
}

func TestConfigFromPlayerStatsRankerModeIsAlwaysFaster(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 20; i++ {
		cfg := ConfigFromPlayerStats(rng, 3500, 60)
		if cfg.TargetWPM <= 60 {
			t.Fatalf("ranker-mode bot TargetWPM = %d, want > player avg 60", cfg.TargetWPM)
		}
	}
}

func TestConfigFromPlayerStatsCapsBurstAndCorrection(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	cfg := ConfigFromPlayerStats(rng, 9999, 200)
	if cfg.BurstProbability > BurstProbabilityCap {
		t.Fatalf("BurstProbability = %v, exceeds cap %v", cfg.BurstProbability, BurstProbabilityCap)
	}
	if cfg.CorrectionSpeed > CorrectionSpeedCap {
		t.Fatalf("CorrectionSpeed = %v, exceeds cap %v", cfg.CorrectionSpeed, CorrectionSpeedCap)
	}
}

func TestConfigFromPlayerStatsFallsBackToEloTiers(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	cfg := ConfigFromPlayerStats(rng, 500, 0)
	if cfg.TargetWPM != 15 {
		t.Fatalf("TargetWPM = %d, want 15 for unranked fallback tier", cfg.TargetWPM)
	}
}

func TestPlanDeterministicGivenSeed(t *testing.T) {
	cfg := ConfigFromPlayerStats(rand.New(rand.NewSource(42)), 1500, 60)
	words := []string{"the", "quick"}

	p1 := Plan(rand.New(rand.NewSource(7)), cfg, words)
	p2 := Plan(rand.New(rand.NewSource(7)), cfg, words)

	if len(p1) != len(p2) {
		t.Fatalf("plan lengths differ: %d vs %d", len(p1), len(p2))
	}
	for i := range p1 {
		if p1[i] != p2[i] {
			t.Fatalf("action %d differs: %+v vs %+v", i, p1[i], p2[i])
		}
	}
}

func TestPlanNeverBelowMinDelay(t *testing.T) {
	cfg := Config{TargetWPM: 200, Accuracy: 0.5, Variance: 5.0, CorrectionSpeed: 1.6, BurstProbability: 0.85}
	rng := rand.New(rand.NewSource(5))
	plan := Plan(rng, cfg, []string{"extraordinary"})
	for _, a := range plan {
		if a.Type == ActionTypeType || a.Type == ActionTypePress {
			if a.Delay < minKeystrokeDelay {
				t.Fatalf("action delay %v below floor %v", a.Delay, minKeystrokeDelay)
			}
		}
	}
}

func TestRunnerReportsOnlyCleanTypeActions(t *testing.T) {
	cfg := Config{TargetWPM: 600, Accuracy: 0.0, Variance: 0.0, CorrectionSpeed: 1.2, BurstProbability: 0}
	rng := rand.New(rand.NewSource(9))
	plan := Plan(rng, cfg, []string{"ab"})
	for i := range plan {
		plan[i].Delay = time.Millisecond
	}

	state := &model.PlayerState{LastProcessedCharIndex: -1}
	var progressCalls int
	NewRunner(plan).Run(context.Background(), state, time.Second, func(charIndex, wordIndex int) {
		progressCalls++
	})

	if state.CharsTyped == 0 {
		t.Fatalf("expected bot to type something")
	}
	if progressCalls != state.CharsTyped {
		t.Fatalf("progressCalls = %d, want one per typed char (%d)", progressCalls, state.CharsTyped)
	}
}

func TestRunnerStopIsIdempotentAndHalts(t *testing.T) {
	plan := []Action{
		{Type: ActionTypeType, Char: 'a', Delay: 50 * time.Millisecond},
		{Type: ActionTypeType, Char: 'b', Delay: 50 * time.Millisecond},
	}
	r := NewRunner(plan)
	r.Stop()
	r.Stop()

	state := &model.PlayerState{LastProcessedCharIndex: -1}
	r.Run(context.Background(), state, time.Second, nil)
	if state.CharsTyped != 0 {
		t.Fatalf("stopped runner must not execute, CharsTyped = %d", state.CharsTyped)
	}
}

func TestRunnerRespectsContextCancellation(t *testing.T) {
	plan := []Action{
		{Type: ActionTypeType, Char: 'a', Delay: time.Hour},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state := &model.PlayerState{LastProcessedCharIndex: -1}
	done := make(chan struct{})
	go func() {
		NewRunner(plan).Run(ctx, state, time.Hour, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return promptly after context cancellation")
	}
}
