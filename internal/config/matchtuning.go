package config

import (
	"time"
)

// ModeTuning overrides one mode's matchqueue.ModeConfig values, the way
// the teacher's Rates/EnchantConfig/PvPConfig let an operator tune one
// subsystem without touching the rest of GameServer.
type ModeTuning struct {
	BotFallbackTimeout time.Duration `yaml:"bot_fallback_timeout"`
	AllowBotFallback   bool          `yaml:"allow_bot_fallback"`
}

// MatchmakingConfig holds operator-tunable knobs for matchmaking and
// match execution that spec.md §6.3 leaves as implementation defaults
// rather than fixed constants (the Elo/coin/scoring constants themselves
// stay as package constants in internal/rating and internal/matchqueue,
// unchanged per spec.md §6.3 and not exposed here).
type MatchmakingConfig struct {
	// Per-mode overrides of matchqueue.DefaultModeConfigs; a mode absent
	// here keeps its spec.md §4.5 default.
	Ranked   *ModeTuning `yaml:"ranked,omitempty"`
	Training *ModeTuning `yaml:"training,omitempty"`

	// internal/match.Orchestrator operational limits.
	MaxActiveSessions           int           `yaml:"max_active_sessions"`            // default: 1024
	CallbackRegistrationTimeout time.Duration `yaml:"callback_registration_timeout"`  // default: 15s
	ScheduledStartDelay         time.Duration `yaml:"scheduled_start_delay"`          // default: 5s
	GameStartRetries            int           `yaml:"game_start_retries"`             // default: 3
	GameEndRetries               int           `yaml:"game_end_retries"`               // default: 3
}

// DefaultMatchmaking returns MatchmakingConfig with the values the
// orchestrator and coordinator already use as package-level defaults.
func DefaultMatchmaking() MatchmakingConfig {
	return MatchmakingConfig{
		MaxActiveSessions:           1024,
		CallbackRegistrationTimeout: 15 * time.Second,
		ScheduledStartDelay:         5 * time.Second,
		GameStartRetries:            3,
		GameEndRetries:              3,
	}
}
