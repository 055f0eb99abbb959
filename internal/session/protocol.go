// Package session binds a connected WebSocket client to the matchmaking
// and match-execution core: it parses inbound JSON frames, dispatches
// them to MatchmakingCoordinator/MatchOrchestrator, and relays their
// callbacks back out as outbound frames over a per-connection write
// queue (spec.md §6.1, §9's GameStartSink/ProgressSink/EndSink seam).
package session

import "github.com/typelo/raceserver/internal/model"

// Inbound frame type strings (client → server), spec.md §6.1.
const (
	TypeJoinQueue        = "JOIN_QUEUE"
	TypeJoinTrainingQueue = "JOIN_TRAINING_QUEUE"
	TypeJoinFriendsQueue  = "JOIN_FRIENDS_QUEUE"
	TypeLeaveQueue        = "LEAVE_QUEUE"
	TypeKeystroke         = "KEYSTROKE"
	TypeWordComplete      = "WORD_COMPLETE"
	TypePing              = "PING"
)

// Outbound frame type strings (server → client), spec.md §6.1.
const (
	TypeQueueUpdate        = "QUEUE_UPDATE"
	TypeMatchFound         = "MATCH_FOUND"
	TypeGameStart          = "GAME_START"
	TypeOpponentProgress   = "OPPONENT_PROGRESS"
	TypeGameEnd            = "GAME_END"
	TypeError              = "ERROR"
	TypePong               = "PONG"
	TypePublicMatchStarted = "PUBLIC_MATCH_STARTED"
	TypePublicMatchEnded   = "PUBLIC_MATCH_ENDED"
	TypeOnlineCount        = "ONLINE_COUNT"
	TypeOnlineUsers        = "ONLINE_USERS"
)

// Error codes spec.md §6.1 names for the ERROR frame.
const (
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeInvalidKeystroke  = "INVALID_KEYSTROKE"
	ErrCodeMatchError        = "MATCH_ERROR"
	ErrCodeNoFriends         = "NO_FRIENDS"
)

// inboundFrame is the envelope every client→server message is decoded
// into first; Type selects which of the optional fields below apply.
type inboundFrame struct {
	Type string `json:"type"`

	Char        string `json:"char,omitempty"`
	TimestampMs int64  `json:"timestamp,omitempty"`
	CharIndex   int    `json:"char_index,omitempty"`
	WordIndex   int    `json:"word_index,omitempty"`
}

// outboundFrame is the envelope every server→client message is encoded
// from. Only the fields relevant to Type are populated.
type outboundFrame struct {
	Type string `json:"type"`

	// QUEUE_UPDATE
	Position int   `json:"position,omitempty"`
	Elapsed  int64 `json:"elapsed,omitempty"`

	// MATCH_FOUND
	MatchID  string           `json:"matchId,omitempty"`
	Opponent *opponentPayload `json:"opponent,omitempty"`
	Words    []string         `json:"words,omitempty"`
	Mode     string           `json:"mode,omitempty"`

	// GAME_START
	ScheduledStartTimeMs int64 `json:"scheduledStartTimeMs,omitempty"`
	DurationSeconds      int   `json:"durationSeconds,omitempty"`

	// OPPONENT_PROGRESS
	OppCharIndex int `json:"charIndex,omitempty"`
	OppWordIndex int `json:"wordIndex,omitempty"`

	// GAME_END
	Result *matchResultPayload `json:"result,omitempty"`

	// ERROR
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// PONG
	ServerTimeMs int64 `json:"serverTime,omitempty"`

	// ONLINE_COUNT
	Count int `json:"count,omitempty"`
}

type opponentPayload struct {
	PlayerID       model.PlayerID `json:"playerId"`
	DisplayName    string         `json:"displayName"`
	IsBot          bool           `json:"isBot"`
	Elo            int            `json:"elo"`
	Rank           string         `json:"rank"`
	EquippedCursor string         `json:"equippedCursor,omitempty"`
	EquippedEffect string         `json:"equippedEffect,omitempty"`
}

type coinBreakdownPayload struct {
	Base             int `json:"base"`
	RankBonus        int `json:"rankBonus"`
	LeaderboardBonus int `json:"leaderboardBonus"`
	Total            int `json:"total"`
}

type matchResultPayload struct {
	MatchID   string          `json:"matchId"`
	Mode      string          `json:"mode"`
	WPM       float64         `json:"wpm"`
	Accuracy  float64         `json:"accuracy"`
	Score     float64         `json:"score"`
	EloBefore int             `json:"eloBefore"`
	EloAfter  int             `json:"eloAfter"`
	EloChange int             `json:"eloChange"`
	Outcome   string          `json:"outcome"`
	ForfeitBy model.PlayerID  `json:"forfeitBy,omitempty"`
	Opponent  opponentSummary `json:"opponent"`
	Coins     coinBreakdownPayload `json:"coins"`
}

type opponentSummary struct {
	PlayerID    model.PlayerID `json:"playerId"`
	DisplayName string         `json:"displayName,omitempty"`
	IsBot       bool           `json:"isBot"`
	WPM         float64        `json:"wpm"`
	Accuracy    float64        `json:"accuracy"`
	Score       float64        `json:"score"`
}

func matchResultToPayload(r model.MatchResult) *matchResultPayload {
	return &matchResultPayload{
		MatchID: r.MatchID, Mode: r.Mode.String(),
		WPM: r.WPM, Accuracy: r.Accuracy, Score: r.Score,
		EloBefore: r.EloBefore, EloAfter: r.EloAfter, EloChange: r.EloChange,
		Outcome: r.Outcome.String(), ForfeitBy: r.ForfeitBy,
		Opponent: opponentSummary{
			PlayerID: r.Opponent.PlayerID, DisplayName: r.Opponent.DisplayName, IsBot: r.Opponent.IsBot,
			WPM: r.Opponent.WPM, Accuracy: r.Opponent.Accuracy, Score: r.Opponent.Score,
		},
		Coins: coinBreakdownPayload{
			Base: r.Coins.Base, RankBonus: r.Coins.RankBonus,
			LeaderboardBonus: r.Coins.LeaderboardBonus, Total: r.Coins.Total,
		},
	}
}
