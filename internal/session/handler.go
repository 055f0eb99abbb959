package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/typelo/raceserver/internal/match"
	"github.com/typelo/raceserver/internal/matchqueue"
	"github.com/typelo/raceserver/internal/model"
)

// IdentityProvider verifies a session-upgrade bearer token and returns
// the PlayerID it asserts, per spec.md §6.2's IdentityProvider.verify
// contract. The asserted PlayerID must equal whatever the caller
// already expects (e.g. a path parameter); Handler does not re-check
// this, callers performing the upgrade do.
type IdentityProvider interface {
	Verify(ctx context.Context, token string) (model.PlayerID, error)
}

// ProfileStore resolves the queueing-time snapshot of a player's
// profile (spec.md §6.2's UserStore.get), used to populate a
// QueueEntry without the client supplying its own Elo/cosmetics.
type ProfileStore interface {
	Profile(ctx context.Context, playerID model.PlayerID) (model.Profile, error)
}

// FriendGraph resolves a player's friend list (spec.md §6.2).
type FriendGraph interface {
	FriendsOf(ctx context.Context, playerID model.PlayerID) ([]model.PlayerID, error)
}

// Handler binds one Conn to the matchmaking and match-execution core.
// One Handler per connection; it outlives at most one queue enrolment
// and at most one in-progress match.
type Handler struct {
	conn        *Conn
	profiles    ProfileStore
	friends     FriendGraph
	coordinator *matchqueue.Coordinator
	orchestrator *match.Orchestrator
	logger      *slog.Logger

	queuedMode model.Mode
	inQueue    bool
	matchID    string
}

// NewHandler wires a freshly authenticated connection to the core.
func NewHandler(conn *Conn, profiles ProfileStore, friends FriendGraph, coordinator *matchqueue.Coordinator, orchestrator *match.Orchestrator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{conn: conn, profiles: profiles, friends: friends, coordinator: coordinator, orchestrator: orchestrator, logger: logger}
}

// Serve blocks reading frames from conn until it closes, dispatching
// each to the matchmaking or match core. It implements the disconnect
// side of spec.md §4.6.7a and §4.5 (leave queue / forfeit) on return.
func (h *Handler) Serve(ctx context.Context) {
	h.conn.OnClose(func() { h.handleClose(ctx) })
	for {
		frame, ok := h.conn.ReadFrame()
		if !ok {
			return
		}
		if frame.Type == "" {
			continue
		}
		h.dispatch(ctx, frame)
	}
}

func (h *Handler) dispatch(ctx context.Context, frame inboundFrame) {
	switch frame.Type {
	case TypeJoinQueue:
		h.joinQueue(ctx, model.ModeRanked)
	case TypeJoinTrainingQueue:
		h.joinQueue(ctx, model.ModeTraining)
	case TypeJoinFriendsQueue:
		h.joinQueue(ctx, model.ModeFriends)
	case TypeLeaveQueue:
		h.leaveQueue(ctx)
	case TypeKeystroke:
		h.keystroke(ctx, frame)
	case TypeWordComplete:
		h.wordComplete(ctx, frame)
	case TypePing:
		_ = h.conn.send(outboundFrame{Type: TypePong, ServerTimeMs: time.Now().UnixMilli()})
	default:
		_ = h.conn.send(outboundFrame{Type: TypeError, Code: ErrCodeMatchError, Message: "unknown message type"})
	}
}

func (h *Handler) joinQueue(ctx context.Context, mode model.Mode) {
	playerID := h.conn.PlayerID()
	profile, err := h.profiles.Profile(ctx, playerID)
	if err != nil {
		h.logger.Error("session: loading profile for queue entry", "player", playerID, "error", err)
		_ = h.conn.send(outboundFrame{Type: TypeError, Code: ErrCodeMatchError, Message: "could not load profile"})
		return
	}

	entry := model.QueueEntry{
		PlayerID:       playerID,
		Elo:            profile.EloRating,
		DisplayName:    profile.DisplayName,
		PhotoRef:       profile.PhotoRef,
		EquippedCursor: profile.EquippedCursor,
		EquippedEffect: profile.EquippedEffect,
		JoinedAt:       time.Now().Unix(),
	}

	if mode == model.ModeFriends {
		friendIDs, err := h.friends.FriendsOf(ctx, playerID)
		if err != nil {
			h.logger.Error("session: loading friend list", "player", playerID, "error", err)
			_ = h.conn.send(outboundFrame{Type: TypeError, Code: ErrCodeMatchError, Message: "could not load friend list"})
			return
		}
		if len(friendIDs) == 0 {
			_ = h.conn.send(outboundFrame{Type: TypeError, Code: ErrCodeNoFriends, Message: "friends queue requires at least one friend"})
			return
		}
		entry.FriendIDs = friendIDs
	}

	if err := h.coordinator.Enqueue(ctx, mode, entry, h.onPaired(mode)); err != nil {
		if errors.Is(err, matchqueue.ErrAlreadyQueued) {
			return
		}
		h.logger.Error("session: enqueue failed", "player", playerID, "mode", mode, "error", err)
		_ = h.conn.send(outboundFrame{Type: TypeError, Code: ErrCodeMatchError, Message: "could not join queue"})
		return
	}
	h.queuedMode = mode
	h.inQueue = true
}

func (h *Handler) leaveQueue(ctx context.Context) {
	if !h.inQueue {
		return
	}
	if err := h.coordinator.Dequeue(ctx, h.queuedMode, h.conn.PlayerID()); err != nil {
		h.logger.Warn("session: leave queue failed", "player", h.conn.PlayerID(), "error", err)
	}
	h.inQueue = false
}

// onPaired is the matchqueue.PairCallback this handler's own connection
// registered at Enqueue time: it turns a confirmed pairing into the
// MATCH_FOUND frame and registers this side's callbacks with the
// orchestrator.
func (h *Handler) onPaired(mode model.Mode) matchqueue.PairCallback {
	return func(ctx context.Context, pending model.PendingMatch) error {
		h.inQueue = false
		h.matchID = pending.MatchID

		self := pending.Player1
		opponent := pending.Player2
		if self.PlayerID != h.conn.PlayerID() {
			self, opponent = opponent, self
		}

		if err := h.orchestrator.RegisterCallbacks(pending.MatchID, h.conn.PlayerID(), match.SideCallbacks{
			OnGameStart:        h.onGameStart,
			OnOpponentProgress: h.onOpponentProgress,
			OnInvalidKeystroke: h.onInvalidKeystroke,
			OnGameEnd:          h.onGameEnd,
		}); err != nil {
			h.logger.Error("session: registering callbacks", "match", pending.MatchID, "error", err)
		}

		words, _ := h.orchestrator.Words(pending.MatchID)

		opponentPayload := &opponentPayload{
			PlayerID: opponent.PlayerID, DisplayName: opponent.DisplayName,
			IsBot: pending.IsBot, Elo: opponent.Elo, Rank: model.RankFor(opponent.Elo).String(),
			EquippedCursor: opponent.EquippedCursor, EquippedEffect: opponent.EquippedEffect,
		}
		if pending.IsBot {
			opponentPayload.PlayerID = "bot"
		}

		return h.conn.send(outboundFrame{
			Type: TypeMatchFound, MatchID: pending.MatchID,
			Opponent: opponentPayload, Words: words, Mode: mode.String(),
		})
	}
}

func (h *Handler) onGameStart(ctx context.Context, scheduledStartMs int64, durationSeconds int) error {
	return h.conn.send(outboundFrame{Type: TypeGameStart, ScheduledStartTimeMs: scheduledStartMs, DurationSeconds: durationSeconds})
}

func (h *Handler) onOpponentProgress(ctx context.Context, charIndex, wordIndex int) error {
	return h.conn.send(outboundFrame{Type: TypeOpponentProgress, OppCharIndex: charIndex, OppWordIndex: wordIndex})
}

func (h *Handler) onInvalidKeystroke(ctx context.Context, reason string) error {
	return h.conn.send(outboundFrame{Type: TypeError, Code: ErrCodeInvalidKeystroke, Message: reason})
}

func (h *Handler) onGameEnd(ctx context.Context, result model.MatchResult) error {
	h.matchID = ""
	return h.conn.send(outboundFrame{Type: TypeGameEnd, Result: matchResultToPayload(result)})
}

func (h *Handler) keystroke(ctx context.Context, frame inboundFrame) {
	if h.matchID == "" {
		return
	}
	var char rune
	if frame.Char != "" {
		char = []rune(frame.Char)[0]
	}
	k := model.Keystroke{Char: char, TimestampMs: frame.TimestampMs, CharIndex: frame.CharIndex}
	if err := h.orchestrator.HandleKeystroke(ctx, h.matchID, h.conn.PlayerID(), k); err != nil {
		h.logger.Warn("session: handling keystroke", "match", h.matchID, "player", h.conn.PlayerID(), "error", err)
	}
}

func (h *Handler) wordComplete(ctx context.Context, frame inboundFrame) {
	if h.matchID == "" {
		return
	}
	if err := h.orchestrator.HandleWordComplete(ctx, h.matchID, h.conn.PlayerID(), frame.WordIndex); err != nil {
		h.logger.Warn("session: handling word-complete", "match", h.matchID, "player", h.conn.PlayerID(), "error", err)
	}
}

// handleClose runs once, when the underlying connection closes for any
// reason: it leaves whichever queue the player was in and forfeits
// whichever match they were in (spec.md §4.6.7a).
func (h *Handler) handleClose(ctx context.Context) {
	playerID := h.conn.PlayerID()
	if h.inQueue {
		if err := h.coordinator.Dequeue(ctx, h.queuedMode, playerID); err != nil {
			h.logger.Warn("session: dequeue on disconnect failed", "player", playerID, "error", err)
		}
		h.inQueue = false
	}
	if h.matchID != "" {
		h.orchestrator.HandleDisconnect(ctx, h.matchID, playerID)
	}
}
