// Package match implements MatchOrchestrator (C6): it owns every
// MatchSession from creation through settlement, running the
// preparing/waiting/active/finished state machine spec.md §4.6 describes.
package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/typelo/raceserver/internal/anticheat"
	"github.com/typelo/raceserver/internal/bot"
	"github.com/typelo/raceserver/internal/model"
	"github.com/typelo/raceserver/internal/words"
)

// ErrSessionNotFound is returned when an operation names an unknown
// match ID.
var ErrSessionNotFound = errors.New("match: session not found")

// ErrNotParticipant is returned when playerID is not a side of the named
// session.
var ErrNotParticipant = errors.New("match: player is not a participant in this session")

// These are vars, not consts, so tests can shrink them instead of
// sleeping through the real 15s/5s windows spec.md specifies, and so
// SetTunables can adjust them once at process startup from config.
var (
	maxActiveSessions = 1024

	callbackRegistrationTimeout = 15 * time.Second
	callbackPollInterval        = 200 * time.Millisecond
	scheduledStartDelay         = 5 * time.Second

	gameStartRetries = 3
	gameStartTimeout = 3 * time.Second
	gameEndRetries   = 3
	gameEndTimeout   = 5 * time.Second
)

// Tunables holds the operational timings and limits an operator may
// override at process startup (spec.md §6.3's constants stay fixed;
// these are implementation-level defaults, not spec-normative values).
type Tunables struct {
	MaxActiveSessions           int
	CallbackRegistrationTimeout time.Duration
	ScheduledStartDelay         time.Duration
	GameStartRetries            int
	GameEndRetries              int
}

// SetTunables overrides the package's operational defaults. Zero fields
// in t leave the corresponding default untouched. Call once at startup,
// before any session is created; it is not safe to call concurrently
// with match traffic.
func SetTunables(t Tunables) {
	if t.MaxActiveSessions > 0 {
		maxActiveSessions = t.MaxActiveSessions
	}
	if t.CallbackRegistrationTimeout > 0 {
		callbackRegistrationTimeout = t.CallbackRegistrationTimeout
	}
	if t.ScheduledStartDelay > 0 {
		scheduledStartDelay = t.ScheduledStartDelay
	}
	if t.GameStartRetries > 0 {
		gameStartRetries = t.GameStartRetries
	}
	if t.GameEndRetries > 0 {
		gameEndRetries = t.GameEndRetries
	}
}

// Orchestrator is the process-wide MatchOrchestrator. One instance per
// replica; a session lives only on the replica that created it, the way
// olympiad.Manager's games map is local to its process.
type Orchestrator struct {
	creationMu sync.Mutex
	mu         sync.Mutex
	byMatchID  map[string]*MatchSession
	byPlayerID map[model.PlayerID]*MatchSession
	created    []string // insertion order, for the bounded eviction below

	wordSource  *words.Source
	duration    time.Duration
	userStore   UserStore
	matchStore  MatchStore
	audit       AuditSink
	leaderboard LeaderboardQuery
	coordinator QueueCoordinator
	logger      *slog.Logger
}

// New builds an Orchestrator. duration is the race length applied to
// every session (spec.md leaves this a server-side constant per mode;
// callers that want per-mode durations can wrap New per mode).
func New(wordSource *words.Source, duration time.Duration, userStore UserStore, matchStore MatchStore, audit AuditSink, leaderboard LeaderboardQuery, coordinator QueueCoordinator, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		byMatchID:   make(map[string]*MatchSession),
		byPlayerID:  make(map[model.PlayerID]*MatchSession),
		wordSource:  wordSource,
		duration:    duration,
		userStore:   userStore,
		matchStore:  matchStore,
		audit:       audit,
		leaderboard: leaderboard,
		coordinator: coordinator,
		logger:      logger,
	}
}

// SetCoordinator binds the QueueCoordinator after construction, for
// callers that must build the Orchestrator and the MatchmakingCoordinator
// in either order: the coordinator needs the Orchestrator as its
// MatchStarter, and the Orchestrator needs the coordinator for
// settlement's cleanupAfterMatch step. Call once at startup.
func (o *Orchestrator) SetCoordinator(coordinator QueueCoordinator) {
	o.coordinator = coordinator
}

// CreateSession implements spec.md §4.6.1. It is idempotent on MatchID.
func (o *Orchestrator) CreateSession(ctx context.Context, pending model.PendingMatch) error {
	o.creationMu.Lock()
	defer o.creationMu.Unlock()

	if _, exists := o.getByMatchID(pending.MatchID); exists {
		return nil
	}

	wordList := o.wordSource.Generate()
	wordText := words.JoinWords(wordList)

	session := &MatchSession{
		matchID:  pending.MatchID,
		mode:     pending.Mode,
		words:    wordList,
		wordText: wordText,
		duration: o.duration,
		state:    statePreparing,
		createdAt: time.Now(),
	}

	session.player1 = &sidePlayer{
		playerID: pending.Player1.PlayerID,
		elo:      pending.Player1.Elo,
		state: &model.PlayerState{
			PlayerID:               pending.Player1.PlayerID,
			Rank:                   model.RankFor(pending.Player1.Elo),
			LastProcessedCharIndex: -1,
		},
	}

	if pending.IsBot {
		session.isBot = true
		avgWPM, err := o.userStore.AvgWPM(ctx, pending.Player1.PlayerID)
		if err != nil {
			o.logger.Warn("match: reading avg WPM for bot config, falling back to Elo tier", "player", pending.Player1.PlayerID, "error", err)
			avgWPM = 0
		}
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		cfg := bot.ConfigFromPlayerStats(rng, pending.Player1.Elo, avgWPM)
		plan := bot.Plan(rng, cfg, wordList)
		session.botState = &model.PlayerState{PlayerID: "bot", IsBot: true, LastProcessedCharIndex: -1}
		session.botRunner = bot.NewRunner(plan)
	} else {
		session.player2 = &sidePlayer{
			playerID: pending.Player2.PlayerID,
			elo:      pending.Player2.Elo,
			state: &model.PlayerState{
				PlayerID:               pending.Player2.PlayerID,
				Rank:                   model.RankFor(pending.Player2.Elo),
				LastProcessedCharIndex: -1,
			},
		}
	}

	o.mu.Lock()
	o.byMatchID[pending.MatchID] = session
	o.byPlayerID[session.player1.playerID] = session
	if session.player2 != nil {
		o.byPlayerID[session.player2.playerID] = session
	}
	o.created = append(o.created, pending.MatchID)
	o.evictOldestFinishedLocked()
	o.mu.Unlock()

	return nil
}

// evictOldestFinishedLocked bounds session-map growth (spec.md §5
// resource bounds: "pending-matches map capped... evict oldest on
// overflow"). Only already-finished sessions are evicted; an active
// session is never dropped out from under its players.
func (o *Orchestrator) evictOldestFinishedLocked() {
	if len(o.created) <= maxActiveSessions {
		return
	}
	for i, id := range o.created {
		session, ok := o.byMatchID[id]
		if !ok || session.finished.Load() {
			o.removeSessionLocked(id)
			o.created = append(o.created[:i], o.created[i+1:]...)
			return
		}
	}
}

func (o *Orchestrator) removeSessionLocked(matchID string) {
	session, ok := o.byMatchID[matchID]
	if !ok {
		return
	}
	delete(o.byMatchID, matchID)
	if session.player1 != nil {
		delete(o.byPlayerID, session.player1.playerID)
	}
	if session.player2 != nil {
		delete(o.byPlayerID, session.player2.playerID)
	}
}

// Words returns the challenge word list generated for matchID, so the
// transport layer can include it in its MATCH_FOUND notice (spec.md
// §6.1) without the orchestrator depending on that wire format itself.
func (o *Orchestrator) Words(matchID string) ([]string, bool) {
	session, ok := o.getByMatchID(matchID)
	if !ok {
		return nil, false
	}
	return session.words, true
}

func (o *Orchestrator) getByMatchID(matchID string) (*MatchSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.byMatchID[matchID]
	return s, ok
}

// RegisterCallbacks implements spec.md §4.6.2: a connected side attaches
// its three notification callbacks after the session already exists.
func (o *Orchestrator) RegisterCallbacks(matchID string, playerID model.PlayerID, cb SideCallbacks) error {
	session, ok := o.getByMatchID(matchID)
	if !ok {
		return ErrSessionNotFound
	}
	side := session.sideFor(playerID)
	if side == nil {
		return ErrNotParticipant
	}
	side.connected.Store(true)
	side.setCallbacks(cb)
	return nil
}

// Start implements spec.md §4.6.3's synchronized-start protocol. It is
// guarded so concurrent callers do no duplicate work.
func (o *Orchestrator) Start(ctx context.Context, matchID string) error {
	session, ok := o.getByMatchID(matchID)
	if !ok {
		return ErrSessionNotFound
	}
	if !session.starting.CompareAndSwap(false, true) {
		return nil
	}

	if !session.isBot {
		if !o.awaitCallbackRegistration(ctx, session) {
			return nil // forfeited inside awaitCallbackRegistration
		}
	}

	now := time.Now()
	session.mu.Lock()
	session.startedAt = now
	session.scheduledStartAt = now.Add(scheduledStartDelay)
	session.state = stateWaiting
	session.mu.Unlock()

	o.notifyGameStart(ctx, session)
	go o.activateAfterScheduledStart(session)
	return nil
}

// awaitCallbackRegistration polls for up to 15s for both human sides to
// register callbacks. It returns false (and has already forfeited the
// session) if the window elapses without full registration.
func (o *Orchestrator) awaitCallbackRegistration(ctx context.Context, session *MatchSession) bool {
	deadline := time.Now().Add(callbackRegistrationTimeout)
	ticker := time.NewTicker(callbackPollInterval)
	defer ticker.Stop()

	for {
		total, registered := session.registeredSides()
		if registered == total {
			return true
		}
		if time.Now().After(deadline) {
			o.forfeitOnStartTimeout(ctx, session)
			return false
		}
		select {
		case <-ctx.Done():
			o.forfeitOnStartTimeout(ctx, session)
			return false
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) forfeitOnStartTimeout(ctx context.Context, session *MatchSession) {
	var failed []model.PlayerID
	for _, side := range []*sidePlayer{session.player1, session.player2} {
		if side != nil && !side.registered.Load() {
			failed = append(failed, side.playerID)
		}
	}
	o.Forfeit(ctx, session.matchID, failed...)
}

func (o *Orchestrator) notifyGameStart(ctx context.Context, session *MatchSession) {
	scheduledMs := session.scheduledStartAt.UnixMilli()
	durationSeconds := int(session.duration / time.Second)

	for _, side := range []*sidePlayer{session.player1, session.player2} {
		if side == nil || !side.registered.Load() {
			continue
		}
		side := side
		go func() {
			cb := side.getCallbacks()
			if cb.OnGameStart == nil {
				return
			}
			backoff, _ := retry.NewConstant(gameStartTimeout)
			backoff = retry.WithMaxRetries(uint64(gameStartRetries-1), backoff)
			err := retry.Do(ctx, backoff, func(ctx context.Context) error {
				deliverCtx, cancel := context.WithTimeout(ctx, gameStartTimeout)
				defer cancel()
				if err := cb.OnGameStart(deliverCtx, scheduledMs, durationSeconds); err != nil {
					return retry.RetryableError(err)
				}
				return nil
			})
			if err != nil {
				o.logger.Error("match: delivering game-start notice", "match", session.matchID, "player", side.playerID, "error", err)
			}
		}()
	}
}

// activateAfterScheduledStart waits out the 5s synchronized-start delay,
// then flips the session active and spawns its bot and duration-timer
// tasks.
func (o *Orchestrator) activateAfterScheduledStart(session *MatchSession) {
	timer := time.NewTimer(scheduledStartDelay)
	defer timer.Stop()
	<-timer.C

	session.mu.Lock()
	if session.state != stateWaiting {
		session.mu.Unlock()
		return
	}
	session.state = stateActive
	session.mu.Unlock()

	ctx := context.Background()
	if session.isBot {
		go o.runBot(ctx, session)
	}
	go o.runDurationTimer(ctx, session)
}

func (o *Orchestrator) runBot(ctx context.Context, session *MatchSession) {
	session.botRunner.Run(ctx, session.botState, session.duration, func(charIndex, wordIndex int) {
		o.propagateProgress(ctx, session.player1, charIndex, wordIndex)
	})
	if session.botState.WordsCompleted >= len(session.words) {
		o.EndGame(ctx, session.matchID, "bot-finished")
	}
}

func (o *Orchestrator) runDurationTimer(ctx context.Context, session *MatchSession) {
	timer := time.NewTimer(session.duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	if st := session.State(); st == stateActive || st == stateWaiting {
		o.EndGame(ctx, session.matchID, "duration-elapsed")
	}
}

func (o *Orchestrator) propagateProgress(ctx context.Context, target *sidePlayer, charIndex, wordIndex int) {
	if target == nil || !target.registered.Load() {
		return
	}
	cb := target.getCallbacks()
	if cb.OnOpponentProgress == nil {
		return
	}
	if err := cb.OnOpponentProgress(ctx, charIndex, wordIndex); err != nil {
		o.logger.Warn("match: delivering opponent progress", "player", target.playerID, "error", err)
	}
}

// HandleKeystroke implements spec.md §4.6.5.
func (o *Orchestrator) HandleKeystroke(ctx context.Context, matchID string, playerID model.PlayerID, k model.Keystroke) error {
	session, ok := o.getByMatchID(matchID)
	if !ok {
		return ErrSessionNotFound
	}
	side := session.sideFor(playerID)
	if side == nil {
		return ErrNotParticipant
	}

	st := session.State()
	if st == statePreparing && side.registered.Load() {
		session.setState(stateWaiting)
		st = stateWaiting
	}
	if st == stateWaiting {
		o.notifyInvalid(ctx, side, "match has not started yet")
		return nil
	}
	if st != stateActive {
		o.notifyInvalid(ctx, side, "match is not active")
		return nil
	}

	if err := anticheat.Validate(side.state, session.wordText, k); err != nil {
		o.notifyInvalid(ctx, side, err.Error())
		return nil
	}

	if anticheat.IsClean(k) {
		o.propagateProgress(ctx, session.opponentOf(playerID), side.state.CurrentCharIndex, side.state.CurrentWordIndex)
	}

	if side.state.WordsCompleted >= len(session.words) {
		go o.EndGame(context.Background(), matchID, "player-finished")
	}
	return nil
}

func (o *Orchestrator) notifyInvalid(ctx context.Context, side *sidePlayer, reason string) {
	if !side.registered.Load() {
		return
	}
	cb := side.getCallbacks()
	if cb.OnInvalidKeystroke == nil {
		return
	}
	if err := cb.OnInvalidKeystroke(ctx, reason); err != nil {
		o.logger.Warn("match: delivering invalid-keystroke notice", "player", side.playerID, "error", err)
	}
}

// HandleWordComplete implements the word-boundary half of spec.md
// §4.6.5: it validates monotonicity and, on the final word, triggers
// immediate settlement.
func (o *Orchestrator) HandleWordComplete(ctx context.Context, matchID string, playerID model.PlayerID, wordIndex int) error {
	session, ok := o.getByMatchID(matchID)
	if !ok {
		return ErrSessionNotFound
	}
	side := session.sideFor(playerID)
	if side == nil {
		return ErrNotParticipant
	}
	if session.State() != stateActive {
		return nil
	}

	if wordIndex < 0 || wordIndex >= len(session.words) || wordIndex != side.state.WordsCompleted {
		return fmt.Errorf("match: word index %d out of order (have completed %d of %d)", wordIndex, side.state.WordsCompleted, len(session.words))
	}
	side.state.WordsCompleted = wordIndex + 1

	if side.state.WordsCompleted >= len(session.words) {
		go o.EndGame(context.Background(), matchID, "player-finished")
	}
	return nil
}

// Cancel triggers an explicit-cancel forfeit (spec.md §4.6.7c).
func (o *Orchestrator) Cancel(ctx context.Context, matchID string, playerID model.PlayerID) error {
	if _, ok := o.getByMatchID(matchID); !ok {
		return ErrSessionNotFound
	}
	o.Forfeit(ctx, matchID, playerID)
	return nil
}

// HandleDisconnect triggers a connection-loss forfeit (spec.md §4.6.7a).
func (o *Orchestrator) HandleDisconnect(ctx context.Context, matchID string, playerID model.PlayerID) {
	session, ok := o.getByMatchID(matchID)
	if !ok {
		return
	}
	if side := session.sideFor(playerID); side != nil {
		side.connected.Store(false)
	}
	st := session.State()
	if st == statePreparing || st == stateWaiting || st == stateActive {
		o.Forfeit(ctx, matchID, playerID)
	}
}
