package match

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/typelo/raceserver/internal/bot"
	"github.com/typelo/raceserver/internal/model"
)

// sessionState is MatchSession's position in the state machine described
// by spec.md §4.6.8. Terminal state finished is absorbing.
type sessionState int32

const (
	statePreparing sessionState = iota
	stateWaiting
	stateActive
	stateFinished
)

// sidePlayer is one human side of a session: its typing state plus the
// callbacks it has registered and whether it is still connected.
type sidePlayer struct {
	playerID  model.PlayerID
	elo       int
	state     *model.PlayerState
	connected atomic.Bool

	callbacksMu sync.RWMutex
	callbacks   SideCallbacks
	registered  atomic.Bool
}

func (s *sidePlayer) setCallbacks(cb SideCallbacks) {
	s.callbacksMu.Lock()
	s.callbacks = cb
	s.callbacksMu.Unlock()
	s.registered.Store(true)
}

func (s *sidePlayer) getCallbacks() SideCallbacks {
	s.callbacksMu.RLock()
	defer s.callbacksMu.RUnlock()
	return s.callbacks
}

// MatchSession owns one race from creation to settlement. Single
// authoritative writer: all mutation happens under mu, the way
// olympiad.Game confines participant mutation behind its own lock.
type MatchSession struct {
	matchID string
	mode    model.Mode
	words   []string
	wordText string
	duration time.Duration

	mu        sync.Mutex
	state     sessionState
	createdAt time.Time
	startedAt time.Time
	scheduledStartAt time.Time
	endedAt   time.Time

	player1 *sidePlayer
	player2 *sidePlayer // nil when isBot

	isBot    bool
	botState *model.PlayerState
	botRunner *bot.Runner

	// starting and finished mirror olympiad.Game's atomic.Bool guards:
	// Start and settlement (EndGame or Forfeit) must each do their work exactly once even when
	// called concurrently from multiple goroutines (duration timer,
	// early-finish, forfeit, explicit cancel can all race to settle).
	starting atomic.Bool
	finished atomic.Bool

	cancel func()
}

func (s *MatchSession) State() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *MatchSession) setState(st sessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// sideFor returns the sidePlayer for playerID, or nil if it is not a
// human participant of this session.
func (s *MatchSession) sideFor(playerID model.PlayerID) *sidePlayer {
	if s.player1 != nil && s.player1.playerID == playerID {
		return s.player1
	}
	if s.player2 != nil && s.player2.playerID == playerID {
		return s.player2
	}
	return nil
}

func (s *MatchSession) opponentOf(playerID model.PlayerID) *sidePlayer {
	if s.player1 != nil && s.player1.playerID == playerID {
		return s.player2
	}
	if s.player2 != nil && s.player2.playerID == playerID {
		return s.player1
	}
	return nil
}

// registeredSides counts the session's human sides and how many of them
// have registered their callbacks (spec.md §4.6.3's precondition for
// start is that the two counts are equal).
func (s *MatchSession) registeredSides() (total, registered int) {
	for _, side := range []*sidePlayer{s.player1, s.player2} {
		if side == nil {
			continue
		}
		total++
		if side.registered.Load() {
			registered++
		}
	}
	return total, registered
}
