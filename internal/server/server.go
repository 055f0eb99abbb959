// Package server wires the race server's collaborators together and
// runs its long-lived goroutines under one errgroup, the way the
// teacher's cmd/gameserver/main.go wires repositories/managers and runs
// them with golang.org/x/sync/errgroup.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/typelo/raceserver/internal/config"
	"github.com/typelo/raceserver/internal/identity"
	"github.com/typelo/raceserver/internal/match"
	"github.com/typelo/raceserver/internal/matchqueue"
	"github.com/typelo/raceserver/internal/model"
	"github.com/typelo/raceserver/internal/queuestore"
	"github.com/typelo/raceserver/internal/session"
	"github.com/typelo/raceserver/internal/store"
	"github.com/typelo/raceserver/internal/words"
)

// matchDuration is spec.md §6.3's normative fixed match duration.
const matchDuration = 30 * time.Second

// Server owns every long-lived component of one race server process:
// the Postgres store, the queue backend, the matchmaking coordinator,
// the match orchestrator, and the HTTP/WebSocket listener.
type Server struct {
	http *http.Server
	db   *store.Store
}

// New connects to Postgres, builds the queue backend, and wires every
// collaborator spec.md §6.2 names into a ready-to-run Server. It does
// not start listening; call Run for that.
func New(ctx context.Context, cfg config.RaceServer, logger *slog.Logger) (*Server, error) {
	applyMatchmakingTuning(cfg.Matchmaking)

	db, err := store.New(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	queueStore, err := newQueueStore(cfg.Queue)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("building queue store: %w", err)
	}

	userStore := store.NewUserStore(db)
	matchStore := store.NewMatchStore(db)
	auditSink := store.NewAuditSink(db, logger, nil)
	friendGraph := store.NewFriendGraph(db)
	leaderboard := store.NewLeaderboardQuery(db)
	verifier := identity.NewVerifier([]byte(cfg.JWTSecret))
	wordSource := words.NewSource()

	// The Orchestrator and the Coordinator each need the other (the
	// Coordinator calls back into the Orchestrator as its MatchStarter;
	// the Orchestrator calls back into the Coordinator to release
	// matched-set membership at settlement), so the Orchestrator is
	// built first with coordinator left nil and bound afterward.
	orchestrator := match.New(wordSource, matchDuration, userStore, matchStore, auditSink, leaderboard, nil, logger)

	modeConfigs := modeConfigsFrom(cfg.Matchmaking)
	coordinator := matchqueue.New(queueStore, orchestrator, logger, modeConfigs)
	orchestrator.SetCoordinator(coordinator)

	wsServer := session.NewServer(verifier, userStore, friendGraph, coordinator, orchestrator, cfg.Session.AllowedOrigins, logger)

	httpServer := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler:     wsServer,
		ReadTimeout: 15 * time.Second,
		// WebSocket connections are long-lived; per-write deadlines are
		// enforced per-frame in internal/session instead.
		WriteTimeout: 0,
	}

	return &Server{http: httpServer, db: db}, nil
}

// Run starts the HTTP listener, blocking until ctx is cancelled or a
// fatal error occurs. Mirrors the teacher's
// errgroup.WithContext(ctx) + g.Go(...) + g.Wait() shape in
// cmd/gameserver/main.go.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("race server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close releases the database connection pool.
func (s *Server) Close() {
	s.db.Close()
}

func newQueueStore(cfg config.QueueStoreConfig) (queuestore.Store, error) {
	switch cfg.Backend {
	case "memory":
		return queuestore.NewMemory(), nil
	case "redis", "":
		client := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
		return queuestore.NewRedis(client), nil
	default:
		return nil, fmt.Errorf("unknown queue store backend %q", cfg.Backend)
	}
}

// applyMatchmakingTuning overrides internal/match's package-level
// timing vars the way the test suite's shrinkTimings does, letting an
// operator tune them from YAML instead of a code change.
func applyMatchmakingTuning(cfg config.MatchmakingConfig) {
	match.SetTunables(match.Tunables{
		MaxActiveSessions:           cfg.MaxActiveSessions,
		CallbackRegistrationTimeout: cfg.CallbackRegistrationTimeout,
		ScheduledStartDelay:         cfg.ScheduledStartDelay,
		GameStartRetries:            cfg.GameStartRetries,
		GameEndRetries:              cfg.GameEndRetries,
	})
}

// modeConfigsFrom starts from matchqueue.DefaultModeConfigs and applies
// any per-mode overrides present in cfg, leaving modes the operator
// didn't mention at their spec.md §4.5 default.
func modeConfigsFrom(cfg config.MatchmakingConfig) map[model.Mode]matchqueue.ModeConfig {
	configs := matchqueue.DefaultModeConfigs()
	if cfg.Ranked != nil {
		configs[model.ModeRanked] = matchqueue.ModeConfig{
			BotFallbackTimeout: cfg.Ranked.BotFallbackTimeout,
			AllowBotFallback:   cfg.Ranked.AllowBotFallback,
		}
	}
	if cfg.Training != nil {
		configs[model.ModeTraining] = matchqueue.ModeConfig{
			BotFallbackTimeout: cfg.Training.BotFallbackTimeout,
			AllowBotFallback:   cfg.Training.AllowBotFallback,
		}
	}
	return configs
}
