package store

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/typelo/raceserver/internal/model"
	"github.com/typelo/raceserver/internal/rating"
)

// AuditSink implements match.AuditSink: a fire-and-forget settlement
// failure sink (spec.md §6.2's "must not raise"), logged with slog
// (matching the teacher's logging idiom throughout internal/game) and
// counted via an OpenTelemetry counter, plus a best-effort row in
// audit_events so failures survive a process restart for later review.
type AuditSink struct {
	store    *Store
	logger   *slog.Logger
	failures metric.Int64Counter
}

// NewAuditSink builds an AuditSink. meter is typically otel.Meter(...)
// from the process-wide MeterProvider; passing nil falls back to the
// global no-op meter so this type is still usable without a configured
// metrics pipeline.
func NewAuditSink(s *Store, logger *slog.Logger, meter metric.Meter) *AuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	if meter == nil {
		meter = otel.Meter("raceserver/store")
	}
	counter, err := meter.Int64Counter(
		"raceserver.settlement.failures",
		metric.WithDescription("count of settlement steps that failed and were surfaced to the audit sink"),
	)
	if err != nil {
		logger.Warn("store: creating settlement-failure counter", "error", err)
	}
	return &AuditSink{store: s, logger: logger, failures: counter}
}

// RecordSettlementFailure implements match.AuditSink.
func (a *AuditSink) RecordSettlementFailure(ctx context.Context, matchID, step string, failure error) {
	a.logger.Error("audit: settlement step failed", "match", matchID, "step", step, "error", failure)

	if a.failures != nil {
		a.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
	}

	if _, err := a.store.pool.Exec(ctx,
		`INSERT INTO audit_events (match_id, step, error) VALUES ($1, $2, $3)`,
		matchID, step, failure.Error(),
	); err != nil {
		a.logger.Error("audit: persisting settlement failure", "match", matchID, "step", step, "error", fmt.Errorf("inserting audit event: %w", err))
	}
}

// FriendGraph implements session.FriendGraph against the friends table.
type FriendGraph struct {
	store *Store
}

// NewFriendGraph builds a FriendGraph over an already-connected Store.
func NewFriendGraph(s *Store) *FriendGraph {
	return &FriendGraph{store: s}
}

// FriendsOf implements session.FriendGraph.
func (f *FriendGraph) FriendsOf(ctx context.Context, playerID model.PlayerID) ([]model.PlayerID, error) {
	rows, err := f.store.pool.Query(ctx, `SELECT friend_id FROM friends WHERE player_id = $1`, string(playerID))
	if err != nil {
		return nil, fmt.Errorf("querying friends of %q: %w", playerID, err)
	}
	defer rows.Close()

	var friends []model.PlayerID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning friend row for %q: %w", playerID, err)
		}
		friends = append(friends, model.PlayerID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating friends of %q: %w", playerID, err)
	}
	return friends, nil
}

// LeaderboardQuery implements match.LeaderboardQuery by ranking
// players within the players table by elo_rating.
type LeaderboardQuery struct {
	store *Store
}

// NewLeaderboardQuery builds a LeaderboardQuery over an already-connected Store.
func NewLeaderboardQuery(s *Store) *LeaderboardQuery {
	return &LeaderboardQuery{store: s}
}

// BonusFor implements match.LeaderboardQuery, ranking playerID among
// all players by elo_rating.
func (l *LeaderboardQuery) BonusFor(ctx context.Context, playerID model.PlayerID) (rating.LeaderboardBonus, error) {
	var rank int
	err := l.store.pool.QueryRow(ctx, `
		SELECT rank FROM (
			SELECT player_id, RANK() OVER (ORDER BY elo_rating DESC) AS rank FROM players
		) ranked WHERE player_id = $1`, string(playerID),
	).Scan(&rank)
	if err != nil {
		return rating.LeaderboardBonus{}, fmt.Errorf("querying leaderboard rank for %q: %w", playerID, err)
	}
	return rating.LeaderboardBonus{IsTop3: rank <= 3, IsTop10: rank <= 10}, nil
}
