// Package store implements the Postgres-backed collaborators spec.md
// §6.2 names: UserStore, MatchStore, AuditSink, FriendGraph, and
// LeaderboardQuery, adapted from the teacher's internal/db package
// (pgxpool + goose) to the player/match/friend schema this domain needs.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/typelo/raceserver/internal/store/migrations"
)

// Store wraps a pgx connection pool shared by every repository-shaped
// adapter in this package (UserStore, MatchStore, AuditSink, ...), the
// way the teacher's db.DB wraps one pool for all its repositories.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres and returns a ready Store.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool returns the underlying pgx pool, for callers that need direct
// query access beyond the repository methods in this package.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

var gooseOnce sync.Once

// RunMigrations applies every pending migration embedded in
// internal/store/migrations, mirroring internal/db/migrate.go's
// goose wiring.
func RunMigrations(ctx context.Context, dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening sql connection for migrations: %w", err)
	}
	defer sqlDB.Close()

	var dialectErr error
	gooseOnce.Do(func() {
		goose.SetBaseFS(migrations.FS)
		dialectErr = goose.SetDialect("postgres")
	})
	if dialectErr != nil {
		return fmt.Errorf("setting goose dialect: %w", dialectErr)
	}
	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
