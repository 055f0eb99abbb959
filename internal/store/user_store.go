package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/typelo/raceserver/internal/match"
	"github.com/typelo/raceserver/internal/model"
)

// UserStore implements match.UserStore and session.ProfileStore against
// the players table. One instance, shared across both seams, the way
// the teacher's db.DB methods double as both the repository and the
// handler-facing API.
type UserStore struct {
	store *Store
}

// NewUserStore builds a UserStore over an already-connected Store.
func NewUserStore(s *Store) *UserStore {
	return &UserStore{store: s}
}

// EnsurePlayer creates a players row on first sight (e.g. first login),
// idempotent via ON CONFLICT DO NOTHING, mirroring
// PostgresAccountRepository.GetOrCreateAccount's upsert-then-read shape.
func (u *UserStore) EnsurePlayer(ctx context.Context, playerID model.PlayerID, displayName, photoRef string) error {
	_, err := u.store.pool.Exec(ctx,
		`INSERT INTO players (player_id, display_name, photo_ref)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (player_id) DO NOTHING`,
		string(playerID), displayName, photoRef,
	)
	if err != nil {
		return fmt.Errorf("ensuring player %q: %w", playerID, err)
	}
	return nil
}

// Profile implements session.ProfileStore.
func (u *UserStore) Profile(ctx context.Context, playerID model.PlayerID) (model.Profile, error) {
	var p model.Profile
	p.PlayerID = playerID
	err := u.store.pool.QueryRow(ctx,
		`SELECT display_name, photo_ref, elo_rating, total_matches, avg_wpm, avg_accuracy,
		        peak_elo, best_wpm, equipped_cursor, equipped_effect
		 FROM players WHERE player_id = $1`, string(playerID),
	).Scan(&p.DisplayName, &p.PhotoRef, &p.EloRating, &p.TotalMatches, &p.AvgWPM, &p.AvgAccuracy,
		&p.PeakElo, &p.BestWPM, &p.EquippedCursor, &p.EquippedEffect)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Profile{}, fmt.Errorf("player %q not found", playerID)
		}
		return model.Profile{}, fmt.Errorf("querying profile %q: %w", playerID, err)
	}
	return p, nil
}

// AvgWPM implements match.UserStore.
func (u *UserStore) AvgWPM(ctx context.Context, playerID model.PlayerID) (float64, error) {
	var avg float64
	err := u.store.pool.QueryRow(ctx, `SELECT avg_wpm FROM players WHERE player_id = $1`, string(playerID)).Scan(&avg)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("querying avg wpm %q: %w", playerID, err)
	}
	return avg, nil
}

// GamesPlayed implements match.UserStore.
func (u *UserStore) GamesPlayed(ctx context.Context, playerID model.PlayerID) (int, error) {
	var n int
	err := u.store.pool.QueryRow(ctx, `SELECT total_matches FROM players WHERE player_id = $1`, string(playerID)).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("querying games played %q: %w", playerID, err)
	}
	return n, nil
}

// AddCoins implements match.UserStore.
func (u *UserStore) AddCoins(ctx context.Context, playerID model.PlayerID, amount int) error {
	_, err := u.store.pool.Exec(ctx,
		`UPDATE players SET coins = coins + $1, updated_at = now() WHERE player_id = $2`,
		amount, string(playerID),
	)
	if err != nil {
		return fmt.Errorf("crediting coins for %q: %w", playerID, err)
	}
	return nil
}

// ApplyRankedResult implements match.UserStore: a single atomic update
// folding in the running-average WPM/accuracy, the win/loss/tie
// counters, and the monotonic peak-Elo/best-WPM fields (spec.md §4.6.6
// step 8).
func (u *UserStore) ApplyRankedResult(ctx context.Context, playerID model.PlayerID, update match.RankedStatsUpdate) error {
	winDelta, lossDelta, tieDelta := 0, 0, 0
	switch {
	case update.Tied:
		tieDelta = 1
	case update.Won:
		winDelta = 1
	default:
		lossDelta = 1
	}

	_, err := u.store.pool.Exec(ctx, `
		UPDATE players SET
			avg_wpm      = (avg_wpm * total_matches + $1) / (total_matches + 1),
			avg_accuracy = (avg_accuracy * total_matches + $2) / (total_matches + 1),
			total_matches = total_matches + 1,
			wins   = wins + $3,
			losses = losses + $4,
			ties   = ties + $5,
			elo_rating = $6,
			peak_elo   = GREATEST(peak_elo, $6),
			best_wpm   = GREATEST(best_wpm, $1),
			updated_at = now()
		WHERE player_id = $7`,
		update.WPM, update.Accuracy, winDelta, lossDelta, tieDelta, update.NewElo, string(playerID),
	)
	if err != nil {
		return fmt.Errorf("applying ranked result for %q: %w", playerID, err)
	}
	return nil
}
