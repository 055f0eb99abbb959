package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/typelo/raceserver/internal/model"
)

// MatchStore implements match.MatchStore against the matches table.
type MatchStore struct {
	store *Store
}

// NewMatchStore builds a MatchStore over an already-connected Store.
func NewMatchStore(s *Store) *MatchStore {
	return &MatchStore{store: s}
}

// InsertMatch implements match.MatchStore. Idempotent on MatchID: the
// orchestrator is the only writer and never calls this twice for the
// same match, but ON CONFLICT DO NOTHING keeps a retried settlement
// step safe (spec.md §6.2's "idempotent on MatchId").
func (m *MatchStore) InsertMatch(ctx context.Context, record model.MatchRecord) error {
	p1Result, err := json.Marshal(record.Player1Result)
	if err != nil {
		return fmt.Errorf("marshaling player1 result for match %q: %w", record.MatchID, err)
	}
	p2Result, err := json.Marshal(record.Player2Result)
	if err != nil {
		return fmt.Errorf("marshaling player2 result for match %q: %w", record.MatchID, err)
	}

	_, err = m.store.pool.Exec(ctx, `
		INSERT INTO matches (match_id, mode, player1, player2, player2_is_bot, player1_result, player2_result, forfeit_by, created_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (match_id) DO NOTHING`,
		record.MatchID, record.Mode.String(), string(record.Player1), string(record.Player2), record.Player2IsBot,
		p1Result, p2Result, string(record.ForfeitBy), record.CreatedAt, record.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("archiving match %q: %w", record.MatchID, err)
	}
	return nil
}
