package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/typelo/raceserver/internal/match"
	"github.com/typelo/raceserver/internal/model"
	"github.com/typelo/raceserver/internal/rating"
)

var testDSN string

// TestMain starts a throwaway postgres container and applies the
// embedded migrations once for every test in this package, mirroring
// internal/db/testhelpers_test.go's TestMain shape.
func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Fatalf("starting postgres container: %v", err)
	}
	defer func() { _ = container.Terminate(ctx) }()

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("getting container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("getting container port: %v", err)
	}
	testDSN = fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	if err := RunMigrations(ctx, testDSN); err != nil {
		log.Fatalf("running migrations: %v", err)
	}

	os.Exit(m.Run())
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := New(ctx, testDSN)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	_, err = s.pool.Exec(context.Background(), "TRUNCATE players, friends, matches, audit_events CASCADE")
	require.NoError(t, err)
	return s
}

func TestEnsurePlayerIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	us := NewUserStore(s)
	ctx := context.Background()

	require.NoError(t, us.EnsurePlayer(ctx, "p1", "Ada", "ada.png"))
	require.NoError(t, us.EnsurePlayer(ctx, "p1", "Ada Two", "other.png"))

	profile, err := us.Profile(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "Ada", profile.DisplayName) // ON CONFLICT DO NOTHING keeps the first row
}

func TestApplyRankedResultUpdatesRunningAverages(t *testing.T) {
	s := newTestStore(t)
	us := NewUserStore(s)
	ctx := context.Background()
	require.NoError(t, us.EnsurePlayer(ctx, "p1", "Ada", ""))

	require.NoError(t, us.ApplyRankedResult(ctx, "p1", match.RankedStatsUpdate{
		Won: true, WPM: 80, Accuracy: 0.97, EloDelta: 20, NewElo: 1520,
	}))

	profile, err := us.Profile(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 1, profile.TotalMatches)
	require.InDelta(t, 80, profile.AvgWPM, 0.001)
	require.Equal(t, 1520, profile.EloRating)
	require.Equal(t, 1520, profile.PeakElo)

	require.NoError(t, us.ApplyRankedResult(ctx, "p1", match.RankedStatsUpdate{
		Won: false, WPM: 60, Accuracy: 0.9, EloDelta: -10, NewElo: 1510,
	}))
	profile, err = us.Profile(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 2, profile.TotalMatches)
	require.InDelta(t, 70, profile.AvgWPM, 0.001)
	require.Equal(t, 1520, profile.PeakElo) // peak is monotonic, doesn't fall with a loss
}

func TestInsertMatchIsIdempotentOnMatchID(t *testing.T) {
	s := newTestStore(t)
	ms := NewMatchStore(s)
	ctx := context.Background()

	record := model.MatchRecord{
		MatchID: "m1",
		Mode:    model.ModeRanked,
		Player1: "p1",
		Player2: "p2",
		Player1Result: model.MatchResult{
			Outcome: model.OutcomeWin,
		},
		Player2Result: model.MatchResult{
			Outcome: model.OutcomeLoss,
		},
		CreatedAt: time.Now().UnixMilli(),
		EndedAt:   time.Now().UnixMilli(),
	}

	require.NoError(t, ms.InsertMatch(ctx, record))
	require.NoError(t, ms.InsertMatch(ctx, record)) // second insert is a no-op, not an error
}

func TestFriendsOfReturnsEmptyForNoFriends(t *testing.T) {
	s := newTestStore(t)
	us := NewUserStore(s)
	fg := NewFriendGraph(s)
	ctx := context.Background()
	require.NoError(t, us.EnsurePlayer(ctx, "p1", "Ada", ""))

	friends, err := fg.FriendsOf(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, friends)
}

func TestLeaderboardQueryRanksByElo(t *testing.T) {
	s := newTestStore(t)
	us := NewUserStore(s)
	lb := NewLeaderboardQuery(s)
	ctx := context.Background()

	for i, elo := range []int{2000, 1800, 1600, 1400} {
		id := model.PlayerID(fmt.Sprintf("p%d", i))
		require.NoError(t, us.EnsurePlayer(ctx, id, "n", ""))
		require.NoError(t, us.ApplyRankedResult(ctx, id, match.RankedStatsUpdate{Won: true, NewElo: elo}))
	}

	bonus, err := lb.BonusFor(ctx, "p0")
	require.NoError(t, err)
	require.Equal(t, rating.LeaderboardBonus{IsTop3: true, IsTop10: true}, bonus)

	bonus, err = lb.BonusFor(ctx, "p3")
	require.NoError(t, err)
	require.Equal(t, rating.LeaderboardBonus{IsTop3: false, IsTop10: true}, bonus)
}

func TestAuditSinkRecordsSettlementFailure(t *testing.T) {
	s := newTestStore(t)
	sink := NewAuditSink(s, nil, nil)
	ctx := context.Background()

	sink.RecordSettlementFailure(ctx, "m1", "credit-coins", fmt.Errorf("boom"))

	var count int
	err := s.pool.QueryRow(ctx, "SELECT count(*) FROM audit_events WHERE match_id = $1", "m1").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
