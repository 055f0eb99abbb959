package queuestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/typelo/raceserver/internal/model"
)

// Redis is the production Store, backing the three queues' ordered sets,
// matched-sets, and pairing locks directly with the Redis commands spec.md
// §9 names: zaddScored/zrangeOldest, sadd/srem/sismember, SET NX EX.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an already-configured client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func queueKey(mode model.Mode) string   { return "raceserver:queue:" + mode.String() }
func entryKey(mode model.Mode) string   { return "raceserver:entry:" + mode.String() }
func matchedKey(mode model.Mode) string { return "raceserver:matched:" + mode.String() }
func friendsKey(id model.PlayerID) string {
	return "raceserver:friends:" + string(id)
}

func (r *Redis) Enqueue(ctx context.Context, mode model.Mode, entry model.QueueEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queuestore: marshaling entry: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, queueKey(mode), redis.Z{Score: float64(entry.JoinedAt), Member: string(entry.PlayerID)})
	pipe.HSet(ctx, entryKey(mode), string(entry.PlayerID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queuestore: enqueue: %w", err)
	}
	return nil
}

func (r *Redis) Dequeue(ctx context.Context, mode model.Mode, playerID model.PlayerID) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, queueKey(mode), string(playerID))
	pipe.HDel(ctx, entryKey(mode), string(playerID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queuestore: dequeue: %w", err)
	}
	return nil
}

func (r *Redis) IsQueued(ctx context.Context, mode model.Mode, playerID model.PlayerID) (bool, error) {
	_, err := r.client.ZScore(ctx, queueKey(mode), string(playerID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("queuestore: is queued: %w", err)
	}
	return true, nil
}

func (r *Redis) Get(ctx context.Context, mode model.Mode, playerID model.PlayerID) (model.QueueEntry, error) {
	raw, err := r.client.HGet(ctx, entryKey(mode), string(playerID)).Result()
	if err == redis.Nil {
		return model.QueueEntry{}, ErrNotFound
	}
	if err != nil {
		return model.QueueEntry{}, fmt.Errorf("queuestore: get: %w", err)
	}
	var e model.QueueEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return model.QueueEntry{}, fmt.Errorf("queuestore: decoding entry: %w", err)
	}
	return e, nil
}

func (r *Redis) OldestCandidates(ctx context.Context, mode model.Mode, excluding model.PlayerID, n int) ([]model.QueueEntry, error) {
	// zrange 0 n gives the n+1 oldest; fetch one extra to account for a
	// possible self-match, matching the source's "candidates = zrange(0,9)"
	// then filter-self convention (spec.md §4.5 step 2).
	ids, err := r.client.ZRange(ctx, queueKey(mode), 0, int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("queuestore: oldest candidates: %w", err)
	}

	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(ids))
	for _, id := range ids {
		if model.PlayerID(id) == excluding {
			continue
		}
		cmds[id] = pipe.HGet(ctx, entryKey(mode), id)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("queuestore: fetching candidate entries: %w", err)
	}

	out := make([]model.QueueEntry, 0, len(cmds))
	for _, id := range ids {
		cmd, ok := cmds[id]
		if !ok {
			continue
		}
		raw, err := cmd.Result()
		if err != nil {
			continue // entry vanished between zrange and hget; skip it
		}
		var e model.QueueEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
		if len(out) == n {
			break
		}
	}
	return out, nil
}

func (r *Redis) MarkMatched(ctx context.Context, mode model.Mode, playerIDs ...model.PlayerID) error {
	pipe := r.client.TxPipeline()
	members := toMembers(playerIDs)
	pipe.SAdd(ctx, matchedKey(mode), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queuestore: mark matched: %w", err)
	}
	return nil
}

func (r *Redis) IsMatched(ctx context.Context, mode model.Mode, playerID model.PlayerID) (bool, error) {
	ok, err := r.client.SIsMember(ctx, matchedKey(mode), string(playerID)).Result()
	if err != nil {
		return false, fmt.Errorf("queuestore: is matched: %w", err)
	}
	return ok, nil
}

func (r *Redis) ClearMatched(ctx context.Context, mode model.Mode, playerIDs ...model.PlayerID) error {
	pipe := r.client.TxPipeline()
	members := toMembers(playerIDs)
	pipe.SRem(ctx, matchedKey(mode), members...)
	pipe.SRem(ctx, matchedKey(model.ModeFriends), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queuestore: clear matched: %w", err)
	}
	return nil
}

func (r *Redis) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("queuestore: acquire lock: %w", err)
	}
	return ok, nil
}

func (r *Redis) ReleaseLock(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("queuestore: release lock: %w", err)
	}
	return nil
}

func (r *Redis) FriendsOf(ctx context.Context, playerID model.PlayerID) ([]model.PlayerID, error) {
	raw, err := r.client.Get(ctx, friendsKey(playerID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queuestore: friends of: %w", err)
	}
	ids := strings.Split(raw, ",")
	out := make([]model.PlayerID, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, model.PlayerID(id))
		}
	}
	return out, nil
}

func (r *Redis) SetFriends(ctx context.Context, playerID model.PlayerID, friends []model.PlayerID) error {
	strs := make([]string, len(friends))
	for i, f := range friends {
		strs[i] = string(f)
	}
	if err := r.client.Set(ctx, friendsKey(playerID), strings.Join(strs, ","), 0).Err(); err != nil {
		return fmt.Errorf("queuestore: set friends: %w", err)
	}
	return nil
}

func toMembers(ids []model.PlayerID) []interface{} {
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = string(id)
	}
	return members
}
