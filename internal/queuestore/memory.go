package queuestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/typelo/raceserver/internal/model"
)

// Memory is an in-process Store, guarded by a single RWMutex the way
// olympiad.Manager guards its registration maps. It is correct for a
// single orchestrator replica and is what internal/matchqueue's tests run
// against; production deployments with more than one replica need the
// Redis adapter.
type Memory struct {
	mu      sync.RWMutex
	queues  map[model.Mode]map[model.PlayerID]model.QueueEntry
	matched map[model.Mode]map[model.PlayerID]struct{}
	locks   map[string]time.Time // key -> expiry
	friends map[model.PlayerID][]model.PlayerID
}

// NewMemory returns a ready-to-use in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		queues:  make(map[model.Mode]map[model.PlayerID]model.QueueEntry),
		matched: make(map[model.Mode]map[model.PlayerID]struct{}),
		locks:   make(map[string]time.Time),
		friends: make(map[model.PlayerID][]model.PlayerID),
	}
}

func (m *Memory) Enqueue(_ context.Context, mode model.Mode, entry model.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queues[mode] == nil {
		m.queues[mode] = make(map[model.PlayerID]model.QueueEntry)
	}
	m.queues[mode][entry.PlayerID] = entry
	return nil
}

func (m *Memory) Dequeue(_ context.Context, mode model.Mode, playerID model.PlayerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues[mode], playerID)
	return nil
}

func (m *Memory) IsQueued(_ context.Context, mode model.Mode, playerID model.PlayerID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.queues[mode][playerID]
	return ok, nil
}

func (m *Memory) Get(_ context.Context, mode model.Mode, playerID model.PlayerID) (model.QueueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.queues[mode][playerID]
	if !ok {
		return model.QueueEntry{}, ErrNotFound
	}
	return e, nil
}

func (m *Memory) OldestCandidates(_ context.Context, mode model.Mode, excluding model.PlayerID, n int) ([]model.QueueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]model.QueueEntry, 0, len(m.queues[mode]))
	for id, e := range m.queues[mode] {
		if id == excluding {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JoinedAt != entries[j].JoinedAt {
			return entries[i].JoinedAt < entries[j].JoinedAt
		}
		return entries[i].PlayerID < entries[j].PlayerID
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

func (m *Memory) MarkMatched(_ context.Context, mode model.Mode, playerIDs ...model.PlayerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.matched[mode] == nil {
		m.matched[mode] = make(map[model.PlayerID]struct{})
	}
	for _, id := range playerIDs {
		m.matched[mode][id] = struct{}{}
	}
	return nil
}

func (m *Memory) IsMatched(_ context.Context, mode model.Mode, playerID model.PlayerID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.matched[mode][playerID]
	return ok, nil
}

func (m *Memory) ClearMatched(_ context.Context, mode model.Mode, playerIDs ...model.PlayerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range playerIDs {
		delete(m.matched[mode], id)
		delete(m.matched[model.ModeFriends], id)
	}
	return nil
}

func (m *Memory) AcquireLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if expiry, ok := m.locks[key]; ok && time.Now().Before(expiry) {
		return false, nil
	}
	m.locks[key] = time.Now().Add(ttl)
	return true, nil
}

func (m *Memory) ReleaseLock(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

func (m *Memory) FriendsOf(_ context.Context, playerID model.PlayerID) ([]model.PlayerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.PlayerID, len(m.friends[playerID]))
	copy(out, m.friends[playerID])
	return out, nil
}

func (m *Memory) SetFriends(_ context.Context, playerID model.PlayerID, friends []model.PlayerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.friends[playerID] = append([]model.PlayerID(nil), friends...)
	return nil
}
