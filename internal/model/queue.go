package model

// QueueEntry is the record stored in a matchmaking queue for one enqueued
// player. It is created on enqueue and destroyed on pairing or cancellation.
type QueueEntry struct {
	PlayerID       PlayerID
	Elo            int
	DisplayName    string
	PhotoRef       string
	EquippedCursor string
	EquippedEffect string
	// JoinedAt is a wall-clock Unix timestamp in seconds; it is also the
	// sorted-set score used by the shared queue store for FIFO ordering.
	JoinedAt int64
	// FriendIDs is only populated for ModeFriends enrolments; see
	// QueueStore.FriendsOf for the multi-replica persistence requirement.
	FriendIDs []PlayerID
}

// PendingMatch is produced by the matchmaking coordinator the instant a
// pairing (or bot fallback) is confirmed, and handed to the orchestrator.
// It is discarded once the orchestrator acknowledges creation.
type PendingMatch struct {
	MatchID string
	Player1 QueueEntry
	// Player2 is the zero value when IsBot is true.
	Player2 QueueEntry
	Mode    Mode
	IsBot   bool
}
