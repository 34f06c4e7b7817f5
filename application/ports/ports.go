// Package ports defines the contracts between the swipe feed engine and its
// external collaborators. The remote feed/swipe service, the photo URL
// resolver and the durable outbox store are all consumed through these
// interfaces so the engine can be tested against in-process fakes.
package ports

import (
	"context"

	"swipefeed-engine/domain/card"
	"swipefeed-engine/domain/swipe"
)

// Bootstrap is the session seed returned by the remote service on startup.
type Bootstrap struct {
	UserID      string           `json:"user_id"`
	Preferences card.Preferences `json:"preferences"`
}

// FeedPage is one page of potential matches.
type FeedPage struct {
	Items      []*card.Card `json:"items"`
	NextCursor *string      `json:"next_cursor,omitempty"`
	Exhausted  bool         `json:"exhausted"`
}

// FeedAPI is the remote feed endpoint. All calls may fail transiently.
type FeedAPI interface {
	// Init fetches the bootstrap payload for a user.
	Init(ctx context.Context, userID string) (Bootstrap, error)
	// FetchFeedPage returns the page after the given cursor. A nil cursor
	// means start from the beginning for the given preferences.
	FetchFeedPage(ctx context.Context, userID string, prefs card.Preferences, afterCursor *string, limit int) (FeedPage, error)
}

// SwipeAPI is the remote swipe-recording endpoint. All calls may fail
// transiently; RecordSwipe and RecordSwipeBatch are idempotent
// (swiper, swipee) upserts server-side, so retries are safe.
type SwipeAPI interface {
	RecordSwipe(ctx context.Context, swiperID, swipeeID string, liked bool) (swipe.Result, error)
	UndoSwipe(ctx context.Context, swiperID, swipeeID string) error
	RecordSwipeBatch(ctx context.Context, swiperID string, items []swipe.BatchItem) error
}

// PhotoResolver turns a raw photo reference into a fetchable URL.
type PhotoResolver interface {
	Resolve(ctx context.Context, rawRef string) (string, error)
}

// OutboxStore is the durable backing for pending swipe decisions. An entry
// survives process restarts until explicitly deleted after the remote
// service confirms persistence.
type OutboxStore interface {
	// Save upserts the pending decision keyed by its swipee id.
	Save(ctx context.Context, pending swipe.Pending) error
	// Delete removes the pending decision for a swipee id, if any.
	Delete(ctx context.Context, swipeeID string) error
	// List returns all pending decisions ordered by enqueue time.
	List(ctx context.Context) ([]swipe.Pending, error)
	// Clear drops every pending decision.
	Clear(ctx context.Context) error
	// SessionKey returns the session key the stored decisions were queued
	// under, empty when none was recorded.
	SessionKey(ctx context.Context) (string, error)
	// SetSessionKey records the session key for subsequently saved
	// decisions. Replay after a restart compares it so decisions queued
	// under old preferences are never sent into a different feed.
	SetSessionKey(ctx context.Context, key string) error
	Close() error
}
