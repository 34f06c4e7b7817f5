// Package swipe holds the domain model for swipe decisions and their
// reconciliation with the remote service.
package swipe

// Pending is a swipe decision that has not yet been confirmed persisted
// remotely. Keyed by SwipeeID: at most one pending decision per counterpart,
// newest wins.
type Pending struct {
	EntryID      string `json:"entry_id"`
	SwipeeID     string `json:"swipee_id"`
	Liked        bool   `json:"liked"`
	EnqueuedAtMs int64  `json:"enqueued_at_ms"`
}

// BatchItem is one decision inside a batch flush request. The backend treats
// batch items as a set of independently idempotent (swiper, swipee) upserts.
type BatchItem struct {
	SwipeeID string `json:"swipee_id"`
	Liked    bool   `json:"liked"`
}

// MatchInfo describes a match created by a mutual like.
type MatchInfo struct {
	MatchID string   `json:"match_id"`
	Parties []string `json:"parties"`
}

// Result is the remote outcome of a single recorded swipe.
type Result struct {
	MatchCreated bool       `json:"match_created"`
	Match        *MatchInfo `json:"match,omitempty"`
}
