// Package feed implements the cursor-aware pagination state machine over
// the remote potential-matches feed.
package feed

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"swipefeed-engine/application/ports"
	"swipefeed-engine/domain/card"
	"swipefeed-engine/domain/swipe"
	"swipefeed-engine/infrastructure/retry"
	"swipefeed-engine/pkg/observability"
)

const topUpFlightKey = "topup"

// Repository owns the pagination cursor and the exhausted flag for the
// current preference fingerprint. A stale cursor from one filter set is
// never combined with another: any fingerprint mismatch clears the cursor
// before fetching.
type Repository struct {
	mu              sync.Mutex
	userID          string
	cursor          *string
	exhausted       bool
	lastFingerprint string

	flight  singleflight.Group
	api     ports.FeedAPI
	swipes  ports.SwipeAPI
	exec    *retry.Executor
	metrics *observability.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// topUpResult is what all single-flight waiters share.
type topUpResult struct {
	added int
}

// NewRepository creates a feed repository.
func NewRepository(api ports.FeedAPI, swipes ports.SwipeAPI, exec *retry.Executor, metrics *observability.Metrics, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		api:     api,
		swipes:  swipes,
		exec:    exec,
		metrics: metrics,
		logger:  logger.Named("feed_repository"),
		tracer:  otel.Tracer("swipefeed-engine/feed"),
	}
}

// Init fetches the bootstrap payload. No local state changes beyond
// remembering the user id; everything else is the caller's decision.
func (r *Repository) Init(ctx context.Context, userID string) (ports.Bootstrap, error) {
	ctx, span := r.tracer.Start(ctx, "feed.Init")
	defer span.End()

	var bootstrap ports.Bootstrap
	err := r.exec.Run(ctx, "feed.init", func(ctx context.Context) error {
		var err error
		bootstrap, err = r.api.Init(ctx, userID)
		return err
	})
	if err != nil {
		return ports.Bootstrap{}, err
	}

	r.mu.Lock()
	r.userID = userID
	r.mu.Unlock()
	return bootstrap, nil
}

// FetchFirst unconditionally fetches the first page for the given
// preferences and seeds cursor/exhausted from the response. Used only right
// after a session-key reset.
func (r *Repository) FetchFirst(ctx context.Context, userID string, prefs card.Preferences, limit int) (ports.FeedPage, error) {
	ctx, span := r.tracer.Start(ctx, "feed.FetchFirst")
	defer span.End()

	var page ports.FeedPage
	err := r.exec.Run(ctx, "feed.fetch_first", func(ctx context.Context) error {
		var err error
		page, err = r.api.FetchFeedPage(ctx, userID, prefs, nil, limit)
		return err
	})
	r.metrics.ObserveFeedFetch(err)
	if err != nil {
		return ports.FeedPage{}, err
	}

	r.mu.Lock()
	r.userID = userID
	r.cursor = page.NextCursor
	r.exhausted = page.Exhausted
	r.lastFingerprint = prefs.Fingerprint()
	r.mu.Unlock()

	r.logger.Debug("first page fetched",
		zap.Int("items", len(page.Items)),
		zap.Bool("exhausted", page.Exhausted),
	)
	return page, nil
}

// TopUp fetches the next page and hands the items to onItems exactly once.
// Concurrent callers coalesce onto a single in-flight request and all
// observe the same result, so rapid swiping near the buffer's low-water
// mark cannot double-fetch or double-append. Returns the number of items
// onItems reported as added.
//
// If the feed is exhausted, returns 0 without a network call. If prefs no
// longer match the fingerprint the cursor was fetched under, cursor and
// exhausted are cleared first and the fetch restarts from the beginning.
func (r *Repository) TopUp(ctx context.Context, prefs card.Preferences, limit int, onItems func([]*card.Card) int) (int, error) {
	v, err, shared := r.flight.Do(topUpFlightKey, func() (interface{}, error) {
		return r.topUpOnce(ctx, prefs, limit, onItems)
	})
	if err != nil {
		return 0, err
	}
	res := v.(*topUpResult)
	if shared {
		r.logger.Debug("top-up coalesced onto in-flight request")
	}
	return res.added, nil
}

func (r *Repository) topUpOnce(ctx context.Context, prefs card.Preferences, limit int, onItems func([]*card.Card) int) (*topUpResult, error) {
	ctx, span := r.tracer.Start(ctx, "feed.TopUp")
	defer span.End()

	fingerprint := prefs.Fingerprint()

	r.mu.Lock()
	if fingerprint != r.lastFingerprint {
		// Preference change: the old cursor belongs to a different filter
		// set and must not be reused.
		r.cursor = nil
		r.exhausted = false
		r.lastFingerprint = fingerprint
	}
	if r.exhausted {
		r.mu.Unlock()
		return &topUpResult{}, nil
	}
	userID := r.userID
	cursor := r.cursor
	r.mu.Unlock()

	var page ports.FeedPage
	err := r.exec.Run(ctx, "feed.top_up", func(ctx context.Context) error {
		var err error
		page, err = r.api.FetchFeedPage(ctx, userID, prefs, cursor, limit)
		return err
	})
	r.metrics.ObserveFeedFetch(err)
	if err != nil {
		return nil, err
	}

	added := 0
	if onItems != nil {
		added = onItems(page.Items)
	}

	r.mu.Lock()
	r.cursor = page.NextCursor
	r.exhausted = page.Exhausted
	r.mu.Unlock()

	r.logger.Debug("top-up complete",
		zap.Int("fetched", len(page.Items)),
		zap.Int("added", added),
		zap.Bool("exhausted", page.Exhausted),
	)
	return &topUpResult{added: added}, nil
}

// Swipe records a single decision remotely. One round trip through the
// retry executor for transient-network robustness; persistent failures are
// the outbox's job, not this call's.
func (r *Repository) Swipe(ctx context.Context, swipeeID string, liked bool) (swipe.Result, error) {
	ctx, span := r.tracer.Start(ctx, "feed.Swipe")
	defer span.End()

	r.mu.Lock()
	swiperID := r.userID
	r.mu.Unlock()

	var result swipe.Result
	err := r.exec.Run(ctx, "swipe.record", func(ctx context.Context) error {
		var err error
		result, err = r.swipes.RecordSwipe(ctx, swiperID, swipeeID, liked)
		return err
	})
	return result, err
}

// Undo reverts a decision remotely. On failure the caller decides whether
// local undo still proceeds (it does, optimistically).
func (r *Repository) Undo(ctx context.Context, swipeeID string) error {
	ctx, span := r.tracer.Start(ctx, "feed.Undo")
	defer span.End()

	r.mu.Lock()
	swiperID := r.userID
	r.mu.Unlock()

	return r.exec.Run(ctx, "swipe.undo", func(ctx context.Context) error {
		return r.swipes.UndoSwipe(ctx, swiperID, swipeeID)
	})
}

// FlushBatch persists multiple queued decisions in one round trip.
func (r *Repository) FlushBatch(ctx context.Context, items []swipe.BatchItem) error {
	if len(items) == 0 {
		return nil
	}

	ctx, span := r.tracer.Start(ctx, "feed.FlushBatch")
	defer span.End()

	r.mu.Lock()
	swiperID := r.userID
	r.mu.Unlock()

	return r.exec.Run(ctx, "swipe.flush_batch", func(ctx context.Context) error {
		return r.swipes.RecordSwipeBatch(ctx, swiperID, items)
	})
}

// Exhausted reports whether the remote feed has no more items for the
// current cursor and preferences.
func (r *Repository) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exhausted
}

// Cursor returns the current opaque cursor, nil when at the beginning.
func (r *Repository) Cursor() *string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// Reset clears cursor, exhausted flag and preference fingerprint. Called
// whenever the owning session key changes.
func (r *Repository) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = nil
	r.exhausted = false
	r.lastFingerprint = ""
}
