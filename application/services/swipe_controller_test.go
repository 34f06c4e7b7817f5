package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swipefeed-engine/application/ports"
	"swipefeed-engine/domain/card"
	"swipefeed-engine/domain/swipe"
	"swipefeed-engine/infrastructure/cache"
	"swipefeed-engine/infrastructure/config"
	"swipefeed-engine/infrastructure/feed"
	"swipefeed-engine/infrastructure/outbox"
	"swipefeed-engine/infrastructure/retry"
	apperrors "swipefeed-engine/pkg/errors"
)

type scriptedFeedAPI struct {
	mu    sync.Mutex
	prefs card.Preferences
	pages []ports.FeedPage
	calls int
}

func (f *scriptedFeedAPI) Init(ctx context.Context, userID string) (ports.Bootstrap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ports.Bootstrap{UserID: userID, Preferences: f.prefs}, nil
}

func (f *scriptedFeedAPI) FetchFeedPage(ctx context.Context, userID string, prefs card.Preferences, afterCursor *string, limit int) (ports.FeedPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.pages) == 0 {
		return ports.FeedPage{Exhausted: true}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *scriptedFeedAPI) setPrefs(prefs card.Preferences) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefs = prefs
}

func (f *scriptedFeedAPI) fetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type scriptedSwipeAPI struct {
	mu         sync.Mutex
	recordErr  error
	undoErr    error
	batchErr   error
	recorded   []string
	undone     []string
	batches    [][]swipe.BatchItem
	matchOnIDs map[string]bool
}

func (f *scriptedSwipeAPI) RecordSwipe(ctx context.Context, swiperID, swipeeID string, liked bool) (swipe.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return swipe.Result{}, f.recordErr
	}
	f.recorded = append(f.recorded, swipeeID)
	if f.matchOnIDs[swipeeID] {
		return swipe.Result{MatchCreated: true, Match: &swipe.MatchInfo{MatchID: "m1", Parties: []string{swiperID, swipeeID}}}, nil
	}
	return swipe.Result{}, nil
}

func (f *scriptedSwipeAPI) UndoSwipe(ctx context.Context, swiperID, swipeeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.undoErr != nil {
		return f.undoErr
	}
	f.undone = append(f.undone, swipeeID)
	return nil
}

func (f *scriptedSwipeAPI) RecordSwipeBatch(ctx context.Context, swiperID string, items []swipe.BatchItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchErr != nil {
		return f.batchErr
	}
	f.batches = append(f.batches, items)
	return nil
}

func (f *scriptedSwipeAPI) setRecordErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordErr = err
}

type countingResolver struct {
	mu      sync.Mutex
	calls   map[string]int
	failRef string
}

func (r *countingResolver) Resolve(ctx context.Context, rawRef string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[rawRef]++
	if rawRef == r.failRef {
		return "", apperrors.NewTransient("signing unavailable", nil)
	}
	return "https://cdn.example/" + rawRef, nil
}

type fixture struct {
	api        *scriptedFeedAPI
	swipes     *scriptedSwipeAPI
	resolver   *countingResolver
	store      ports.OutboxStore
	controller *SwipeController
}

func fullCard(id string, refs ...string) *card.Card {
	return &card.Card{
		ID:          id,
		DisplayName: "Candidate " + id,
		Age:         30,
		Bio:         "full bio for " + id,
		PhotoRefs:   refs,
	}
}

func feedPage(cursor *string, exhausted bool, cards ...*card.Card) ports.FeedPage {
	return ports.FeedPage{Items: cards, NextCursor: cursor, Exhausted: exhausted}
}

func cursorPtr(s string) *string { return &s }

func newFixture(t *testing.T, pages ...ports.FeedPage) *fixture {
	t.Helper()
	return newFixtureWithStore(t, outbox.NewMemoryStore(), pages...)
}

// newFixtureWithStore shares a durable store across fixtures to simulate a
// process restart.
func newFixtureWithStore(t *testing.T, store ports.OutboxStore, pages ...ports.FeedPage) *fixture {
	t.Helper()

	api := &scriptedFeedAPI{prefs: card.Preferences{AgeMin: 20, AgeMax: 40}, pages: pages}
	swipes := &scriptedSwipeAPI{}
	resolver := &countingResolver{}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = 2
	exec := retry.NewExecutor(retryCfg, nil, retry.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }))

	tuningCfg := config.Default()
	tuningCfg.FlushInterval = time.Hour // the tests drive FlushNow directly
	tuning, err := config.NewWatcher(tuningCfg, "", nil)
	require.NoError(t, err)
	t.Cleanup(tuning.Stop)

	repo := feed.NewRepository(api, swipes, exec, nil, nil)
	feedCache := cache.NewSwipeFeedCache(nil)

	controller := NewSwipeController("user-1", repo, feedCache, resolver, store, tuning, nil, nil)
	t.Cleanup(controller.Close)

	return &fixture{api: api, swipes: swipes, resolver: resolver, store: store, controller: controller}
}

func visibleIDs(c *SwipeController) []string {
	state := c.State()
	ids := make([]string, len(state.Cards))
	for i, cd := range state.Cards {
		ids[i] = cd.ID
	}
	return ids
}

func TestBootstrapAndFirstLoad(t *testing.T) {
	t.Run("loads the first page and resolves photos", func(t *testing.T) {
		fx := newFixture(t, feedPage(cursorPtr("c1"), false,
			fullCard("u1", "ref-a"),
			fullCard("u2", "ref-b"),
		))

		var published []FeedState
		fx.controller.SetListener(func(s FeedState) { published = append(published, s) })

		require.NoError(t, fx.controller.BootstrapAndFirstLoad(context.Background()))

		state := fx.controller.State()
		assert.False(t, state.Fetching)
		assert.NoError(t, state.Err)
		require.Len(t, state.Cards, 2)
		assert.Equal(t, []string{"https://cdn.example/ref-a"}, state.Cards[0].PhotoURLs)

		require.NotEmpty(t, published)
		assert.True(t, published[0].Fetching, "fetching state published before the load")
		assert.False(t, published[len(published)-1].Fetching)
	})

	t.Run("replays the durable outbox on restart with unchanged preferences", func(t *testing.T) {
		fx := newFixture(t, feedPage(nil, true, fullCard("u1")))

		queued := swipe.Pending{EntryID: "e1", SwipeeID: "u9", Liked: true, EnqueuedAtMs: 100}
		require.NoError(t, fx.store.Save(context.Background(), queued))

		require.NoError(t, fx.controller.BootstrapAndFirstLoad(context.Background()))

		require.NoError(t, fx.controller.FlushNow(context.Background()))
		require.Len(t, fx.swipes.batches, 1)
		assert.Equal(t, "u9", fx.swipes.batches[0][0].SwipeeID)

		entries, err := fx.store.List(context.Background())
		require.NoError(t, err)
		assert.Empty(t, entries, "flushed entries leave the durable store")
	})

	t.Run("restart with changed preferences drops the durable outbox", func(t *testing.T) {
		store := outbox.NewMemoryStore()

		// First run: a decision gets stuck in the outbox.
		first := newFixtureWithStore(t, store, feedPage(nil, true, fullCard("u1"), fullCard("u2")))
		require.NoError(t, first.controller.BootstrapAndFirstLoad(context.Background()))
		first.swipes.setRecordErr(apperrors.NewTransient("backend down", nil))
		_, err := first.controller.SwipeCard(context.Background(), "u1", true)
		require.NoError(t, err)
		first.controller.Close()

		queued, err := store.List(context.Background())
		require.NoError(t, err)
		require.Len(t, queued, 1)

		// Restart with different preferences: the queued decision belongs
		// to a feed that no longer exists and must not replay.
		second := newFixtureWithStore(t, store, feedPage(nil, true, fullCard("u3")))
		second.api.setPrefs(card.Preferences{AgeMin: 20, AgeMax: 60})
		require.NoError(t, second.controller.BootstrapAndFirstLoad(context.Background()))

		require.NoError(t, second.controller.FlushNow(context.Background()))
		assert.Empty(t, second.swipes.batches, "stale decision never flushes")
		entries, err := store.List(context.Background())
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("restart with unchanged preferences replays the durable outbox", func(t *testing.T) {
		store := outbox.NewMemoryStore()

		first := newFixtureWithStore(t, store, feedPage(nil, true, fullCard("u1"), fullCard("u2")))
		require.NoError(t, first.controller.BootstrapAndFirstLoad(context.Background()))
		first.swipes.setRecordErr(apperrors.NewTransient("backend down", nil))
		_, err := first.controller.SwipeCard(context.Background(), "u1", true)
		require.NoError(t, err)
		first.controller.Close()

		second := newFixtureWithStore(t, store, feedPage(nil, true, fullCard("u3")))
		require.NoError(t, second.controller.BootstrapAndFirstLoad(context.Background()))

		require.NoError(t, second.controller.FlushNow(context.Background()))
		require.Len(t, second.swipes.batches, 1)
		assert.Equal(t, []swipe.BatchItem{{SwipeeID: "u1", Liked: true}}, second.swipes.batches[0])
	})

	t.Run("preference change drops stale local state", func(t *testing.T) {
		fx := newFixture(t,
			feedPage(cursorPtr("c1"), false, fullCard("u1"), fullCard("u2")),
			feedPage(nil, true, fullCard("u3")),
		)

		require.NoError(t, fx.controller.BootstrapAndFirstLoad(context.Background()))
		assert.Equal(t, []string{"u1", "u2"}, visibleIDs(fx.controller))

		// A decision queued under the old preferences, stuck in the outbox.
		fx.swipes.setRecordErr(apperrors.NewTransient("backend down", nil))
		_, err := fx.controller.SwipeCard(context.Background(), "u1", true)
		require.NoError(t, err)
		fx.swipes.setRecordErr(nil)

		queued, err := fx.store.List(context.Background())
		require.NoError(t, err)
		require.Len(t, queued, 1)

		fx.api.setPrefs(card.Preferences{AgeMin: 20, AgeMax: 60})
		require.NoError(t, fx.controller.BootstrapAndFirstLoad(context.Background()))

		assert.Equal(t, []string{"u3"}, visibleIDs(fx.controller), "old deck discarded")
		entries, err := fx.store.List(context.Background())
		require.NoError(t, err)
		assert.Empty(t, entries, "outbox is session-scoped")
	})
}

func TestTopUpIfNeeded(t *testing.T) {
	t.Run("no-op while the buffer is above the low water mark", func(t *testing.T) {
		fx := newFixture(t, feedPage(cursorPtr("c1"), false,
			fullCard("u1"), fullCard("u2"), fullCard("u3"),
			fullCard("u4"), fullCard("u5"), fullCard("u6"),
		))
		require.NoError(t, fx.controller.BootstrapAndFirstLoad(context.Background()))
		callsBefore := fx.api.fetchCalls()

		added, err := fx.controller.TopUpIfNeeded(context.Background())
		require.NoError(t, err)
		assert.Zero(t, added)
		assert.Equal(t, callsBefore, fx.api.fetchCalls())
	})

	t.Run("fetches when drained to the mark", func(t *testing.T) {
		fx := newFixture(t,
			feedPage(cursorPtr("c1"), false, fullCard("u1"), fullCard("u2")),
			feedPage(nil, true, fullCard("u3"), fullCard("u4")),
		)
		require.NoError(t, fx.controller.BootstrapAndFirstLoad(context.Background()))

		added, err := fx.controller.TopUpIfNeeded(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, added)
		assert.Equal(t, []string{"u1", "u2", "u3", "u4"}, visibleIDs(fx.controller))
	})

	t.Run("no-op once exhausted", func(t *testing.T) {
		fx := newFixture(t, feedPage(nil, true, fullCard("u1")))
		require.NoError(t, fx.controller.BootstrapAndFirstLoad(context.Background()))
		require.True(t, fx.controller.State().Exhausted)
		callsBefore := fx.api.fetchCalls()

		added, err := fx.controller.TopUpIfNeeded(context.Background())
		require.NoError(t, err)
		assert.Zero(t, added)
		assert.Equal(t, callsBefore, fx.api.fetchCalls())
	})
}

func TestSwipeCard(t *testing.T) {
	t.Run("confirmed swipe clears its outbox entry", func(t *testing.T) {
		fx := newFixture(t, feedPage(nil, true, fullCard("u1"), fullCard("u2")))
		fx.swipes.matchOnIDs = map[string]bool{"u1": true}
		require.NoError(t, fx.controller.BootstrapAndFirstLoad(context.Background()))

		result, err := fx.controller.SwipeCard(context.Background(), "u1", true)
		require.NoError(t, err)
		assert.True(t, result.MatchCreated)
		require.NotNil(t, result.Match)

		entries, err := fx.store.List(context.Background())
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("remote failure keeps the decision queued, swipe still succeeds", func(t *testing.T) {
		fx := newFixture(t, feedPage(nil, true, fullCard("u1"), fullCard("u2")))
		require.NoError(t, fx.controller.BootstrapAndFirstLoad(context.Background()))

		fx.swipes.setRecordErr(apperrors.NewTransient("backend down", nil))
		result, err := fx.controller.SwipeCard(context.Background(), "u1", true)
		require.NoError(t, err, "the decision is preserved locally")
		assert.False(t, result.MatchCreated)

		entries, listErr := fx.store.List(context.Background())
		require.NoError(t, listErr)
		require.Len(t, entries, 1)
		assert.Equal(t, "u1", entries[0].SwipeeID)
		assert.True(t, entries[0].Liked)

		// The backend recovers, the next flush drains the queue.
		fx.swipes.setRecordErr(nil)
		require.NoError(t, fx.controller.FlushNow(context.Background()))
		require.Len(t, fx.swipes.batches, 1)
		assert.Equal(t, []swipe.BatchItem{{SwipeeID: "u1", Liked: true}}, fx.swipes.batches[0])

		entries, listErr = fx.store.List(context.Background())
		require.NoError(t, listErr)
		assert.Empty(t, entries)
	})

	t.Run("unknown card is a validation error", func(t *testing.T) {
		fx := newFixture(t, feedPage(nil, true, fullCard("u1")))
		require.NoError(t, fx.controller.BootstrapAndFirstLoad(context.Background()))

		_, err := fx.controller.SwipeCard(context.Background(), "ghost", true)
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestUndo(t *testing.T) {
	t.Run("restores the card after a swipe", func(t *testing.T) {
		fx := newFixture(t, feedPage(nil, true, fullCard("u1"), fullCard("u2")))
		require.NoError(t, fx.controller.BootstrapAndFirstLoad(context.Background()))

		_, err := fx.controller.SwipeCard(context.Background(), "u1", false)
		require.NoError(t, err)
		fx.controller.TrimFront(1)
		assert.Equal(t, []string{"u2"}, visibleIDs(fx.controller))

		restored, err := fx.controller.Undo(context.Background())
		require.NoError(t, err)
		require.NotNil(t, restored)
		assert.Equal(t, "u1", restored.ID)
		assert.Equal(t, []string{"u1", "u2"}, visibleIDs(fx.controller))
		assert.Equal(t, []string{"u1"}, fx.swipes.undone)

		entries, listErr := fx.store.List(context.Background())
		require.NoError(t, listErr)
		assert.Empty(t, entries, "the undone decision never flushes")
	})

	t.Run("only one level of undo", func(t *testing.T) {
		fx := newFixture(t, feedPage(nil, true, fullCard("u1"), fullCard("u2")))
		require.NoError(t, fx.controller.BootstrapAndFirstLoad(context.Background()))

		_, err := fx.controller.SwipeCard(context.Background(), "u1", true)
		require.NoError(t, err)

		_, err = fx.controller.Undo(context.Background())
		require.NoError(t, err)

		_, err = fx.controller.Undo(context.Background())
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("proceeds locally when the remote undo fails", func(t *testing.T) {
		fx := newFixture(t, feedPage(nil, true, fullCard("u1"), fullCard("u2")))
		require.NoError(t, fx.controller.BootstrapAndFirstLoad(context.Background()))

		_, err := fx.controller.SwipeCard(context.Background(), "u1", true)
		require.NoError(t, err)

		fx.swipes.mu.Lock()
		fx.swipes.undoErr = apperrors.NewTransient("backend down", nil)
		fx.swipes.mu.Unlock()

		restored, err := fx.controller.Undo(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "u1", restored.ID)
		assert.Contains(t, visibleIDs(fx.controller), "u1")
	})
}

func TestFlushNow(t *testing.T) {
	t.Run("empty outbox is a no-op", func(t *testing.T) {
		fx := newFixture(t, feedPage(nil, true, fullCard("u1")))
		require.NoError(t, fx.controller.BootstrapAndFirstLoad(context.Background()))
		require.NoError(t, fx.controller.FlushNow(context.Background()))
		assert.Empty(t, fx.swipes.batches)
	})

	t.Run("failed flush keeps entries for the next interval", func(t *testing.T) {
		fx := newFixture(t, feedPage(nil, true, fullCard("u1"), fullCard("u2")))
		require.NoError(t, fx.controller.BootstrapAndFirstLoad(context.Background()))

		fx.swipes.setRecordErr(apperrors.NewTransient("backend down", nil))
		_, err := fx.controller.SwipeCard(context.Background(), "u1", true)
		require.NoError(t, err)

		fx.swipes.mu.Lock()
		fx.swipes.batchErr = apperrors.NewTransient("still down", nil)
		fx.swipes.mu.Unlock()

		require.Error(t, fx.controller.FlushNow(context.Background()))
		entries, listErr := fx.store.List(context.Background())
		require.NoError(t, listErr)
		assert.Len(t, entries, 1, "nothing is dropped on a failed flush")
	})
}

func TestResolvePhotosMemoization(t *testing.T) {
	t.Run("each reference is resolved once", func(t *testing.T) {
		fx := newFixture(t,
			feedPage(cursorPtr("c1"), false, fullCard("u1", "shared-ref"), fullCard("u2", "shared-ref")),
		)
		require.NoError(t, fx.controller.BootstrapAndFirstLoad(context.Background()))

		fx.resolver.mu.Lock()
		defer fx.resolver.mu.Unlock()
		assert.Equal(t, 1, fx.resolver.calls["shared-ref"])
	})

	t.Run("resolution failure degrades to the raw reference", func(t *testing.T) {
		fx := newFixture(t, feedPage(nil, true, fullCard("u1", "bad-ref", "good-ref")))
		fx.resolver.failRef = "bad-ref"

		require.NoError(t, fx.controller.BootstrapAndFirstLoad(context.Background()))
		state := fx.controller.State()
		require.Len(t, state.Cards, 1)
		assert.Equal(t, []string{"bad-ref", "https://cdn.example/good-ref"}, state.Cards[0].PhotoURLs)
	})
}
