package services

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"swipefeed-engine/application/ports"
	"swipefeed-engine/domain/card"
	"swipefeed-engine/domain/swipe"
	"swipefeed-engine/infrastructure/cache"
	"swipefeed-engine/infrastructure/config"
	"swipefeed-engine/infrastructure/feed"
	"swipefeed-engine/pkg/observability"

	apperrors "swipefeed-engine/pkg/errors"
)

// FeedState is the single UI-facing state object. Published to the
// registered listener after every mutation.
type FeedState struct {
	Fetching  bool
	Exhausted bool
	Cards     []*card.Card
	Err       error
}

// StateListener receives feed state updates.
type StateListener func(FeedState)

// SwipeController orchestrates the feed repository, the cache and photo
// resolution into one UI-facing component: bootstrap, top-up, swipe, undo
// and the periodic outbox flush.
//
// Concurrent BootstrapAndFirstLoad calls are not guarded; the UI is
// expected to call it once per session.
type SwipeController struct {
	mu sync.Mutex

	userID string
	prefs  card.Preferences

	repo    *feed.Repository
	cache   *cache.SwipeFeedCache
	photos  ports.PhotoResolver
	outbox  ports.OutboxStore
	tuning  *config.Watcher
	metrics *observability.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer

	fetching bool
	lastErr  error
	listener StateListener

	// photoURLs memoizes resolved photo URLs by raw reference so repeated
	// resolution never re-triggers signing calls.
	photoURLs map[string]string

	stopCh    chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}
}

// NewSwipeController creates a controller for one user and starts the
// periodic flush loop. Close stops the loop.
func NewSwipeController(
	userID string,
	repo *feed.Repository,
	feedCache *cache.SwipeFeedCache,
	photos ports.PhotoResolver,
	outbox ports.OutboxStore,
	tuning *config.Watcher,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *SwipeController {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &SwipeController{
		userID:    userID,
		repo:      repo,
		cache:     feedCache,
		photos:    photos,
		outbox:    outbox,
		tuning:    tuning,
		metrics:   metrics,
		logger:    logger.Named("swipe_controller"),
		tracer:    otel.Tracer("swipefeed-engine/controller"),
		photoURLs: make(map[string]string),
		stopCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	go c.flushLoop()
	return c
}

// SetListener registers the state listener. Pass nil to detach.
func (c *SwipeController) SetListener(fn StateListener) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()
}

// State returns the current UI-facing state.
func (c *SwipeController) State() FeedState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *SwipeController) stateLocked() FeedState {
	return FeedState{
		Fetching:  c.fetching,
		Exhausted: c.repo.Exhausted(),
		Cards:     c.cache.Cards(),
		Err:       c.lastErr,
	}
}

// publish snapshots the state and delivers it to the listener outside the
// controller lock.
func (c *SwipeController) publish() {
	c.mu.Lock()
	state := c.stateLocked()
	listener := c.listener
	c.mu.Unlock()

	c.metrics.SetCacheSizes(len(state.Cards), c.cache.LedgerLen(), c.cache.PendingLen())
	if listener != nil {
		listener(state)
	}
}

// BootstrapAndFirstLoad fetches the bootstrap, resets local state if the
// session key changed, replays any durable pending swipes, fetches the
// first page and publishes the result.
func (c *SwipeController) BootstrapAndFirstLoad(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "controller.BootstrapAndFirstLoad")
	defer span.End()

	c.setFetching(true)
	c.publish()

	bootstrap, err := c.repo.Init(ctx, c.userID)
	if err != nil {
		return c.failFetch(err)
	}

	c.mu.Lock()
	c.prefs = bootstrap.Preferences
	c.mu.Unlock()

	key := card.NewSessionKey(c.userID, bootstrap.Preferences)
	prevKey := c.cache.SessionKey()
	// A fresh cache has no key yet; seeding it is not an invalidation.
	if c.cache.ResetIfKeyChanged(key) && prevKey != "" {
		c.repo.Reset()
		// The durable outbox is session-scoped too: decisions queued under
		// old preferences belong to a feed that no longer exists.
		if err := c.outbox.Clear(ctx); err != nil {
			c.logger.Warn("failed to clear durable outbox after session reset", zap.Error(err))
		}
	} else {
		c.replayOutbox(ctx, key)
	}
	if err := c.outbox.SetSessionKey(ctx, string(key)); err != nil {
		c.logger.Warn("failed to record outbox session key", zap.Error(err))
	}

	page, err := c.repo.FetchFirst(ctx, c.userID, bootstrap.Preferences, c.tuning.Current().PageSize)
	if err != nil {
		return c.failFetch(err)
	}

	c.resolvePhotos(ctx, page.Items)
	c.cache.AddAll(page.Items)

	c.setFetching(false)
	c.clearErr()
	c.publish()
	return nil
}

// replayOutbox restores durably queued decisions, but only those recorded
// under the same session key: a restart that also changed preferences means
// the queued decisions belong to a feed that no longer exists, so the store
// is cleared instead.
func (c *SwipeController) replayOutbox(ctx context.Context, key card.SessionKey) {
	storedKey, err := c.outbox.SessionKey(ctx)
	if err != nil {
		c.logger.Warn("failed to read outbox session key, skipping replay", zap.Error(err))
		return
	}
	if storedKey != "" && storedKey != string(key) {
		if err := c.outbox.Clear(ctx); err != nil {
			c.logger.Warn("failed to clear stale durable outbox", zap.Error(err))
		}
		c.logger.Info("dropped durable outbox from a different session",
			zap.String("stored_key", storedKey),
		)
		return
	}

	restored, err := c.outbox.List(ctx)
	if err != nil {
		c.logger.Warn("failed to replay durable outbox", zap.Error(err))
		return
	}
	if len(restored) == 0 {
		return
	}
	c.cache.RestorePending(restored)
	c.logger.Info("replayed pending swipes from durable outbox", zap.Int("count", len(restored)))
}

// TopUpIfNeeded fetches more cards when the buffer has drained to the low
// water mark. No-op while a fetch is in flight or once the repository
// reports the feed exhausted. Returns the number of cards appended.
func (c *SwipeController) TopUpIfNeeded(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.fetching {
		c.mu.Unlock()
		return 0, nil
	}
	tuning := c.tuning.Current()
	if c.cache.Len() > tuning.LowWaterMark {
		c.mu.Unlock()
		return 0, nil
	}
	if c.repo.Exhausted() {
		c.mu.Unlock()
		return 0, nil
	}
	c.fetching = true
	prefs := c.prefs
	c.mu.Unlock()
	c.publish()

	added, err := c.repo.TopUp(ctx, prefs, tuning.PageSize, func(items []*card.Card) int {
		c.resolvePhotos(ctx, items)
		return c.cache.AddAll(items)
	})

	c.setFetching(false)
	if err != nil {
		// A failed top-up leaves prior state visible; the UI shows what it
		// already has and may retry later.
		c.setErr(err)
		c.publish()
		return 0, err
	}
	c.clearErr()
	c.publish()
	return added, nil
}

// SwipeCard applies a user decision with zero perceived latency: ledger,
// undo memory and outbox are updated synchronously, then the remote write
// is attempted best-effort. On remote failure the decision stays queued for
// the periodic flush.
func (c *SwipeController) SwipeCard(ctx context.Context, swipeeID string, liked bool) (swipe.Result, error) {
	ctx, span := c.tracer.Start(ctx, "controller.SwipeCard")
	defer span.End()

	snapshot, index := c.findCard(swipeeID)
	if snapshot == nil {
		return swipe.Result{}, apperrors.NewValidation("card not in buffer: " + swipeeID)
	}

	c.cache.RememberUndo(snapshot, liked, index)
	c.cache.RecordSwiped(swipeeID)
	pending := c.cache.EnqueuePending(swipeeID, liked)
	if err := c.outbox.Save(ctx, pending); err != nil {
		c.logger.Warn("failed to persist pending swipe", zap.String("swipee_id", swipeeID), zap.Error(err))
	}
	c.metrics.ObserveSwipe(liked)

	c.compactAndPrune()
	c.publish()

	result, err := c.repo.Swipe(ctx, swipeeID, liked)
	if err != nil {
		// Intent is preserved locally; the flush timer reconciles later.
		c.logger.Info("swipe record deferred to outbox",
			zap.String("swipee_id", swipeeID),
			zap.Error(err),
		)
		return swipe.Result{}, nil
	}

	c.cache.RemovePending(swipeeID)
	if err := c.outbox.Delete(ctx, swipeeID); err != nil {
		c.logger.Warn("failed to delete confirmed swipe from outbox", zap.Error(err))
	}
	c.publish()
	return result, nil
}

// Undo reverts the last swipe. The remote undo is attempted first, but the
// local undo proceeds regardless of the remote outcome: the visible deck
// stays consistent and the backend reconciles via its idempotent upsert.
func (c *SwipeController) Undo(ctx context.Context) (*card.Card, error) {
	ctx, span := c.tracer.Start(ctx, "controller.Undo")
	defer span.End()

	mem, ok := c.cache.ConsumeUndo()
	if !ok {
		return nil, apperrors.NewValidation("nothing to undo")
	}

	if err := c.repo.Undo(ctx, mem.SwipeeID); err != nil {
		c.logger.Warn("remote undo failed, proceeding locally",
			zap.String("swipee_id", mem.SwipeeID),
			zap.Error(err),
		)
	}

	c.cache.ReinsertForUndo(mem.Snapshot, mem.Index)
	if err := c.outbox.Delete(ctx, mem.SwipeeID); err != nil {
		c.logger.Warn("failed to remove undone swipe from outbox", zap.Error(err))
	}
	c.metrics.ObserveUndo()
	c.publish()
	return mem.Snapshot, nil
}

// TrimFront drops consumed cards from the front of the visible buffer.
func (c *SwipeController) TrimFront(count int) {
	c.cache.TrimFront(count)
	c.publish()
}

// ReinsertForUndo puts a card snapshot back at the given index. Exposed for
// UI-driven reinsertion during undo animations.
func (c *SwipeController) ReinsertForUndo(cd *card.Card, index int) {
	c.cache.ReinsertForUndo(cd, index)
	c.publish()
}

// FlushNow batches all currently-pending decisions into one remote call.
// On success the flushed entries leave both the cache outbox and the
// durable store. Decisions enqueued after the snapshot are untouched.
func (c *SwipeController) FlushNow(ctx context.Context) error {
	pending := c.cache.PendingSnapshot()
	if len(pending) == 0 {
		return nil
	}

	items := make([]swipe.BatchItem, len(pending))
	for i, p := range pending {
		items[i] = swipe.BatchItem{SwipeeID: p.SwipeeID, Liked: p.Liked}
	}

	err := c.repo.FlushBatch(ctx, items)
	c.metrics.ObserveFlush(err)
	if err != nil {
		c.logger.Warn("outbox flush failed, will retry next interval",
			zap.Int("pending", len(items)),
			zap.Error(err),
		)
		return err
	}

	for _, p := range pending {
		c.cache.RemovePending(p.SwipeeID)
		if err := c.outbox.Delete(ctx, p.SwipeeID); err != nil {
			c.logger.Warn("failed to delete flushed swipe from outbox", zap.Error(err))
		}
	}
	c.logger.Debug("outbox flushed", zap.Int("count", len(items)))
	c.publish()
	return nil
}

// Close stops the periodic flush loop.
func (c *SwipeController) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		<-c.loopDone
	})
}

// flushLoop runs for the lifetime of the controller. The interval is
// re-read each tick so a hot-reloaded flush interval takes effect.
func (c *SwipeController) flushLoop() {
	defer close(c.loopDone)
	for {
		interval := c.tuning.Current().FlushInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		timer := time.NewTimer(interval)
		select {
		case <-c.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			_ = c.FlushNow(ctx)
			cancel()
		}
	}
}

// compactAndPrune applies the memory bounds after a swipe: upcoming cards
// and the undo snapshot keep their heavy fields, everything else swiped in
// the buffer is compacted, and ledger/outbox are pruned to their bounds.
func (c *SwipeController) compactAndPrune() {
	tuning := c.tuning.Current()

	keep := make(map[string]struct{})
	cards := c.cache.Cards()
	for i := 0; i < len(cards) && i <= tuning.LookaheadFullCards; i++ {
		keep[cards[i].ID] = struct{}{}
	}
	if mem, ok := c.cache.PeekUndo(); ok {
		keep[mem.SwipeeID] = struct{}{}
	}

	c.cache.CompactSwipedCards(keep)
	c.cache.Prune(tuning.MaxSwiped, tuning.MaxPending)
}

func (c *SwipeController) findCard(id string) (*card.Card, int) {
	for i, cd := range c.cache.Cards() {
		if cd.ID == id {
			return cd, i
		}
	}
	return nil, -1
}

// resolvePhotos fills PhotoURLs for each card, memoizing by raw reference.
// Resolution failures degrade to the raw reference; a missing signed URL is
// a rendering concern, not a feed failure.
func (c *SwipeController) resolvePhotos(ctx context.Context, cards []*card.Card) {
	if c.photos == nil {
		return
	}
	for _, cd := range cards {
		if cd == nil || len(cd.PhotoRefs) == 0 {
			continue
		}
		urls := make([]string, len(cd.PhotoRefs))
		for i, ref := range cd.PhotoRefs {
			c.mu.Lock()
			cached, ok := c.photoURLs[ref]
			c.mu.Unlock()
			if ok {
				urls[i] = cached
				continue
			}
			resolved, err := c.photos.Resolve(ctx, ref)
			if err != nil {
				c.logger.Debug("photo resolution failed, using raw ref",
					zap.String("ref", ref),
					zap.Error(err),
				)
				urls[i] = ref
				continue
			}
			c.mu.Lock()
			c.photoURLs[ref] = resolved
			c.mu.Unlock()
			urls[i] = resolved
		}
		cd.PhotoURLs = urls
	}
}

func (c *SwipeController) setFetching(v bool) {
	c.mu.Lock()
	c.fetching = v
	c.mu.Unlock()
}

func (c *SwipeController) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *SwipeController) clearErr() {
	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()
}

func (c *SwipeController) failFetch(err error) error {
	c.setFetching(false)
	c.setErr(err)
	c.publish()
	return err
}
