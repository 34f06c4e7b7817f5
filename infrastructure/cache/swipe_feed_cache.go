// Package cache implements the central in-memory store for the swipe feed:
// the card buffer, the swiped-id ledger, the pending-swipe outbox and the
// single-level undo memory. All state is scoped to a session key and is
// invalidated together when the key changes.
package cache

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"swipefeed-engine/domain/card"
	"swipefeed-engine/domain/swipe"
)

// Default bounds for very long swiping sessions.
const (
	DefaultMaxSwiped  = 6000
	DefaultMaxPending = 512
)

// UndoMemory remembers the one swipe that can still be undone. Overwritten
// on every swipe; single-level undo only.
type UndoMemory struct {
	SwipeeID string
	Liked    bool
	Snapshot *card.Card // full, uncompacted copy for reinsertion
	Index    int        // buffer position the card held when swiped
}

// WipeOptions controls what survives WipeAll. The zero value is the
// conservative default: overrides and position survive, the outbox survives.
// Dropping unsent swipes silently is a data-loss risk the caller must opt
// into via DropPending.
type WipeOptions struct {
	DropUnswipeOverrides bool
	DropLastTopCardID    bool
	DropPending          bool
}

// Stats is a snapshot of cache counters for observability.
type Stats struct {
	BufferLen     int
	LedgerLen     int
	PendingLen    int
	Added         int64
	DedupSkipped  int64
	InvalidRows   int64
	Compactions   int64
	PrunedSwiped  int64
	PrunedPending int64
}

// SwipeFeedCache is the process-wide store shared by all controller
// instances across navigation. It is mutex-guarded: every mutation is a
// single synchronous critical section, so interleaved async flows can never
// observe a half-applied invariant.
type SwipeFeedCache struct {
	mu sync.Mutex

	sessionKey card.SessionKey
	buffer     []*card.Card
	buffered   map[string]bool

	swiped      map[string]*list.Element // id -> element in swipedOrder
	swipedOrder *list.List               // front = oldest, back = most recent

	pending   map[string]swipe.Pending
	undo      *UndoMemory
	overrides map[string]bool // undone ids exempt from ledger filtering

	lastTopCardID string

	added         int64
	dedupSkipped  int64
	invalidRows   int64
	compactions   int64
	prunedSwiped  int64
	prunedPending int64

	nowMs  func() int64
	logger *zap.Logger
}

// Option customizes a SwipeFeedCache.
type Option func(*SwipeFeedCache)

// WithClock overrides the enqueue timestamp source. Tests use this for
// deterministic pruning order.
func WithClock(nowMs func() int64) Option {
	return func(c *SwipeFeedCache) { c.nowMs = nowMs }
}

// NewSwipeFeedCache creates an empty cache.
func NewSwipeFeedCache(logger *zap.Logger, opts ...Option) *SwipeFeedCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &SwipeFeedCache{
		buffered:    make(map[string]bool),
		swiped:      make(map[string]*list.Element),
		swipedOrder: list.New(),
		pending:     make(map[string]swipe.Pending),
		overrides:   make(map[string]bool),
		nowMs:       func() int64 { return time.Now().UnixMilli() },
		logger:      logger.Named("swipe_feed_cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ResetIfKeyChanged invalidates all session-scoped state when the key
// differs from the current one. Idempotent: a second call with the same key
// is a no-op. Returns true when a reset actually happened.
func (c *SwipeFeedCache) ResetIfKeyChanged(key card.SessionKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionKey == key {
		return false
	}

	prev := c.sessionKey
	c.sessionKey = key
	c.buffer = nil
	c.buffered = make(map[string]bool)
	c.swiped = make(map[string]*list.Element)
	c.swipedOrder = list.New()
	c.pending = make(map[string]swipe.Pending)
	c.undo = nil
	c.overrides = make(map[string]bool)
	c.lastTopCardID = ""

	c.logger.Info("session key changed, local feed state reset",
		zap.String("previous_key", string(prev)),
		zap.String("new_key", string(key)),
	)
	return true
}

// SessionKey returns the current session key.
func (c *SwipeFeedCache) SessionKey() card.SessionKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionKey
}

// AddAll appends cards whose id is neither already buffered nor in the
// swiped ledger. Rows without an id are dropped: feed data is semi-trusted
// input, not worth failing a whole page over. Order of already-present
// cards is preserved; the buffer is append-only while a deck is live.
// Returns the number of cards actually appended.
func (c *SwipeFeedCache) AddAll(cards []*card.Card) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	appended := 0
	for _, cd := range cards {
		if cd == nil || cd.Validate() != nil {
			c.invalidRows++
			continue
		}
		if c.buffered[cd.ID] {
			c.dedupSkipped++
			continue
		}
		if _, swipedAlready := c.swiped[cd.ID]; swipedAlready && !c.overrides[cd.ID] {
			c.dedupSkipped++
			continue
		}
		c.buffer = append(c.buffer, cd)
		c.buffered[cd.ID] = true
		c.added++
		appended++
	}

	if appended > 0 && c.lastTopCardID == "" && len(c.buffer) > 0 {
		c.lastTopCardID = c.buffer[0].ID
	}
	return appended
}

// Cards returns a copy of the visible buffer.
func (c *SwipeFeedCache) Cards() []*card.Card {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*card.Card, len(c.buffer))
	copy(out, c.buffer)
	return out
}

// Len returns the buffered card count.
func (c *SwipeFeedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// TrimFront drops up to count cards from the front of the buffer. Used by
// the UI as cards are consumed by swipe animations.
func (c *SwipeFeedCache) TrimFront(count int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if count <= 0 {
		return
	}
	if count > len(c.buffer) {
		count = len(c.buffer)
	}
	for _, cd := range c.buffer[:count] {
		delete(c.buffered, cd.ID)
	}
	c.buffer = append([]*card.Card(nil), c.buffer[count:]...)
	if len(c.buffer) > 0 {
		c.lastTopCardID = c.buffer[0].ID
	}
}

// RecordSwiped moves the id to the most-recently-used end of the ledger,
// inserting it if absent. Idempotent. An undo override for the id is
// cleared: swiping again re-establishes the decision.
func (c *SwipeFeedCache) RecordSwiped(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id == "" {
		return
	}
	delete(c.overrides, id)
	if el, ok := c.swiped[id]; ok {
		c.swipedOrder.MoveToBack(el)
		return
	}
	c.swiped[id] = c.swipedOrder.PushBack(id)
}

// IsSwiped reports whether the id is in the ledger and not overridden.
func (c *SwipeFeedCache) IsSwiped(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.swiped[id]
	return ok && !c.overrides[id]
}

// LedgerLen returns the swiped ledger size.
func (c *SwipeFeedCache) LedgerLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.swiped)
}

// EnqueuePending queues a swipe decision for remote reconciliation. At most
// one entry per counterpart id; the newest decision wins, overwriting any
// earlier queued decision for the same id.
func (c *SwipeFeedCache) EnqueuePending(id string, liked bool) swipe.Pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := swipe.Pending{
		EntryID:      uuid.NewString(),
		SwipeeID:     id,
		Liked:        liked,
		EnqueuedAtMs: c.nowMs(),
	}
	c.pending[id] = p
	return p
}

// RemovePending removes the queued decision for the id, if any.
func (c *SwipeFeedCache) RemovePending(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// PendingSnapshot returns the queued decisions ordered by enqueue time.
func (c *SwipeFeedCache) PendingSnapshot() []swipe.Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingSnapshotLocked()
}

func (c *SwipeFeedCache) pendingSnapshotLocked() []swipe.Pending {
	out := make([]swipe.Pending, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAtMs != out[j].EnqueuedAtMs {
			return out[i].EnqueuedAtMs < out[j].EnqueuedAtMs
		}
		return out[i].SwipeeID < out[j].SwipeeID
	})
	return out
}

// PendingLen returns the outbox depth.
func (c *SwipeFeedCache) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// RememberUndo records the single-level undo memory, overwriting any prior
// memory. The snapshot is cloned so later compaction of the buffered entry
// cannot corrupt it.
func (c *SwipeFeedCache) RememberUndo(snapshot *card.Card, liked bool, index int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snapshot == nil || snapshot.ID == "" {
		return
	}
	c.undo = &UndoMemory{
		SwipeeID: snapshot.ID,
		Liked:    liked,
		Snapshot: snapshot.Clone(),
		Index:    index,
	}
}

// PeekUndo returns the current undo memory without consuming it.
func (c *SwipeFeedCache) PeekUndo() (UndoMemory, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.undo == nil {
		return UndoMemory{}, false
	}
	return *c.undo, true
}

// ConsumeUndo removes and returns the undo memory.
func (c *SwipeFeedCache) ConsumeUndo() (UndoMemory, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.undo == nil {
		return UndoMemory{}, false
	}
	mem := *c.undo
	c.undo = nil
	return mem, true
}

// ReinsertForUndo puts a full card snapshot back into the buffer. This is
// the only path allowed to move a ledger id back into the buffer: any
// existing occurrence is removed first, the index is clamped into
// [0, len(buffer)], and the id leaves the swiped ledger with an override so
// a later feed page containing it is not filtered out.
func (c *SwipeFeedCache) ReinsertForUndo(cd *card.Card, index int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cd == nil || cd.ID == "" {
		return
	}

	// Drop any existing occurrence (possibly a compacted husk).
	if c.buffered[cd.ID] {
		for i, existing := range c.buffer {
			if existing.ID == cd.ID {
				c.buffer = append(c.buffer[:i], c.buffer[i+1:]...)
				break
			}
		}
	}

	if index < 0 {
		index = 0
	}
	if index > len(c.buffer) {
		index = len(c.buffer)
	}
	c.buffer = append(c.buffer, nil)
	copy(c.buffer[index+1:], c.buffer[index:])
	c.buffer[index] = cd
	c.buffered[cd.ID] = true

	if el, ok := c.swiped[cd.ID]; ok {
		c.swipedOrder.Remove(el)
		delete(c.swiped, cd.ID)
	}
	c.overrides[cd.ID] = true
	delete(c.pending, cd.ID)
}

// Prune bounds memory growth over an unbounded session: ledger entries
// beyond maxSwiped are evicted oldest-first, pending entries beyond
// maxPending are evicted by enqueue time. Non-positive bounds use the
// defaults.
func (c *SwipeFeedCache) Prune(maxSwiped, maxPending int) (evictedSwiped, evictedPending int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if maxSwiped <= 0 {
		maxSwiped = DefaultMaxSwiped
	}
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}

	for len(c.swiped) > maxSwiped {
		oldest := c.swipedOrder.Front()
		if oldest == nil {
			break
		}
		id := oldest.Value.(string)
		c.swipedOrder.Remove(oldest)
		delete(c.swiped, id)
		evictedSwiped++
	}

	if len(c.pending) > maxPending {
		ordered := c.pendingSnapshotLocked()
		for _, p := range ordered[:len(ordered)-maxPending] {
			delete(c.pending, p.SwipeeID)
			evictedPending++
		}
	}

	c.prunedSwiped += int64(evictedSwiped)
	c.prunedPending += int64(evictedPending)

	if evictedSwiped > 0 || evictedPending > 0 {
		c.logger.Debug("pruned cache state",
			zap.Int("evicted_swiped", evictedSwiped),
			zap.Int("evicted_pending", evictedPending),
		)
	}
	return evictedSwiped, evictedPending
}

// CompactSwipedCards strips heavy fields from buffered cards that are both
// swiped and not in keepFullIDs. Swiped cards are never shown again except
// transiently during undo, which restores from the undo snapshot rather
// than the compacted buffer entry. Returns the number of cards compacted.
func (c *SwipeFeedCache) CompactSwipedCards(keepFullIDs map[string]struct{}) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	compacted := 0
	for _, cd := range c.buffer {
		if cd.Compacted {
			continue
		}
		if _, swipedAlready := c.swiped[cd.ID]; !swipedAlready {
			continue
		}
		if _, keep := keepFullIDs[cd.ID]; keep {
			continue
		}
		cd.Compact()
		compacted++
	}
	c.compactions += int64(compacted)
	return compacted
}

// LastTopCardID returns the id of the card last known to be at the top of
// the deck, used to restore position after a wipe.
func (c *SwipeFeedCache) LastTopCardID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTopCardID
}

// WipeAll performs a full reset with selective preservation, used by the
// global cache-wipe hook and by sign-out.
func (c *SwipeFeedCache) WipeAll(opts WipeOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buffer = nil
	c.buffered = make(map[string]bool)
	c.swiped = make(map[string]*list.Element)
	c.swipedOrder = list.New()
	c.undo = nil
	c.sessionKey = ""

	if opts.DropPending {
		c.pending = make(map[string]swipe.Pending)
	}
	if opts.DropUnswipeOverrides {
		c.overrides = make(map[string]bool)
	}
	if opts.DropLastTopCardID {
		c.lastTopCardID = ""
	}

	c.logger.Info("cache wiped",
		zap.Bool("dropped_pending", opts.DropPending),
		zap.Bool("dropped_overrides", opts.DropUnswipeOverrides),
	)
}

// RestorePending loads previously persisted outbox entries, e.g. after a
// process restart. Newest-wins per swipee id is re-applied against whatever
// is already queued.
func (c *SwipeFeedCache) RestorePending(entries []swipe.Pending) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range entries {
		if p.SwipeeID == "" {
			continue
		}
		if existing, ok := c.pending[p.SwipeeID]; ok && existing.EnqueuedAtMs >= p.EnqueuedAtMs {
			continue
		}
		c.pending[p.SwipeeID] = p
	}
}

// GetStats returns a snapshot of cache counters.
func (c *SwipeFeedCache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		BufferLen:     len(c.buffer),
		LedgerLen:     len(c.swiped),
		PendingLen:    len(c.pending),
		Added:         c.added,
		DedupSkipped:  c.dedupSkipped,
		InvalidRows:   c.invalidRows,
		Compactions:   c.compactions,
		PrunedSwiped:  c.prunedSwiped,
		PrunedPending: c.prunedPending,
	}
}
