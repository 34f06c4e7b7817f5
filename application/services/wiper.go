package services

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"swipefeed-engine/application/ports"
	"swipefeed-engine/infrastructure/cache"
)

// WipeHook is a zero-argument reset callback. Hooks are best-effort: they
// must not panic the wipe, and their errors are logged, never propagated.
type WipeHook func(ctx context.Context) error

// WipeCoordinator is the global "reset all local state" coordinator.
// Subsystems register hooks; WipeAll runs every hook exactly once.
type WipeCoordinator struct {
	mu     sync.Mutex
	hooks  map[string]WipeHook
	order  []string
	logger *zap.Logger
}

// NewWipeCoordinator creates an empty coordinator.
func NewWipeCoordinator(logger *zap.Logger) *WipeCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WipeCoordinator{
		hooks:  make(map[string]WipeHook),
		logger: logger.Named("wipe_coordinator"),
	}
}

// Register adds a named hook, replacing any previous hook with that name.
func (w *WipeCoordinator) Register(name string, hook WipeHook) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.hooks[name]; !exists {
		w.order = append(w.order, name)
	}
	w.hooks[name] = hook
}

// WipeAll invokes every registered hook in registration order. A failing or
// panicking hook never prevents the remaining hooks from running.
func (w *WipeCoordinator) WipeAll(ctx context.Context) {
	w.mu.Lock()
	names := append([]string(nil), w.order...)
	hooks := make(map[string]WipeHook, len(w.hooks))
	for k, v := range w.hooks {
		hooks[k] = v
	}
	w.mu.Unlock()

	for _, name := range names {
		w.runHook(ctx, name, hooks[name])
	}
}

func (w *WipeCoordinator) runHook(ctx context.Context, name string, hook WipeHook) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("wipe hook panicked", zap.String("hook", name), zap.Any("panic", r))
		}
	}()
	if err := hook(ctx); err != nil {
		w.logger.Warn("wipe hook failed", zap.String("hook", name), zap.Error(err))
	}
}

// WipePolicy decides what a coordinator-driven wipe drops.
type WipePolicy struct {
	// DropPending also discards unsent swipe decisions, local and durable.
	// Off by default: dropping unsent swipes silently is a data-loss risk
	// the caller must opt into.
	DropPending bool
}

// RegisterFeedCacheWipe hooks the swipe feed subsystem into the global
// coordinator. The hook wipes with conservative defaults: position and
// undo overrides survive, the outbox is dropped only when policy says so.
func RegisterFeedCacheWipe(coord *WipeCoordinator, feedCache *cache.SwipeFeedCache, outbox ports.OutboxStore, policy WipePolicy) {
	coord.Register("swipe_feed_cache", func(ctx context.Context) error {
		feedCache.WipeAll(cache.WipeOptions{
			DropPending: policy.DropPending,
		})
		if policy.DropPending && outbox != nil {
			return outbox.Clear(ctx)
		}
		return nil
	})
}
