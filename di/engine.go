// Package di assembles the swipe feed engine. Hosts either use
// InitializeEngine directly or compose the wire provider set into their own
// injector.
package di

import (
	"github.com/google/wire"
	"go.uber.org/zap"

	"swipefeed-engine/application/ports"
	"swipefeed-engine/application/services"
	"swipefeed-engine/infrastructure/cache"
	"swipefeed-engine/infrastructure/config"
	"swipefeed-engine/infrastructure/feed"
	"swipefeed-engine/infrastructure/outbox"
	"swipefeed-engine/infrastructure/retry"
	"swipefeed-engine/pkg/observability"
)

// ProviderSet wires the engine's internal components. The host supplies the
// remote API implementations, the photo resolver and the config watcher.
var ProviderSet = wire.NewSet(
	retry.DefaultConfig,
	provideExecutor,
	feed.NewRepository,
	cache.NewSwipeFeedCache,
	observability.NewMetrics,
	services.NewWipeCoordinator,
)

func provideExecutor(cfg retry.Config, metrics *observability.Metrics, logger *zap.Logger) *retry.Executor {
	cfg.OnRetry = func(attempt int, err error) { metrics.ObserveRetry() }
	return retry.NewExecutor(cfg, logger,
		retry.WithBreaker(retry.DefaultBreaker("swipe-remote", logger)),
	)
}

// Engine bundles the assembled subsystem and owns shutdown order.
type Engine struct {
	Controller *services.SwipeController
	Cache      *cache.SwipeFeedCache
	Wiper      *services.WipeCoordinator
	Metrics    *observability.Metrics
	Outbox     ports.OutboxStore

	tuning *config.Watcher
}

// Options configures InitializeEngine.
type Options struct {
	UserID     string
	ConfigPath string // optional YAML tuning file, hot-reloaded when set
	WipePolicy services.WipePolicy

	FeedAPI       ports.FeedAPI
	SwipeAPI      ports.SwipeAPI
	PhotoResolver ports.PhotoResolver
	// OutboxStore overrides the default durable store. Nil picks badger at
	// Config.OutboxPath, or a memory store when no path is configured.
	OutboxStore ports.OutboxStore

	Logger *zap.Logger
}

// InitializeEngine builds a ready-to-use engine: retry executor with
// circuit breaker, feed repository, process-wide cache, durable outbox,
// controller with its flush loop, metrics and the wipe coordinator.
func InitializeEngine(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	tuning, err := config.NewWatcher(cfg, opts.ConfigPath, logger)
	if err != nil {
		return nil, err
	}

	store := opts.OutboxStore
	if store == nil {
		if cfg.OutboxPath != "" {
			store, err = outbox.NewBadgerStore(outbox.DefaultBadgerConfig(cfg.OutboxPath), logger)
			if err != nil {
				tuning.Stop()
				return nil, err
			}
		} else {
			store = outbox.NewMemoryStore()
		}
	}

	metrics := observability.NewMetrics()
	exec := provideExecutor(retry.DefaultConfig(), metrics, logger)
	feedCache := cache.NewSwipeFeedCache(logger)
	repo := feed.NewRepository(opts.FeedAPI, opts.SwipeAPI, exec, metrics, logger)
	controller := services.NewSwipeController(
		opts.UserID, repo, feedCache, opts.PhotoResolver, store, tuning, metrics, logger,
	)

	wiper := services.NewWipeCoordinator(logger)
	services.RegisterFeedCacheWipe(wiper, feedCache, store, opts.WipePolicy)

	return &Engine{
		Controller: controller,
		Cache:      feedCache,
		Wiper:      wiper,
		Metrics:    metrics,
		Outbox:     store,
		tuning:     tuning,
	}, nil
}

// Close shuts the engine down: flush loop first, then the config watcher,
// then the durable store.
func (e *Engine) Close() error {
	e.Controller.Close()
	e.tuning.Stop()
	return e.Outbox.Close()
}
