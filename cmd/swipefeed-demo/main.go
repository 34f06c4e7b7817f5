// Command swipefeed-demo drives the engine against an in-process fake of the
// remote matching service. Useful for eyeballing log output and state
// transitions without a backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"swipefeed-engine/application/ports"
	"swipefeed-engine/application/services"
	"swipefeed-engine/di"
	"swipefeed-engine/domain/card"
	"swipefeed-engine/domain/swipe"
)

type fakeRemote struct {
	mu      sync.Mutex
	cards   []*card.Card
	swipes  int
	undos   int
	batches int
}

func newFakeRemote(total int) *fakeRemote {
	cards := make([]*card.Card, total)
	for i := range cards {
		cards[i] = &card.Card{
			ID:          fmt.Sprintf("candidate-%03d", i),
			DisplayName: fmt.Sprintf("Candidate %d", i),
			Age:         21 + i%20,
			Bio:         "Enjoys long walks through demo data.",
			PhotoRefs:   []string{fmt.Sprintf("photos/candidate-%03d.jpg", i)},
		}
	}
	return &fakeRemote{cards: cards}
}

func (f *fakeRemote) Init(ctx context.Context, userID string) (ports.Bootstrap, error) {
	return ports.Bootstrap{
		UserID:      userID,
		Preferences: card.Preferences{AgeMin: 21, AgeMax: 45, MaxDistanceKm: 50},
	}, nil
}

func (f *fakeRemote) FetchFeedPage(ctx context.Context, userID string, prefs card.Preferences, afterCursor *string, limit int) (ports.FeedPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	start := 0
	if afterCursor != nil {
		fmt.Sscanf(*afterCursor, "offset-%d", &start)
	}
	end := start + limit
	if end > len(f.cards) {
		end = len(f.cards)
	}

	page := ports.FeedPage{Items: f.cards[start:end], Exhausted: end == len(f.cards)}
	if !page.Exhausted {
		cursor := fmt.Sprintf("offset-%d", end)
		page.NextCursor = &cursor
	}
	return page, nil
}

func (f *fakeRemote) RecordSwipe(ctx context.Context, swiperID, swipeeID string, liked bool) (swipe.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swipes++
	if liked && f.swipes%5 == 0 {
		return swipe.Result{
			MatchCreated: true,
			Match:        &swipe.MatchInfo{MatchID: fmt.Sprintf("match-%d", f.swipes), Parties: []string{swiperID, swipeeID}},
		}, nil
	}
	return swipe.Result{}, nil
}

func (f *fakeRemote) UndoSwipe(ctx context.Context, swiperID, swipeeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.undos++
	return nil
}

func (f *fakeRemote) RecordSwipeBatch(ctx context.Context, swiperID string, items []swipe.BatchItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	f.swipes += len(items)
	return nil
}

func (f *fakeRemote) Resolve(ctx context.Context, rawRef string) (string, error) {
	return "https://photos.invalid/" + rawRef, nil
}

func main() {
	var (
		configPath = flag.String("config", "", "optional tuning YAML, hot-reloaded")
		userID     = flag.String("user", "demo-user", "acting user id")
		total      = flag.Int("candidates", 60, "candidates the fake remote serves")
	)
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	remote := newFakeRemote(*total)
	engine, err := di.InitializeEngine(di.Options{
		UserID:        *userID,
		ConfigPath:    *configPath,
		FeedAPI:       remote,
		SwipeAPI:      remote,
		PhotoResolver: remote,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("engine init failed", zap.Error(err))
	}
	defer engine.Close()

	engine.Controller.SetListener(func(s services.FeedState) {
		logger.Info("feed state",
			zap.Bool("fetching", s.Fetching),
			zap.Bool("exhausted", s.Exhausted),
			zap.Int("cards", len(s.Cards)),
		)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := engine.Controller.BootstrapAndFirstLoad(ctx); err != nil {
		logger.Fatal("bootstrap failed", zap.Error(err))
	}

	// Swipe through the whole deck, undoing every seventh decision.
	decisions := 0
	for {
		state := engine.Controller.State()
		if len(state.Cards) == 0 {
			if state.Exhausted {
				break
			}
			if _, err := engine.Controller.TopUpIfNeeded(ctx); err != nil {
				logger.Warn("top-up failed", zap.Error(err))
				break
			}
			continue
		}

		top := state.Cards[0]
		result, err := engine.Controller.SwipeCard(ctx, top.ID, decisions%3 != 0)
		if err != nil {
			logger.Warn("swipe rejected", zap.String("card", top.ID), zap.Error(err))
			break
		}
		if result.MatchCreated {
			logger.Info("match!", zap.String("match_id", result.Match.MatchID))
		}
		engine.Controller.TrimFront(1)
		decisions++

		if decisions%7 == 0 {
			// The restored card comes back to the top and gets swiped again
			// on the next pass.
			if restored, err := engine.Controller.Undo(ctx); err == nil {
				logger.Info("undid swipe", zap.String("card", restored.ID))
			}
		}

		if _, err := engine.Controller.TopUpIfNeeded(ctx); err != nil {
			logger.Warn("top-up failed", zap.Error(err))
		}
	}

	if err := engine.Controller.FlushNow(ctx); err != nil {
		logger.Warn("final flush failed", zap.Error(err))
	}

	stats := engine.Cache.GetStats()
	logger.Info("demo complete",
		zap.Int("decisions", decisions),
		zap.Any("cache_stats", stats),
	)
	os.Exit(0)
}
