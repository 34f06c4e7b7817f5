package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"swipefeed-engine/domain/swipe"
	apperrors "swipefeed-engine/pkg/errors"
)

const (
	pendingPrefix  = "pending#"
	sessionKeyMeta = "meta#session_key"
)

// BadgerConfig holds configuration for the badger-backed store.
type BadgerConfig struct {
	// Path is the directory for the database files. Ignored when InMemory
	// is true.
	Path string
	// InMemory enables in-memory mode (no disk persistence). Used by tests.
	InMemory bool
	// SyncWrites enables synchronous writes. A lost swipe on power loss is
	// exactly what this store exists to prevent, so production keeps this on.
	SyncWrites bool
}

// DefaultBadgerConfig returns the production configuration.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, SyncWrites: true}
}

// InMemoryBadgerConfig returns a configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// BadgerStore is the durable OutboxStore. Entries are keyed by swipee id so
// newest-wins semantics hold across restarts for free.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// badgerLogger adapts zap to badger's Logger interface.
type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.logger.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.logger.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.logger.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.logger.Debugf(format, args...) }

// NewBadgerStore opens (or creates) the outbox database.
func NewBadgerStore(cfg BadgerConfig, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("outbox_store")

	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(&badgerLogger{logger: logger.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, apperrors.NewInternal("failed to open outbox store", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

func pendingKey(swipeeID string) []byte {
	return []byte(pendingPrefix + swipeeID)
}

// Save upserts the pending decision keyed by swipee id.
func (s *BadgerStore) Save(_ context.Context, pending swipe.Pending) error {
	payload, err := json.Marshal(pending)
	if err != nil {
		return apperrors.NewInternal("failed to serialize pending swipe", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pendingKey(pending.SwipeeID), payload)
	})
	if err != nil {
		return apperrors.NewInternal("failed to save pending swipe", err)
	}
	return nil
}

// Delete removes the pending decision for a swipee id.
func (s *BadgerStore) Delete(_ context.Context, swipeeID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(pendingKey(swipeeID))
	})
	if err != nil && err != badger.ErrKeyNotFound {
		return apperrors.NewInternal("failed to delete pending swipe", err)
	}
	return nil
}

// List returns all pending decisions ordered by enqueue time. Corrupt rows
// are skipped and logged, not fatal: a replay that loses one record is
// still better than losing the whole queue.
func (s *BadgerStore) List(_ context.Context) ([]swipe.Pending, error) {
	var out []swipe.Pending
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(pendingPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var p swipe.Pending
				if err := json.Unmarshal(val, &p); err != nil {
					s.logger.Warn("skipping corrupt outbox entry",
						zap.String("key", string(item.Key())),
						zap.Error(err),
					)
					return nil
				}
				out = append(out, p)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.NewInternal("failed to list pending swipes", err)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EnqueuedAtMs < out[j].EnqueuedAtMs
	})
	return out, nil
}

// Clear drops every pending decision.
func (s *BadgerStore) Clear(ctx context.Context) error {
	entries, err := s.List(ctx)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, p := range entries {
			if err := txn.Delete(pendingKey(p.SwipeeID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperrors.NewInternal("failed to clear outbox", err)
	}
	return nil
}

// SessionKey returns the session key the stored decisions were queued under.
func (s *BadgerStore) SessionKey(_ context.Context) (string, error) {
	var key string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sessionKeyMeta))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			key = string(val)
			return nil
		})
	})
	if err != nil {
		return "", apperrors.NewInternal("failed to read outbox session key", err)
	}
	return key, nil
}

// SetSessionKey records the session key for subsequently saved decisions.
func (s *BadgerStore) SetSessionKey(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(sessionKeyMeta), []byte(key))
	})
	if err != nil {
		return apperrors.NewInternal("failed to record outbox session key", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close outbox store: %w", err)
	}
	return nil
}
