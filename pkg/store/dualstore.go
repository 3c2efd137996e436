// Package store is the persistence layer: an ordered conversation log
// plus a configuration key/value table, written to a remote PostgreSQL
// primary with an embedded SQLite fallback. Every write goes to the
// fallback; the primary is best-effort, so the fallback is always a
// superset. Reads prefer the primary and degrade silently.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/pantheon-agents/pantheon/pkg/models"
)

// DefaultConversationCap bounds records kept per conversation id.
const DefaultConversationCap = 100

// Config configures the dual store.
type Config struct {
	PrimaryURL      string // PostgreSQL URL; empty disables the primary
	FallbackPath    string // SQLite file path
	ConversationCap int    // records kept per conversation (default 100)
}

// DualStore combines the primary and fallback backends behind one
// interface. A nil primary means fallback-only mode.
type DualStore struct {
	primary  backend // nil in fallback-only mode
	fallback backend
	cap      int

	primaryFailures atomic.Int64
}

// Open initializes both backends. A primary initialization failure is
// not fatal: the store runs in fallback-only mode and logs the fact.
// A fallback failure is fatal because the fallback is the superset.
func Open(ctx context.Context, cfg Config) (*DualStore, error) {
	if cfg.ConversationCap <= 0 {
		cfg.ConversationCap = DefaultConversationCap
	}

	fallback, err := newFallbackBackend(ctx, cfg.FallbackPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var primary backend
	if cfg.PrimaryURL != "" {
		p, err := newPrimaryBackend(ctx, cfg.PrimaryURL)
		if err != nil {
			slog.Warn("Primary store unavailable, running fallback-only",
				"error", err)
		} else {
			primary = p
			slog.Info("Connected to primary store")
		}
	} else {
		slog.Info("No primary store configured, running fallback-only")
	}

	return &DualStore{primary: primary, fallback: fallback, cap: cfg.ConversationCap}, nil
}

// newDualStore wires explicit backends; used by tests to inject fakes.
func newDualStore(primary, fallback backend, conversationCap int) *DualStore {
	if conversationCap <= 0 {
		conversationCap = DefaultConversationCap
	}
	return &DualStore{primary: primary, fallback: fallback, cap: conversationCap}
}

// FallbackOnly reports whether the primary is absent.
func (s *DualStore) FallbackOnly() bool {
	return s.primary == nil
}

// PrimaryFailures returns the count of absorbed primary-side failures.
func (s *DualStore) PrimaryFailures() int64 {
	return s.primaryFailures.Load()
}

func (s *DualStore) primaryFailed(op string, err error) {
	s.primaryFailures.Add(1)
	slog.Warn("Primary store operation failed, fallback holds the write",
		"op", op, "error", err)
}

// Append writes a conversation record to both backends and prunes the
// conversation to the cap inside the same logical write.
func (s *DualStore) Append(ctx context.Context, rec models.ConversationRecord) error {
	var primaryErr error
	if s.primary != nil {
		if primaryErr = s.primary.Append(ctx, rec); primaryErr != nil {
			s.primaryFailed("append", primaryErr)
		} else if err := s.primary.Prune(ctx, rec.ConversationID, s.cap); err != nil {
			s.primaryFailed("prune", err)
		}
	}

	if err := s.fallback.Append(ctx, rec); err != nil {
		if s.primary == nil || primaryErr != nil {
			return fmt.Errorf("%w: append: %v", ErrStoreUnavailable, err)
		}
		// Primary holds the record; fallback temporarily behind.
		slog.Error("Fallback append failed", "error", err)
		return nil
	}
	if err := s.fallback.Prune(ctx, rec.ConversationID, s.cap); err != nil {
		slog.Error("Fallback prune failed", "error", err)
	}
	return nil
}

// Tail returns the newest limit records of a conversation in
// chronological order, preferring the primary.
func (s *DualStore) Tail(ctx context.Context, conversationID string, limit int) ([]models.ConversationRecord, error) {
	if limit <= 0 || limit > s.cap {
		limit = s.cap
	}
	if s.primary != nil {
		recs, err := s.primary.Tail(ctx, conversationID, limit)
		if err == nil {
			return recs, nil
		}
		s.primaryFailed("tail", err)
	}
	recs, err := s.fallback.Tail(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: tail: %v", ErrStoreUnavailable, err)
	}
	return recs, nil
}

// Put stores a configuration key in both backends.
func (s *DualStore) Put(ctx context.Context, key, value string) error {
	var primaryErr error
	if s.primary != nil {
		if primaryErr = s.primary.Put(ctx, key, value); primaryErr != nil {
			s.primaryFailed("put", primaryErr)
		}
	}
	if err := s.fallback.Put(ctx, key, value); err != nil {
		if s.primary == nil || primaryErr != nil {
			return fmt.Errorf("%w: put: %v", ErrStoreUnavailable, err)
		}
		slog.Error("Fallback put failed", "error", err)
	}
	return nil
}

// Get reads a configuration key, preferring the primary. Returns
// ErrKeyNotFound when the key exists in neither backend.
func (s *DualStore) Get(ctx context.Context, key string) (string, error) {
	if s.primary != nil {
		value, err := s.primary.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if err == ErrKeyNotFound {
			return "", ErrKeyNotFound
		}
		s.primaryFailed("get", err)
	}
	value, err := s.fallback.Get(ctx, key)
	if err == ErrKeyNotFound {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: get: %v", ErrStoreUnavailable, err)
	}
	return value, nil
}

// Delete removes a configuration key from both backends.
func (s *DualStore) Delete(ctx context.Context, key string) error {
	var primaryErr error
	if s.primary != nil {
		if primaryErr = s.primary.Delete(ctx, key); primaryErr != nil {
			s.primaryFailed("delete", primaryErr)
		}
	}
	if err := s.fallback.Delete(ctx, key); err != nil {
		if s.primary == nil || primaryErr != nil {
			return fmt.Errorf("%w: delete: %v", ErrStoreUnavailable, err)
		}
	}
	return nil
}

// Keys returns every stored configuration key, preferring the primary.
func (s *DualStore) Keys(ctx context.Context) (map[string]string, error) {
	if s.primary != nil {
		keys, err := s.primary.Keys(ctx)
		if err == nil {
			return keys, nil
		}
		s.primaryFailed("keys", err)
	}
	keys, err := s.fallback.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: keys: %v", ErrStoreUnavailable, err)
	}
	return keys, nil
}

// ConversationCap returns the per-conversation record cap.
func (s *DualStore) ConversationCap() int {
	return s.cap
}

// Close closes both backends.
func (s *DualStore) Close() error {
	var firstErr error
	if s.primary != nil {
		if err := s.primary.Close(); err != nil {
			firstErr = err
		}
	}
	if err := s.fallback.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
