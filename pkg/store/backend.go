package store

import (
	"context"

	"github.com/pantheon-agents/pantheon/pkg/models"
)

// backend is the contract both the primary (PostgreSQL) and fallback
// (SQLite) stores satisfy. Insertion order per conversation must be
// preserved; Tail returns the newest limit records in chronological
// order.
type backend interface {
	Append(ctx context.Context, rec models.ConversationRecord) error
	Tail(ctx context.Context, conversationID string, limit int) ([]models.ConversationRecord, error)
	Prune(ctx context.Context, conversationID string, cap int) error
	Put(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) (map[string]string, error)
	Close() error
}
