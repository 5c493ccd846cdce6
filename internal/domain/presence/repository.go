package presence

import (
	"context"
)

// QueueStore is the durable key-value store behind the offline action queue.
// The whole queue is kept as one serialized value per key.
type QueueStore interface {
	// Load returns the stored value, or ErrStoreNotFound when the key is absent.
	Load(ctx context.Context, key string) ([]byte, error)

	// Save replaces the stored value.
	Save(ctx context.Context, key string, value []byte) error

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}
