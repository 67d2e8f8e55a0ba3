package checkpoint

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Store when no payload exists under the
// key yet.
var ErrNotFound = errors.New("checkpoint not found")

// Store is the byte-addressable persistence contract. SaveBytes must be
// atomic at key granularity: a concurrent LoadBytes observes either the
// previous payload or the new one, never a partial write.
type Store interface {
	LoadBytes(ctx context.Context, key string) ([]byte, error)
	SaveBytes(ctx context.Context, key string, data []byte) error
}
