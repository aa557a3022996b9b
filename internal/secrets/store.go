package secrets

import "context"

// Store persists small named secrets (OAuth tokens and their expiry).
// Implemented by the in-memory store (dev) and the Redis store (prod).
// Values are opaque credential material and must never be logged.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
