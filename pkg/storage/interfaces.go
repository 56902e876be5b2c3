package storage

import (
	"context"
	"errors"
)

// Fixed key names under which a session is persisted. A session is written
// and removed as one unit; a partial set of these keys is never valid.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyUser         = "user"
	KeyIssuedAt     = "issued_at"
)

// SessionKeys lists every key that makes up a persisted session.
var SessionKeys = []string{KeyAccessToken, KeyRefreshToken, KeyUser, KeyIssuedAt}

var ErrEmptyKey = errors.New("storage: key is required")

// KeyValueStore is the durable collaborator behind the session store.
// Implementations must make ReplaceAll and DeleteAll appear atomic: a
// concurrent GetMany sees either all of the written keys or none of them.
type KeyValueStore interface {
	// GetMany returns the values that exist for keys. Missing keys are
	// absent from the result rather than reported as errors.
	GetMany(ctx context.Context, keys []string) (map[string]string, error)
	ReplaceAll(ctx context.Context, values map[string]string) error
	DeleteAll(ctx context.Context, keys []string) error
}

func ValidateKeys[V any](values map[string]V) error {
	for key := range values {
		if key == "" {
			return ErrEmptyKey
		}
	}
	return nil
}
