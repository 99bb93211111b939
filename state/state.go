package state

import (
	"context"
	"errors"
	"strings"
)

// Common errors.
var (
	ErrNotFound   = errors.New("key not found")
	ErrExists     = errors.New("key already exists")
	ErrClosed     = errors.New("store closed")
	ErrInvalidKey = errors.New("invalid key")
)

// KeyValue is one stored record.
type KeyValue struct {
	Key   string
	Value []byte

	// Revision increases every time the key is written.
	Revision uint64
}

// StateStore is the persistence collaborator for account, task and
// journal records. Implementations must make every single-key operation
// atomic.
type StateStore interface {
	// Get retrieves a value by key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put creates or overwrites a key.
	Put(ctx context.Context, key string, value []byte) error

	// Create stores a key only if it is absent.
	// Returns ErrExists if the key is already present.
	Create(ctx context.Context, key string, value []byte) error

	// Delete removes a key.
	// Returns nil if the key does not exist.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys matching a pattern, sorted.
	// Pattern supports * wildcard at the end (e.g., "tasks.*").
	Keys(ctx context.Context, pattern string) ([]string, error)

	// List returns every entry matching a pattern, sorted by key.
	List(ctx context.Context, pattern string) ([]KeyValue, error)

	// Close shuts down the store and releases resources.
	Close() error
}

// ValidateKey checks if a key is valid. The rules are the intersection
// of what every backend accepts.
func ValidateKey(key string) error {
	if key == "" || len(key) > 1024 {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return ErrInvalidKey
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '_', r == '=', r == '/':
		default:
			return ErrInvalidKey
		}
	}
	return nil
}

// MatchPattern checks if a key matches a pattern.
// Supports * wildcard at the end (e.g., "config.*" matches "config.foo").
func MatchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}

// patternPrefix returns the literal prefix of a pattern and whether the
// pattern is a prefix match at all.
func patternPrefix(pattern string) (string, bool) {
	if strings.HasSuffix(pattern, "*") {
		return strings.TrimSuffix(pattern, "*"), true
	}
	return pattern, false
}
