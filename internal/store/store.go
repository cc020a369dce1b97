// Package store holds the small versioned key/value contract that breaker,
// health and budget state share across router instances.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrContention is returned when a compare-and-swap loop runs out of retries.
var ErrContention = errors.New("store: too much contention on key")

// Store is a versioned key/value store. A missing key reads as (nil, 0, nil).
// CompareAndSwap writes value only if the key's current version equals
// version (0 meaning "must not exist") and reports whether it did.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, int64, error)
	CompareAndSwap(ctx context.Context, key string, version int64, value []byte) (bool, error)
	Close() error
}

// MaxCASAttempts bounds UpdateJSON retry loops.
const MaxCASAttempts = 16

// GetJSON reads and decodes a value. A missing key yields the zero value.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, int64, error) {
	var v T
	raw, version, err := s.Get(ctx, key)
	if err != nil {
		return v, 0, err
	}
	if len(raw) == 0 {
		return v, version, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, version, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, version, nil
}

// UpdateJSON runs a read-modify-write cycle on key. fn mutates the decoded
// value and returns whether anything changed; unchanged values are not
// written back. fn may run more than once and must not have side effects.
func UpdateJSON[T any](ctx context.Context, s Store, key string, fn func(*T) (bool, error)) (T, error) {
	var zero T
	for i := 0; i < MaxCASAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		current, version, err := GetJSON[T](ctx, s, key)
		if err != nil {
			return zero, err
		}
		changed, err := fn(&current)
		if err != nil {
			return current, err
		}
		if !changed {
			return current, nil
		}
		raw, err := json.Marshal(current)
		if err != nil {
			return zero, fmt.Errorf("encode %s: %w", key, err)
		}
		ok, err := s.CompareAndSwap(ctx, key, version, raw)
		if err != nil {
			return zero, err
		}
		if ok {
			return current, nil
		}
	}
	return zero, fmt.Errorf("%w: %s", ErrContention, key)
}
