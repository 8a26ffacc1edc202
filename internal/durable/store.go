// Package durable is the key-value persistence layer under module state.
// Values are JSON documents stored under flat string keys; the JSON round
// trip is the structural deep copy, so nothing live can leak into storage.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable means the backend could not be opened. Callers are
	// expected to continue in memory-only mode.
	ErrUnavailable = errors.New("durable store unavailable")
	ErrWriteFailed = errors.New("durable write failed")
	ErrReadFailed  = errors.New("durable read failed")
	ErrEmptyKey    = errors.New("durable key is required")
)

// Store persists opaque JSON values under string keys. Get reports a missing
// key as (nil, false, nil) and returns the bytes exactly as they were put.
// Implementations do not retry.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Keys lists every stored key in ascending order.
	Keys(ctx context.Context) ([]string, error)
	Mode() string
	Close() error
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %q: %v", ErrWriteFailed, key, err)
	}
	return s.Put(ctx, key, raw)
}

// GetJSON loads key into out. ok is false when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("%w: decode %q: %v", ErrReadFailed, key, err)
	}
	return true, nil
}

func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrEmptyKey
	}
	return key, nil
}

func validateValue(key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("%w: value for %q is not valid JSON", ErrWriteFailed, key)
	}
	return nil
}
