package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Namespace prefixes every key written by mirador-recovery so a shared Redis can host other tenants.
const Namespace = "mirador-recovery"

// Provider is the shared key/value surface behind page de-duplication and archive lookups.
// Implementations must be safe for concurrent use.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// Key joins parts under Namespace, e.g. Key("escalation", id) -> "mirador-recovery:escalation:<id>".
func Key(parts ...string) string {
	return Namespace + ":" + strings.Join(parts, ":")
}

// Claim takes exclusive ownership of key for ttl. Errors from the provider are reported with
// claimed=true so callers that must not drop work (paging) proceed.
func Claim(ctx context.Context, p Provider, key string, value []byte, ttl time.Duration) (bool, error) {
	claimed, err := p.SetNX(ctx, key, value, ttl)
	if err != nil {
		return true, err
	}
	return claimed, nil
}

// GetJSON decodes the value stored under key into out. A missing or undecodable entry is
// reported as ErrCacheMiss.
func GetJSON(ctx context.Context, p Provider, key string, out any) error {
	data, err := p.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		_ = p.Del(ctx, key)
		return ErrCacheMiss
	}
	return nil
}

// SetJSON encodes value and stores it under key for ttl.
func SetJSON(ctx context.Context, p Provider, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return p.Set(ctx, key, data, ttl)
}

// NoopProvider stores nothing. Every Get misses and every SetNX succeeds.
type NoopProvider struct{}

func (NoopProvider) Get(context.Context, string) ([]byte, error) { return nil, ErrCacheMiss }

func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

func (NoopProvider) Del(context.Context, string) error { return nil }

func (NoopProvider) Close() error { return nil }
