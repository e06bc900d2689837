// Package redisindex implements webhook.HashIndex on Redis so every process
// behind a load balancer shares one view of recently seen payload hashes.
package redisindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/billing/webhook"
)

// DefaultPrefix namespaces index keys.
const DefaultPrefix = "billing:webhook:hash"

var _ webhook.HashIndex = (*Index)(nil)

// Index maps (provider, payload hash) to the first event id seen with it.
// Keys expire with the dedupe window; the store stays authoritative.
type Index struct {
	client goredis.UniversalClient
	prefix string
}

// New returns an Index using the default key prefix.
func New(client goredis.UniversalClient) *Index {
	return &Index{client: client, prefix: DefaultPrefix}
}

// WithPrefix returns a copy that namespaces keys under prefix.
func (i *Index) WithPrefix(prefix string) *Index {
	cp := *i
	cp.prefix = prefix
	return &cp
}

func (i *Index) key(provider, hash string) string {
	return fmt.Sprintf("%s:{%s}:%s", i.prefix, provider, hash)
}

// Lookup returns the event id first remembered for hash, if still live.
func (i *Index) Lookup(ctx context.Context, provider, hash string) (string, bool, error) {
	eventID, err := i.client.Get(ctx, i.key(provider, hash)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("billing/redisindex: get: %w", err)
	}
	return eventID, true, nil
}

// Remember records eventID for hash unless another id already holds it.
func (i *Index) Remember(ctx context.Context, provider, hash, eventID string, ttl time.Duration) error {
	if err := i.client.SetNX(ctx, i.key(provider, hash), eventID, ttl).Err(); err != nil {
		return fmt.Errorf("billing/redisindex: setnx: %w", err)
	}
	return nil
}
