package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/billing/id"
)

type Store interface {
	// ClaimWebhookEvent atomically admits rec as pending. It returns the
	// existing record with claimed=false when the event id is already known
	// and not reclaimable, or when a record with the same payload hash that
	// is not reclaimable was received at or after opts.HashSince. A
	// reclaimable record is claimed again in place: status back to pending,
	// attempts incremented and the claim time set to rec's.
	ClaimWebhookEvent(ctx context.Context, rec *Record, opts ClaimOpts) (res *Record, claimed bool, err error)

	GetWebhookEvent(ctx context.Context, provider, eventID string) (*Record, error)

	// FindWebhookEventByHash returns the newest record with the hash that is
	// not reclaimable under opts and was received at or after opts.HashSince.
	FindWebhookEventByHash(ctx context.Context, provider, hash string, opts ClaimOpts) (*Record, error)

	FinishWebhookEvent(ctx context.Context, recID id.WebhookEventID, status Status, errMsg string, at time.Time) error
	ListWebhookEvents(ctx context.Context, opts ListOpts) ([]*Record, error)
}

// ClaimOpts bounds duplicate detection. Records received before HashSince
// no longer block a payload by hash. Pending records claimed before
// StaleBefore were abandoned by their worker and may be claimed again.
type ClaimOpts struct {
	HashSince   time.Time
	StaleBefore time.Time
}

type ListOpts struct {
	Provider string
	Status   Status
	Limit    int
	Offset   int
}

// HashIndex is an optional fast path for payload-hash lookups shared by all
// processes, e.g. Redis keys that expire with the dedupe window.
type HashIndex interface {
	Lookup(ctx context.Context, provider, hash string) (eventID string, ok bool, err error)
	Remember(ctx context.Context, provider, hash, eventID string, ttl time.Duration) error
}

// Parser verifies a raw provider payload and converts it to an Envelope.
type Parser interface {
	Parse(payload []byte, signature string) (*Envelope, error)
}

var (
	// ErrUnsupportedEvent marks a verified event type billing does not consume.
	ErrUnsupportedEvent = errors.New("billing: unsupported webhook event")
	// ErrVerification marks a payload whose signature did not verify.
	ErrVerification = errors.New("billing: webhook verification failed")
)
