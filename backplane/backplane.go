// Package backplane implements the cross-instance invalidation bus
// described in spec.md §3 "Backplane Message" and §4.7: publish/subscribe
// of key- and tag-invalidation events with self-loopback suppression.
package backplane

import (
	"context"

	"github.com/google/uuid"
)

// Kind distinguishes the two invalidation message shapes spec.md §3 names.
type Kind string

const (
	KeyInvalidation Kind = "key-invalidation"
	TagInvalidation Kind = "tag-invalidation"
)

// Message is a single backplane event (spec.md §3). Sequence is a
// publisher-local monotonic counter; OriginInstanceID is compared against
// the local instance ID to suppress self-loopback on receipt.
type Message struct {
	Kind             Kind
	Payload          string // the key or tag, depending on Kind
	OriginInstanceID string
	Sequence         uint64
}

// Backplane is the contract spec.md §6 names: publish-invalidation,
// publish-tag-invalidation, and an inbound event stream. Implementations
// may use pub/sub, polling tables, or streams; the only guarantee is
// at-least-once delivery within a bounded lag.
type Backplane interface {
	PublishKeyInvalidation(ctx context.Context, key string) error
	PublishTagInvalidation(ctx context.Context, tag string) error

	// Subscribe registers handler for every inbound message not originating
	// from this instance. Returns an unsubscribe function. Implementations
	// filter self-origin messages before handler is ever called, so
	// handler never needs to re-check OriginInstanceID itself.
	Subscribe(handler func(Message)) (unsubscribe func())

	InstanceID() string

	Close() error
}

// NewInstanceID generates a random instance identifier for callers that
// don't have a natural one (hostname, pod name, etc.) of their own.
func NewInstanceID() string {
	return uuid.NewString()
}
