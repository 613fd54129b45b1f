// Package adapter defines the capability surface the engine requires from
// each external service integration (mail, calendar, drive, meeting-bot).
// Concrete wire clients live outside the engine; the engine only sees this
// interface and the error taxonomy.
package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meridianhq/cadence/internal/store"
)

// ChangeItem is one changed resource reported by a service. ID plus Version
// form the idempotency key: replaying the same item twice must not duplicate
// downstream effects.
type ChangeItem struct {
	ID      string
	Version string
	Payload []byte
}

// ChangePage is one page of a change feed. NextCursor is opaque to the
// engine and owned by the adapter.
type ChangePage struct {
	Items      []ChangeItem
	NextCursor string
	HasMore    bool
}

// Lease holds the result of a successful subscribe call.
type Lease struct {
	ChannelID string
	ExpiresAt time.Time
}

// ServiceAdapter is the capability interface each service integration
// implements. All methods may block on the network and must honor ctx.
type ServiceAdapter interface {
	// Subscribe establishes a push-notification channel for the user.
	Subscribe(ctx context.Context, userID string) (Lease, error)

	// Renew extends an existing channel and returns its new expiry.
	Renew(ctx context.Context, channelID string) (time.Time, error)

	// Unsubscribe tears down a channel. Best effort.
	Unsubscribe(ctx context.Context, channelID string) error

	// FetchChanges returns changes since the cursor. An empty cursor
	// requests the earliest available changes.
	FetchChanges(ctx context.Context, userID, cursor string) (ChangePage, error)

	// ApplyPushPayload decodes a provider push body into a partial change
	// set. Best effort: the executor still reconciles via FetchChanges.
	ApplyPushPayload(raw []byte) ([]ChangeItem, error)
}

// Registry maps service kinds to their adapters. Registration happens at
// startup; lookups are concurrent with scheduling.
type Registry struct {
	mu       sync.RWMutex
	adapters map[store.ServiceKind]ServiceAdapter
}

// NewRegistry returns an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[store.ServiceKind]ServiceAdapter)}
}

// Register installs the adapter for a service kind, replacing any previous
// registration.
func (r *Registry) Register(kind store.ServiceKind, a ServiceAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.adapters[kind] = a
}

// Get returns the adapter for a service kind.
func (r *Registry) Get(kind store.ServiceKind) (ServiceAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("adapter: no adapter registered for service kind %q", kind)
	}

	return a, nil
}

// Kinds returns the registered service kinds.
func (r *Registry) Kinds() []store.ServiceKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]store.ServiceKind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}

	return kinds
}
