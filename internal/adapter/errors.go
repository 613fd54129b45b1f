package adapter

import (
	"context"
	"errors"

	"github.com/meridianhq/cadence/internal/store"
)

// Sentinel errors adapters wrap to signal classification to the engine.
var (
	// ErrAuthRevoked means the user's credentials are revoked or expired
	// beyond refresh. The target is disabled until re-authorization.
	ErrAuthRevoked = errors.New("adapter: authorization revoked")

	// ErrRateLimited means the upstream asked us to slow down. Transient.
	ErrRateLimited = errors.New("adapter: rate limited")

	// ErrChannelGone means the push channel no longer exists upstream.
	// The lease is expired, not failed — it does not consume the renewal
	// attempt budget.
	ErrChannelGone = errors.New("adapter: push channel gone")

	// ErrLeaseRejected means a subscribe or renew call was refused.
	ErrLeaseRejected = errors.New("adapter: lease call rejected")
)

// Classify maps an adapter error to the engine's error taxonomy. Timeouts
// and anything unrecognized are transient: retried at the next computed
// interval, never disabling the target.
func Classify(err error) store.ErrorKind {
	switch {
	case err == nil:
		return store.ErrorNone
	case errors.Is(err, ErrAuthRevoked):
		return store.ErrorAuth
	case errors.Is(err, ErrLeaseRejected), errors.Is(err, ErrChannelGone):
		return store.ErrorLease
	case errors.Is(err, context.DeadlineExceeded):
		return store.ErrorTransient
	default:
		return store.ErrorTransient
	}
}

// IsPermanent reports whether the error should disable the target rather
// than reschedule it.
func IsPermanent(err error) bool {
	return Classify(err) == store.ErrorAuth
}
