// Package ledger defines the storage contract shared by the referral engine and
// provides the in-memory strategy used for demo mode and tests.
package ledger

import (
	"context"

	"github.com/vanshika/uplink/internal/domain"
)

// UserReader resolves user nodes by uid. Implementations return an error
// wrapping domain.ErrNotFound when the uid is absent.
type UserReader interface {
	GetUser(ctx context.Context, uid string) (domain.UserNode, error)
}

// Store is the narrow persistence contract used by the engine and services.
//
// ApplyEvent is the serialization point for propagation: it must insert the
// event marker, insert every absent commission record and increment the
// recipients' balances for newly inserted records only, all in one atomic
// unit. A marker with a different fingerprint fails the whole call with
// domain.ErrIdempotencyConflict.
//
// TransitionActivation is a compare-and-set on the stored state: it fails
// with domain.ErrInvalidTransition when the current state is not t.From.
type Store interface {
	UserReader
	CreateUser(ctx context.Context, user domain.UserNode) (domain.UserNode, bool, error)
	ApplyEvent(ctx context.Context, app domain.EventApplication) (domain.ApplyOutcome, error)
	TransitionActivation(ctx context.Context, t domain.ActivationTransition) (domain.UserNode, error)
	ListCommissions(ctx context.Context, q domain.CommissionQuery) ([]domain.CommissionRecord, error)
	ListTransitions(ctx context.Context, uid string) ([]domain.ActivationTransition, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
