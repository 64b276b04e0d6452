// Package activation governs a member's move from FREE to a confirmed ACTIVE
// membership.
//
//	FREE ──intent──▶ PENDING ──confirmed──▶ ACTIVE
//	  ▲                 │
//	  └──failed/timeout─┘
//
// ACTIVE is terminal.
package activation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vanshika/uplink/internal/domain"
)

var allowed = map[domain.ActivationState]map[domain.ActivationState]struct{}{
	domain.ActivationFree:    {domain.ActivationPending: {}},
	domain.ActivationPending: {domain.ActivationActive: {}, domain.ActivationFree: {}},
}

// CanTransition reports whether from → to appears in the transition table.
func CanTransition(from, to domain.ActivationState) bool {
	_, ok := allowed[from][to]
	return ok
}

// ParseState accepts a state name in any case.
func ParseState(v string) (domain.ActivationState, error) {
	state := domain.ActivationState(strings.ToUpper(strings.TrimSpace(v)))
	if !state.Valid() {
		return "", fmt.Errorf("unknown activation state %q: %w", v, domain.ErrInvalidInput)
	}
	return state, nil
}

// Store is the persistence needed by the machine.
type Store interface {
	GetUser(ctx context.Context, uid string) (domain.UserNode, error)
	TransitionActivation(ctx context.Context, t domain.ActivationTransition) (domain.UserNode, error)
}

// Machine validates transitions against the table and applies them through
// the store's compare-and-set.
type Machine struct {
	store Store
	nowFn func() time.Time
}

// NewMachine constructs a Machine.
func NewMachine(store Store) *Machine {
	return &Machine{store: store, nowFn: time.Now}
}

// WithClock overrides the time provider (used primarily in tests).
func (m *Machine) WithClock(nowFn func() time.Time) {
	if nowFn != nil {
		m.nowFn = nowFn
	}
}

// Transition moves uid to target. The returned transition is the audit entry
// that was recorded.
func (m *Machine) Transition(ctx context.Context, uid string, target domain.ActivationState, reason string) (domain.UserNode, domain.ActivationTransition, error) {
	if !target.Valid() {
		return domain.UserNode{}, domain.ActivationTransition{}, fmt.Errorf("target state %q: %w", target, domain.ErrInvalidInput)
	}

	user, err := m.store.GetUser(ctx, uid)
	if err != nil {
		return domain.UserNode{}, domain.ActivationTransition{}, err
	}
	if !CanTransition(user.ActivationState, target) {
		return domain.UserNode{}, domain.ActivationTransition{}, fmt.Errorf("%s → %s for %s: %w", user.ActivationState, target, uid, domain.ErrInvalidTransition)
	}

	t := domain.ActivationTransition{
		UID:    uid,
		From:   user.ActivationState,
		To:     target,
		Reason: reason,
		At:     m.nowFn().UTC(),
	}
	updated, err := m.store.TransitionActivation(ctx, t)
	if err != nil {
		return domain.UserNode{}, domain.ActivationTransition{}, err
	}
	return updated, t, nil
}
