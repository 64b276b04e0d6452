package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vanshika/uplink/internal/domain"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store in memory. A single mutex makes every call
// atomic, which is the in-process equivalent of a store transaction.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]domain.UserNode
	events      map[string]domain.AppliedEvent
	commissions map[string]domain.CommissionRecord
	byRecipient map[string][]string
	transitions map[string][]domain.ActivationTransition
	unavailable error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]domain.UserNode),
		events:      make(map[string]domain.AppliedEvent),
		commissions: make(map[string]domain.CommissionRecord),
		byRecipient: make(map[string][]string),
		transitions: make(map[string][]domain.ActivationTransition),
	}
}

// WithUnavailable makes every subsequent call fail with err wrapped in
// domain.ErrStoreUnavailable. Passing nil restores normal operation.
func (s *MemoryStore) WithUnavailable(err error) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = err
	return s
}

func (s *MemoryStore) check() error {
	if s.unavailable != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, s.unavailable)
	}
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, uid string) (domain.UserNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return domain.UserNode{}, err
	}
	user, ok := s.users[uid]
	if !ok {
		return domain.UserNode{}, fmt.Errorf("user %s: %w", uid, domain.ErrNotFound)
	}
	return user, nil
}

// CreateUser inserts the node unless the uid exists, in which case the stored node is returned with created=false.
func (s *MemoryStore) CreateUser(_ context.Context, user domain.UserNode) (domain.UserNode, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return domain.UserNode{}, false, err
	}
	if existing, ok := s.users[user.UID]; ok {
		return existing, false, nil
	}
	s.users[user.UID] = user
	return user, true, nil
}

func (s *MemoryStore) ApplyEvent(_ context.Context, app domain.EventApplication) (domain.ApplyOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return domain.ApplyOutcome{}, err
	}

	var outcome domain.ApplyOutcome
	if seen, ok := s.events[app.Event.Key]; ok {
		if seen.Fingerprint != app.Event.Fingerprint {
			return domain.ApplyOutcome{}, fmt.Errorf("event %s: %w", app.Event.Key, domain.ErrIdempotencyConflict)
		}
		outcome.EventSeen = true
	}

	// Validate everything before the first mutation so a failure leaves no trace.
	for _, rec := range app.Records {
		if _, ok := s.users[rec.RecipientUID]; !ok {
			return domain.ApplyOutcome{}, fmt.Errorf("recipient %s: %w", rec.RecipientUID, domain.ErrNotFound)
		}
		if rec.Amount <= 0 {
			return domain.ApplyOutcome{}, fmt.Errorf("record %s amount %d: %w", rec.Key, rec.Amount, domain.ErrInvariantViolation)
		}
	}

	if !outcome.EventSeen {
		s.events[app.Event.Key] = app.Event
	}
	for _, rec := range app.Records {
		if existing, ok := s.commissions[rec.Key]; ok {
			outcome.Existing = append(outcome.Existing, existing)
			continue
		}
		s.commissions[rec.Key] = rec
		s.byRecipient[rec.RecipientUID] = append(s.byRecipient[rec.RecipientUID], rec.Key)

		recipient := s.users[rec.RecipientUID]
		recipient.TotalBalance += rec.Amount
		recipient.UpdatedAt = rec.Timestamp
		s.users[rec.RecipientUID] = recipient
		outcome.Inserted = append(outcome.Inserted, rec)
	}
	return outcome, nil
}

func (s *MemoryStore) TransitionActivation(_ context.Context, t domain.ActivationTransition) (domain.UserNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return domain.UserNode{}, err
	}
	user, ok := s.users[t.UID]
	if !ok {
		return domain.UserNode{}, fmt.Errorf("user %s: %w", t.UID, domain.ErrNotFound)
	}
	if user.ActivationState != t.From {
		return domain.UserNode{}, fmt.Errorf("user %s is %s, not %s: %w", t.UID, user.ActivationState, t.From, domain.ErrInvalidTransition)
	}
	user.ActivationState = t.To
	if t.To == domain.ActivationActive {
		user.PlanType = domain.PlanPaid
	}
	user.UpdatedAt = t.At
	s.users[t.UID] = user
	s.transitions[t.UID] = append(s.transitions[t.UID], t)
	return user, nil
}

func (s *MemoryStore) ListCommissions(_ context.Context, q domain.CommissionQuery) ([]domain.CommissionRecord, error) {
	q = q.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	keys := s.byRecipient[q.RecipientUID]
	records := make([]domain.CommissionRecord, 0, len(keys))
	for _, key := range keys {
		rec := s.commissions[key]
		if q.Before != nil && !rec.Timestamp.Before(*q.Before) {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Key < records[j].Key
		}
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if len(records) > q.Limit {
		records = records[:q.Limit]
	}
	return records, nil
}

func (s *MemoryStore) ListTransitions(_ context.Context, uid string) ([]domain.ActivationTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return append([]domain.ActivationTransition(nil), s.transitions[uid]...), nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check()
}

func (s *MemoryStore) Close(context.Context) error {
	return nil
}

// Seed loads users and commission records verbatim, bypassing balance
// arithmetic. Used to install fixtures.
func (s *MemoryStore) Seed(users []domain.UserNode, records []domain.CommissionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		s.users[u.UID] = u
	}
	for _, rec := range records {
		if _, ok := s.commissions[rec.Key]; ok {
			continue
		}
		s.commissions[rec.Key] = rec
		s.byRecipient[rec.RecipientUID] = append(s.byRecipient[rec.RecipientUID], rec.Key)
	}
}
