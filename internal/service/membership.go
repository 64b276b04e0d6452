package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vanshika/uplink/internal/activation"
	"github.com/vanshika/uplink/internal/config"
	"github.com/vanshika/uplink/internal/domain"
	"github.com/vanshika/uplink/internal/ledger"
	"github.com/vanshika/uplink/internal/metrics"
	"github.com/vanshika/uplink/internal/notify"
	"github.com/vanshika/uplink/internal/referral"
)

const (
	dashboardCommissions = 10
	activationKeyPrefix  = "activation:"
)

// MembershipService covers the member lifecycle around the engine: sign-up
// with upline assignment, profile reads, and activation.
type MembershipService struct {
	store     ledger.Store
	engine    *Engine
	machine   *activation.Machine
	resolver  *referral.Resolver
	rootUID   string
	planPrice int64
	maxLevel  int
	feed      notify.Feed
	metrics   *metrics.Metrics
	log       *zap.Logger
	nowFn     func() time.Time
}

// NewMembershipService constructs the service. cfg supplies the root uid and
// the plan price used as the base of activation events.
func NewMembershipService(store ledger.Store, engine *Engine, cfg config.CommissionConfig, opts ...Option) *MembershipService {
	o := collect(opts)
	return &MembershipService{
		store:     store,
		engine:    engine,
		machine:   activation.NewMachine(store),
		resolver:  referral.NewResolver(store),
		rootUID:   cfg.RootUID,
		planPrice: cfg.PlanPrice,
		maxLevel:  engine.calc.MaxLevel(),
		feed:      o.feed,
		metrics:   o.metrics,
		log:       o.log.With(zap.String("component", "membership")),
		nowFn:     time.Now,
	}
}

// WithClock overrides the time provider (used primarily in tests).
func (s *MembershipService) WithClock(nowFn func() time.Time) {
	if nowFn != nil {
		s.nowFn = nowFn
		s.machine.WithClock(nowFn)
	}
}

// RootUID is the uid every chain terminates at.
func (s *MembershipService) RootUID() string {
	return s.rootUID
}

// EnsureRoot creates the root member when it is missing.
func (s *MembershipService) EnsureRoot(ctx context.Context) (domain.UserNode, error) {
	now := s.nowFn().UTC()
	root, created, err := s.store.CreateUser(ctx, domain.UserNode{
		UID:             s.rootUID,
		Name:            "Administrator",
		UplineUID:       domain.RootSentinel,
		ActivationState: domain.ActivationActive,
		PlanType:        domain.PlanPaid,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return domain.UserNode{}, fmt.Errorf("ensure root %s: %w", s.rootUID, err)
	}
	if created {
		s.log.Info("root member created", zap.String("uid", s.rootUID))
	}
	return root, nil
}

// SignUp creates the member on first sign-in. Calling it again returns the
// stored member unchanged. An empty, self-referencing or unknown referral code
// places the member under the root.
func (s *MembershipService) SignUp(ctx context.Context, in SignUpInput) (domain.UserNode, bool, error) {
	uid := sanitizeString(in.UID)
	if uid == "" {
		return domain.UserNode{}, false, fmt.Errorf("uid is required: %w", domain.ErrInvalidInput)
	}
	if uid == s.rootUID {
		root, err := s.EnsureRoot(ctx)
		return root, false, err
	}

	existing, err := s.store.GetUser(ctx, uid)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.UserNode{}, false, err
	}

	upline, err := s.resolveReferral(ctx, uid, sanitizeString(in.ReferralCode))
	if err != nil {
		return domain.UserNode{}, false, err
	}

	now := s.nowFn().UTC()
	user, created, err := s.store.CreateUser(ctx, domain.UserNode{
		UID:             uid,
		Name:            sanitizeString(in.Name),
		Email:           normalizeEmail(in.Email),
		PhotoURL:        sanitizeString(in.PhotoURL),
		UplineUID:       upline,
		ActivationState: domain.ActivationFree,
		PlanType:        domain.PlanFree,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return domain.UserNode{}, false, err
	}
	if created {
		s.log.Info("member signed up", zap.String("uid", uid), zap.String("upline_uid", upline))
		s.publishProfile(ctx, user)
	}
	return user, created, nil
}

func (s *MembershipService) resolveReferral(ctx context.Context, uid, code string) (string, error) {
	if code == "" || code == uid {
		return s.rootUID, nil
	}
	if _, err := s.store.GetUser(ctx, code); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.log.Debug("unknown referral code, using root", zap.String("uid", uid), zap.String("code", code))
			return s.rootUID, nil
		}
		return "", err
	}
	return code, nil
}

// Profile returns the stored member.
func (s *MembershipService) Profile(ctx context.Context, uid string) (domain.UserNode, error) {
	return s.store.GetUser(ctx, uid)
}

// Upline returns the member's chain, nearest referrer first, bounded by the
// configured depth.
func (s *MembershipService) Upline(ctx context.Context, uid string) ([]domain.UserNode, error) {
	return s.resolver.ResolveUpline(ctx, uid, s.maxLevel)
}

// Dashboard returns the profile and the latest commissions.
func (s *MembershipService) Dashboard(ctx context.Context, uid string) (Dashboard, error) {
	profile, err := s.store.GetUser(ctx, uid)
	if err != nil {
		return Dashboard{}, err
	}
	commissions, err := s.store.ListCommissions(ctx, domain.CommissionQuery{RecipientUID: uid, Limit: dashboardCommissions})
	if err != nil {
		return Dashboard{}, err
	}
	return Dashboard{Profile: profile, Commissions: commissions}, nil
}

// Commissions pages through a member's commissions, newest first.
func (s *MembershipService) Commissions(ctx context.Context, q domain.CommissionQuery) ([]domain.CommissionRecord, error) {
	if q.RecipientUID == "" {
		return nil, fmt.Errorf("recipient uid is required: %w", domain.ErrInvalidInput)
	}
	return s.store.ListCommissions(ctx, q.Normalize())
}

// Transitions returns the member's activation history, oldest first.
func (s *MembershipService) Transitions(ctx context.Context, uid string) ([]domain.ActivationTransition, error) {
	if _, err := s.store.GetUser(ctx, uid); err != nil {
		return nil, err
	}
	return s.store.ListTransitions(ctx, uid)
}

// TransitionActivation moves the member to target through the state machine.
func (s *MembershipService) TransitionActivation(ctx context.Context, uid string, target domain.ActivationState, reason string) (domain.UserNode, error) {
	user, t, err := s.machine.Transition(ctx, uid, target, reason)
	if err != nil {
		return domain.UserNode{}, err
	}
	s.metrics.ObserveTransition(string(t.From), string(t.To))
	s.log.Info("activation transition",
		zap.String("uid", uid),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.String("reason", reason))
	s.publishProfile(ctx, user)
	return user, nil
}

// ConfirmActivation completes a paid activation and propagates the plan price
// up the member's chain. A repeated confirmation for an ACTIVE member skips
// the transition and re-runs the propagation, which the idempotency key turns
// into a replay.
func (s *MembershipService) ConfirmActivation(ctx context.Context, uid, paymentRef string) (domain.UserNode, domain.ApplicationResult, error) {
	user, err := s.TransitionActivation(ctx, uid, domain.ActivationActive, paymentReason("payment confirmed", paymentRef))
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			return domain.UserNode{}, domain.ApplicationResult{}, err
		}
		current, getErr := s.store.GetUser(ctx, uid)
		if getErr != nil {
			return domain.UserNode{}, domain.ApplicationResult{}, getErr
		}
		if !current.IsActive() {
			return domain.UserNode{}, domain.ApplicationResult{}, err
		}
		user = current
	}

	result, err := s.engine.Propagate(ctx, domain.Event{
		IdempotencyKey: activationKeyPrefix + uid,
		SourceUID:      uid,
		Type:           domain.EventActivation,
		BaseAmount:     s.planPrice,
	})
	if err != nil {
		return user, domain.ApplicationResult{}, err
	}
	return user, result, nil
}

// HandlePayment applies a payment provider callback.
func (s *MembershipService) HandlePayment(ctx context.Context, notice PaymentNotice) (PaymentResult, error) {
	uid := sanitizeString(notice.UID)
	if uid == "" {
		return PaymentResult{}, fmt.Errorf("uid is required: %w", domain.ErrInvalidInput)
	}
	switch notice.Type {
	case PaymentIntent:
		user, err := s.TransitionActivation(ctx, uid, domain.ActivationPending, paymentReason("payment intent", notice.PaymentRef))
		return PaymentResult{Profile: user}, err
	case PaymentFailed:
		user, err := s.TransitionActivation(ctx, uid, domain.ActivationFree, paymentReason("payment failed", notice.PaymentRef))
		return PaymentResult{Profile: user}, err
	case PaymentConfirmed:
		user, result, err := s.ConfirmActivation(ctx, uid, notice.PaymentRef)
		if err != nil {
			return PaymentResult{Profile: user}, err
		}
		return PaymentResult{Profile: user, Propagation: &result}, nil
	default:
		return PaymentResult{}, fmt.Errorf("unknown payment notice %q: %w", notice.Type, domain.ErrInvalidInput)
	}
}

// Subscribe streams the member's changes until ctx ends or cancel is called.
func (s *MembershipService) Subscribe(ctx context.Context, uid string) (<-chan notify.Change, func(), error) {
	if s.feed == nil {
		return nil, nil, errors.New("change feed is not configured")
	}
	if _, err := s.store.GetUser(ctx, uid); err != nil {
		return nil, nil, err
	}
	ch, cancel := s.feed.Subscribe(ctx, uid)
	return ch, cancel, nil
}

func (s *MembershipService) publishProfile(ctx context.Context, user domain.UserNode) {
	if s.feed == nil {
		return
	}
	change := notify.Change{Kind: notify.KindProfile, UID: user.UID, Profile: &user, At: s.nowFn().UTC()}
	if err := s.feed.Publish(ctx, change); err != nil {
		s.log.Warn("publish profile change", zap.String("uid", user.UID), zap.Error(err))
	}
}

func paymentReason(event, ref string) string {
	if ref == "" {
		return event
	}
	return event + " (" + ref + ")"
}
