package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/vanshika/uplink/internal/domain"
)

// SignUpInput is the first sign-in payload. ReferralCode is the uid of the
// member who shared the link.
type SignUpInput struct {
	UID          string `json:"uid"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	PhotoURL     string `json:"photoUrl,omitempty"`
	ReferralCode string `json:"referralCode,omitempty"`
	// Active marks imported members whose activation was already paid.
	Active bool `json:"active,omitempty"`
}

// EventInput is the inbound form of a qualifying downline event.
type EventInput struct {
	IdempotencyKey string     `json:"idempotencyKey"`
	SourceUID      string     `json:"sourceUid"`
	Type           string     `json:"type"`
	BaseAmount     int64      `json:"baseAmount"`
	OccurredAt     *time.Time `json:"occurredAt,omitempty"`
}

// ToEvent validates the type name and converts the input.
func (in EventInput) ToEvent() (domain.Event, error) {
	t := domain.EventType(strings.ToUpper(strings.TrimSpace(in.Type)))
	if !t.Valid() {
		return domain.Event{}, fmt.Errorf("unknown event type %q: %w", in.Type, domain.ErrInvalidInput)
	}
	ev := domain.Event{
		IdempotencyKey: strings.TrimSpace(in.IdempotencyKey),
		SourceUID:      strings.TrimSpace(in.SourceUID),
		Type:           t,
		BaseAmount:     in.BaseAmount,
	}
	if in.OccurredAt != nil {
		ev.OccurredAt = in.OccurredAt.UTC()
	}
	return ev, nil
}

// PaymentNoticeType enumerates payment provider callbacks.
type PaymentNoticeType string

const (
	PaymentIntent    PaymentNoticeType = "intent"
	PaymentConfirmed PaymentNoticeType = "confirmed"
	PaymentFailed    PaymentNoticeType = "failed"
)

// PaymentNotice is a payment provider callback for a member's activation.
type PaymentNotice struct {
	Type       PaymentNoticeType `json:"type"`
	UID        string            `json:"uid"`
	PaymentRef string            `json:"paymentRef"`
}

// Dashboard is the member's landing view: the profile and the latest commissions.
type Dashboard struct {
	Profile     domain.UserNode
	Commissions []domain.CommissionRecord
}

// PaymentResult reports what a payment notice changed.
type PaymentResult struct {
	Profile     domain.UserNode
	Propagation *domain.ApplicationResult
}
