package domain

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// EventType classifies the downline activity that triggers propagation.
type EventType string

const (
	EventActivation EventType = "ACTIVATION"
	EventEarning    EventType = "EARNING"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t == EventActivation || t == EventEarning
}

// Event is a qualifying downline event delivered by an external source.
type Event struct {
	IdempotencyKey string
	SourceUID      string
	Type           EventType
	BaseAmount     int64
	OccurredAt     time.Time
}

// Fingerprint identifies the payload of an event independent of its delivery.
// Two deliveries under one idempotency key must carry the same fingerprint.
func (e Event) Fingerprint() string {
	return e.SourceUID + "|" + string(e.Type) + "|" + strconv.FormatInt(e.BaseAmount, 10)
}

// Payout is a computed commission for one upline member before it is recorded.
type Payout struct {
	RecipientUID string
	Level        int
	Amount       int64
	Forfeited    bool
}

// CommissionRecord is an immutable ledger entry crediting a recipient.
type CommissionRecord struct {
	ID           string
	Key          string
	EventKey     string
	RecipientUID string
	SourceUID    string
	SourceName   string
	EventType    EventType
	Level        int
	Amount       int64
	Timestamp    time.Time
}

var commissionNamespace = uuid.MustParse("6f1c7a52-3f0e-4c55-9a57-1f7d0f2b9e41")

// CommissionKey is the uniqueness key of a record: one per (event, recipient, level).
func CommissionKey(eventKey, recipientUID string, level int) string {
	return fmt.Sprintf("%s|%s|%d", eventKey, recipientUID, level)
}

// CommissionID derives a stable record ID from its key so that retries regenerate the same ID.
func CommissionID(key string) string {
	return uuid.NewSHA1(commissionNamespace, []byte(key)).String()
}

// AppliedEvent marks an idempotency key as consumed.
type AppliedEvent struct {
	Key         string
	SourceUID   string
	Type        EventType
	Fingerprint string
	AppliedAt   time.Time
}

// EventApplication is the unit of work handed to a store in a single atomic call.
type EventApplication struct {
	Event   AppliedEvent
	Records []CommissionRecord
}

// ApplyOutcome reports which records were inserted by an application.
type ApplyOutcome struct {
	Inserted []CommissionRecord
	Existing []CommissionRecord
	// EventSeen is true when the event marker already existed before this call.
	EventSeen bool
}

// ApplicationResult is the engine's report of a propagation.
type ApplicationResult struct {
	EventKey  string
	SourceUID string
	Applied   []CommissionRecord
	Replayed  []CommissionRecord
	Forfeited []Payout
	Replay    bool
}

// TotalApplied sums the amounts credited by this call.
func (r ApplicationResult) TotalApplied() int64 {
	var total int64
	for _, rec := range r.Applied {
		total += rec.Amount
	}
	return total
}

// CommissionQuery selects a recipient's commissions, newest first.
type CommissionQuery struct {
	RecipientUID string
	Before       *time.Time
	Limit        int
}

const (
	DefaultCommissionLimit = 10
	MaxCommissionLimit     = 200
)

// Normalize applies the default and maximum page size.
func (q CommissionQuery) Normalize() CommissionQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultCommissionLimit
	}
	if q.Limit > MaxCommissionLimit {
		q.Limit = MaxCommissionLimit
	}
	return q
}
