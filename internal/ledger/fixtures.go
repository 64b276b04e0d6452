package ledger

import (
	"time"

	"github.com/vanshika/uplink/internal/domain"
)

const (
	DemoUserUID     = "demo-user-123"
	DemoDownlineUID = "downline_1"
)

// DemoFixtures returns the guest profile shown in demo mode: a FREE member
// under the root with one level-1 commission from a direct referral.
func DemoFixtures(rootUID string, now time.Time) ([]domain.UserNode, []domain.CommissionRecord) {
	now = now.UTC()
	const demoCommission = 20000

	eventKey := "demo:" + DemoDownlineUID
	key := domain.CommissionKey(eventKey, DemoUserUID, 1)

	users := []domain.UserNode{
		{
			UID:             rootUID,
			Name:            "Administrator",
			UplineUID:       domain.RootSentinel,
			ActivationState: domain.ActivationActive,
			PlanType:        domain.PlanPaid,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		{
			UID:             DemoUserUID,
			Name:            "Guest User",
			Email:           "guest@example.com",
			UplineUID:       rootUID,
			ActivationState: domain.ActivationFree,
			PlanType:        domain.PlanFree,
			TotalBalance:    demoCommission,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		{
			UID:             DemoDownlineUID,
			Name:            "Demo Referral",
			Email:           "referral@example.com",
			UplineUID:       DemoUserUID,
			ActivationState: domain.ActivationActive,
			PlanType:        domain.PlanPaid,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
	}
	records := []domain.CommissionRecord{
		{
			ID:           domain.CommissionID(key),
			Key:          key,
			EventKey:     eventKey,
			RecipientUID: DemoUserUID,
			SourceUID:    DemoDownlineUID,
			SourceName:   "Demo Referral",
			EventType:    domain.EventActivation,
			Level:        1,
			Amount:       demoCommission,
			Timestamp:    now,
		},
	}
	return users, records
}
