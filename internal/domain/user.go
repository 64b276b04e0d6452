package domain

import "time"

// RootSentinel is the upline value carried by the root node. A chain walk stops when it reaches it.
const RootSentinel = ""

// ActivationState tracks a member's progress towards a confirmed activation payment.
type ActivationState string

const (
	ActivationFree    ActivationState = "FREE"
	ActivationPending ActivationState = "PENDING"
	ActivationActive  ActivationState = "ACTIVE"
)

// Valid reports whether s is one of the known activation states.
func (s ActivationState) Valid() bool {
	switch s {
	case ActivationFree, ActivationPending, ActivationActive:
		return true
	}
	return false
}

// PlanType mirrors the membership plan shown to the user.
type PlanType string

const (
	PlanFree PlanType = "FREE"
	PlanPaid PlanType = "PAID"
)

// UserNode is a member of the referral graph.
type UserNode struct {
	UID             string
	Name            string
	Email           string
	PhotoURL        string
	UplineUID       string
	ActivationState ActivationState
	PlanType        PlanType
	TotalBalance    int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsRoot reports whether the node terminates every upline chain.
func (u UserNode) IsRoot() bool {
	return u.UplineUID == RootSentinel
}

// IsActive reports whether the member may collect override commissions.
func (u UserNode) IsActive() bool {
	return u.ActivationState == ActivationActive
}

// ActivationTransition is the audit entry written for each accepted state change.
type ActivationTransition struct {
	UID    string
	From   ActivationState
	To     ActivationState
	Reason string
	At     time.Time
}
