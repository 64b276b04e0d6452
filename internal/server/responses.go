package server

import (
	"github.com/vanshika/uplink/internal/domain"
)

type transitionRequest struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

type profileResponse struct {
	UID             string `json:"uid"`
	Name            string `json:"name"`
	Email           string `json:"email,omitempty"`
	PhotoURL        string `json:"photoUrl,omitempty"`
	UplineUID       string `json:"uplineUid,omitempty"`
	ActivationState string `json:"activationState"`
	PlanType        string `json:"planType"`
	TotalBalance    int64  `json:"totalBalance"`
	CreatedAt       string `json:"createdAt,omitempty"`
	UpdatedAt       string `json:"updatedAt,omitempty"`
}

type commissionResponse struct {
	ID           string `json:"id"`
	EventKey     string `json:"eventKey"`
	RecipientUID string `json:"recipientUid"`
	SourceUID    string `json:"sourceUid"`
	SourceName   string `json:"sourceName,omitempty"`
	EventType    string `json:"eventType"`
	Level        int    `json:"level"`
	Amount       int64  `json:"amount"`
	Timestamp    string `json:"timestamp"`
}

type commissionPageResponse struct {
	Commissions []commissionResponse `json:"commissions"`
	NextBefore  string               `json:"nextBefore,omitempty"`
}

type dashboardResponse struct {
	Profile     profileResponse      `json:"profile"`
	Commissions []commissionResponse `json:"commissions"`
}

type uplineMember struct {
	Level           int    `json:"level"`
	UID             string `json:"uid"`
	Name            string `json:"name"`
	ActivationState string `json:"activationState"`
}

type uplineResponse struct {
	UID    string         `json:"uid"`
	Upline []uplineMember `json:"upline"`
}

type transitionResponse struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
	At     string `json:"at"`
}

type forfeitResponse struct {
	RecipientUID string `json:"recipientUid"`
	Level        int    `json:"level"`
}

type propagationResponse struct {
	EventKey     string               `json:"eventKey"`
	SourceUID    string               `json:"sourceUid"`
	Outcome      string               `json:"outcome"`
	Applied      []commissionResponse `json:"applied"`
	Replayed     []commissionResponse `json:"replayed"`
	Forfeited    []forfeitResponse    `json:"forfeited"`
	TotalApplied int64                `json:"totalApplied"`
}

type paymentResponse struct {
	Profile     profileResponse      `json:"profile"`
	Outcome     string               `json:"outcome,omitempty"`
	Propagation *propagationResponse `json:"propagation,omitempty"`
}

func toProfileResponse(u domain.UserNode) profileResponse {
	return profileResponse{
		UID:             u.UID,
		Name:            u.Name,
		Email:           u.Email,
		PhotoURL:        u.PhotoURL,
		UplineUID:       u.UplineUID,
		ActivationState: string(u.ActivationState),
		PlanType:        string(u.PlanType),
		TotalBalance:    u.TotalBalance,
		CreatedAt:       formatTime(u.CreatedAt),
		UpdatedAt:       formatTime(u.UpdatedAt),
	}
}

func toCommissionResponse(rec domain.CommissionRecord) commissionResponse {
	return commissionResponse{
		ID:           rec.ID,
		EventKey:     rec.EventKey,
		RecipientUID: rec.RecipientUID,
		SourceUID:    rec.SourceUID,
		SourceName:   rec.SourceName,
		EventType:    string(rec.EventType),
		Level:        rec.Level,
		Amount:       rec.Amount,
		Timestamp:    formatTime(rec.Timestamp),
	}
}

func toCommissionResponses(records []domain.CommissionRecord) []commissionResponse {
	out := make([]commissionResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toCommissionResponse(rec))
	}
	return out
}

func toPropagationResponse(res domain.ApplicationResult) propagationResponse {
	outcome := outcomeApplied
	if res.Replay {
		outcome = outcomeReplayed
	}
	forfeited := make([]forfeitResponse, 0, len(res.Forfeited))
	for _, p := range res.Forfeited {
		forfeited = append(forfeited, forfeitResponse{RecipientUID: p.RecipientUID, Level: p.Level})
	}
	return propagationResponse{
		EventKey:     res.EventKey,
		SourceUID:    res.SourceUID,
		Outcome:      outcome,
		Applied:      toCommissionResponses(res.Applied),
		Replayed:     toCommissionResponses(res.Replayed),
		Forfeited:    forfeited,
		TotalApplied: res.TotalApplied(),
	}
}
