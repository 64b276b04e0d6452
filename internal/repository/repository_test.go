package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vanshika/uplink/internal/domain"
	"github.com/vanshika/uplink/internal/graph"
)

func sampleRecords(now time.Time) []domain.CommissionRecord {
	keyA := domain.CommissionKey("activation:B", "A", 1)
	keyRoot := domain.CommissionKey("activation:B", "ROOT", 2)
	return []domain.CommissionRecord{
		{ID: domain.CommissionID(keyA), Key: keyA, EventKey: "activation:B", RecipientUID: "A", SourceUID: "B", EventType: domain.EventActivation, Level: 1, Amount: 40000, Timestamp: now},
		{ID: domain.CommissionID(keyRoot), Key: keyRoot, EventKey: "activation:B", RecipientUID: "ROOT", SourceUID: "B", EventType: domain.EventActivation, Level: 2, Amount: 16000, Timestamp: now},
	}
}

func sampleEvent(now time.Time) domain.AppliedEvent {
	return domain.AppliedEvent{
		Key:         "activation:B",
		SourceUID:   "B",
		Type:        domain.EventActivation,
		Fingerprint: "B|ACTIVATION|80000",
		AppliedAt:   now,
	}
}

func commissionRow(rec domain.CommissionRecord, inserted bool) graph.Record {
	return graph.Record{
		"id":           rec.ID,
		"key":          rec.Key,
		"eventKey":     rec.EventKey,
		"recipientUid": rec.RecipientUID,
		"sourceUid":    rec.SourceUID,
		"eventType":    string(rec.EventType),
		"level":        int64(rec.Level),
		"amount":       rec.Amount,
		"timestamp":    formatTime(rec.Timestamp),
		"inserted":     inserted,
	}
}

func TestRepository_CreateUser(t *testing.T) {
	mem := graph.NewMemoryClient()
	repo := New(mem)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mem.PushWriteResult(graph.Result{Records: []graph.Record{{
		"uid":             "B",
		"name":            "Bea",
		"uplineUid":       "A",
		"activationState": "FREE",
		"planType":        "FREE",
		"totalBalance":    int64(0),
		"createdAt":       formatTime(now),
		"created":         true,
	}}})

	user, created, err := repo.CreateUser(context.Background(), domain.UserNode{
		UID:             "B",
		Name:            "Bea",
		UplineUID:       "A",
		ActivationState: domain.ActivationFree,
		PlanType:        domain.PlanFree,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}
	if user.UplineUID != "A" || !user.CreatedAt.Equal(now) {
		t.Fatalf("unexpected user %+v", user)
	}

	calls := mem.WriteCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 write query, got %d", len(calls))
	}
	if calls[0].Query != createUserCypher {
		t.Fatalf("unexpected query\nexpected:\n%s\ngot:\n%s", createUserCypher, calls[0].Query)
	}
	props, ok := calls[0].Params["props"].(map[string]any)
	if !ok {
		t.Fatalf("expected props map, got %T", calls[0].Params["props"])
	}
	if props["activationState"] != "FREE" || props["uplineUid"] != "A" {
		t.Errorf("unexpected props %v", props)
	}
}

func TestRepository_CreateUserRequiresUID(t *testing.T) {
	repo := New(graph.NewMemoryClient())
	if _, _, err := repo.CreateUser(context.Background(), domain.UserNode{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRepository_GetUserNotFound(t *testing.T) {
	repo := New(graph.NewMemoryClient())
	_, err := repo.GetUser(context.Background(), "ghost")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRepository_ApplyEventInsertsInOneTransaction(t *testing.T) {
	mem := graph.NewMemoryClient()
	repo := New(mem)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	records := sampleRecords(now)

	mem.PushWriteResult(graph.Result{Records: []graph.Record{{"fingerprint": "B|ACTIVATION|80000", "created": true}}})
	mem.PushWriteResult(graph.Result{Records: []graph.Record{
		commissionRow(records[0], true),
		commissionRow(records[1], true),
	}})

	outcome, err := repo.ApplyEvent(context.Background(), domain.EventApplication{Event: sampleEvent(now), Records: records})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if outcome.EventSeen || len(outcome.Inserted) != 2 || len(outcome.Existing) != 0 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if outcome.Inserted[0].Amount != 40000 || outcome.Inserted[1].Amount != 16000 {
		t.Fatalf("unexpected amounts %+v", outcome.Inserted)
	}

	calls := mem.WriteCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(calls))
	}
	if calls[0].Query != mergeEventCypher || calls[1].Query != applyCommissionsCypher {
		t.Fatalf("unexpected statement order")
	}
	for _, call := range calls {
		if !call.InTx {
			t.Fatalf("statement ran outside the transaction: %s", call.Query)
		}
	}
	params, ok := calls[1].Params["records"].([]map[string]any)
	if !ok || len(params) != 2 {
		t.Fatalf("expected 2 record params, got %T", calls[1].Params["records"])
	}
	if committed, rolledBack := mem.TxCounts(); committed != 1 || rolledBack != 0 {
		t.Fatalf("expected one commit, got %d/%d", committed, rolledBack)
	}
}

func TestRepository_ApplyEventReplay(t *testing.T) {
	mem := graph.NewMemoryClient()
	repo := New(mem)
	now := time.Now().UTC()
	records := sampleRecords(now)

	mem.PushWriteResult(graph.Result{Records: []graph.Record{{"fingerprint": "B|ACTIVATION|80000", "created": false}}})
	mem.PushWriteResult(graph.Result{Records: []graph.Record{
		commissionRow(records[0], false),
		commissionRow(records[1], false),
	}})

	outcome, err := repo.ApplyEvent(context.Background(), domain.EventApplication{Event: sampleEvent(now), Records: records})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !outcome.EventSeen || len(outcome.Inserted) != 0 || len(outcome.Existing) != 2 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestRepository_ApplyEventFingerprintConflict(t *testing.T) {
	mem := graph.NewMemoryClient()
	repo := New(mem)
	now := time.Now().UTC()

	mem.PushWriteResult(graph.Result{Records: []graph.Record{{"fingerprint": "B|ACTIVATION|1", "created": false}}})

	_, err := repo.ApplyEvent(context.Background(), domain.EventApplication{Event: sampleEvent(now), Records: sampleRecords(now)})
	if !errors.Is(err, domain.ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
	if len(mem.WriteCalls()) != 1 {
		t.Fatalf("commission statement must not run after a conflict")
	}
	if _, rolledBack := mem.TxCounts(); rolledBack != 1 {
		t.Fatalf("expected rollback")
	}
}

func TestRepository_ApplyEventMissingRecipientRollsBack(t *testing.T) {
	mem := graph.NewMemoryClient()
	repo := New(mem)
	now := time.Now().UTC()
	records := sampleRecords(now)

	mem.PushWriteResult(graph.Result{Records: []graph.Record{{"fingerprint": "B|ACTIVATION|80000", "created": true}}})
	mem.PushWriteResult(graph.Result{Records: []graph.Record{commissionRow(records[0], true)}})

	_, err := repo.ApplyEvent(context.Background(), domain.EventApplication{Event: sampleEvent(now), Records: records})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, rolledBack := mem.TxCounts(); rolledBack != 1 {
		t.Fatalf("expected rollback")
	}
}

func TestRepository_ApplyEventRejectsNonPositiveAmount(t *testing.T) {
	mem := graph.NewMemoryClient()
	repo := New(mem)
	now := time.Now().UTC()
	records := sampleRecords(now)
	records[1].Amount = 0

	_, err := repo.ApplyEvent(context.Background(), domain.EventApplication{Event: sampleEvent(now), Records: records})
	if !errors.Is(err, domain.ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
	if len(mem.WriteCalls()) != 0 {
		t.Fatalf("nothing should be written")
	}
}

func TestRepository_TransientErrorsAreRetryable(t *testing.T) {
	mem := graph.NewMemoryClient().WithError(fmt.Errorf("dial: %w", graph.ErrUnavailable))
	repo := New(mem)

	_, err := repo.GetUser(context.Background(), "A")
	if !errors.Is(err, domain.ErrStoreUnavailable) || !domain.Retryable(err) {
		t.Fatalf("expected retryable ErrStoreUnavailable, got %v", err)
	}
	err = repo.Ping(context.Background())
	if err != nil {
		t.Fatalf("ping only checks connectivity, got %v", err)
	}
	mem.WithConnectivityError(errors.New("refused"))
	if err := repo.Ping(context.Background()); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestRepository_TransitionActivation(t *testing.T) {
	mem := graph.NewMemoryClient()
	repo := New(mem)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	transition := domain.ActivationTransition{UID: "A", From: domain.ActivationPending, To: domain.ActivationActive, Reason: "payment confirmed", At: at}

	mem.PushWriteResult(graph.Result{Records: []graph.Record{{
		"uid": "A", "activationState": "ACTIVE", "planType": "PAID", "matched": true,
	}}})
	user, err := repo.TransitionActivation(context.Background(), transition)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if user.ActivationState != domain.ActivationActive || user.PlanType != domain.PlanPaid {
		t.Fatalf("unexpected user %+v", user)
	}
	call := mem.WriteCalls()[0]
	if call.Params["from"] != "PENDING" || call.Params["to"] != "ACTIVE" || call.Params["at"] != formatTime(at) {
		t.Fatalf("unexpected params %v", call.Params)
	}

	mem.PushWriteResult(graph.Result{Records: []graph.Record{{
		"uid": "A", "activationState": "ACTIVE", "matched": false,
	}}})
	if _, err := repo.TransitionActivation(context.Background(), transition); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if _, err := repo.TransitionActivation(context.Background(), transition); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRepository_ListCommissions(t *testing.T) {
	mem := graph.NewMemoryClient()
	repo := New(mem)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	records := sampleRecords(now)

	mem.PushReadResult(graph.Result{Records: []graph.Record{commissionRow(records[0], false)}})
	before := now.Add(time.Hour)
	got, err := repo.ListCommissions(context.Background(), domain.CommissionQuery{RecipientUID: "A", Before: &before})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(got) != 1 || got[0].Amount != 40000 || got[0].Level != 1 || !got[0].Timestamp.Equal(now) {
		t.Fatalf("unexpected records %+v", got)
	}

	call := mem.ReadCalls()[0]
	if call.Params["limit"] != domain.DefaultCommissionLimit {
		t.Errorf("expected default limit, got %v", call.Params["limit"])
	}
	if call.Params["before"] != formatTime(before) {
		t.Errorf("unexpected before %v", call.Params["before"])
	}
}

func TestRepository_ListTransitions(t *testing.T) {
	mem := graph.NewMemoryClient()
	repo := New(mem)
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	mem.PushReadResult(graph.Result{Records: []graph.Record{
		{"from": "FREE", "to": "PENDING", "reason": "intent", "at": formatTime(at)},
		{"from": "PENDING", "to": "ACTIVE", "reason": "confirmed", "at": formatTime(at.Add(time.Minute))},
	}})

	got, err := repo.ListTransitions(context.Background(), "A")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(got) != 2 || got[1].To != domain.ActivationActive || got[0].UID != "A" {
		t.Fatalf("unexpected transitions %+v", got)
	}
}

func TestRepository_EnsureSchema(t *testing.T) {
	mem := graph.NewMemoryClient()
	repo := New(mem)
	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(mem.WriteCalls()) != len(schemaStatements) {
		t.Fatalf("expected %d statements, got %d", len(schemaStatements), len(mem.WriteCalls()))
	}
}
