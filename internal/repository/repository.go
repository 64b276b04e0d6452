package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vanshika/uplink/internal/domain"
	"github.com/vanshika/uplink/internal/graph"
	"github.com/vanshika/uplink/internal/ledger"
)

var _ ledger.Store = (*Repository)(nil)

// Repository is the graph-backed ledger store. Users are (:User) nodes linked
// to their upline by [:REFERRED_BY]; each commission is a (:Commission) node
// between the (:User) that generated it and the (:User) it was paid to.
type Repository struct {
	client graph.Client
}

// New instantiates a Repository backed by the supplied graph client.
func New(client graph.Client) *Repository {
	return &Repository{client: client}
}

// EnsureSchema creates the uniqueness constraints the conditional writes rely on.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.client.ExecuteWrite(ctx, stmt, nil); err != nil {
			return r.wrap("ensure schema", err)
		}
	}
	return nil
}

func (r *Repository) GetUser(ctx context.Context, uid string) (domain.UserNode, error) {
	res, err := r.client.ExecuteRead(ctx, getUserCypher, map[string]any{"uid": uid})
	if err != nil {
		return domain.UserNode{}, r.wrap(fmt.Sprintf("get user %s", uid), err)
	}
	if len(res.Records) == 0 {
		return domain.UserNode{}, fmt.Errorf("user %s: %w", uid, domain.ErrNotFound)
	}
	return userFromRecord(res.Records[0]), nil
}

// CreateUser merges the user node on uid. Properties and the REFERRED_BY edge
// are only written when the node is created.
func (r *Repository) CreateUser(ctx context.Context, user domain.UserNode) (domain.UserNode, bool, error) {
	if user.UID == "" {
		return domain.UserNode{}, false, fmt.Errorf("user uid is required: %w", domain.ErrInvalidInput)
	}
	params := map[string]any{
		"uid":       user.UID,
		"uplineUid": user.UplineUID,
		"props":     userProperties(user),
	}
	res, err := r.client.ExecuteWrite(ctx, createUserCypher, params)
	if err != nil {
		return domain.UserNode{}, false, r.wrap(fmt.Sprintf("create user %s", user.UID), err)
	}
	if len(res.Records) == 0 {
		return domain.UserNode{}, false, fmt.Errorf("create user %s returned no rows: %w", user.UID, domain.ErrInvariantViolation)
	}
	rec := res.Records[0]
	return userFromRecord(rec), toBool(rec["created"]), nil
}

// ApplyEvent writes the event marker and the commission records in one write
// transaction. Balances move only for records the transaction created.
func (r *Repository) ApplyEvent(ctx context.Context, app domain.EventApplication) (domain.ApplyOutcome, error) {
	for _, rec := range app.Records {
		if rec.Amount <= 0 {
			return domain.ApplyOutcome{}, fmt.Errorf("record %s amount %d: %w", rec.Key, rec.Amount, domain.ErrInvariantViolation)
		}
	}

	var outcome domain.ApplyOutcome
	err := r.client.WriteTx(ctx, func(ctx context.Context, tx graph.Runner) error {
		outcome = domain.ApplyOutcome{}

		res, err := tx.Run(ctx, mergeEventCypher, map[string]any{
			"key":         app.Event.Key,
			"fingerprint": app.Event.Fingerprint,
			"sourceUid":   app.Event.SourceUID,
			"type":        string(app.Event.Type),
			"appliedAt":   formatTime(app.Event.AppliedAt),
		})
		if err != nil {
			return err
		}
		if len(res.Records) == 0 {
			return fmt.Errorf("merge event %s returned no rows: %w", app.Event.Key, domain.ErrInvariantViolation)
		}
		marker := res.Records[0]
		if !toBool(marker["created"]) {
			if toString(marker["fingerprint"]) != app.Event.Fingerprint {
				return fmt.Errorf("event %s: %w", app.Event.Key, domain.ErrIdempotencyConflict)
			}
			outcome.EventSeen = true
		}

		if len(app.Records) == 0 {
			return nil
		}
		res, err = tx.Run(ctx, applyCommissionsCypher, map[string]any{
			"records": commissionParams(app.Records),
		})
		if err != nil {
			return err
		}
		if len(res.Records) != len(app.Records) {
			return fmt.Errorf("event %s matched %d of %d recipients: %w", app.Event.Key, len(res.Records), len(app.Records), domain.ErrNotFound)
		}
		for _, row := range res.Records {
			rec := commissionFromRecord(row)
			if toBool(row["inserted"]) {
				outcome.Inserted = append(outcome.Inserted, rec)
			} else {
				outcome.Existing = append(outcome.Existing, rec)
			}
		}
		return nil
	})
	if err != nil {
		return domain.ApplyOutcome{}, r.wrap(fmt.Sprintf("apply event %s", app.Event.Key), err)
	}
	return outcome, nil
}

// TransitionActivation compares and sets the activation state under the
// node's write lock and appends the audit node in the same statement.
func (r *Repository) TransitionActivation(ctx context.Context, t domain.ActivationTransition) (domain.UserNode, error) {
	params := map[string]any{
		"uid":    t.UID,
		"from":   string(t.From),
		"to":     string(t.To),
		"reason": t.Reason,
		"at":     formatTime(t.At),
	}
	res, err := r.client.ExecuteWrite(ctx, transitionCypher, params)
	if err != nil {
		return domain.UserNode{}, r.wrap(fmt.Sprintf("transition user %s", t.UID), err)
	}
	if len(res.Records) == 0 {
		return domain.UserNode{}, fmt.Errorf("user %s: %w", t.UID, domain.ErrNotFound)
	}
	rec := res.Records[0]
	user := userFromRecord(rec)
	if !toBool(rec["matched"]) {
		return domain.UserNode{}, fmt.Errorf("user %s is %s, not %s: %w", t.UID, user.ActivationState, t.From, domain.ErrInvalidTransition)
	}
	return user, nil
}

func (r *Repository) ListCommissions(ctx context.Context, q domain.CommissionQuery) ([]domain.CommissionRecord, error) {
	q = q.Normalize()
	before := ""
	if q.Before != nil {
		before = formatTime(*q.Before)
	}
	res, err := r.client.ExecuteRead(ctx, listCommissionsCypher, map[string]any{
		"uid":    q.RecipientUID,
		"before": before,
		"limit":  q.Limit,
	})
	if err != nil {
		return nil, r.wrap(fmt.Sprintf("list commissions of %s", q.RecipientUID), err)
	}
	records := make([]domain.CommissionRecord, 0, len(res.Records))
	for _, row := range res.Records {
		records = append(records, commissionFromRecord(row))
	}
	return records, nil
}

func (r *Repository) ListTransitions(ctx context.Context, uid string) ([]domain.ActivationTransition, error) {
	res, err := r.client.ExecuteRead(ctx, listTransitionsCypher, map[string]any{"uid": uid})
	if err != nil {
		return nil, r.wrap(fmt.Sprintf("list transitions of %s", uid), err)
	}
	out := make([]domain.ActivationTransition, 0, len(res.Records))
	for _, row := range res.Records {
		var at time.Time
		if ts := toTimePtr(row["at"]); ts != nil {
			at = *ts
		}
		out = append(out, domain.ActivationTransition{
			UID:    uid,
			From:   domain.ActivationState(toString(row["from"])),
			To:     domain.ActivationState(toString(row["to"])),
			Reason: toString(row["reason"]),
			At:     at,
		})
	}
	return out, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	if err := r.client.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *Repository) Close(ctx context.Context) error {
	return r.client.Close(ctx)
}

// wrap keeps domain errors intact and tags transient driver failures as
// retryable.
func (r *Repository) wrap(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrIdempotencyConflict),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInvariantViolation),
		errors.Is(err, domain.ErrInvalidTransition):
		return fmt.Errorf("%s: %w", op, err)
	case graph.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func userProperties(user domain.UserNode) map[string]any {
	return map[string]any{
		"uid":             user.UID,
		"name":            user.Name,
		"email":           user.Email,
		"photoUrl":        user.PhotoURL,
		"uplineUid":       user.UplineUID,
		"activationState": string(user.ActivationState),
		"planType":        string(user.PlanType),
		"totalBalance":    user.TotalBalance,
		"createdAt":       formatTime(user.CreatedAt),
		"updatedAt":       formatTime(user.UpdatedAt),
	}
}

func commissionParams(records []domain.CommissionRecord) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"key":          rec.Key,
			"recipientUid": rec.RecipientUID,
			"sourceUid":    rec.SourceUID,
			"props": map[string]any{
				"id":           rec.ID,
				"key":          rec.Key,
				"eventKey":     rec.EventKey,
				"recipientUid": rec.RecipientUID,
				"sourceUid":    rec.SourceUID,
				"sourceName":   rec.SourceName,
				"eventType":    string(rec.EventType),
				"level":        int64(rec.Level),
				"amount":       rec.Amount,
				"timestamp":    formatTime(rec.Timestamp),
			},
		})
	}
	return out
}

func userFromRecord(rec graph.Record) domain.UserNode {
	user := domain.UserNode{
		UID:             toString(rec["uid"]),
		Name:            toString(rec["name"]),
		Email:           toString(rec["email"]),
		PhotoURL:        toString(rec["photoUrl"]),
		UplineUID:       toString(rec["uplineUid"]),
		ActivationState: domain.ActivationState(toString(rec["activationState"])),
		PlanType:        domain.PlanType(toString(rec["planType"])),
		TotalBalance:    toInt64(rec["totalBalance"]),
	}
	if ts := toTimePtr(rec["createdAt"]); ts != nil {
		user.CreatedAt = *ts
	}
	if ts := toTimePtr(rec["updatedAt"]); ts != nil {
		user.UpdatedAt = *ts
	}
	return user
}

func commissionFromRecord(rec graph.Record) domain.CommissionRecord {
	out := domain.CommissionRecord{
		ID:           toString(rec["id"]),
		Key:          toString(rec["key"]),
		EventKey:     toString(rec["eventKey"]),
		RecipientUID: toString(rec["recipientUid"]),
		SourceUID:    toString(rec["sourceUid"]),
		SourceName:   toString(rec["sourceName"]),
		EventType:    domain.EventType(toString(rec["eventType"])),
		Level:        int(toInt64(rec["level"])),
		Amount:       toInt64(rec["amount"]),
	}
	if ts := toTimePtr(rec["timestamp"]); ts != nil {
		out.Timestamp = *ts
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toString(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func toInt64(val any) int64 {
	switch v := val.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func toBool(val any) bool {
	b, _ := val.(bool)
	return b
}

func toTimePtr(val any) *time.Time {
	switch v := val.(type) {
	case time.Time:
		return &v
	case string:
		if v == "" {
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return &parsed
		}
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			return &parsed
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE CONSTRAINT user_uid IF NOT EXISTS FOR (u:User) REQUIRE u.uid IS UNIQUE`,
	`CREATE CONSTRAINT commission_key IF NOT EXISTS FOR (c:Commission) REQUIRE c.key IS UNIQUE`,
	`CREATE CONSTRAINT propagation_event_key IF NOT EXISTS FOR (e:PropagationEvent) REQUIRE e.key IS UNIQUE`,
	`CREATE INDEX commission_recipient_ts IF NOT EXISTS FOR (c:Commission) ON (c.recipientUid, c.timestamp)`,
}

const userReturnClause = `
RETURN u.uid AS uid,
       u.name AS name,
       u.email AS email,
       u.photoUrl AS photoUrl,
       u.uplineUid AS uplineUid,
       u.activationState AS activationState,
       u.planType AS planType,
       coalesce(u.totalBalance, 0) AS totalBalance,
       u.createdAt AS createdAt,
       u.updatedAt AS updatedAt`

const getUserCypher = `
MATCH (u:User {uid: $uid})` + userReturnClause + `
`

const createUserCypher = `
MERGE (u:User {uid: $uid})
ON CREATE SET u += $props, u.justCreated = true
WITH u, coalesce(u.justCreated, false) AS created
REMOVE u.justCreated
WITH u, created
OPTIONAL MATCH (up:User {uid: $uplineUid})
FOREACH (_ IN CASE WHEN created AND up IS NOT NULL THEN [1] ELSE [] END |
	MERGE (u)-[:REFERRED_BY]->(up)
)
WITH u, created` + userReturnClause + `,
       created
`

const mergeEventCypher = `
MERGE (e:PropagationEvent {key: $key})
ON CREATE SET e.fingerprint = $fingerprint,
              e.sourceUid = $sourceUid,
              e.type = $type,
              e.appliedAt = $appliedAt,
              e.justCreated = true
WITH e, coalesce(e.justCreated, false) AS created
REMOVE e.justCreated
RETURN e.fingerprint AS fingerprint, created
`

const applyCommissionsCypher = `
UNWIND $records AS rec
MATCH (recipient:User {uid: rec.recipientUid})
OPTIONAL MATCH (source:User {uid: rec.sourceUid})
MERGE (c:Commission {key: rec.key})
ON CREATE SET c += rec.props, c.justCreated = true
WITH c, recipient, source, coalesce(c.justCreated, false) AS inserted
REMOVE c.justCreated
FOREACH (_ IN CASE WHEN inserted THEN [1] ELSE [] END |
	SET recipient.totalBalance = coalesce(recipient.totalBalance, 0) + c.amount,
	    recipient.updatedAt = c.timestamp
	MERGE (c)-[:PAID_TO]->(recipient)
)
FOREACH (_ IN CASE WHEN inserted AND source IS NOT NULL THEN [1] ELSE [] END |
	MERGE (source)-[:GENERATED]->(c)
)
RETURN c.id AS id,
       c.key AS key,
       c.eventKey AS eventKey,
       c.recipientUid AS recipientUid,
       c.sourceUid AS sourceUid,
       c.sourceName AS sourceName,
       c.eventType AS eventType,
       c.level AS level,
       c.amount AS amount,
       c.timestamp AS timestamp,
       inserted
`

const transitionCypher = `
MATCH (u:User {uid: $uid})
SET u.lockToken = true
REMOVE u.lockToken
WITH u, u.activationState = $from AS matched
FOREACH (_ IN CASE WHEN matched THEN [1] ELSE [] END |
	SET u.activationState = $to,
	    u.updatedAt = $at,
	    u.planType = CASE WHEN $to = "ACTIVE" THEN "PAID" ELSE u.planType END
	CREATE (u)-[:TRANSITIONED]->(:ActivationTransition {from: $from, to: $to, reason: $reason, at: $at})
)
WITH u, matched` + userReturnClause + `,
       matched
`

const listCommissionsCypher = `
MATCH (c:Commission)-[:PAID_TO]->(:User {uid: $uid})
WHERE $before = "" OR datetime(c.timestamp) < datetime($before)
RETURN c.id AS id,
       c.key AS key,
       c.eventKey AS eventKey,
       c.recipientUid AS recipientUid,
       c.sourceUid AS sourceUid,
       c.sourceName AS sourceName,
       c.eventType AS eventType,
       c.level AS level,
       c.amount AS amount,
       c.timestamp AS timestamp
ORDER BY datetime(c.timestamp) DESC, c.key ASC
LIMIT $limit
`

const listTransitionsCypher = `
MATCH (:User {uid: $uid})-[:TRANSITIONED]->(t:ActivationTransition)
RETURN t.from AS from,
       t.to AS to,
       t.reason AS reason,
       t.at AS at
ORDER BY datetime(t.at) ASC
`
