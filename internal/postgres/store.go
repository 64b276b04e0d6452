// Package postgres implements the ledger store on PostgreSQL through
// database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/vanshika/uplink/internal/config"
	"github.com/vanshika/uplink/internal/domain"
	"github.com/vanshika/uplink/internal/ledger"
)

var _ ledger.Store = (*Store)(nil)

// Store persists users, commissions, event markers and activation history in
// four tables. Every multi-row write runs in one SQL transaction.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects with the pool limits from cfg and verifies the connection.
func Open(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres DSN is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

// Migrate creates the schema when it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classify("migrate", err)
		}
	}
	return nil
}

const selectUser = `SELECT uid, name, email, photo_url, upline_uid, activation_state, plan_type, total_balance, created_at, updated_at FROM users WHERE uid = $1`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (domain.UserNode, error) {
	var (
		u     domain.UserNode
		state string
		plan  string
	)
	err := row.Scan(&u.UID, &u.Name, &u.Email, &u.PhotoURL, &u.UplineUID, &state, &plan, &u.TotalBalance, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return domain.UserNode{}, err
	}
	u.ActivationState = domain.ActivationState(state)
	u.PlanType = domain.PlanType(plan)
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, uid string) (domain.UserNode, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, selectUser, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UserNode{}, fmt.Errorf("user %s: %w", uid, domain.ErrNotFound)
	}
	if err != nil {
		return domain.UserNode{}, classify(fmt.Sprintf("get user %s", uid), err)
	}
	return u, nil
}

const insertUser = `INSERT INTO users (uid, name, email, photo_url, upline_uid, activation_state, plan_type, total_balance, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (uid) DO NOTHING`

// CreateUser inserts the row unless the uid exists, in which case the stored
// row is returned with created=false.
func (s *Store) CreateUser(ctx context.Context, user domain.UserNode) (domain.UserNode, bool, error) {
	if user.UID == "" {
		return domain.UserNode{}, false, fmt.Errorf("user uid is required: %w", domain.ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx, insertUser,
		user.UID, user.Name, user.Email, user.PhotoURL, user.UplineUID,
		string(user.ActivationState), string(user.PlanType), user.TotalBalance,
		user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return domain.UserNode{}, false, classify(fmt.Sprintf("create user %s", user.UID), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.UserNode{}, false, classify(fmt.Sprintf("create user %s", user.UID), err)
	}
	if n == 1 {
		return user, true, nil
	}
	existing, err := s.GetUser(ctx, user.UID)
	if err != nil {
		return domain.UserNode{}, false, err
	}
	return existing, false, nil
}

const (
	insertEvent = `INSERT INTO propagation_events (event_key, source_uid, event_type, fingerprint, applied_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (event_key) DO NOTHING`
	selectEventFingerprint = `SELECT fingerprint FROM propagation_events WHERE event_key = $1`
	insertCommission       = `INSERT INTO commissions (id, record_key, event_key, recipient_uid, source_uid, source_name, event_type, level, amount, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (record_key) DO NOTHING`
	creditBalance    = `UPDATE users SET total_balance = total_balance + $1, updated_at = $2 WHERE uid = $3`
	commissionFields = `id, record_key, event_key, recipient_uid, source_uid, source_name, event_type, level, amount, created_at`
	selectCommission = `SELECT ` + commissionFields + ` FROM commissions WHERE record_key = $1`
)

// ApplyEvent runs the marker insert, the record inserts and the balance
// credits in one transaction. Balances are credited only for rows the
// transaction itself inserted.
func (s *Store) ApplyEvent(ctx context.Context, app domain.EventApplication) (outcome domain.ApplyOutcome, err error) {
	op := fmt.Sprintf("apply event %s", app.Event.Key)
	for _, rec := range app.Records {
		if rec.Amount <= 0 {
			return domain.ApplyOutcome{}, fmt.Errorf("record %s amount %d: %w", rec.Key, rec.Amount, domain.ErrInvariantViolation)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApplyOutcome{}, classify(op, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, insertEvent,
		app.Event.Key, app.Event.SourceUID, string(app.Event.Type), app.Event.Fingerprint, app.Event.AppliedAt)
	if err != nil {
		return domain.ApplyOutcome{}, classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.ApplyOutcome{}, classify(op, err)
	}
	if n == 0 {
		var fingerprint string
		if err = tx.QueryRowContext(ctx, selectEventFingerprint, app.Event.Key).Scan(&fingerprint); err != nil {
			return domain.ApplyOutcome{}, classify(op, err)
		}
		if fingerprint != app.Event.Fingerprint {
			err = fmt.Errorf("%s: %w", op, domain.ErrIdempotencyConflict)
			return domain.ApplyOutcome{}, err
		}
		outcome.EventSeen = true
	}

	for _, rec := range app.Records {
		res, err = tx.ExecContext(ctx, insertCommission,
			rec.ID, rec.Key, rec.EventKey, rec.RecipientUID, rec.SourceUID, rec.SourceName,
			string(rec.EventType), rec.Level, rec.Amount, rec.Timestamp)
		if err != nil {
			return domain.ApplyOutcome{}, classify(op, err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return domain.ApplyOutcome{}, classify(op, err)
		}
		if n == 0 {
			var existing domain.CommissionRecord
			existing, err = scanCommission(tx.QueryRowContext(ctx, selectCommission, rec.Key))
			if err != nil {
				return domain.ApplyOutcome{}, classify(op, err)
			}
			outcome.Existing = append(outcome.Existing, existing)
			continue
		}

		res, err = tx.ExecContext(ctx, creditBalance, rec.Amount, rec.Timestamp, rec.RecipientUID)
		if err != nil {
			return domain.ApplyOutcome{}, classify(op, err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return domain.ApplyOutcome{}, classify(op, err)
		}
		if n == 0 {
			err = fmt.Errorf("%s: recipient %s: %w", op, rec.RecipientUID, domain.ErrNotFound)
			return domain.ApplyOutcome{}, err
		}
		outcome.Inserted = append(outcome.Inserted, rec)
	}

	if err = tx.Commit(); err != nil {
		return domain.ApplyOutcome{}, classify(op, err)
	}
	return outcome, nil
}

const (
	compareAndSetState = `UPDATE users
SET activation_state = $1,
    plan_type = CASE WHEN $2::text = '' THEN plan_type ELSE $2::text END,
    updated_at = $3
WHERE uid = $4 AND activation_state = $5`
	selectState      = `SELECT activation_state FROM users WHERE uid = $1`
	insertTransition = `INSERT INTO activation_transitions (uid, from_state, to_state, reason, at) VALUES ($1, $2, $3, $4, $5)`
)

// TransitionActivation moves the user from t.From to t.To only when the
// stored state still equals t.From, and records the audit row in the same
// transaction.
func (s *Store) TransitionActivation(ctx context.Context, t domain.ActivationTransition) (user domain.UserNode, err error) {
	op := fmt.Sprintf("transition user %s", t.UID)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.UserNode{}, classify(op, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	plan := ""
	if t.To == domain.ActivationActive {
		plan = string(domain.PlanPaid)
	}
	res, err := tx.ExecContext(ctx, compareAndSetState, string(t.To), plan, t.At, t.UID, string(t.From))
	if err != nil {
		return domain.UserNode{}, classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.UserNode{}, classify(op, err)
	}
	if n == 0 {
		var current string
		err = tx.QueryRowContext(ctx, selectState, t.UID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("user %s: %w", t.UID, domain.ErrNotFound)
			return domain.UserNode{}, err
		}
		if err != nil {
			return domain.UserNode{}, classify(op, err)
		}
		err = fmt.Errorf("user %s is %s, not %s: %w", t.UID, current, t.From, domain.ErrInvalidTransition)
		return domain.UserNode{}, err
	}

	if _, err = tx.ExecContext(ctx, insertTransition, t.UID, string(t.From), string(t.To), t.Reason, t.At); err != nil {
		return domain.UserNode{}, classify(op, err)
	}
	user, err = scanUser(tx.QueryRowContext(ctx, selectUser, t.UID))
	if err != nil {
		return domain.UserNode{}, classify(op, err)
	}
	if err = tx.Commit(); err != nil {
		return domain.UserNode{}, classify(op, err)
	}
	return user, nil
}

const listCommissions = `SELECT ` + commissionFields + ` FROM commissions
WHERE recipient_uid = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
ORDER BY created_at DESC, record_key ASC
LIMIT $3`

func (s *Store) ListCommissions(ctx context.Context, q domain.CommissionQuery) ([]domain.CommissionRecord, error) {
	q = q.Normalize()
	var before any
	if q.Before != nil {
		before = q.Before.UTC()
	}
	rows, err := s.db.QueryContext(ctx, listCommissions, q.RecipientUID, before, q.Limit)
	if err != nil {
		return nil, classify(fmt.Sprintf("list commissions of %s", q.RecipientUID), err)
	}
	defer rows.Close()

	var out []domain.CommissionRecord
	for rows.Next() {
		rec, err := scanCommission(rows)
		if err != nil {
			return nil, classify("scan commission", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate commissions", err)
	}
	return out, nil
}

func scanCommission(row rowScanner) (domain.CommissionRecord, error) {
	var (
		rec       domain.CommissionRecord
		eventType string
	)
	err := row.Scan(&rec.ID, &rec.Key, &rec.EventKey, &rec.RecipientUID, &rec.SourceUID, &rec.SourceName, &eventType, &rec.Level, &rec.Amount, &rec.Timestamp)
	if err != nil {
		return domain.CommissionRecord{}, err
	}
	rec.EventType = domain.EventType(eventType)
	return rec, nil
}

const listTransitions = `SELECT from_state, to_state, reason, at FROM activation_transitions WHERE uid = $1 ORDER BY at ASC, id ASC`

func (s *Store) ListTransitions(ctx context.Context, uid string) ([]domain.ActivationTransition, error) {
	rows, err := s.db.QueryContext(ctx, listTransitions, uid)
	if err != nil {
		return nil, classify(fmt.Sprintf("list transitions of %s", uid), err)
	}
	defer rows.Close()

	var out []domain.ActivationTransition
	for rows.Next() {
		var from, to string
		t := domain.ActivationTransition{UID: uid}
		if err := rows.Scan(&from, &to, &t.Reason, &t.At); err != nil {
			return nil, classify("scan transition", err)
		}
		t.From = domain.ActivationState(from)
		t.To = domain.ActivationState(to)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate transitions", err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

// classify maps driver failures onto the domain taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreUnavailable, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23503":
			return fmt.Errorf("%s: %w: %s", op, domain.ErrNotFound, pqErr.Message)
		case pqErr.Code == "23514":
			return fmt.Errorf("%s: %w: %s", op, domain.ErrInvariantViolation, pqErr.Message)
		case pqErr.Code == "40001", pqErr.Code == "40P01", pqErr.Code == "57014", pqErr.Code.Class() == "08":
			return fmt.Errorf("%s: %w: %s", op, domain.ErrStoreUnavailable, pqErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
	uid              TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	email            TEXT NOT NULL DEFAULT '',
	photo_url        TEXT NOT NULL DEFAULT '',
	upline_uid       TEXT NOT NULL DEFAULT '',
	activation_state TEXT NOT NULL,
	plan_type        TEXT NOT NULL,
	total_balance    BIGINT NOT NULL DEFAULT 0 CHECK (total_balance >= 0),
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS propagation_events (
	event_key   TEXT PRIMARY KEY,
	source_uid  TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	applied_at  TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS commissions (
	id            UUID PRIMARY KEY,
	record_key    TEXT NOT NULL UNIQUE,
	event_key     TEXT NOT NULL REFERENCES propagation_events (event_key),
	recipient_uid TEXT NOT NULL REFERENCES users (uid),
	source_uid    TEXT NOT NULL,
	source_name   TEXT NOT NULL DEFAULT '',
	event_type    TEXT NOT NULL,
	level         INTEGER NOT NULL CHECK (level > 0),
	amount        BIGINT NOT NULL CHECK (amount > 0),
	created_at    TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS commissions_recipient_created_at ON commissions (recipient_uid, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS activation_transitions (
	id         BIGSERIAL PRIMARY KEY,
	uid        TEXT NOT NULL REFERENCES users (uid),
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	at         TIMESTAMPTZ NOT NULL
)`,
}
