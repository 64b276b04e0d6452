package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vanshika/uplink/internal/domain"
)

// TaskError accumulates multiple errors produced during bulk ingestion.
type TaskError struct {
	Errors []error
}

func (e *TaskError) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msg := "multiple errors:"
	for _, err := range e.Errors {
		msg += " " + err.Error() + ";"
	}
	return msg
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e *TaskError) Unwrap() []error {
	return e.Errors
}

func (e *TaskError) append(err error) {
	if err == nil {
		return
	}
	e.Errors = append(e.Errors, err)
}

func (e *TaskError) asError() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

// ReplaySummary counts what an event replay changed.
type ReplaySummary struct {
	Events    int
	Applied   int64
	Replayed  int64
	Forfeited int64
	Conflicts int64
	Amount    int64
}

// BulkIngestor imports members and replays event logs using worker pools.
// Every call goes through the retrier, so transient store failures do not
// abort a long import.
type BulkIngestor struct {
	members *MembershipService
	engine  *Engine
	retrier *Retrier
	workers int
}

// NewBulkIngestor creates a new BulkIngestor instance with the provided concurrency.
func NewBulkIngestor(members *MembershipService, engine *Engine, retrier *Retrier, workers int) *BulkIngestor {
	if workers <= 0 {
		workers = 4
	}
	return &BulkIngestor{
		members: members,
		engine:  engine,
		retrier: retrier,
		workers: workers,
	}
}

// IngestUsers signs up the provided members. A referrer in the same batch is
// always created before the members it referred, so referral codes resolve.
// Members flagged Active are then moved FREE → PENDING → ACTIVE without
// propagating, as their activation is historical.
func (bi *BulkIngestor) IngestUsers(ctx context.Context, users []SignUpInput) error {
	for _, wave := range referralWaves(users) {
		err := bi.run(ctx, len(wave), func(idx int) error {
			in := wave[idx]
			_, err := RetryValue(ctx, bi.retrier, "sign up "+in.UID, func(ctx context.Context) (domain.UserNode, error) {
				user, _, err := bi.members.SignUp(ctx, in)
				return user, err
			})
			if err != nil {
				return fmt.Errorf("sign up %s: %w", in.UID, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	var active []SignUpInput
	for _, in := range users {
		if in.Active {
			active = append(active, in)
		}
	}
	return bi.run(ctx, len(active), func(idx int) error {
		return bi.markActive(ctx, active[idx].UID)
	})
}

func (bi *BulkIngestor) markActive(ctx context.Context, uid string) error {
	for _, target := range []domain.ActivationState{domain.ActivationPending, domain.ActivationActive} {
		err := bi.retrier.Do(ctx, "activate "+uid, func(ctx context.Context) error {
			_, err := bi.members.TransitionActivation(ctx, uid, target, "bulk import")
			return err
		})
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrInvalidTransition) {
			return fmt.Errorf("activate %s: %w", uid, err)
		}
		user, getErr := bi.members.Profile(ctx, uid)
		if getErr != nil {
			return fmt.Errorf("activate %s: %w", uid, getErr)
		}
		if user.IsActive() {
			return nil
		}
		if user.ActivationState != target {
			return fmt.Errorf("activate %s: %w", uid, err)
		}
	}
	return nil
}

// ReplayEvents propagates the provided events concurrently. Replays of
// already applied events and keys reused for a different event are counted,
// not treated as failures.
func (bi *BulkIngestor) ReplayEvents(ctx context.Context, events []EventInput) (ReplaySummary, error) {
	var applied, replayed, forfeited, conflicts, amount atomic.Int64
	err := bi.run(ctx, len(events), func(idx int) error {
		ev, err := events[idx].ToEvent()
		if err != nil {
			return fmt.Errorf("event %s: %w", events[idx].IdempotencyKey, err)
		}
		res, err := RetryValue(ctx, bi.retrier, "propagate "+ev.IdempotencyKey, func(ctx context.Context) (domain.ApplicationResult, error) {
			return bi.engine.Propagate(ctx, ev)
		})
		if errors.Is(err, domain.ErrIdempotencyConflict) {
			conflicts.Add(1)
			return nil
		}
		if err != nil {
			return fmt.Errorf("event %s: %w", ev.IdempotencyKey, err)
		}
		applied.Add(int64(len(res.Applied)))
		replayed.Add(int64(len(res.Replayed)))
		forfeited.Add(int64(len(res.Forfeited)))
		amount.Add(res.TotalApplied())
		return nil
	})
	return ReplaySummary{
		Events:    len(events),
		Applied:   applied.Load(),
		Replayed:  replayed.Load(),
		Forfeited: forfeited.Load(),
		Conflicts: conflicts.Load(),
		Amount:    amount.Load(),
	}, err
}

// referralWaves groups members by their depth inside the batch. Members whose
// referral code points outside the batch (or nowhere) are in wave 0. Codes
// that loop inside the batch are treated as pointing outside it.
func referralWaves(users []SignUpInput) [][]SignUpInput {
	byUID := make(map[string]SignUpInput, len(users))
	for _, u := range users {
		byUID[u.UID] = u
	}
	depth := make(map[string]int, len(users))
	var depthOf func(uid string, seen map[string]bool) int
	depthOf = func(uid string, seen map[string]bool) int {
		if d, ok := depth[uid]; ok {
			return d
		}
		in := byUID[uid]
		parent, ok := byUID[in.ReferralCode]
		if !ok || in.ReferralCode == uid || seen[parent.UID] {
			depth[uid] = 0
			return 0
		}
		seen[uid] = true
		d := depthOf(parent.UID, seen) + 1
		depth[uid] = d
		return d
	}

	maxDepth := 0
	for _, u := range users {
		if d := depthOf(u.UID, map[string]bool{}); d > maxDepth {
			maxDepth = d
		}
	}
	waves := make([][]SignUpInput, maxDepth+1)
	for _, u := range users {
		d := depth[u.UID]
		waves[d] = append(waves[d], u)
	}
	for _, wave := range waves {
		sort.SliceStable(wave, func(i, j int) bool { return wave[i].UID < wave[j].UID })
	}
	return waves
}

func (bi *BulkIngestor) run(ctx context.Context, total int, workerFn func(idx int) error) error {
	if total == 0 {
		return nil
	}
	indexCh := make(chan int)
	errCh := make(chan error, total)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for idx := range indexCh {
			if err := workerFn(idx); err != nil {
				select {
				case errCh <- err:
				case <-ctx.Done():
					return
				}
			}
		}
	}

	for i := 0; i < bi.workers; i++ {
		wg.Add(1)
		go worker()
	}

Loop:
	for i := 0; i < total; i++ {
		select {
		case indexCh <- i:
		case <-ctx.Done():
			break Loop
		}
	}
	close(indexCh)
	wg.Wait()
	close(errCh)

	if err := ctx.Err(); err != nil {
		return err
	}
	var taskErr TaskError
	for err := range errCh {
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		taskErr.append(err)
	}
	return taskErr.asError()
}
