// Package pipeline runs one service's tick: acquire the service lock,
// drain the recovery queue, select and classify candidates, charge the
// recharge class against the balance-richest provider, and settle the
// batch into the system of record. The ordering contract throughout is
// charge, then durable queue append, then settlement: a provider charge
// must never exist without a queue entry to recover from.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fleetops-mx/recargas"
	"github.com/fleetops-mx/recargas/classify"
	"github.com/fleetops-mx/recargas/provider"
	"github.com/fleetops-mx/recargas/retry"
	"github.com/fleetops-mx/recargas/settle"
)

const (
	defaultLockTTL      = 60 * time.Minute
	defaultExtendMargin = 5 * time.Minute
	// defaultStuckAttempts is how many failed recovery attempts a queue
	// item accumulates before it is reported stuck to the event sink.
	defaultStuckAttempts = 5
)

// Runner executes ticks for one service plan.
type Runner struct {
	plan      Plan
	lock      recargas.LockClient
	queue     recargas.QueueStore
	providers *provider.Registry
	policy    *retry.Policy
	sink      recargas.EventSink
	log       *zap.Logger
	loc       *time.Location

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
	pace  *rate.Limiter

	lockTTL       time.Duration
	extendMargin  time.Duration
	stuckAttempts int
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithSleep overrides the backoff sleeper, for tests.
func WithSleep(sleep func(context.Context, time.Duration) error) RunnerOption {
	return func(r *Runner) { r.sleep = sleep }
}

// WithLockTTL sets the lock TTL and the margin before expiry at which
// the runner extends it mid-tick.
func WithLockTTL(ttl, margin time.Duration) RunnerOption {
	return func(r *Runner) { r.lockTTL, r.extendMargin = ttl, margin }
}

// WithPacing sets the limiter applied before every provider recharge
// call.
func WithPacing(l *rate.Limiter) RunnerOption {
	return func(r *Runner) { r.pace = l }
}

// WithEvents sets the event sink.
func WithEvents(sink recargas.EventSink) RunnerOption {
	return func(r *Runner) { r.sink = sink }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) RunnerOption {
	return func(r *Runner) { r.log = log }
}

// WithStuckThreshold sets the attempt count at which a queue item is
// reported stuck.
func WithStuckThreshold(attempts int) RunnerOption {
	return func(r *Runner) { r.stuckAttempts = attempts }
}

// NewRunner wires a runner for one plan.
func NewRunner(plan Plan, lock recargas.LockClient, queue recargas.QueueStore, providers *provider.Registry, policy *retry.Policy, loc *time.Location, opts ...RunnerOption) *Runner {
	r := &Runner{
		plan:          plan,
		lock:          lock,
		queue:         queue,
		providers:     providers,
		policy:        policy,
		sink:          nopSink{},
		log:           zap.NewNop(),
		loc:           loc,
		now:           time.Now,
		sleep:         sleepCtx,
		pace:          rate.NewLimiter(rate.Every(time.Second), 1),
		lockTTL:       defaultLockTTL,
		extendMargin:  defaultExtendMargin,
		stuckAttempts: defaultStuckAttempts,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Tick runs one full pipeline pass. Lock contention is a normal skip,
// not an error. A blocked recovery queue finishes the tick without any
// provider call.
func (r *Runner) Tick(ctx context.Context) (recargas.TickSummary, error) {
	svc := r.plan.Service()
	start := r.now()
	summary := recargas.TickSummary{Service: svc}
	r.sink.TickStarted(svc)
	finish := func() recargas.TickSummary {
		summary.Elapsed = r.now().Sub(start)
		if items, err := r.queue.Snapshot(ctx); err == nil {
			summary.QueueDepth = len(items)
		}
		r.sink.TickFinished(summary)
		return summary
	}

	token, ok, err := r.lock.Acquire(ctx, svc.LockKey(), r.lockTTL)
	if err != nil {
		summary.Skipped, summary.SkipReason = true, "lock_error"
		return finish(), fmt.Errorf("pipeline %s: lock acquire: %w", svc, err)
	}
	if !ok {
		r.log.Info("tick skipped, lock held elsewhere", zap.String("service", string(svc)))
		summary.Skipped, summary.SkipReason = true, "lock_contention"
		return finish(), nil
	}
	deadline := start.Add(r.lockTTL)
	defer r.releaseLock(svc, token)

	recovered, err := r.recover(ctx)
	summary.Recovered = recovered
	if err != nil {
		r.log.Error("recovery pass failed", zap.String("service", string(svc)), zap.Error(err))
	}
	if pending, snapErr := r.queue.Snapshot(ctx); snapErr != nil || len(pending) > 0 {
		// Items still pending means settlement is not trustworthy right
		// now. Spending more provider money would only grow the backlog.
		r.log.Warn("recovery queue not drained, holding new recharges",
			zap.String("service", string(svc)), zap.Int("pending", len(pending)))
		summary.Skipped, summary.SkipReason = true, "recovery_incomplete"
		return finish(), err
	}

	cands, err := r.plan.Candidates(ctx)
	if err != nil {
		summary.Skipped, summary.SkipReason = true, "selector_error"
		return finish(), fmt.Errorf("pipeline %s: candidates: %w", svc, err)
	}
	split := classify.Split(cands, r.plan.Thresholds())
	summary.Candidates = split.Total()
	summary.ToRecharge = len(split.Recharge)
	summary.Grace = len(split.Grace)
	summary.Stable = len(split.Stable)
	if len(split.Recharge) == 0 {
		return finish(), nil
	}

	ranked, balErrs := r.providers.Eligible(ctx, r.plan.UnitAmount())
	for _, e := range balErrs {
		r.log.Warn("provider balance query failed", zap.String("service", string(svc)), zap.Error(e))
	}
	if len(ranked) == 0 {
		r.log.Error("no provider has balance for a single unit, aborting tick",
			zap.String("service", string(svc)), zap.String("unit", r.plan.UnitAmount().String()))
		summary.Skipped, summary.SkipReason = true, "no_provider_balance"
		return finish(), nil
	}

	var batch []*recargas.PendingRecharge
	for i, cand := range split.Recharge {
		if r.now().After(deadline.Add(-r.extendMargin)) {
			if ok, _ := r.lock.Extend(ctx, svc.LockKey(), token, r.lockTTL); ok {
				deadline = r.now().Add(r.lockTTL)
			}
		}
		if err := r.pace.Wait(ctx); err != nil {
			return finish(), err
		}

		res, providerName, chErr := r.charge(ctx, cand.Device.SIM, ranked)
		if chErr != nil {
			summary.Failures++
			r.sink.RechargeFailed(svc, cand.Device.SIM, chErr)
			r.log.Warn("recharge failed",
				zap.String("service", string(svc)),
				zap.String("sim", cand.Device.SIM),
				zap.String("category", string(chErr.Category)),
				zap.String("code", chErr.Code))
			continue
		}

		item := r.pendingItem(cand, res, providerName, recargas.NoteContext{
			Index:           i + 1,
			TotalToRecharge: len(split.Recharge),
			GraceCount:      len(split.Grace),
			TotalCandidates: split.Total(),
		})
		if err := r.queue.Append(ctx, item); err != nil {
			// The charge is already committed on the provider side. Settle
			// what we hold, this item included, before giving up the tick.
			r.log.Error("queue append failed after committed charge",
				zap.String("service", string(svc)),
				zap.String("sim", item.SIM),
				zap.String("folio", item.Folio),
				zap.Error(err))
			batch = append(batch, item)
			r.settleBatch(ctx, &summary, batch)
			summary.Skipped, summary.SkipReason = true, "queue_append_failed"
			return finish(), fmt.Errorf("pipeline %s: queue append for %s: %w", svc, item.SIM, err)
		}
		batch = append(batch, item)
		summary.Successes++
		r.sink.RechargeSucceeded(item)
	}

	r.settleBatch(ctx, &summary, batch)
	return finish(), nil
}

// Recover acquires the lock and drains the pending queue without
// charging anything new. Used by the engine's startup sweep.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	svc := r.plan.Service()
	token, ok, err := r.lock.Acquire(ctx, svc.LockKey(), r.lockTTL)
	if err != nil {
		return 0, fmt.Errorf("pipeline %s: lock acquire: %w", svc, err)
	}
	if !ok {
		return 0, nil
	}
	defer r.releaseLock(svc, token)
	return r.recover(ctx)
}

// recover re-settles every queued item, one item per transaction so a
// poisoned item cannot hold back the rest. Settled and duplicate items
// leave the queue; everything else stays with its status and attempt
// count advanced.
func (r *Runner) recover(ctx context.Context) (int, error) {
	items, err := r.queue.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for i := range items {
		item := items[i]
		outcome, err := r.plan.Writer().Settle(ctx, []*recargas.PendingRecharge{&item}, settle.RecoveryPrefix+masterNote(item.Service, 1, item.Note))
		switch {
		case err != nil:
			r.bumpAttempts(ctx, item, recargas.StatusInsertFailed)
			r.log.Error("recovery settlement failed",
				zap.String("sim", item.SIM), zap.String("folio", item.Folio), zap.Error(err))
		case len(outcome.Unverified) > 0:
			r.bumpAttempts(ctx, item, recargas.StatusVerifyFailed)
		default:
			if err := r.queue.Remove(ctx, item.ID); err != nil {
				return recovered, err
			}
			recovered++
			if len(outcome.Duplicates) > 0 {
				r.log.Info("recovery item already settled",
					zap.String("sim", item.SIM), zap.String("folio", item.Folio))
			}
		}
	}
	return recovered, nil
}

func (r *Runner) bumpAttempts(ctx context.Context, item recargas.PendingRecharge, status recargas.PendingStatus) {
	var after recargas.PendingRecharge
	if err := r.queue.Update(ctx, item.ID, func(p *recargas.PendingRecharge) {
		p.Status = status
		p.Attempts++
		after = *p
	}); err != nil {
		r.log.Error("queue update failed", zap.String("id", item.ID), zap.Error(err))
		return
	}
	if after.Attempts >= r.stuckAttempts {
		r.sink.PendingStuck(&after)
	}
}

// charge runs the retry-and-failover loop for one SIM against the
// tick's provider ranking. Transient exhaustion moves to the next
// provider with a fresh attempt budget, while business and fatal
// failures end the device immediately. Balances are re-queried only at
// failover, where the spend so far may have drained the next provider
// below the unit amount; a healthy first provider costs one balance
// query per tick, not per device.
func (r *Runner) charge(ctx context.Context, sim string, ranked []provider.Ranked) (*recargas.RechargeResult, string, *recargas.Error) {
	if len(ranked) == 0 {
		return nil, "", recargas.NewError(recargas.CategoryRetriable, recargas.ErrCodeInsufficientBalance,
			"no provider with sufficient balance")
	}
	tried := make(map[string]bool, len(ranked))
	var last *recargas.Error
	for len(ranked) > 0 {
		rk := ranked[0]
		ranked = ranked[1:]
		if tried[rk.Provider.Name()] {
			continue
		}
		tried[rk.Provider.Name()] = true

		for attempt := 1; ; attempt++ {
			res, err := rk.Provider.Recharge(ctx, sim, r.plan.ProductCode())
			var cerr *recargas.Error
			switch {
			case err != nil:
				cerr = recargas.AsError(err)
			case res.Success:
				return res, rk.Provider.Name(), nil
			case res.Err != nil:
				cerr = res.Err
			default:
				cerr = recargas.NewError(recargas.CategoryRetriable, recargas.ErrCodeConnection,
					"provider reported neither success nor error")
			}
			last = cerr

			d := r.policy.Decide(cerr, attempt)
			if d.Retry {
				if err := r.sleep(ctx, d.Delay); err != nil {
					return nil, "", recargas.AsError(err)
				}
				continue
			}
			if cerr.Category == recargas.CategoryBusiness || cerr.Category == recargas.CategoryFatal {
				return nil, "", cerr
			}
			break // transient budget exhausted, next provider
		}

		if len(ranked) > 0 {
			if fresh, _ := r.providers.Eligible(ctx, r.plan.UnitAmount()); len(fresh) > 0 {
				ranked = fresh
			}
		}
	}
	return nil, "", last
}

func (r *Runner) pendingItem(cand recargas.Candidate, res *recargas.RechargeResult, providerName string, note recargas.NoteContext) *recargas.PendingRecharge {
	now := r.now().In(r.loc)
	return &recargas.PendingRecharge{
		ID:           uuid.NewString(),
		Service:      r.plan.Service(),
		SIM:          cand.Device.SIM,
		Provider:     providerName,
		Amount:       r.plan.UnitAmount(),
		ValidityDays: r.plan.ValidityDays(),
		Folio:        res.Folio,
		TransID:      res.TransID,
		FinalBalance: res.FinalBalance,
		Carrier:      res.Carrier,
		TimeoutMS:    res.TimeoutObserved.Milliseconds(),
		IP:           res.IP,
		Raw:          res.Raw,
		Device: recargas.DeviceSnapshot{
			SIM:                cand.Device.SIM,
			DeviceID:           cand.Device.DeviceID,
			Description:        cand.Device.Description,
			Company:            cand.Device.Company,
			MinutesSinceReport: cand.MinutesSinceReport,
		},
		Note:      note,
		Status:    recargas.StatusPendingDB,
		CreatedAt: now,
	}
}

// settleBatch commits the tick's batch and reconciles the queue with the
// outcome. A failed settlement leaves every item queued for recovery;
// the tick still ends normally.
func (r *Runner) settleBatch(ctx context.Context, summary *recargas.TickSummary, batch []*recargas.PendingRecharge) {
	if len(batch) == 0 {
		return
	}
	svc := r.plan.Service()
	note := masterNote(svc, len(batch), batch[0].Note)
	outcome, err := r.plan.Writer().Settle(ctx, batch, note)
	if err != nil {
		r.log.Error("batch settlement failed, items held for recovery",
			zap.String("service", string(svc)), zap.Int("items", len(batch)), zap.Error(err))
		for _, item := range batch {
			r.bumpAttempts(ctx, *item, recargas.StatusInsertFailed)
		}
		return
	}
	summary.Duplicates = len(outcome.Duplicates)
	done := append(append([]string{}, outcome.Settled...), outcome.Duplicates...)
	for _, id := range done {
		if err := r.queue.Remove(ctx, id); err != nil {
			r.log.Error("queue remove failed", zap.String("id", id), zap.Error(err))
		}
	}
	for _, id := range outcome.Unverified {
		for _, item := range batch {
			if item.ID == id {
				r.bumpAttempts(ctx, *item, recargas.StatusVerifyFailed)
			}
		}
	}
}

func (r *Runner) releaseLock(svc recargas.Service, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.lock.Release(ctx, svc.LockKey(), token); err != nil {
		r.log.Warn("lock release failed, TTL will reclaim", zap.String("service", string(svc)), zap.Error(err))
	}
}

// masterNote renders the settlement master-row note. charged is the
// batch size actually written; the rest of the figures come from the
// tick that produced the items.
func masterNote(svc recargas.Service, charged int, note recargas.NoteContext) string {
	return fmt.Sprintf("Recarga automatica %s: %d de %d por recargar | candidatos: %d | en gracia: %d",
		svc.Tag(), charged, note.TotalToRecharge, note.TotalCandidates, note.GraceCount)
}

type nopSink struct{}

func (nopSink) TickStarted(recargas.Service)                             {}
func (nopSink) TickFinished(recargas.TickSummary)                        {}
func (nopSink) RechargeSucceeded(*recargas.PendingRecharge)              {}
func (nopSink) RechargeFailed(recargas.Service, string, *recargas.Error) {}
func (nopSink) QueueCorrupted(recargas.Service, string)                  {}
func (nopSink) PendingStuck(*recargas.PendingRecharge)                   {}
