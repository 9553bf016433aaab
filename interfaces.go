// Package recargas holds the shared domain types and the interfaces the
// recharge engine's components are wired through. The engine periodically
// discovers SIM-equipped devices whose prepaid balance is expiring,
// purchases top-ups against external recharge providers, and settles each
// successful purchase into the system of record exactly once, surviving
// crashes between the provider call and the database commit.
package recargas

import (
	"context"
	"time"
)

// LockClient provides per-service mutual exclusion across processes.
// Acquire is non-blocking; ok=false means another holder has the key.
// Release and Extend are compare-and-ops against the owner token, so a
// process can never steal or drop a lock it does not hold. TTL guarantees
// release even when the holder dies.
type LockClient interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) (bool, error)
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// QueueStore is the durable auxiliary queue holding PendingRecharge items
// between the provider charge and the confirmed settlement. One logical
// queue per service; exclusive writes are guaranteed by the distributed
// lock, not by the store. Append must be durable (flushed) before it
// returns: a provider charge without a queue entry is a lost settlement.
type QueueStore interface {
	Append(ctx context.Context, item *PendingRecharge) error
	Update(ctx context.Context, id string, mutate func(*PendingRecharge)) error
	Remove(ctx context.Context, id string) error
	Snapshot(ctx context.Context) ([]PendingRecharge, error)
}

// Provider is one recharge provider: a balance-query entry point and a
// recharge entry point. A Recharge call is not idempotent from the
// caller's perspective; every Success=true is a committed purchase.
type Provider interface {
	Name() string
	Balance(ctx context.Context) (Money, error)
	Recharge(ctx context.Context, sim, productCode string) (*RechargeResult, error)
}

// CandidateSelector returns the devices eligible for top-up this tick,
// already filtered by activity/blocklist/expiry rules. Ordering is by
// description for stable display only.
type CandidateSelector interface {
	Candidates(ctx context.Context) ([]Candidate, error)
}

// SettleOutcome reports what one settlement batch accomplished.
type SettleOutcome struct {
	MasterID   int64
	Settled    []string // pending IDs verified present in the system of record
	Duplicates []string // pending IDs absorbed by the (sim, folio) unique key
	Unverified []string // pending IDs committed but not observed on verification
}

// SettlementWriter commits a batch of PendingRecharge items into the
// system of record inside one transaction: master row, detail rows, and
// the device expiry updates. Duplicate (sim, folio) violations are
// idempotent successes; any other failure aborts the whole batch.
type SettlementWriter interface {
	Settle(ctx context.Context, batch []*PendingRecharge, note string) (*SettleOutcome, error)
}

// TickSummary is the operator-facing outcome of one pipeline tick.
type TickSummary struct {
	Service    Service
	Candidates int
	ToRecharge int
	Grace      int
	Stable     int
	Successes  int
	Failures   int
	Duplicates int
	Recovered  int
	QueueDepth int
	Skipped    bool
	SkipReason string
	Elapsed    time.Duration
}

// EventSink receives pipeline lifecycle events. Injected explicitly into
// each pipeline; its lifecycle is owned by the engine.
type EventSink interface {
	TickStarted(svc Service)
	TickFinished(summary TickSummary)
	RechargeSucceeded(item *PendingRecharge)
	RechargeFailed(svc Service, sim string, err *Error)
	QueueCorrupted(svc Service, quarantinedPath string)
	PendingStuck(item *PendingRecharge)
}
