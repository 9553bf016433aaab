// Package classify splits a tick's candidates into the recharge, grace,
// and stable classes. It is a pure function over the candidate list and
// the service thresholds.
//
// The grace class is the point of the whole product: a device whose
// balance is expiring but that is still reporting within the freshness
// threshold keeps working on residual carrier tolerance, so it is
// deliberately not recharged.
package classify

import (
	"time"

	"github.com/fleetops-mx/recargas"
)

// Thresholds parameterizes the classifier per service.
type Thresholds struct {
	// MinutesSinceReport is the inclusive freshness cutoff: a device at
	// exactly this many idle minutes is recharged.
	MinutesSinceReport int
}

// Result holds the three disjoint classes. Every candidate lands in
// exactly one.
type Result struct {
	Recharge []recargas.Candidate
	Grace    []recargas.Candidate
	Stable   []recargas.Candidate
}

// Total returns the candidate count across all classes.
func (r Result) Total() int {
	return len(r.Recharge) + len(r.Grace) + len(r.Stable)
}

// EndOfDay returns the last instant of t's calendar day in loc.
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), loc)
}

// StateOf derives the expiry state of an absolute expiry instant.
// expiry == endOfToday is expiring-today, not stable.
func StateOf(expiry, now, endOfToday time.Time) recargas.ExpiryState {
	switch {
	case expiry.After(endOfToday):
		return recargas.ExpiryCurrent
	case expiry.Before(now):
		return recargas.Expired
	default:
		return recargas.ExpiringToday
	}
}

// Split classifies candidates using their precomputed expiry state:
// a device expiring after today is stable; an expired or expiring-today
// device is recharged when its report is at least the threshold old, and
// left in grace when it is still reporting in time.
func Split(candidates []recargas.Candidate, th Thresholds) Result {
	var out Result
	for _, c := range candidates {
		switch {
		case c.Expiry == recargas.ExpiryCurrent:
			out.Stable = append(out.Stable, c)
		case c.MinutesSinceReport >= th.MinutesSinceReport:
			out.Recharge = append(out.Recharge, c)
		default:
			out.Grace = append(out.Grace, c)
		}
	}
	return out
}
