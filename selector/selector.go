// Package selector implements the per-service candidate queries against
// the system of record. Each selector applies the shared eligibility
// rules (active device and company, non-null expiry at or before
// end-of-today, no recent top-up of the same service type, activity cap,
// name blocklist) and returns candidates enriched with the freshness
// figures the classifier consumes.
package selector

import (
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/fleetops-mx/recargas"
	"github.com/fleetops-mx/recargas/classify"
)

// Config carries the knobs shared by all three selectors.
type Config struct {
	// ExclusionDays is K: a SIM with a settled top-up of the same service
	// type within the last K days is skipped.
	ExclusionDays int
	// ActivityCapDays drops devices that have not reported for longer
	// than this many days; they are dead, not expiring.
	ActivityCapDays int
	// Blocklist holds operator-specific company names to skip, on top of
	// the built-in stock/demo/_old patterns.
	Blocklist []string
	// Loc is the operational timezone used for end-of-today.
	Loc *time.Location
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (c Config) clock() func() time.Time {
	if c.Now != nil {
		return c.Now
	}
	return time.Now
}

// blockedPatterns are the built-in substrings that exclude a company or
// device description regardless of operator configuration.
var blockedPatterns = []string{"stock", "demo", "_old"}

// blocked reports whether a company/description pair hits the blocklist.
func (c Config) blocked(company, description string) bool {
	lc := strings.ToLower(company)
	ld := strings.ToLower(description)
	if lo.SomeBy(blockedPatterns, func(p string) bool {
		return strings.Contains(lc, p)
	}) {
		return true
	}
	if strings.Contains(ld, "_old") || strings.Contains(ld, "demo") {
		return true
	}
	return lo.SomeBy(c.Blocklist, func(name string) bool {
		return strings.EqualFold(strings.TrimSpace(name), strings.TrimSpace(company))
	})
}

// window computes the tick's time anchors: now, end-of-today, the
// recent-top-up cutoff, and the activity-cap cutoff.
func (c Config) window() (now, endOfToday, exclusionCutoff, activityCutoff time.Time) {
	now = c.clock()().In(c.Loc)
	endOfToday = classify.EndOfDay(now, c.Loc)
	exclusionCutoff = now.AddDate(0, 0, -c.ExclusionDays)
	activityCutoff = now.AddDate(0, 0, -c.ActivityCapDays)
	return
}

// freshness derives the classifier inputs from a last-report instant.
func freshness(now, lastReport time.Time) (minutes, days int) {
	if lastReport.IsZero() {
		return 0, 0
	}
	idle := now.Sub(lastReport)
	if idle < 0 {
		idle = 0
	}
	return int(idle / time.Minute), int(idle / (24 * time.Hour))
}

// buildCandidate assembles a Candidate from a device snapshot and the
// tick anchors.
func buildCandidate(d recargas.Device, now, endOfToday time.Time) recargas.Candidate {
	minutes, days := freshness(now, d.LastReportAt)
	return recargas.Candidate{
		Device:             d,
		MinutesSinceReport: minutes,
		DaysSinceReport:    days,
		Expiry:             classify.StateOf(d.ExpiresAt, now, endOfToday),
	}
}
