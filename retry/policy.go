// Package retry implements the categorized retry policy for provider
// calls. The policy is pure: it owns no clock and performs no I/O. The
// pipeline asks it whether to retry a categorized failure and how long to
// wait, then sleeps on its own.
package retry

import (
	"math/rand"
	"time"

	"github.com/fleetops-mx/recargas"
)

// JitterMode selects how the computed delay is randomized.
type JitterMode int

const (
	// JitterNone returns the exponential delay unchanged.
	JitterNone JitterMode = iota
	// JitterEqual spreads the delay over [delay/2, delay*3/2).
	JitterEqual
	// JitterFull spreads the delay over [0, delay).
	JitterFull
)

// Rule holds the per-category knobs.
type Rule struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      JitterMode
}

// Policy maps error categories to rules. The zero Policy retries nothing;
// use Default for the production configuration.
type Policy struct {
	rules map[recargas.Category]Rule
	// rand lets tests pin jitter. Defaults to the shared source.
	rand func() float64
}

// Decision is the policy's answer for one failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Option configures a Policy.
type Option func(*Policy)

// WithRule overrides the rule for one category.
func WithRule(cat recargas.Category, r Rule) Option {
	return func(p *Policy) { p.rules[cat] = r }
}

// WithRandom overrides the jitter source, for tests.
func WithRandom(f func() float64) Option {
	return func(p *Policy) { p.rand = f }
}

// Default builds the production policy: 3 attempts with full-jitter
// exponential backoff for RETRIABLE, a longer baseline and gentler
// multiplier for RATE_LIMITED, a single extra attempt for BUSINESS, and
// nothing for FATAL.
func Default(opts ...Option) *Policy {
	p := &Policy{
		rules: map[recargas.Category]Rule{
			recargas.CategoryRetriable: {
				MaxAttempts: 3,
				BaseDelay:   2 * time.Second,
				Multiplier:  2,
				MaxDelay:    30 * time.Second,
				Jitter:      JitterFull,
			},
			recargas.CategoryRateLimited: {
				MaxAttempts: 3,
				BaseDelay:   10 * time.Second,
				Multiplier:  1.5,
				MaxDelay:    60 * time.Second,
				Jitter:      JitterEqual,
			},
			recargas.CategoryBusiness: {
				MaxAttempts: 2,
				BaseDelay:   1 * time.Second,
				Multiplier:  1,
				MaxDelay:    1 * time.Second,
				Jitter:      JitterNone,
			},
			recargas.CategoryFatal: {
				MaxAttempts: 1,
			},
		},
		rand: rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decide returns whether attempt number `attempt` (1-based, the attempt
// that just failed) should be followed by another try, and the delay to
// wait first.
func (p *Policy) Decide(err *recargas.Error, attempt int) Decision {
	if err == nil {
		return Decision{}
	}
	rule, ok := p.rules[err.Category]
	if !ok || attempt >= rule.MaxAttempts {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.delay(rule, attempt)}
}

// MaxAttempts reports the attempt budget for a category.
func (p *Policy) MaxAttempts(cat recargas.Category) int {
	return p.rules[cat].MaxAttempts
}

func (p *Policy) delay(rule Rule, attempt int) time.Duration {
	d := float64(rule.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= rule.Multiplier
	}
	if max := float64(rule.MaxDelay); rule.MaxDelay > 0 && d > max {
		d = max
	}
	switch rule.Jitter {
	case JitterEqual:
		d = d/2 + d*p.rand()
	case JitterFull:
		d = d * p.rand()
	}
	return time.Duration(d)
}
