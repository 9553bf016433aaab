// Package schedule drives the per-service tick cadence. Two modes exist:
// an interval aligned to round clock boundaries (every N minutes on the
// minute grid) and a fixed list of times of day. Both evaluate in the
// engine's configured timezone, and an overlapping run is skipped rather
// than queued: the tick itself is the unit of work and a second
// concurrent tick would only fight the same lock.
package schedule

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler wraps one cron instance shared by all services.
type Scheduler struct {
	c   *cron.Cron
	log *zap.Logger
}

// New creates a scheduler evaluating in loc.
func New(loc *time.Location, log *zap.Logger) *Scheduler {
	cl := cronLog{log: log.Sugar()}
	return &Scheduler{
		log: log,
		c: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// AddInterval schedules job every `every` minutes, aligned to the minute
// grid (20 minutes fires at :00, :20, :40). The interval must divide the
// hour evenly so runs stay on round boundaries across hour wraps.
func (s *Scheduler) AddInterval(name string, every time.Duration, job func()) error {
	minutes := int(every.Minutes())
	if minutes < 1 || minutes > 60 || time.Duration(minutes)*time.Minute != every {
		return fmt.Errorf("schedule %s: interval must be a whole number of minutes in [1, 60], got %s", name, every)
	}
	if 60%minutes != 0 {
		return fmt.Errorf("schedule %s: interval %dm does not divide the hour", name, minutes)
	}
	spec := fmt.Sprintf("*/%d * * * *", minutes)
	if minutes == 60 {
		spec = "0 * * * *"
	}
	return s.add(name, spec, job)
}

var timeOfDay = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

// AddFixedTimes schedules job at each HH:MM entry, once per day.
func (s *Scheduler) AddFixedTimes(name string, times []string, job func()) error {
	if len(times) == 0 {
		return fmt.Errorf("schedule %s: no times given", name)
	}
	for _, at := range times {
		m := timeOfDay.FindStringSubmatch(at)
		if m == nil {
			return fmt.Errorf("schedule %s: invalid time of day %q, want HH:MM", name, at)
		}
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		if err := s.add(name, fmt.Sprintf("%d %d * * *", minute, hour), job); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) add(name, spec string, job func()) error {
	if _, err := s.c.AddFunc(spec, job); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.log.Info("schedule registered", zap.String("name", name), zap.String("spec", spec))
	return nil
}

// Start begins firing jobs in a background goroutine.
func (s *Scheduler) Start() { s.c.Start() }

// Stop halts scheduling and waits for in-flight jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.c.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries exposes the registered cron entries, for inspection.
func (s *Scheduler) Entries() []cron.Entry { return s.c.Entries() }

type cronLog struct{ log *zap.SugaredLogger }

func (l cronLog) Info(msg string, kv ...interface{}) { l.log.Infow(msg, kv...) }

func (l cronLog) Error(err error, msg string, kv ...interface{}) {
	l.log.Errorw(msg, append(kv, "error", err)...)
}
