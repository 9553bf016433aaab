// Package engine assembles the per-service pipelines under one
// scheduler and owns the process lifecycle: a recovery sweep of every
// queue before the first tick, scheduled ticks while running, and a
// bounded drain on shutdown. Services are isolated: one service's
// blocked queue or failing tick never stops the others.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fleetops-mx/recargas"
	"github.com/fleetops-mx/recargas/schedule"
)

// TickRunner is the part of the pipeline the engine drives.
type TickRunner interface {
	Tick(ctx context.Context) (recargas.TickSummary, error)
	Recover(ctx context.Context) (int, error)
}

// Cadence describes when one service ticks.
type Cadence struct {
	// Mode is "interval" or "fixed".
	Mode  string
	Every time.Duration
	Times []string
}

// IntervalCadence ticks every N minutes on round boundaries.
func IntervalCadence(every time.Duration) Cadence {
	return Cadence{Mode: "interval", Every: every}
}

// FixedCadence ticks at the given times of day.
func FixedCadence(times ...string) Cadence {
	return Cadence{Mode: "fixed", Times: times}
}

type registration struct {
	svc    recargas.Service
	runner TickRunner
}

// Engine runs the registered services.
type Engine struct {
	sched       *schedule.Scheduler
	log         *zap.Logger
	services    []registration
	tickTimeout time.Duration
	drain       time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithTickTimeout bounds one tick's wall time.
func WithTickTimeout(d time.Duration) Option {
	return func(e *Engine) { e.tickTimeout = d }
}

// WithDrainTimeout bounds the shutdown wait for in-flight ticks.
func WithDrainTimeout(d time.Duration) Option {
	return func(e *Engine) { e.drain = d }
}

// New creates an engine over the given scheduler.
func New(sched *schedule.Scheduler, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		sched:       sched,
		log:         log,
		tickTimeout: 55 * time.Minute,
		drain:       30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register wires one service's runner onto its cadence.
func (e *Engine) Register(svc recargas.Service, c Cadence, r TickRunner) error {
	job := func() { e.runTick(svc, r) }
	var err error
	switch c.Mode {
	case "interval":
		err = e.sched.AddInterval(string(svc), c.Every, job)
	case "fixed":
		err = e.sched.AddFixedTimes(string(svc), c.Times, job)
	default:
		err = fmt.Errorf("engine: unknown cadence mode %q", c.Mode)
	}
	if err != nil {
		return err
	}
	e.services = append(e.services, registration{svc: svc, runner: r})
	return nil
}

// Run sweeps every queue, starts the scheduler, and blocks until ctx is
// canceled. Returns the recovery sweep's error, if any, after shutdown.
func (e *Engine) Run(ctx context.Context) error {
	sweepErr := e.sweep(ctx)
	if sweepErr != nil {
		e.log.Error("startup recovery sweep incomplete", zap.Error(sweepErr))
	}

	e.sched.Start()
	e.log.Info("engine started", zap.Int("services", len(e.services)))
	<-ctx.Done()

	drainCtx, cancel := context.WithTimeout(context.Background(), e.drain)
	defer cancel()
	if err := e.sched.Stop(drainCtx); err != nil {
		e.log.Warn("shutdown drain timed out, in-flight tick abandoned", zap.Error(err))
	}
	e.log.Info("engine stopped")
	return sweepErr
}

// sweep recovers every service's queue in parallel before any new money
// is spent. A failed sweep does not stop the engine: the per-tick
// recovery gate holds that service's new charges until its queue drains.
func (e *Engine) sweep(ctx context.Context) error {
	// Plain group, not WithContext: one service's failure must not cancel
	// the other sweeps.
	var g errgroup.Group
	for _, reg := range e.services {
		reg := reg
		g.Go(func() error {
			recovered, err := reg.runner.Recover(ctx)
			if err != nil {
				return fmt.Errorf("engine: recovery sweep %s: %w", reg.svc, err)
			}
			if recovered > 0 {
				e.log.Info("startup sweep settled pending recharges",
					zap.String("service", string(reg.svc)), zap.Int("recovered", recovered))
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) runTick(svc recargas.Service, r TickRunner) {
	ctx, cancel := context.WithTimeout(context.Background(), e.tickTimeout)
	defer cancel()
	if _, err := r.Tick(ctx); err != nil {
		e.log.Error("tick failed", zap.String("service", string(svc)), zap.Error(err))
	}
}
