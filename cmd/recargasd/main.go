// Command recargasd runs the automated top-up engine: one scheduled
// pipeline per service class (GPS, VOZ, ELIOT), sharing the provider
// pool, the Redis lock backend, and the Postgres system of record.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fleetops-mx/recargas"
	"github.com/fleetops-mx/recargas/config"
	"github.com/fleetops-mx/recargas/engine"
	"github.com/fleetops-mx/recargas/events"
	"github.com/fleetops-mx/recargas/lock"
	"github.com/fleetops-mx/recargas/pipeline"
	"github.com/fleetops-mx/recargas/provider"
	"github.com/fleetops-mx/recargas/queue"
	"github.com/fleetops-mx/recargas/retry"
	"github.com/fleetops-mx/recargas/schedule"
	"github.com/fleetops-mx/recargas/selector"
	"github.com/fleetops-mx/recargas/settle"
)

const actor = "recargas-engine"

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}

	db, err := sqlx.Connect("postgres", cfg.DB.DSN())
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	registry := provider.NewRegistry()
	for _, p := range cfg.Providers {
		registry.Register(provider.NewHTTP(p.Name, p.BaseURL, p.User, p.Secret))
	}

	sink := events.Multi{events.NewLog(log), events.NewMetrics(prometheus.DefaultRegisterer)}
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, log)
	}

	locks := lock.NewRedis(rdb)
	policy := retry.Default()
	amounts := cfg.Amounts()
	// Each service's exclusion window K derives from its own validity so
	// no service can be re-charged while its last purchase is current.
	selCfg := func(svc config.ServiceConfig) selector.Config {
		return selector.Config{
			ExclusionDays:   svc.ExclusionDays(),
			ActivityCapDays: cfg.GPSDaysCap,
			Blocklist:       cfg.Blocklist,
			Loc:             cfg.Loc,
		}
	}

	eng := engine.New(schedule.New(cfg.Loc, log), log)

	plans := []struct {
		svc     recargas.Service
		plan    pipeline.Plan
		cadence engine.Cadence
	}{
		{
			svc: recargas.ServiceGPS,
			plan: pipeline.GPSPlan(
				selector.NewGPS(db, selCfg(cfg.GPS)),
				settle.NewWriter(db, recargas.ServiceGPS, actor, cfg.Loc),
				cfg.GPSMinutes, cfg.GPS.Product, amounts),
			cadence: engine.IntervalCadence(time.Duration(cfg.GPSMinutes) * time.Minute),
		},
		{
			svc: recargas.ServiceVOZ,
			plan: pipeline.VOZPlan(
				selector.NewVOZ(db, selCfg(cfg.VOZ)),
				settle.NewWriter(db, recargas.ServiceVOZ, actor, cfg.Loc),
				cfg.VOZ.Product, cfg.VOZ.ValidityDays, amounts),
			cadence: vozCadence(cfg),
		},
		{
			svc: recargas.ServiceEliot,
			plan: pipeline.EliotPlan(
				selector.NewEliot(db, selector.NewRedisMetrics(rdb), selCfg(cfg.Eliot)),
				settle.NewWriter(db, recargas.ServiceEliot, actor, cfg.Loc),
				cfg.EliotMinutes, cfg.Eliot.Product, cfg.Eliot.ValidityDays, amounts),
			cadence: engine.IntervalCadence(time.Duration(cfg.EliotMinutes) * time.Minute),
		},
	}

	for _, p := range plans {
		svc := p.svc
		store, err := queue.OpenFile(
			filepath.Join(cfg.QueueDir, fmt.Sprintf("pending_%s.jsonl", svc.Tag())),
			queue.WithCorruptionHandler(func(quarantined string) {
				sink.QueueCorrupted(svc, quarantined)
			}),
		)
		if err != nil {
			return fmt.Errorf("queue %s: %w", svc, err)
		}
		runner := pipeline.NewRunner(p.plan, locks, store, registry, policy, cfg.Loc,
			pipeline.WithLockTTL(cfg.LockTTL, cfg.LockTTL/12),
			pipeline.WithEvents(sink),
			pipeline.WithLogger(log),
		)
		if err := eng.Register(svc, p.cadence, runner); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return eng.Run(ctx)
}

func vozCadence(cfg *config.Config) engine.Cadence {
	if cfg.VOZMode == "interval" {
		return engine.IntervalCadence(time.Duration(cfg.VOZMinutes) * time.Minute)
	}
	return engine.FixedCadence(cfg.VOZFixedTimes...)
}

func serveMetrics(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("metrics listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", zap.Error(err))
	}
}
