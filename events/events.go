// Package events provides the EventSink implementations the engine wires
// into each pipeline: a structured-log sink, a Prometheus sink, and a
// fan-out combinator.
package events

import (
	"go.uber.org/zap"

	"github.com/fleetops-mx/recargas"
)

// Log emits every pipeline event as a structured log line.
type Log struct {
	log *zap.Logger
}

// NewLog creates a logging sink.
func NewLog(log *zap.Logger) *Log { return &Log{log: log} }

func (l *Log) TickStarted(svc recargas.Service) {
	l.log.Info("tick started", zap.String("service", string(svc)))
}

func (l *Log) TickFinished(s recargas.TickSummary) {
	fields := []zap.Field{
		zap.String("service", string(s.Service)),
		zap.Int("candidates", s.Candidates),
		zap.Int("toRecharge", s.ToRecharge),
		zap.Int("grace", s.Grace),
		zap.Int("stable", s.Stable),
		zap.Int("successes", s.Successes),
		zap.Int("failures", s.Failures),
		zap.Int("duplicates", s.Duplicates),
		zap.Int("recovered", s.Recovered),
		zap.Int("queueDepth", s.QueueDepth),
		zap.Duration("elapsed", s.Elapsed),
	}
	if s.Skipped {
		l.log.Warn("tick skipped", append(fields, zap.String("reason", s.SkipReason))...)
		return
	}
	l.log.Info("tick finished", fields...)
}

func (l *Log) RechargeSucceeded(item *recargas.PendingRecharge) {
	l.log.Info("recharge succeeded",
		zap.String("service", string(item.Service)),
		zap.String("sim", item.SIM),
		zap.String("provider", item.Provider),
		zap.String("folio", item.Folio),
		zap.String("amount", item.Amount.String()))
}

func (l *Log) RechargeFailed(svc recargas.Service, sim string, err *recargas.Error) {
	l.log.Warn("recharge failed",
		zap.String("service", string(svc)),
		zap.String("sim", sim),
		zap.String("category", string(err.Category)),
		zap.String("code", err.Code),
		zap.String("message", err.Message))
}

func (l *Log) QueueCorrupted(svc recargas.Service, quarantinedPath string) {
	l.log.Error("queue file corrupted and quarantined",
		zap.String("service", string(svc)),
		zap.String("quarantined", quarantinedPath))
}

func (l *Log) PendingStuck(item *recargas.PendingRecharge) {
	l.log.Error("pending recharge stuck, manual review needed",
		zap.String("service", string(item.Service)),
		zap.String("sim", item.SIM),
		zap.String("folio", item.Folio),
		zap.String("status", string(item.Status)),
		zap.Int("attempts", item.Attempts))
}

// Multi fans every event out to each sink in order.
type Multi []recargas.EventSink

func (m Multi) TickStarted(svc recargas.Service) {
	for _, s := range m {
		s.TickStarted(svc)
	}
}

func (m Multi) TickFinished(summary recargas.TickSummary) {
	for _, s := range m {
		s.TickFinished(summary)
	}
}

func (m Multi) RechargeSucceeded(item *recargas.PendingRecharge) {
	for _, s := range m {
		s.RechargeSucceeded(item)
	}
}

func (m Multi) RechargeFailed(svc recargas.Service, sim string, err *recargas.Error) {
	for _, s := range m {
		s.RechargeFailed(svc, sim, err)
	}
}

func (m Multi) QueueCorrupted(svc recargas.Service, quarantinedPath string) {
	for _, s := range m {
		s.QueueCorrupted(svc, quarantinedPath)
	}
}

func (m Multi) PendingStuck(item *recargas.PendingRecharge) {
	for _, s := range m {
		s.PendingStuck(item)
	}
}

var (
	_ recargas.EventSink = (*Log)(nil)
	_ recargas.EventSink = (Multi)(nil)
)
