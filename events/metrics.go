package events

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetops-mx/recargas"
)

// Metrics exposes the pipeline's operational counters to Prometheus.
type Metrics struct {
	ticks      *prometheus.CounterVec
	recharges  *prometheus.CounterVec
	duplicates *prometheus.CounterVec
	recovered  *prometheus.CounterVec
	stuck      *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
	spent      *prometheus.CounterVec
}

// NewMetrics creates the metrics sink and registers its collectors with
// reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recargas", Name: "ticks_total",
			Help: "Pipeline ticks by service and result.",
		}, []string{"service", "result"}),
		recharges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recargas", Name: "recharges_total",
			Help: "Provider recharges by service and result.",
		}, []string{"service", "result"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recargas", Name: "duplicates_total",
			Help: "Settlement inserts absorbed by the (sim, folio) unique key.",
		}, []string{"service"}),
		recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recargas", Name: "recovered_total",
			Help: "Queued items settled by crash recovery.",
		}, []string{"service"}),
		stuck: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recargas", Name: "pending_stuck_total",
			Help: "Queue items over the recovery attempt threshold.",
		}, []string{"service"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "recargas", Name: "queue_depth",
			Help: "Pending recharges awaiting settlement.",
		}, []string{"service"}),
		spent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recargas", Name: "spent_centavos_total",
			Help: "Money committed against providers, in centavos.",
		}, []string{"service", "provider"}),
	}
	reg.MustRegister(m.ticks, m.recharges, m.duplicates, m.recovered, m.stuck, m.queueDepth, m.spent)
	return m
}

func (m *Metrics) TickStarted(svc recargas.Service) {}

func (m *Metrics) TickFinished(s recargas.TickSummary) {
	result := "completed"
	if s.Skipped {
		result = s.SkipReason
	}
	svc := string(s.Service)
	m.ticks.WithLabelValues(svc, result).Inc()
	m.duplicates.WithLabelValues(svc).Add(float64(s.Duplicates))
	m.recovered.WithLabelValues(svc).Add(float64(s.Recovered))
	m.queueDepth.WithLabelValues(svc).Set(float64(s.QueueDepth))
}

func (m *Metrics) RechargeSucceeded(item *recargas.PendingRecharge) {
	m.recharges.WithLabelValues(string(item.Service), "success").Inc()
	m.spent.WithLabelValues(string(item.Service), item.Provider).Add(float64(item.Amount))
}

func (m *Metrics) RechargeFailed(svc recargas.Service, sim string, err *recargas.Error) {
	m.recharges.WithLabelValues(string(svc), string(err.Category)).Inc()
}

func (m *Metrics) QueueCorrupted(svc recargas.Service, quarantinedPath string) {
	m.ticks.WithLabelValues(string(svc), "queue_corrupted").Inc()
}

func (m *Metrics) PendingStuck(item *recargas.PendingRecharge) {
	m.stuck.WithLabelValues(string(item.Service)).Inc()
}

var _ recargas.EventSink = (*Metrics)(nil)
