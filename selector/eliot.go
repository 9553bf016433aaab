package selector

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fleetops-mx/recargas"
)

// eliotQuery pulls IoT endpoint candidates. Freshness does not live in
// the relational store for ELIOT; it comes from the metrics reader below.
const eliotQuery = `
SELECT s.sim,
       s.id             AS device_id,
       s.uuid           AS imei,
       s.nombre         AS descripcion,
       e.nombre         AS empresa,
       s.unix_saldo
FROM eliot_dispositivos s
JOIN empresas e ON e.id = s.empresa_id
WHERE s.activo = true
  AND e.activo = true
  AND s.sim <> ''
  AND s.unix_saldo IS NOT NULL
  AND s.unix_saldo <= $1
  AND NOT EXISTS (
        SELECT 1
        FROM recarga_detalles d
        JOIN recargas r ON r.id = d.recarga_id
        WHERE d.sim = s.sim
          AND d.status = 1
          AND r.tipo = $2
          AND r.fecha >= $3
  )
ORDER BY s.nombre`

// MetricsReader answers "when did this endpoint last emit a metric".
// found=false means no metric exists for the UUID.
type MetricsReader interface {
	LastMetric(ctx context.Context, uuid string) (at time.Time, found bool, err error)
}

// Eliot selects IoT endpoint candidates, consulting the time-series
// metrics store for per-UUID freshness with a bounded query time.
type Eliot struct {
	db      *sqlx.DB
	metrics MetricsReader
	// metricTimeout bounds each freshness lookup so a slow metrics store
	// cannot stall the tick.
	metricTimeout time.Duration
	cfg           Config
}

// NewEliot creates the ELIOT selector.
func NewEliot(db *sqlx.DB, metrics MetricsReader, cfg Config) *Eliot {
	return &Eliot{db: db, metrics: metrics, metricTimeout: 2 * time.Second, cfg: cfg}
}

func (s *Eliot) Candidates(ctx context.Context) ([]recargas.Candidate, error) {
	now, endOfToday, exclusionCutoff, activityCutoff := s.cfg.window()

	rows, err := s.db.QueryxContext(ctx, eliotQuery,
		endOfToday.Unix(), recargas.ServiceEliot.Tag(), exclusionCutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("selector: eliot candidates: %w", err)
	}
	defer rows.Close()

	var out []recargas.Candidate
	for rows.Next() {
		var row deviceRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("selector: eliot scan: %w", err)
		}
		if s.cfg.blocked(row.Empresa, row.Descripcion) {
			continue
		}

		lastMetric, found := s.lastMetric(ctx, row.IMEI)
		if !found {
			// No metric means no activity: the endpoint is dead, not
			// expiring, so no money is spent on it.
			continue
		}
		if lastMetric.Before(activityCutoff) {
			continue
		}

		dev := recargas.Device{
			SIM:          row.SIM,
			DeviceID:     row.DeviceID,
			HardwareID:   row.IMEI,
			Description:  row.Descripcion,
			Company:      row.Empresa,
			Service:      recargas.ServiceEliot,
			ExpiresAt:    time.Unix(row.UnixSaldo, 0),
			LastReportAt: lastMetric,
		}
		out = append(out, buildCandidate(dev, now, endOfToday))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("selector: eliot rows: %w", err)
	}
	return out, nil
}

// lastMetric queries the metrics store with a bounded timeout. Errors and
// timeouts degrade to "no metric found".
func (s *Eliot) lastMetric(ctx context.Context, uuid string) (time.Time, bool) {
	mctx, cancel := context.WithTimeout(ctx, s.metricTimeout)
	defer cancel()
	at, found, err := s.metrics.LastMetric(mctx, uuid)
	if err != nil || !found {
		return time.Time{}, false
	}
	return at, true
}

var _ recargas.CandidateSelector = (*Eliot)(nil)
