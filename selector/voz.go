package selector

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fleetops-mx/recargas"
)

// vozQuery pulls voice-package candidates. VOZ has its own expiry column
// (unix_paquete) and its own liveness predicate (last registration) and
// carries no per-minute freshness figures.
const vozQuery = `
SELECT l.sim,
       l.id             AS device_id,
       l.icc            AS imei,
       l.nombre         AS descripcion,
       e.nombre         AS empresa,
       l.unix_paquete   AS unix_saldo
FROM lineas_voz l
JOIN empresas e ON e.id = l.empresa_id
WHERE l.activo = true
  AND e.activo = true
  AND l.sim <> ''
  AND l.unix_paquete IS NOT NULL
  AND l.unix_paquete <= $1
  AND l.ultimo_registro >= $2
  AND NOT EXISTS (
        SELECT 1
        FROM recarga_detalles d
        JOIN recargas r ON r.id = d.recarga_id
        WHERE d.sim = l.sim
          AND d.status = 1
          AND r.tipo = $3
          AND r.fecha >= $4
  )
ORDER BY l.nombre`

// VOZ selects voice-package candidates. Every expired or expiring VOZ
// line is a recharge candidate; there is no grace class for voice, which
// the plan expresses with a zero minutes threshold.
type VOZ struct {
	db  *sqlx.DB
	cfg Config
}

// NewVOZ creates the VOZ selector.
func NewVOZ(db *sqlx.DB, cfg Config) *VOZ {
	return &VOZ{db: db, cfg: cfg}
}

func (s *VOZ) Candidates(ctx context.Context) ([]recargas.Candidate, error) {
	now, endOfToday, exclusionCutoff, activityCutoff := s.cfg.window()

	rows, err := s.db.QueryxContext(ctx, vozQuery,
		endOfToday.Unix(), activityCutoff.Unix(), recargas.ServiceVOZ.Tag(), exclusionCutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("selector: voz candidates: %w", err)
	}
	defer rows.Close()

	var out []recargas.Candidate
	for rows.Next() {
		var row deviceRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("selector: voz scan: %w", err)
		}
		if s.cfg.blocked(row.Empresa, row.Descripcion) {
			continue
		}
		dev := recargas.Device{
			SIM:         row.SIM,
			DeviceID:    row.DeviceID,
			HardwareID:  row.IMEI,
			Description: row.Descripcion,
			Company:     row.Empresa,
			Service:     recargas.ServiceVOZ,
			ExpiresAt:   time.Unix(row.UnixSaldo, 0),
		}
		out = append(out, buildCandidate(dev, now, endOfToday))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("selector: voz rows: %w", err)
	}
	return out, nil
}

var _ recargas.CandidateSelector = (*VOZ)(nil)
