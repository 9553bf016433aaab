package selector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fleetops-mx/recargas"
)

// gpsQuery pulls GPS tracker candidates. Expiry and last-report columns
// are epoch seconds. The NOT EXISTS clause is the K-day recent-top-up
// exclusion against settled detail rows of the same service tag.
const gpsQuery = `
SELECT u.sim,
       u.id             AS device_id,
       u.imei,
       u.nombre         AS descripcion,
       e.nombre         AS empresa,
       u.unix_saldo,
       u.ultimo_reporte
FROM unidades u
JOIN empresas e ON e.id = u.empresa_id
WHERE u.activo = true
  AND e.activo = true
  AND u.sim <> ''
  AND u.unix_saldo IS NOT NULL
  AND u.unix_saldo <= $1
  AND u.ultimo_reporte >= $2
  AND NOT EXISTS (
        SELECT 1
        FROM recarga_detalles d
        JOIN recargas r ON r.id = d.recarga_id
        WHERE d.sim = u.sim
          AND d.status = 1
          AND r.tipo = $3
          AND r.fecha >= $4
  )
ORDER BY u.nombre`

// deviceRow is the scan target shared by the GPS and ELIOT queries.
type deviceRow struct {
	SIM           string        `db:"sim"`
	DeviceID      int64         `db:"device_id"`
	IMEI          string        `db:"imei"`
	Descripcion   string        `db:"descripcion"`
	Empresa       string        `db:"empresa"`
	UnixSaldo     int64         `db:"unix_saldo"`
	UltimoReporte sql.NullInt64 `db:"ultimo_reporte"`
}

// GPS selects GPS tracker candidates.
type GPS struct {
	db  *sqlx.DB
	cfg Config
}

// NewGPS creates the GPS selector.
func NewGPS(db *sqlx.DB, cfg Config) *GPS {
	return &GPS{db: db, cfg: cfg}
}

// Candidates runs the eligibility query and derives freshness figures.
func (s *GPS) Candidates(ctx context.Context) ([]recargas.Candidate, error) {
	now, endOfToday, exclusionCutoff, activityCutoff := s.cfg.window()

	rows, err := s.db.QueryxContext(ctx, gpsQuery,
		endOfToday.Unix(), activityCutoff.Unix(), recargas.ServiceGPS.Tag(), exclusionCutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("selector: gps candidates: %w", err)
	}
	defer rows.Close()

	var out []recargas.Candidate
	for rows.Next() {
		var row deviceRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("selector: gps scan: %w", err)
		}
		if s.cfg.blocked(row.Empresa, row.Descripcion) {
			continue
		}
		dev := recargas.Device{
			SIM:          row.SIM,
			DeviceID:     row.DeviceID,
			HardwareID:   row.IMEI,
			Description:  row.Descripcion,
			Company:      row.Empresa,
			Service:      recargas.ServiceGPS,
			ExpiresAt:    time.Unix(row.UnixSaldo, 0),
			LastReportAt: time.Unix(row.UltimoReporte.Int64, 0),
		}
		out = append(out, buildCandidate(dev, now, endOfToday))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("selector: gps rows: %w", err)
	}
	return out, nil
}

var _ recargas.CandidateSelector = (*GPS)(nil)
