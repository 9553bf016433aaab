// Package settle commits batches of PendingRecharge items into the system
// of record. The write is two-phase from the engine's point of view: the
// provider charge already happened, so this package's single transaction
// (master row + detail rows + device expiry updates) must be idempotent
// under replay. The (sim, folio) unique key is the idempotency anchor: a
// duplicate insert is an already-settled item, never an error.
package settle

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/multierr"

	"github.com/fleetops-mx/recargas"
	"github.com/fleetops-mx/recargas/classify"
)

const (
	insertMaster = `
INSERT INTO recargas (total, fecha, nota, quien, proveedor, tipo, resumen)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`

	// ON CONFLICT DO NOTHING rides the unique index on (sim, folio): a
	// replayed item inserts zero rows instead of aborting the
	// transaction. NULLIF keeps folio-less items out of the key entirely;
	// NULLs are distinct in a Postgres unique index, so two folio-less
	// settlements for the same SIM never collide.
	insertDetail = `
INSERT INTO recarga_detalles (recarga_id, sim, monto, dispositivo_id, vehiculo, detalle, folio, status)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), 1)
ON CONFLICT (sim, folio) DO NOTHING`

	insertAnalytics = `
INSERT INTO recarga_analitica (recarga_id, tipo, items, total, resumen)
VALUES ($1, $2, $3, $4, $5)`

	verifyByFolio  = `SELECT EXISTS(SELECT 1 FROM recarga_detalles WHERE sim = $1 AND folio = $2)`
	verifyByMaster = `SELECT EXISTS(SELECT 1 FROM recarga_detalles WHERE recarga_id = $1 AND sim = $2)`
)

// GREATEST keeps the expiry monotonic: a settlement never moves a
// device's expiry backwards.
var expiryUpdates = map[recargas.Service]string{
	recargas.ServiceGPS:   `UPDATE unidades SET unix_saldo = GREATEST(unix_saldo, $1) WHERE id = $2`,
	recargas.ServiceVOZ:   `UPDATE lineas_voz SET unix_paquete = GREATEST(unix_paquete, $1) WHERE id = $2`,
	recargas.ServiceEliot: `UPDATE eliot_dispositivos SET unix_saldo = GREATEST(unix_saldo, $1) WHERE id = $2`,
}

// Writer settles batches for one service class.
type Writer struct {
	db        *sqlx.DB
	svc       recargas.Service
	actor     string
	loc       *time.Location
	now       func() time.Time
	analytics bool
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithClock overrides the timestamp source, for tests.
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// WithAnalytics enables the aggregate-counters insert inside the
// settlement transaction. Analytics failures never abort a settlement.
func WithAnalytics(enabled bool) WriterOption {
	return func(w *Writer) { w.analytics = enabled }
}

// NewWriter creates a settlement writer. actor is recorded on the master
// row as the settling identity.
func NewWriter(db *sqlx.DB, svc recargas.Service, actor string, loc *time.Location, opts ...WriterOption) *Writer {
	w := &Writer{db: db, svc: svc, actor: actor, loc: loc, now: time.Now, analytics: true}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// masterSummary is written before the detail loop runs, so it can only
// carry figures known up front; the per-loop counters live in the
// analytics row.
type masterSummary struct {
	Items int     `json:"items"`
	Total float64 `json:"total"`
}

type analyticsSummary struct {
	Items      int     `json:"items"`
	Duplicates int     `json:"duplicates"`
	Total      float64 `json:"total"`
}

// Settle writes one batch inside a single transaction and verifies the
// rows after commit. Returns the outcome on success; on any non-duplicate
// failure the transaction is rolled back and the whole batch is reported
// failed; the caller marks the items for recovery and must not retry in
// the same tick.
func (w *Writer) Settle(ctx context.Context, batch []*recargas.PendingRecharge, note string) (*recargas.SettleOutcome, error) {
	if len(batch) == 0 {
		return &recargas.SettleOutcome{}, nil
	}

	now := w.now().In(w.loc)
	var total recargas.Money
	for _, item := range batch {
		total += item.Amount
	}

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, recargas.Errorf(recargas.CategoryRetriable, recargas.ErrCodeDBOther, "settle: begin: %v", err)
	}
	defer tx.Rollback()

	outcome := &recargas.SettleOutcome{}
	duplicates := make(map[string]bool, len(batch))

	var masterID int64
	countersJSON, _ := json.Marshal(masterSummary{Items: len(batch), Total: pesos(total)})
	if err := tx.QueryRowxContext(ctx, insertMaster,
		pesos(total), now.Unix(), note, w.actor, batch[0].Provider, w.svc.Tag(), string(countersJSON),
	).Scan(&masterID); err != nil {
		return nil, recargas.Errorf(recargas.CategoryRetriable, recargas.ErrCodeDBOther, "settle: master insert: %v", err)
	}
	outcome.MasterID = masterID

	for _, item := range batch {
		res, err := tx.ExecContext(ctx, insertDetail,
			masterID, item.SIM, pesos(item.Amount), item.Device.DeviceID,
			item.Label(), DetailText(item, now), item.Folio)
		if err != nil {
			return nil, recargas.Errorf(recargas.CategoryRetriable, recargas.ErrCodeDBOther,
				"settle: detail insert %s: %v", item.SIM, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			duplicates[item.ID] = true
			outcome.Duplicates = append(outcome.Duplicates, item.ID)
			continue
		}

		newExpiry := classify.EndOfDay(now, w.loc).Add(time.Duration(item.ValidityDays) * 24 * time.Hour)
		if _, err := tx.ExecContext(ctx, expiryUpdates[w.svc], newExpiry.Unix(), item.Device.DeviceID); err != nil {
			return nil, recargas.Errorf(recargas.CategoryRetriable, recargas.ErrCodeDBOther,
				"settle: expiry update %s: %v", item.SIM, err)
		}
	}

	if w.analytics {
		// A failed analytics insert must not take the settlement down
		// with it; the savepoint confines the damage.
		w.insertAnalytics(ctx, tx, masterID, len(batch), len(outcome.Duplicates), total)
	}

	if err := tx.Commit(); err != nil {
		return nil, recargas.Errorf(recargas.CategoryRetriable, recargas.ErrCodeDBOther, "settle: commit: %v", err)
	}

	// Post-commit verification: anything we cannot observe stays in the
	// queue as db_verification_failed.
	var verifyErrs error
	for _, item := range batch {
		ok, err := w.verify(ctx, masterID, item)
		if err != nil {
			verifyErrs = multierr.Append(verifyErrs, err)
		}
		if ok {
			if !duplicates[item.ID] {
				outcome.Settled = append(outcome.Settled, item.ID)
			}
		} else {
			outcome.Unverified = append(outcome.Unverified, item.ID)
			if duplicates[item.ID] {
				outcome.Duplicates = removeID(outcome.Duplicates, item.ID)
			}
		}
	}
	return outcome, verifyErrs
}

func (w *Writer) insertAnalytics(ctx context.Context, tx *sqlx.Tx, masterID int64, items, dups int, total recargas.Money) {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT analytics"); err != nil {
		return
	}
	countersJSON, _ := json.Marshal(analyticsSummary{Items: items, Duplicates: dups, Total: pesos(total)})
	if _, err := tx.ExecContext(ctx, insertAnalytics,
		masterID, w.svc.Tag(), items, pesos(total), string(countersJSON)); err != nil {
		tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT analytics")
		return
	}
	tx.ExecContext(ctx, "RELEASE SAVEPOINT analytics")
}

// verify checks that an item's detail row is visible after commit, by
// (sim, folio) when a folio exists and by (master, sim) otherwise.
func (w *Writer) verify(ctx context.Context, masterID int64, item *recargas.PendingRecharge) (bool, error) {
	var exists bool
	var err error
	if item.Folio != "" {
		err = w.db.GetContext(ctx, &exists, verifyByFolio, item.SIM, item.Folio)
	} else {
		err = w.db.GetContext(ctx, &exists, verifyByMaster, masterID, item.SIM)
	}
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("settle: verify %s: %w", item.SIM, err)
	}
	return exists, nil
}

func pesos(m recargas.Money) float64 { return float64(m) / 100 }

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

var _ recargas.SettlementWriter = (*Writer)(nil)
