package settle

import (
	"fmt"
	"time"

	"github.com/fleetops-mx/recargas"
)

// RecoveryPrefix marks settlements written by crash recovery instead of a
// normal tick. Semantically identical; the prefix only disambiguates the
// note for operators.
const RecoveryPrefix = "< RECOVERY > "

// DetailText renders the single-line detail row text. Downstream
// consumers parse this line for audit: field order and labels are part of
// the external contract and must not change.
func DetailText(item *recargas.PendingRecharge, at time.Time) string {
	return fmt.Sprintf(
		"Saldo final: %s | Folio: %s | Monto: %s | Tel: %s | Carrier: %s | Fecha: %s | TransId: %s | Timeout: %dms | IP: %s | Min sin reportar: %d",
		item.FinalBalance,
		item.Folio,
		item.Amount,
		item.SIM,
		item.Carrier,
		at.Format("2006-01-02 15:04:05"),
		item.TransID,
		item.TimeoutMS,
		item.IP,
		item.Device.MinutesSinceReport,
	)
}
