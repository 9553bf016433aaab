package recargas

import (
	"encoding/json"
	"fmt"
	"time"
)

// Service identifies one of the three top-up service classes.
// The set is closed; new classes require a new settlement wire tag.
type Service string

const (
	ServiceGPS   Service = "GPS"
	ServiceVOZ   Service = "VOZ"
	ServiceEliot Service = "ELIOT"
)

// Tag returns the service-type string the system of record expects on
// settlement master rows. This is a wire-level contract: do not change
// these values without coordinating with downstream consumers.
func (s Service) Tag() string {
	switch s {
	case ServiceGPS:
		return "rastreo"
	case ServiceVOZ:
		return "paquete"
	case ServiceEliot:
		return "eliot"
	}
	return string(s)
}

// LockKey returns the distributed-lock key for this service's pipeline.
func (s Service) LockKey() string {
	switch s {
	case ServiceGPS:
		return "recharge_gps"
	case ServiceVOZ:
		return "recharge_voz"
	case ServiceEliot:
		return "recharge_eliot"
	}
	return "recharge_" + string(s)
}

// Services lists the closed set of service classes.
func Services() []Service {
	return []Service{ServiceGPS, ServiceVOZ, ServiceEliot}
}

// Money is an amount in centavos. Provider APIs and the system of record
// both deal in whole-peso unit amounts, but balances can carry cents.
type Money int64

// Pesos builds a Money from a whole-peso amount.
func Pesos(p int64) Money { return Money(p * 100) }

// Pesos returns the amount in pesos, truncating cents.
func (m Money) Pesos() int64 { return int64(m) / 100 }

func (m Money) String() string {
	return fmt.Sprintf("$%d.%02d", int64(m)/100, int64(m)%100)
}

// ExpiryState classifies a device's prepaid expiry relative to the tick's
// end-of-today boundary.
type ExpiryState int

const (
	// ExpiryCurrent means the expiry is strictly after end-of-today.
	ExpiryCurrent ExpiryState = iota
	// ExpiringToday means the expiry falls on or before end-of-today but
	// not strictly in the past.
	ExpiringToday
	// Expired means the expiry is strictly before now.
	Expired
)

func (e ExpiryState) String() string {
	switch e {
	case ExpiryCurrent:
		return "current"
	case ExpiringToday:
		return "expiring_today"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// Device is the per-SIM snapshot the selector reads from the system of
// record. SIM is the unique identifier across all services.
type Device struct {
	SIM         string
	DeviceID    int64
	HardwareID  string
	Description string
	Company     string
	Service     Service
	// ExpiresAt is the prepaid balance expiry (unix_saldo). A device that
	// reaches the selector always has a non-null expiry.
	ExpiresAt time.Time
	// LastReportAt is the latest activity instant. Zero for VOZ, which
	// uses its own liveness predicate inside the selector query.
	LastReportAt time.Time
}

// Candidate is a device eligible for consideration this tick, enriched
// with the freshness figures the classifier needs. Candidates are
// transient and never persisted.
type Candidate struct {
	Device             Device
	MinutesSinceReport int
	DaysSinceReport    int
	Expiry             ExpiryState
}

// RechargeResult is the normalized outcome of one provider recharge call.
// Success=true means the provider has committed the purchase: the money is
// spent and the caller must persist a PendingRecharge before doing
// anything else.
type RechargeResult struct {
	Success         bool
	Folio           string
	TransID         string
	FinalBalance    Money
	Carrier         string
	TimeoutObserved time.Duration
	IP              string
	// Raw carries the provider's response payload untouched; fields the
	// engine does not model stay available for audit.
	Raw json.RawMessage
	Err *Error
}

// PendingStatus tracks where a PendingRecharge sits between the provider
// charge and the confirmed settlement. The strings are persisted in the
// queue files; renaming them breaks crash recovery of older queues.
type PendingStatus string

const (
	// StatusPendingDB: provider charged, settlement not yet attempted or
	// not yet committed.
	StatusPendingDB PendingStatus = "webservice_success_pending_db"
	// StatusInsertFailed: the settlement transaction aborted for a
	// non-duplicate reason; recovery retries next tick.
	StatusInsertFailed PendingStatus = "db_insertion_failed_pending_recovery"
	// StatusVerifyFailed: the transaction committed but the post-commit
	// verification could not observe the row.
	StatusVerifyFailed PendingStatus = "db_verification_failed"
)

// NoteContext carries the tick-position indexes used to render the human
// note on the settlement master row.
type NoteContext struct {
	Index           int `json:"index"`
	TotalToRecharge int `json:"totalToRecharge"`
	GraceCount      int `json:"graceCount"`
	TotalCandidates int `json:"totalCandidates"`
}

// DeviceSnapshot is the subset of Device a settlement detail row needs,
// frozen at charge time so settlement does not depend on re-querying the
// device.
type DeviceSnapshot struct {
	SIM                string `json:"sim"`
	DeviceID           int64  `json:"deviceId"`
	Description        string `json:"description"`
	Company            string `json:"company"`
	MinutesSinceReport int    `json:"minutesSinceReport"`
}

// PendingRecharge is the durable auxiliary-queue element. One exists iff
// the provider has charged but the database has not yet confirmed the
// settlement. (SIM, Folio) is unique when Folio is non-empty.
type PendingRecharge struct {
	ID           string          `json:"id"`
	Service      Service         `json:"service"`
	SIM          string          `json:"sim"`
	Provider     string          `json:"provider"`
	Amount       Money           `json:"amount"`
	ValidityDays int             `json:"validityDays"`
	Folio        string          `json:"folio,omitempty"`
	TransID      string          `json:"transId,omitempty"`
	FinalBalance Money           `json:"finalBalance"`
	Carrier      string          `json:"carrier,omitempty"`
	TimeoutMS    int64           `json:"timeoutMs"`
	IP           string          `json:"ip,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
	Device       DeviceSnapshot  `json:"device"`
	Note         NoteContext     `json:"note"`
	Status       PendingStatus   `json:"status"`
	Attempts     int             `json:"attempts"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Label renders the "vehicle [company]" detail-row label.
func (p *PendingRecharge) Label() string {
	return fmt.Sprintf("%s [%s]", p.Device.Description, p.Device.Company)
}

// AmountResolver maps a service and product code to its unit amount. VOZ
// carries a per-code table; GPS and ELIOT use one amount per service.
type AmountResolver func(svc Service, productCode string) Money
