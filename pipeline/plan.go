package pipeline

import (
	"context"

	"github.com/fleetops-mx/recargas"
	"github.com/fleetops-mx/recargas/classify"
)

// Plan is what distinguishes one service's pipeline from another:
// the candidate query, the classifier thresholds, the product and
// amounts, and the settlement writer. The shared orchestration (lock,
// recovery gate, retry loop, queue bookkeeping) lives in Runner, which is
// parameterized by this interface.
type Plan interface {
	Service() recargas.Service
	Candidates(ctx context.Context) ([]recargas.Candidate, error)
	Thresholds() classify.Thresholds
	ProductCode() string
	UnitAmount() recargas.Money
	ValidityDays() int
	Writer() recargas.SettlementWriter
}

// ServicePlan is the concrete Plan shared by the three constructors
// below; the service-specific behavior is carried by the injected
// selector and writer plus the configured thresholds.
type ServicePlan struct {
	Svc      recargas.Service
	Selector recargas.CandidateSelector
	Settler  recargas.SettlementWriter
	Minutes  int
	Product  string
	Amount   recargas.Money
	Validity int
}

// GPSPlan builds the GPS tracker plan. GPS top-ups carry 8 days of
// validity, paired with the 6-day recent-top-up exclusion window.
func GPSPlan(sel recargas.CandidateSelector, w recargas.SettlementWriter, minutes int, product string, resolve recargas.AmountResolver) *ServicePlan {
	return &ServicePlan{
		Svc: recargas.ServiceGPS, Selector: sel, Settler: w,
		Minutes: minutes, Product: product,
		Amount: resolve(recargas.ServiceGPS, product), Validity: 8,
	}
}

// VOZPlan builds the voice-package plan. VOZ has no grace class: the
// zero minutes threshold sends every expired line to recharge.
func VOZPlan(sel recargas.CandidateSelector, w recargas.SettlementWriter, product string, validityDays int, resolve recargas.AmountResolver) *ServicePlan {
	return &ServicePlan{
		Svc: recargas.ServiceVOZ, Selector: sel, Settler: w,
		Minutes: 0, Product: product,
		Amount: resolve(recargas.ServiceVOZ, product), Validity: validityDays,
	}
}

// EliotPlan builds the IoT endpoint plan.
func EliotPlan(sel recargas.CandidateSelector, w recargas.SettlementWriter, minutes int, product string, validityDays int, resolve recargas.AmountResolver) *ServicePlan {
	return &ServicePlan{
		Svc: recargas.ServiceEliot, Selector: sel, Settler: w,
		Minutes: minutes, Product: product,
		Amount: resolve(recargas.ServiceEliot, product), Validity: validityDays,
	}
}

func (p *ServicePlan) Service() recargas.Service { return p.Svc }

func (p *ServicePlan) Candidates(ctx context.Context) ([]recargas.Candidate, error) {
	return p.Selector.Candidates(ctx)
}

func (p *ServicePlan) Thresholds() classify.Thresholds {
	return classify.Thresholds{MinutesSinceReport: p.Minutes}
}

func (p *ServicePlan) ProductCode() string            { return p.Product }
func (p *ServicePlan) UnitAmount() recargas.Money     { return p.Amount }
func (p *ServicePlan) ValidityDays() int              { return p.Validity }
func (p *ServicePlan) Writer() recargas.SettlementWriter { return p.Settler }

var _ Plan = (*ServicePlan)(nil)
