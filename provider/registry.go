package provider

import (
	"context"
	"sort"

	"github.com/fleetops-mx/recargas"
)

// Registry holds the providers configured for one service class and
// performs balance-aware selection.
type Registry struct {
	providers []recargas.Provider
}

// RegistryOption configures a Registry at creation time.
type RegistryOption func(*Registry)

// WithProvider registers a provider.
func WithProvider(p recargas.Provider) RegistryOption {
	return func(r *Registry) { r.providers = append(r.providers, p) }
}

// NewRegistry creates a registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a provider after creation.
func (r *Registry) Register(p recargas.Provider) *Registry {
	r.providers = append(r.providers, p)
	return r
}

// Ranked pairs a provider with the balance observed this tick.
type Ranked struct {
	Provider recargas.Provider
	Balance  recargas.Money
}

// Eligible queries every provider's balance and returns those with
// balance >= unitAmount, sorted by balance descending. A balance exactly
// equal to the unit amount is eligible. Providers whose balance query
// fails are skipped; their error is reported in the second return so the
// caller can log it without aborting the tick.
func (r *Registry) Eligible(ctx context.Context, unitAmount recargas.Money) ([]Ranked, []error) {
	var ranked []Ranked
	var failures []error
	for _, p := range r.providers {
		bal, err := p.Balance(ctx)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if bal >= unitAmount {
			ranked = append(ranked, Ranked{Provider: p, Balance: bal})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Balance > ranked[j].Balance
	})
	return ranked, failures
}
