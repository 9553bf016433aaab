package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops-mx/recargas"
)

// stubProvider satisfies recargas.Provider with fixed answers.
type stubProvider struct {
	name    string
	balance recargas.Money
	balErr  error
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Balance(ctx context.Context) (recargas.Money, error) {
	return s.balance, s.balErr
}

func (s *stubProvider) Recharge(ctx context.Context, sim, productCode string) (*recargas.RechargeResult, error) {
	return &recargas.RechargeResult{Success: true, Folio: "F-" + s.name}, nil
}

func TestRegistry_EligibleSortsByBalanceDesc(t *testing.T) {
	r := NewRegistry(
		WithProvider(&stubProvider{name: "p1", balance: recargas.Pesos(100)}),
		WithProvider(&stubProvider{name: "p2", balance: recargas.Pesos(200)}),
		WithProvider(&stubProvider{name: "p3", balance: recargas.Pesos(5)}),
	)

	ranked, failures := r.Eligible(context.Background(), recargas.Pesos(10))
	require.Empty(t, failures)
	require.Len(t, ranked, 2)
	assert.Equal(t, "p2", ranked[0].Provider.Name())
	assert.Equal(t, "p1", ranked[1].Provider.Name())
}

func TestRegistry_BalanceEqualToUnitIsEligible(t *testing.T) {
	r := NewRegistry(WithProvider(&stubProvider{name: "p1", balance: recargas.Pesos(10)}))

	ranked, _ := r.Eligible(context.Background(), recargas.Pesos(10))
	assert.Len(t, ranked, 1)
}

func TestRegistry_BalanceFailureSkipsProvider(t *testing.T) {
	r := NewRegistry(
		WithProvider(&stubProvider{name: "down", balErr: recargas.NewError(recargas.CategoryRetriable, recargas.ErrCodeTimeout, "timeout")}),
		WithProvider(&stubProvider{name: "up", balance: recargas.Pesos(50)}),
	)

	ranked, failures := r.Eligible(context.Background(), recargas.Pesos(10))
	require.Len(t, ranked, 1)
	assert.Equal(t, "up", ranked[0].Provider.Name())
	assert.Len(t, failures, 1)
}

func TestRegistry_NoneEligible(t *testing.T) {
	r := NewRegistry(WithProvider(&stubProvider{name: "poor", balance: recargas.Pesos(3)}))

	ranked, _ := r.Eligible(context.Background(), recargas.Pesos(10))
	assert.Empty(t, ranked)
}
