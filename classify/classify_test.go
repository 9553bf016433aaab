package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops-mx/recargas"
)

func cand(sim string, state recargas.ExpiryState, idleMinutes int) recargas.Candidate {
	return recargas.Candidate{
		Device:             recargas.Device{SIM: sim, Service: recargas.ServiceGPS},
		MinutesSinceReport: idleMinutes,
		Expiry:             state,
	}
}

func TestSplit_ThreeClasses(t *testing.T) {
	// Scenario: expired idle device recharges, expiring-but-reporting
	// device rides grace, future expiry stays stable.
	cands := []recargas.Candidate{
		cand("D1", recargas.Expired, 20),
		cand("D2", recargas.ExpiringToday, 2),
		cand("D3", recargas.ExpiryCurrent, 500),
	}

	res := Split(cands, Thresholds{MinutesSinceReport: 10})

	require.Len(t, res.Recharge, 1)
	require.Len(t, res.Grace, 1)
	require.Len(t, res.Stable, 1)
	assert.Equal(t, "D1", res.Recharge[0].Device.SIM)
	assert.Equal(t, "D2", res.Grace[0].Device.SIM)
	assert.Equal(t, "D3", res.Stable[0].Device.SIM)
	assert.Equal(t, 3, res.Total())
}

func TestSplit_ThresholdIsInclusive(t *testing.T) {
	res := Split([]recargas.Candidate{cand("D1", recargas.Expired, 10)}, Thresholds{MinutesSinceReport: 10})

	assert.Len(t, res.Recharge, 1)
	assert.Empty(t, res.Grace)
}

func TestSplit_Totality(t *testing.T) {
	// Every candidate ends up in exactly one class.
	var cands []recargas.Candidate
	states := []recargas.ExpiryState{recargas.Expired, recargas.ExpiringToday, recargas.ExpiryCurrent}
	for i := 0; i < 60; i++ {
		cands = append(cands, cand("S", states[i%3], i%25))
	}

	res := Split(cands, Thresholds{MinutesSinceReport: 10})

	assert.Equal(t, len(cands), res.Total())
}

func TestSplit_GraceSavesMoney(t *testing.T) {
	// 100 expired candidates, 80 still reporting under threshold: only 20
	// reach the recharge class.
	var cands []recargas.Candidate
	for i := 0; i < 80; i++ {
		cands = append(cands, cand("fresh", recargas.Expired, 3))
	}
	for i := 0; i < 20; i++ {
		cands = append(cands, cand("idle", recargas.Expired, 45))
	}

	res := Split(cands, Thresholds{MinutesSinceReport: 10})

	assert.Len(t, res.Recharge, 20)
	assert.Len(t, res.Grace, 80)
	assert.Empty(t, res.Stable)
}

func TestStateOf(t *testing.T) {
	loc, err := time.LoadLocation("America/Mazatlan")
	require.NoError(t, err)
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, loc)
	eod := EndOfDay(now, loc)

	tests := []struct {
		name   string
		expiry time.Time
		want   recargas.ExpiryState
	}{
		{"past is expired", now.Add(-time.Hour), recargas.Expired},
		{"tonight is expiring today", now.Add(2 * time.Hour), recargas.ExpiringToday},
		{"exactly end of today is expiring today", eod, recargas.ExpiringToday},
		{"tomorrow is current", eod.Add(time.Minute), recargas.ExpiryCurrent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StateOf(tt.expiry, now, eod))
		})
	}
}

func TestEndOfDay(t *testing.T) {
	loc, err := time.LoadLocation("America/Mazatlan")
	require.NoError(t, err)
	now := time.Date(2026, 3, 10, 0, 0, 1, 0, loc)

	eod := EndOfDay(now, loc)

	assert.Equal(t, 23, eod.Hour())
	assert.Equal(t, 59, eod.Minute())
	assert.Equal(t, now.Day(), eod.Day())
}
