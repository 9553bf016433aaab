package selector

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops-mx/recargas"
)

var mazatlan = func() *time.Location {
	loc, err := time.LoadLocation("America/Mazatlan")
	if err != nil {
		panic(err)
	}
	return loc
}()

func testConfig(now time.Time) Config {
	return Config{
		ExclusionDays:   6,
		ActivityCapDays: 14,
		Blocklist:       []string{"Transportes Baja"},
		Loc:             mazatlan,
		Now:             func() time.Time { return now },
	}
}

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func gpsColumns() []string {
	return []string{"sim", "device_id", "imei", "descripcion", "empresa", "unix_saldo", "ultimo_reporte"}
}

func TestGPS_CandidatesFreshnessAndState(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, mazatlan)
	db, mock := newMockDB(t)

	rows := sqlmock.NewRows(gpsColumns()).
		// Expired an hour ago, last report 20 minutes back.
		AddRow("6681112222", 11, "IMEI-1", "Unidad 7", "Acme", now.Add(-time.Hour).Unix(), now.Add(-20*time.Minute).Unix()).
		// Expiring tonight, reported 2 minutes ago.
		AddRow("6683334444", 12, "IMEI-2", "Unidad 9", "Acme", now.Add(4*time.Hour).Unix(), now.Add(-2*time.Minute).Unix())
	mock.ExpectQuery("FROM unidades").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "rastreo", sqlmock.AnyArg()).
		WillReturnRows(rows)

	cands, err := NewGPS(db, testConfig(now)).Candidates(context.Background())
	require.NoError(t, err)
	require.Len(t, cands, 2)

	assert.Equal(t, recargas.Expired, cands[0].Expiry)
	assert.Equal(t, 20, cands[0].MinutesSinceReport)
	assert.Equal(t, 0, cands[0].DaysSinceReport)
	assert.Equal(t, recargas.ServiceGPS, cands[0].Device.Service)

	assert.Equal(t, recargas.ExpiringToday, cands[1].Expiry)
	assert.Equal(t, 2, cands[1].MinutesSinceReport)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGPS_BlocklistFiltersRows(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, mazatlan)
	db, mock := newMockDB(t)

	rows := sqlmock.NewRows(gpsColumns()).
		AddRow("111", 1, "I1", "Unidad 1", "Acme Stock", now.Unix(), now.Unix()).
		AddRow("222", 2, "I2", "demo unit", "Acme", now.Unix(), now.Unix()).
		AddRow("333", 3, "I3", "Unidad 3", "Transportes Baja", now.Unix(), now.Unix()).
		AddRow("444", 4, "I4", "Unidad 4", "Acme", now.Unix(), now.Unix())
	mock.ExpectQuery("FROM unidades").WillReturnRows(rows)

	cands, err := NewGPS(db, testConfig(now)).Candidates(context.Background())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "444", cands[0].Device.SIM)
}

func TestVOZ_CandidatesOmitFreshness(t *testing.T) {
	now := time.Date(2026, 3, 10, 1, 0, 0, 0, mazatlan)
	db, mock := newMockDB(t)

	rows := sqlmock.NewRows([]string{"sim", "device_id", "imei", "descripcion", "empresa", "unix_saldo"}).
		AddRow("6685556666", 21, "ICC-1", "Linea Juan", "Acme", now.Add(-2*time.Hour).Unix())
	mock.ExpectQuery("FROM lineas_voz").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "paquete", sqlmock.AnyArg()).
		WillReturnRows(rows)

	cands, err := NewVOZ(db, testConfig(now)).Candidates(context.Background())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, recargas.Expired, cands[0].Expiry)
	// VOZ carries no freshness figures; zero minutes puts every expired
	// line in the recharge class under a zero threshold.
	assert.Equal(t, 0, cands[0].MinutesSinceReport)
}

type redisMetricsFixture struct {
	metrics *RedisMetrics
	mr      *miniredis.Miniredis
}

func newRedisMetrics(t *testing.T) redisMetricsFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redisMetricsFixture{metrics: NewRedisMetrics(rdb), mr: mr}
}

func TestEliot_MetricsFreshnessGate(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, mazatlan)
	db, mock := newMockDB(t)
	fix := newRedisMetrics(t)

	// fresh reported 30 min ago; stale reported 20 days ago; silent has
	// no metric at all.
	fix.mr.Set("eliot:lastmetric:uuid-fresh", strconv.FormatInt(now.Add(-30*time.Minute).Unix(), 10))
	fix.mr.Set("eliot:lastmetric:uuid-stale", strconv.FormatInt(now.AddDate(0, 0, -20).Unix(), 10))

	rows := sqlmock.NewRows(gpsColumns()[:6]).
		AddRow("111", 31, "uuid-fresh", "Sensor A", "Acme", now.Add(-time.Hour).Unix()).
		AddRow("222", 32, "uuid-stale", "Sensor B", "Acme", now.Add(-time.Hour).Unix()).
		AddRow("333", 33, "uuid-silent", "Sensor C", "Acme", now.Add(-time.Hour).Unix())
	mock.ExpectQuery("FROM eliot_dispositivos").
		WithArgs(sqlmock.AnyArg(), "eliot", sqlmock.AnyArg()).
		WillReturnRows(rows)

	cands, err := NewEliot(db, fix.metrics, testConfig(now)).Candidates(context.Background())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "111", cands[0].Device.SIM)
	assert.Equal(t, 30, cands[0].MinutesSinceReport)
}

func TestRedisMetrics_LastMetric(t *testing.T) {
	fix := newRedisMetrics(t)
	ctx := context.Background()

	_, found, err := fix.metrics.LastMetric(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	fix.mr.Set("eliot:lastmetric:u1", "1767225600")
	at, found, err := fix.metrics.LastMetric(ctx, "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1767225600), at.Unix())

	fix.mr.Set("eliot:lastmetric:bad", "not-a-number")
	_, found, err = fix.metrics.LastMetric(ctx, "bad")
	require.Error(t, err)
	assert.False(t, found)
}

func TestConfig_Blocked(t *testing.T) {
	cfg := Config{Blocklist: []string{"Operador Uno"}}
	tests := []struct {
		company, description string
		want                 bool
	}{
		{"Acme", "Unidad 1", false},
		{"Acme Stock", "Unidad 1", true},
		{"DEMO fleet", "Unidad 1", true},
		{"Fleet_old", "Unidad 1", true},
		{"Acme", "unidad_old", true},
		{"Acme", "demo truck", true},
		{"operador uno", "Unidad 1", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.blocked(tt.company, tt.description), "%s/%s", tt.company, tt.description)
	}
}
