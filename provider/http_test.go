package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops-mx/recargas"
)

func TestHTTPProvider_Balance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "user", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "/balance", r.URL.Path)
		w.Write([]byte(`{"balance": 150.50}`))
	}))
	defer srv.Close()

	p := NewHTTP("tae", srv.URL, "user", "secret")
	bal, err := p.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, recargas.Money(15050), bal)
}

func TestHTTPProvider_RechargeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/recharge", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{"success":true,"folio":"F123","transId":"T9","finalBalance":140.50,"carrier":"telcel","ip":"10.0.0.8","extraField":"kept"}`))
	}))
	defer srv.Close()

	p := NewHTTP("tae", srv.URL, "user", "secret")
	res, err := p.Recharge(context.Background(), "6681112222", "TEL010")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "F123", res.Folio)
	assert.Equal(t, "T9", res.TransID)
	assert.Equal(t, recargas.Money(14050), res.FinalBalance)
	assert.Equal(t, "telcel", res.Carrier)
	assert.Equal(t, "10.0.0.8", res.IP)
	// The raw payload is preserved for audit, unknown fields included.
	assert.Contains(t, string(res.Raw), "extraField")
}

func TestHTTPProvider_RechargeBusinessRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"error":{"code":"invalid_sim","message":"sim not active"}}`))
	}))
	defer srv.Close()

	p := NewHTTP("tae", srv.URL, "user", "secret")
	res, err := p.Recharge(context.Background(), "000", "TEL010")
	require.NoError(t, err)
	require.False(t, res.Success)
	require.NotNil(t, res.Err)
	assert.Equal(t, recargas.CategoryBusiness, res.Err.Category)
	assert.Equal(t, recargas.ErrCodeInvalidSIM, res.Err.Code)
}

func TestHTTPProvider_ErrorCategorization(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCat  recargas.Category
		wantCode string
	}{
		{"401 is fatal auth", http.StatusUnauthorized, recargas.CategoryFatal, recargas.ErrCodeAuth},
		{"403 is fatal auth", http.StatusForbidden, recargas.CategoryFatal, recargas.ErrCodeAuth},
		{"404 is fatal", http.StatusNotFound, recargas.CategoryFatal, recargas.ErrCodeProviderRejected},
		{"429 is rate limited", http.StatusTooManyRequests, recargas.CategoryRateLimited, recargas.ErrCodeRateLimited},
		{"500 is retriable", http.StatusInternalServerError, recargas.CategoryRetriable, recargas.ErrCodeConnection},
		{"503 is retriable", http.StatusServiceUnavailable, recargas.CategoryRetriable, recargas.ErrCodeConnection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := NewHTTP("tae", srv.URL, "user", "secret")
			_, err := p.Recharge(context.Background(), "668", "TEL010")
			require.Error(t, err)
			var re *recargas.Error
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.wantCat, re.Category)
			assert.Equal(t, tt.wantCode, re.Code)
			assert.Equal(t, tt.status, re.HTTPStatus)
		})
	}
}

func TestHTTPProvider_TimeoutIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	p := NewHTTP("tae", srv.URL, "user", "secret", WithTimeout(30*time.Millisecond))
	res, err := p.Recharge(context.Background(), "668", "TEL010")
	require.Error(t, err)
	// Ambiguous: no result at all, never an assumed success.
	assert.Nil(t, res)
	var re *recargas.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, recargas.CategoryRetriable, re.Category)
	assert.Equal(t, recargas.ErrCodeTimeout, re.Code)
}

func TestHTTPProvider_ConnectionRefused(t *testing.T) {
	p := NewHTTP("tae", "http://127.0.0.1:1", "user", "secret", WithTimeout(200*time.Millisecond))
	_, err := p.Balance(context.Background())
	require.Error(t, err)
	var re *recargas.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, recargas.CategoryRetriable, re.Category)
}
