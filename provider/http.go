// Package provider implements the uniform client over external recharge
// providers: balance queries, recharge execution, and a normalized result
// with categorized errors so the retry policy never has to parse provider
// payloads.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fleetops-mx/recargas"
)

const defaultTimeout = 15 * time.Second

// HTTPProvider talks to one provider's REST entry points.
type HTTPProvider struct {
	name       string
	baseURL    string
	authUser   string
	authSecret string
	client     *http.Client
	now        func() time.Time
}

// HTTPOption configures an HTTPProvider.
type HTTPOption func(*HTTPProvider)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPProvider) { p.client = c }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(p *HTTPProvider) { p.client.Timeout = d }
}

// WithClock overrides the timestamp source, for tests.
func WithClock(now func() time.Time) HTTPOption {
	return func(p *HTTPProvider) { p.now = now }
}

// NewHTTP creates a provider client. baseURL is the provider's API root;
// user/secret are its balance/recharge credentials.
func NewHTTP(name, baseURL, user, secret string, opts ...HTTPOption) *HTTPProvider {
	p := &HTTPProvider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		authUser:   user,
		authSecret: secret,
		client:     &http.Client{Timeout: defaultTimeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider's identifier as used in settlement rows.
func (p *HTTPProvider) Name() string { return p.name }

// balanceResponse is the provider's balance payload.
type balanceResponse struct {
	Balance float64 `json:"balance"`
}

// Balance queries the provider's spendable balance.
func (p *HTTPProvider) Balance(ctx context.Context) (recargas.Money, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/balance", nil)
	if err != nil {
		return 0, recargas.Errorf(recargas.CategoryFatal, recargas.ErrCodeConfig, "provider %s: %v", p.name, err)
	}
	req.SetBasicAuth(p.authUser, p.authSecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, categorizeTransport(p.name, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return 0, categorizeHTTP(p.name, resp.StatusCode, body)
	}
	var parsed balanceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, recargas.Errorf(recargas.CategoryRetriable, recargas.ErrCodeConnection,
			"provider %s: malformed balance response: %v", p.name, err)
	}
	return recargas.Money(parsed.Balance * 100), nil
}

// rechargeRequest is the wire request for a recharge execution.
type rechargeRequest struct {
	SIM         string `json:"sim"`
	ProductCode string `json:"productCode"`
}

// rechargeResponse is the provider's recharge payload. Unknown fields stay
// in the raw body the caller receives.
type rechargeResponse struct {
	Success      bool    `json:"success"`
	Folio        string  `json:"folio"`
	TransID      string  `json:"transId"`
	FinalBalance float64 `json:"finalBalance"`
	Carrier      string  `json:"carrier"`
	IP           string  `json:"ip"`
	Error        *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Recharge executes one purchase. A returned result with Success=true is
// a committed charge. A transport timeout is ambiguous: it comes back as
// a RETRIABLE error and the caller must never assume the charge happened.
func (p *HTTPProvider) Recharge(ctx context.Context, sim, productCode string) (*recargas.RechargeResult, error) {
	payload, err := json.Marshal(rechargeRequest{SIM: sim, ProductCode: productCode})
	if err != nil {
		return nil, recargas.Errorf(recargas.CategoryFatal, recargas.ErrCodeConfig, "provider %s: %v", p.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/recharge", bytes.NewReader(payload))
	if err != nil {
		return nil, recargas.Errorf(recargas.CategoryFatal, recargas.ErrCodeConfig, "provider %s: %v", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(p.authUser, p.authSecret)

	started := p.now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, categorizeTransport(p.name, err)
	}
	defer resp.Body.Close()
	elapsed := p.now().Sub(started)

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, categorizeHTTP(p.name, resp.StatusCode, body)
	}

	var parsed rechargeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, recargas.Errorf(recargas.CategoryRetriable, recargas.ErrCodeConnection,
			"provider %s: malformed recharge response: %v", p.name, err)
	}

	result := &recargas.RechargeResult{
		Success:         parsed.Success,
		Folio:           parsed.Folio,
		TransID:         parsed.TransID,
		FinalBalance:    recargas.Money(parsed.FinalBalance * 100),
		Carrier:         parsed.Carrier,
		TimeoutObserved: elapsed,
		IP:              parsed.IP,
		Raw:             json.RawMessage(body),
	}
	if !parsed.Success {
		result.Err = categorizeBusiness(p.name, parsed.Error)
	}
	return result, nil
}

// categorizeTransport maps connection-level failures. Timeouts, refused
// connections, and DNS failures are all transient.
func categorizeTransport(name string, err error) *recargas.Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return recargas.Errorf(recargas.CategoryRetriable, recargas.ErrCodeTimeout,
			"provider %s: %v", name, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return recargas.Errorf(recargas.CategoryRetriable, recargas.ErrCodeTimeout,
			"provider %s: %v", name, err)
	}
	return recargas.Errorf(recargas.CategoryRetriable, recargas.ErrCodeConnection,
		"provider %s: %v", name, err)
}

// categorizeHTTP maps non-200 statuses onto the retry taxonomy: 429 is
// rate limiting, other 4xx are fatal, 5xx are transient.
func categorizeHTTP(name string, status int, body []byte) *recargas.Error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	var e *recargas.Error
	switch {
	case status == http.StatusTooManyRequests:
		e = recargas.Errorf(recargas.CategoryRateLimited, recargas.ErrCodeRateLimited,
			"provider %s: HTTP 429: %s", name, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e = recargas.Errorf(recargas.CategoryFatal, recargas.ErrCodeAuth,
			"provider %s: HTTP %d: %s", name, status, msg)
	case status >= 400 && status < 500:
		e = recargas.Errorf(recargas.CategoryFatal, recargas.ErrCodeProviderRejected,
			"provider %s: HTTP %d: %s", name, status, msg)
	default:
		e = recargas.Errorf(recargas.CategoryRetriable, recargas.ErrCodeConnection,
			"provider %s: HTTP %d: %s", name, status, msg)
	}
	e.HTTPStatus = status
	return e
}

// categorizeBusiness maps an application-level rejection inside a 200
// response.
func categorizeBusiness(name string, pe *struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}) *recargas.Error {
	if pe == nil {
		return recargas.Errorf(recargas.CategoryBusiness, recargas.ErrCodeProviderRejected,
			"provider %s: recharge rejected without error detail", name)
	}
	code := recargas.ErrCodeProviderRejected
	switch pe.Code {
	case "invalid_sim", "sim_not_found":
		code = recargas.ErrCodeInvalidSIM
	case "insufficient_balance":
		code = recargas.ErrCodeInsufficientBalance
	case "service_unavailable":
		code = recargas.ErrCodeServiceUnavailable
	}
	return recargas.Errorf(recargas.CategoryBusiness, code,
		"provider %s: %s", name, pe.Message)
}

var _ recargas.Provider = (*HTTPProvider)(nil)
