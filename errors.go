package recargas

import "fmt"

// Category buckets a failure by how the caller should react to it.
type Category string

const (
	// CategoryRetriable: timeouts, connection refused, DNS failures,
	// HTTP 5xx. Retry with backoff; a timed-out recharge is ambiguous and
	// must never be assumed successful.
	CategoryRetriable Category = "RETRIABLE"
	// CategoryFatal: auth/config errors, HTTP 4xx other than 429. No retry.
	CategoryFatal Category = "FATAL"
	// CategoryRateLimited: sustained HTTP 429 or explicit rate-limit
	// messages. Retry with a longer baseline.
	CategoryRateLimited Category = "RATE_LIMITED"
	// CategoryBusiness: invalid SIM, target not serviceable, insufficient
	// provider balance. At most one retry.
	CategoryBusiness Category = "BUSINESS"
)

// Common error codes.
const (
	ErrCodeTimeout             = "timeout"
	ErrCodeConnection          = "connection_failed"
	ErrCodeAuth                = "auth_failed"
	ErrCodeRateLimited         = "rate_limited"
	ErrCodeInvalidSIM          = "invalid_sim"
	ErrCodeInsufficientBalance = "insufficient_balance"
	ErrCodeServiceUnavailable  = "service_unavailable"
	ErrCodeProviderRejected    = "provider_rejected"
	ErrCodeConfig              = "config_error"
	ErrCodeQueueCorruption     = "queue_corruption"
	ErrCodeLockContention      = "lock_contention"
	ErrCodeDBDuplicate         = "db_unique_duplicate"
	ErrCodeDBOther             = "db_other"
)

// Error is a categorized failure. Provider-call and settlement errors are
// always carried as *Error so the retry policy and the pipeline can branch
// on category without string matching.
type Error struct {
	Category   Category               `json:"category"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"httpStatus,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a categorized error.
func NewError(cat Category, code, message string) *Error {
	return &Error{Category: cat, Code: code, Message: message}
}

// Errorf creates a categorized error with a formatted message.
func Errorf(cat Category, code, format string, args ...interface{}) *Error {
	return &Error{Category: cat, Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError coerces err into *Error, defaulting to RETRIABLE for unknown
// error values so transient infrastructure faults get retried rather than
// dropped.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Category: CategoryRetriable, Code: ErrCodeConnection, Message: err.Error()}
}
