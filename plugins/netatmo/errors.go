package netatmo

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrNotConnected          = errors.New("netatmo session not connected")
	ErrCredentials           = errors.New("netatmo credentials unavailable")
	ErrAuthenticationFailed  = errors.New("netatmo authentication failed")
	ErrRenewFailed           = errors.New("netatmo token renewal failed")
	ErrAuthenticationExpired = errors.New("netatmo access token expired and could not be renewed")
	ErrNoDeviceFound         = errors.New("netatmo device list is empty")
	ErrNoMeasurement         = errors.New("netatmo returned no measurement")
	ErrRetriesExhausted      = errors.New("netatmo request retries exhausted")
)

// Vendor error codes that mean the access token itself was rejected.
const (
	codeInvalidToken = 2
	codeTokenExpired = 3
)

// HTTPStatusError is a non-200 API answer, with the vendor error decoded when
// the body carries one.
type HTTPStatusError struct {
	Status  int
	Code    int
	Message string
	Body    string
	// RetryAfter is the server's Retry-After hint; zero when absent.
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("netatmo api error %d (code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("netatmo api error %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// TokenRejected reports whether renewing the access token may fix the call.
func (e *HTTPStatusError) TokenRejected() bool {
	switch e.Code {
	case codeInvalidToken, codeTokenExpired:
		return true
	case 0:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	default:
		return e.Status == http.StatusUnauthorized
	}
}

// Transient reports whether the same call may succeed later without renewal.
func (e *HTTPStatusError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}
