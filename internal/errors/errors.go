package errors

import (
	"errors"
	"net/http"
)

// Sentinel errors for the protection core. Components wrap these with %w so
// callers can classify with errors.Is regardless of the added context.
var (
	ErrInvalidLicenseFormat = errors.New("invalid license key format")
	ErrLicenseNotActivated  = errors.New("license not activated")
	ErrLicenseTampered      = errors.New("license integrity check failed")
	ErrDecryption           = errors.New("license payload could not be decrypted")
	ErrLicenseExpired       = errors.New("license expired")
	ErrDeviceLimit          = errors.New("device limit reached")
	ErrLicenseRevoked       = errors.New("license revoked")
	ErrAuthorityUnavailable = errors.New("license authority unavailable")
	ErrRateLimited          = errors.New("rate limited")
	ErrAutomation           = errors.New("automated behaviour detected")
	ErrNotFound             = errors.New("not found")
)

// APIError represents a structured API error response
type APIError struct {
	StatusCode int         `json:"status_code"`
	ErrorCode  string      `json:"error_code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// New creates a new APIError with the given parameters
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// NewWithDetails creates a new APIError with additional details
func NewWithDetails(statusCode int, errorCode, message string, details interface{}) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Details:    details,
	}
}

// Error codes surfaced to clients
const (
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeInvalidFormat   = "INVALID_LICENSE_FORMAT"
	CodeNotActivated    = "NOT_ACTIVATED"
	CodeTampered        = "LICENSE_TAMPERED"
	CodeExpired         = "LICENSE_EXPIRED"
	CodeDeviceLimit     = "DEVICE_LIMIT_REACHED"
	CodeRevoked         = "LICENSE_REVOKED"
	CodeAuthority       = "AUTHORITY_UNAVAILABLE"
	CodeRateLimited     = "RATE_LIMITED"
	CodeAutomation      = "AUTOMATION_SUSPECTED"
	CodeNotFound        = "NOT_FOUND"
	CodeInternal        = "INTERNAL_SERVER_ERROR"
	CodeValidationError = "VALIDATION_FAILED"
)

// classification is ordered: tampering must win over decryption so that a
// wrapped ErrLicenseTampered+ErrDecryption maps to the tamper response.
var classification = []struct {
	err    error
	status int
	code   string
}{
	{ErrInvalidLicenseFormat, http.StatusBadRequest, CodeInvalidFormat},
	{ErrLicenseTampered, http.StatusForbidden, CodeTampered},
	{ErrDecryption, http.StatusForbidden, CodeTampered},
	{ErrLicenseRevoked, http.StatusForbidden, CodeRevoked},
	{ErrLicenseExpired, http.StatusForbidden, CodeExpired},
	{ErrDeviceLimit, http.StatusConflict, CodeDeviceLimit},
	{ErrLicenseNotActivated, http.StatusPreconditionRequired, CodeNotActivated},
	{ErrRateLimited, http.StatusTooManyRequests, CodeRateLimited},
	{ErrAutomation, http.StatusTooManyRequests, CodeAutomation},
	{ErrAuthorityUnavailable, http.StatusServiceUnavailable, CodeAuthority},
	{ErrNotFound, http.StatusNotFound, CodeNotFound},
}

// FromError maps an error from the protection core onto an APIError.
// Unknown errors become a 500 without leaking the message.
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	for _, c := range classification {
		if errors.Is(err, c.err) {
			return New(c.status, c.code, err.Error())
		}
	}
	return New(http.StatusInternalServerError, CodeInternal, "Internal server error")
}

// InvalidRequestWithError creates an invalid request error with details
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, CodeInvalidRequest, "Invalid request format", err.Error())
}

// ValidationError represents a single field validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// NewValidationErrors creates validation errors from multiple fields
func NewValidationErrors(errs []ValidationError) *APIError {
	return NewWithDetails(http.StatusBadRequest, CodeValidationError, "Request validation failed", errs)
}
