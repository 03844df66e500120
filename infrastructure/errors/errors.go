// Package errors provides unified error handling for the gateway's
// service surface: coded errors mapped to HTTP statuses, following the
// kinds in Acteon's error taxonomy.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode string

const (
	// Authentication errors (1xxx)
	ErrCodeUnauthorized     ErrorCode = "AUTH_1001"
	ErrCodeInvalidToken     ErrorCode = "AUTH_1002"
	ErrCodeTokenExpired     ErrorCode = "AUTH_1003"
	ErrCodeInvalidSignature ErrorCode = "AUTH_1004"

	// Authorization errors (2xxx)
	ErrCodeForbidden ErrorCode = "AUTHZ_2001"

	// Validation errors (3xxx)
	ErrCodeInvalidInput     ErrorCode = "VAL_3001"
	ErrCodeMissingParameter ErrorCode = "VAL_3002"
	ErrCodeInvalidFormat    ErrorCode = "VAL_3003"
	ErrCodeOutOfRange       ErrorCode = "VAL_3004"

	// Resource errors (4xxx)
	ErrCodeNotFound      ErrorCode = "RES_4001"
	ErrCodeAlreadyExists ErrorCode = "RES_4002"
	ErrCodeConflict      ErrorCode = "RES_4003"

	// Service errors (5xxx)
	ErrCodeInternal          ErrorCode = "SVC_5001"
	ErrCodeTimeout           ErrorCode = "SVC_5002"
	ErrCodeRateLimitExceeded ErrorCode = "SVC_5003"

	// Dispatch errors (6xxx), one per taxonomy kind
	ErrCodeConfiguration ErrorCode = "DSP_6001"
	ErrCodeSerialization ErrorCode = "DSP_6002"
	ErrCodeLockFailed    ErrorCode = "DSP_6003"
	ErrCodeEnrichment    ErrorCode = "DSP_6004"
	ErrCodeEvaluation    ErrorCode = "DSP_6005"
	ErrCodeProvider      ErrorCode = "DSP_6006"
	ErrCodeStateBackend  ErrorCode = "DSP_6007"

	// Cryptographic errors (7xxx)
	ErrCodeEncryptionFailed ErrorCode = "CRYPTO_7001"
	ErrCodeDecryptionFailed ErrorCode = "CRYPTO_7002"
)

// ServiceError represents a structured error with code, message, and HTTP status
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Authentication Errors

func Unauthorized(message string) *ServiceError {
	return New(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidToken(err error) *ServiceError {
	return Wrap(ErrCodeInvalidToken, "invalid authentication token", http.StatusUnauthorized, err)
}

func TokenExpired() *ServiceError {
	return New(ErrCodeTokenExpired, "authentication token has expired", http.StatusUnauthorized)
}

func InvalidSignature(err error) *ServiceError {
	return Wrap(ErrCodeInvalidSignature, "invalid signature", http.StatusUnauthorized, err)
}

// Authorization Errors

func Forbidden(message string) *ServiceError {
	return New(ErrCodeForbidden, message, http.StatusForbidden)
}

// Validation Errors

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("invalid input for field '%s': %s", field, reason), http.StatusBadRequest).
		WithDetails("field", field)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, fmt.Sprintf("missing required parameter: %s", param), http.StatusBadRequest).
		WithDetails("parameter", param)
}

func InvalidFormat(field, expected string) *ServiceError {
	return New(ErrCodeInvalidFormat, fmt.Sprintf("invalid format for field '%s', expected: %s", field, expected), http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

func OutOfRange(field string, minValue, maxValue interface{}) *ServiceError {
	return New(ErrCodeOutOfRange, fmt.Sprintf("field '%s' out of range [%v, %v]", field, minValue, maxValue), http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("min", minValue).
		WithDetails("max", maxValue)
}

// Resource Errors

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", resource, id), http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func AlreadyExists(resource, id string) *ServiceError {
	return New(ErrCodeAlreadyExists, fmt.Sprintf("%s already exists: %s", resource, id), http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// Service Errors

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, fmt.Sprintf("operation timed out: %s", operation), http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimitExceeded, fmt.Sprintf("rate limit exceeded: %d requests per %s", limit, window), http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Dispatch Errors, mirroring the error taxonomy: configuration and
// serialization failures are caller errors, lock contention is
// retryable, enrichment/evaluation/provider/state failures carry the
// stage that produced them.

func Configuration(message string, err error) *ServiceError {
	return Wrap(ErrCodeConfiguration, message, http.StatusBadRequest, err)
}

func Serialization(message string, err error) *ServiceError {
	return Wrap(ErrCodeSerialization, message, http.StatusBadRequest, err)
}

func LockFailed(name string, err error) *ServiceError {
	return Wrap(ErrCodeLockFailed, fmt.Sprintf("could not acquire lock %s", name), http.StatusServiceUnavailable, err).
		WithDetails("lock", name)
}

func Enrichment(name string, err error) *ServiceError {
	return Wrap(ErrCodeEnrichment, fmt.Sprintf("enrichment %s failed", name), http.StatusBadGateway, err).
		WithDetails("enrichment", name)
}

func Evaluation(err error) *ServiceError {
	return Wrap(ErrCodeEvaluation, "rule evaluation failed", http.StatusInternalServerError, err)
}

func Provider(provider string, err error) *ServiceError {
	return Wrap(ErrCodeProvider, fmt.Sprintf("provider %s failed", provider), http.StatusBadGateway, err).
		WithDetails("provider", provider)
}

func StateBackend(operation string, err error) *ServiceError {
	return Wrap(ErrCodeStateBackend, fmt.Sprintf("state backend %s failed", operation), http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

// Cryptographic Errors

func EncryptionFailed(err error) *ServiceError {
	return Wrap(ErrCodeEncryptionFailed, "encryption failed", http.StatusInternalServerError, err)
}

func DecryptionFailed(err error) *ServiceError {
	return Wrap(ErrCodeDecryptionFailed, "decryption failed", http.StatusInternalServerError, err)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError
func IsServiceError(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}

// GetServiceError extracts ServiceError from an error
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// GetHTTPStatus returns the HTTP status for an error
func GetHTTPStatus(err error) int {
	if se := GetServiceError(err); se != nil {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}
