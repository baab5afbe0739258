package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the gateway client.
var (
	ErrDisconnected     = fmt.Errorf("gateway disconnected")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrInvalidPayload   = fmt.Errorf("invalid payload")
	ErrDecode           = fmt.Errorf("frame decode failed: %w", ErrInvalidPayload)
	ErrStorage          = fmt.Errorf("identity storage failed")
	ErrAlreadyConnected = fmt.Errorf("gateway connect already attempted")
	ErrProtocol         = fmt.Errorf("gateway protocol violation")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
	ErrDecryption       = fmt.Errorf("decryption failed")
	ErrInvalidInput     = fmt.Errorf("invalid input")
)

// ServerError is an explicit ok:false response from the gateway.
type ServerError struct {
	Code       string
	Message    string
	Retryable  bool
	RetryAfter time.Duration
}

func (e *ServerError) Error() string {
	if e.Code == "" {
		return "gateway error: " + e.Message
	}
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Client.Request")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
// Server errors are retryable only when the gateway says so.
func IsRetryableError(err error) bool {
	var se *ServerError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrDisconnected)
}

// ErrorCode is a machine-parseable error category for logs and exit codes.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeDisconnected     ErrorCode = "DISCONNECTED"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeInvalidPayload   ErrorCode = "INVALID_PAYLOAD"
	CodeDecode           ErrorCode = "DECODE"
	CodeStorage          ErrorCode = "STORAGE"
	CodeAlreadyConnected ErrorCode = "ALREADY_CONNECTED"
	CodeProtocol         ErrorCode = "PROTOCOL"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	CodeDecryption       ErrorCode = "DECRYPTION"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeServer           ErrorCode = "SERVER"
)

// errorCodeMap maps sentinel errors to their codes. ErrDecode precedes
// ErrInvalidPayload in lookup order because it wraps it.
var errorCodeMap = []struct {
	err  error
	code ErrorCode
}{
	{ErrDisconnected, CodeDisconnected},
	{ErrTimeout, CodeTimeout},
	{ErrDecode, CodeDecode},
	{ErrInvalidPayload, CodeInvalidPayload},
	{ErrStorage, CodeStorage},
	{ErrAlreadyConnected, CodeAlreadyConnected},
	{ErrProtocol, CodeProtocol},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrDecryption, CodeDecryption},
	{ErrInvalidInput, CodeInvalidInput},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Server errors map to CodeServer; everything else walks the chain with errors.Is.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	var se *ServerError
	if errors.As(err, &se) {
		return CodeServer
	}

	for _, m := range errorCodeMap {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
