package utils

import (
	"context"
	"errors"
	"fmt"

	"github.com/dl-alexandre/docsync/internal/types"
)

// Exit codes
const (
	ExitSuccess = 0
	// Auth errors (10-19)
	ExitAuthRequired = 10
	ExitAuthExpired  = 11
	// Node errors (20-29)
	ExitNodeNotFound     = 20
	ExitPermissionDenied = 21
	ExitLocalChanges     = 22
	ExitObstacle         = 23
	ExitAlreadyInFlight  = 24
	// Network errors (30-39)
	ExitNetworkError = 30
	ExitTimeout      = 31
	ExitRateLimited  = 32
	ExitOffline      = 33
	// Validation errors (40-49)
	ExitInvalidArgument = 40
	ExitAccountUnknown  = 41
	// Storage errors (50-59)
	ExitRegistryCorruption = 50
	ExitStorageError       = 51
	// Batch errors
	ExitBatchPartialFailure = 60
	ExitAborted             = 70
	// Unknown
	ExitUnknown = 99
)

// Error codes (tool-owned, stable)
const (
	ErrCodeAuthRequired        = "AUTH_REQUIRED"
	ErrCodeAuthExpired         = "AUTH_EXPIRED"
	ErrCodeNodeNotFound        = "NODE_NOT_FOUND"
	ErrCodePermissionDenied    = "PERMISSION_DENIED"
	ErrCodeSyncAlreadyInFlight = "SYNC_ALREADY_IN_FLIGHT"
	ErrCodeSyncLocalChanges    = "SYNC_LOCAL_CHANGES"
	ErrCodeSyncObstacle        = "SYNC_OBSTACLE"
	ErrCodeTransferFailed      = "TRANSFER_FAILED"
	ErrCodeNetworkError        = "NETWORK_ERROR"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeOffline             = "OFFLINE"
	ErrCodeInvalidArgument     = "INVALID_ARGUMENT"
	ErrCodeAccountUnknown      = "ACCOUNT_UNKNOWN"
	ErrCodeRegistryCorruption  = "REGISTRY_CORRUPTION"
	ErrCodeStorageError        = "STORAGE_ERROR"
	ErrCodeBatchPartialFailure = "BATCH_PARTIAL_FAILURE"
	ErrCodeAborted             = "ABORTED"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeUnknown             = "UNKNOWN"
)

// Sentinel errors shared across the engine packages
var (
	ErrAlreadyInFlight    = errors.New("an operation for this node is already waiting or running")
	ErrHasLocalChanges    = errors.New("node has local changes that have not been uploaded")
	ErrNodeNotFound       = errors.New("node not found")
	ErrAccountUnknown     = errors.New("account is not enabled for offline sync")
	ErrOffline            = errors.New("remote repository is unreachable")
	ErrDisableAborted     = errors.New("disable sync aborted by caller")
	ErrAborted            = errors.New("aborted by user")
	ErrRegistryCorruption = errors.New("registry corruption detected")
	ErrObstaclePending    = errors.New("node has an unresolved obstacle")
	ErrNoLocalContent     = errors.New("node has no local content")
	ErrAuthRequired       = errors.New("authentication required")
)

// CLIErrorBuilder helps construct CLIError instances
type CLIErrorBuilder struct {
	err types.CLIError
}

// NewCLIError creates a new error builder
func NewCLIError(code, message string) *CLIErrorBuilder {
	return &CLIErrorBuilder{
		err: types.CLIError{
			Code:    code,
			Message: message,
		},
	}
}

func (b *CLIErrorBuilder) WithHTTPStatus(status int) *CLIErrorBuilder {
	b.err.HTTPStatus = status
	return b
}

func (b *CLIErrorBuilder) WithReason(reason string) *CLIErrorBuilder {
	b.err.Reason = reason
	return b
}

func (b *CLIErrorBuilder) WithRetryable(retryable bool) *CLIErrorBuilder {
	b.err.Retryable = retryable
	return b
}

func (b *CLIErrorBuilder) WithContext(key string, value interface{}) *CLIErrorBuilder {
	if b.err.Context == nil {
		b.err.Context = make(map[string]interface{})
	}
	b.err.Context[key] = value
	return b
}

func (b *CLIErrorBuilder) Build() types.CLIError {
	return b.err
}

// GetExitCode returns the exit code for an error code
func GetExitCode(errorCode string) int {
	mapping := map[string]int{
		ErrCodeAuthRequired:        ExitAuthRequired,
		ErrCodeAuthExpired:         ExitAuthExpired,
		ErrCodeNodeNotFound:        ExitNodeNotFound,
		ErrCodePermissionDenied:    ExitPermissionDenied,
		ErrCodeSyncAlreadyInFlight: ExitAlreadyInFlight,
		ErrCodeSyncLocalChanges:    ExitLocalChanges,
		ErrCodeSyncObstacle:        ExitObstacle,
		ErrCodeNetworkError:        ExitNetworkError,
		ErrCodeTimeout:             ExitTimeout,
		ErrCodeRateLimited:         ExitRateLimited,
		ErrCodeOffline:             ExitOffline,
		ErrCodeInvalidArgument:     ExitInvalidArgument,
		ErrCodeAccountUnknown:      ExitAccountUnknown,
		ErrCodeRegistryCorruption:  ExitRegistryCorruption,
		ErrCodeStorageError:        ExitStorageError,
		ErrCodeBatchPartialFailure: ExitBatchPartialFailure,
		ErrCodeAborted:             ExitAborted,
	}
	if code, ok := mapping[errorCode]; ok {
		return code
	}
	return ExitUnknown
}

// AppError is a custom error type that carries CLI error info
type AppError struct {
	CLIError types.CLIError
	Err      error
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.CLIError.Code, e.CLIError.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates an AppError from a CLIError
func NewAppError(cliErr types.CLIError) *AppError {
	return &AppError{CLIError: cliErr}
}

// WrapAppError creates an AppError that keeps the cause available to errors.Is
func WrapAppError(cliErr types.CLIError, cause error) *AppError {
	return &AppError{CLIError: cliErr, Err: cause}
}

// ClassifySyncError maps an engine error to its stable error code
func ClassifySyncError(err error) string {
	var appErr *AppError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &appErr):
		return appErr.CLIError.Code
	case errors.Is(err, ErrAlreadyInFlight):
		return ErrCodeSyncAlreadyInFlight
	case errors.Is(err, ErrHasLocalChanges):
		return ErrCodeSyncLocalChanges
	case errors.Is(err, ErrObstaclePending):
		return ErrCodeSyncObstacle
	case errors.Is(err, ErrNodeNotFound):
		return ErrCodeNodeNotFound
	case errors.Is(err, ErrAccountUnknown):
		return ErrCodeAccountUnknown
	case errors.Is(err, ErrOffline):
		return ErrCodeOffline
	case errors.Is(err, ErrAuthRequired):
		return ErrCodeAuthRequired
	case errors.Is(err, ErrDisableAborted), errors.Is(err, ErrAborted):
		return ErrCodeAborted
	case errors.Is(err, ErrRegistryCorruption):
		return ErrCodeRegistryCorruption
	case errors.Is(err, context.Canceled):
		return ErrCodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	}
	return ErrCodeUnknown
}

// ToCLIError converts any error into a CLIError, keeping AppError details intact
func ToCLIError(err error) types.CLIError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.CLIError
	}
	code := ClassifySyncError(err)
	return NewCLIError(code, err.Error()).
		WithRetryable(code == ErrCodeOffline || code == ErrCodeNetworkError || code == ErrCodeTimeout).
		Build()
}
