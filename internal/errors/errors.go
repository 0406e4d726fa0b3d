// Package errors provides standardized error codes for grlctl.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (launch, connect, api, poll, ...)
//   - error: The specific error type within that domain
//
// Codes are stable and appear in JSON output of the CLI and the event server,
// so scripts driving grlctl can branch on them. Human-readable messages are
// provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// Launch domain - vendor application process
	CodeLaunchSpawnFailed     = "launch.spawn_failed"     // Process could not be started or exited early
	CodeLaunchPortUnreachable = "launch.port_unreachable" // Process started but never answered on its port
	CodeLaunchNotConfigured   = "launch.not_configured"   // No application entry for the requested name

	// Connect domain - equipment connection handshake
	CodeConnectNoAddress = "connect.no_address" // No IP given and none configured
	CodeConnectExhausted = "connect.exhausted"  // All attempts failed
	CodeConnectCanceled  = "connect.canceled"   // Context canceled between attempts

	// API domain - individual gateway calls
	CodeAPIRequestFailed = "api.request_failed" // Transport level failure
	CodeAPITimeout       = "api.timeout"        // Per-call timeout elapsed
	CodeAPIBadStatus     = "api.bad_status"     // Non-2xx response
	CodeAPIDecodeFailed  = "api.decode_failed"  // Response body could not be decoded

	// Poll domain - run-time status polling
	CodePollFailed = "poll.failed" // Consecutive failure ceiling reached

	// Project domain - project configuration
	CodeProjectModelMissing = "project.model_missing" // A configuration model file or key is missing
	CodeProjectPutFailed    = "project.put_failed"    // Application rejected the project folder

	// Submit domain - test submission
	CodeSubmitEmptyList = "submit.empty_list" // No test cases given
	CodeSubmitRejected  = "submit.rejected"   // Application rejected the test list
	CodeSubmitCanceled  = "submit.canceled"   // Run stopped before it completed

	// State domain - orchestration phase machine
	CodeStateInvalidPhase = "state.invalid_phase" // Operation not allowed in current phase
	CodeStateInvariant    = "state.invariant"     // Write would break a SystemState invariant

	// Storage domain - run journal
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data
	CodeStorageNotFound    = "storage.not_found"    // Run not found

	// Config domain
	CodeConfigNotFound = "config.not_found" // Explicit config path does not exist
	CodeConfigInvalid  = "config.invalid"   // Config parsed but failed validation

	// Artifact domain
	CodeArtifactWriteFailed  = "artifact.write_failed"  // Local JSON artifact could not be written
	CodeArtifactUploadFailed = "artifact.upload_failed" // S3 upload failed

	// Keep-awake domain - host sleep inhibitor
	CodeKeepAwakeUnsupported   = "keepawake.unsupported"    // No inhibitor mechanism on this host
	CodeKeepAwakeAcquireFailed = "keepawake.acquire_failed" // Inhibitor could not be started

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal error
)

// CodedError wraps an error with a stable error code.
type CodedError struct {
	Code    string // Stable error code (e.g., "connect.exhausted")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors without a code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to JSON output.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Common error constructors.

// SpawnFailed creates a "launch.spawn_failed" error.
func SpawnFailed(path string, cause error) *CodedError {
	return Wrap(CodeLaunchSpawnFailed, fmt.Sprintf("failed to start %s", path), cause)
}

// PortUnreachable creates a "launch.port_unreachable" error.
func PortUnreachable(port, attempts int) *CodedError {
	msg := fmt.Sprintf("application did not answer on port %d after %d attempts", port, attempts)
	return New(CodeLaunchPortUnreachable, msg)
}

// NoAddress creates a "connect.no_address" error.
func NoAddress() *CodedError {
	return New(CodeConnectNoAddress, "no equipment IP address given or configured")
}

// ConnectExhausted creates a "connect.exhausted" error.
// The cause is the error of the last attempt.
func ConnectExhausted(ip string, attempts int, cause error) *CodedError {
	msg := fmt.Sprintf("could not connect to %s after %d attempts", ip, attempts)
	return Wrap(CodeConnectExhausted, msg, cause)
}

// InvalidPhase creates a "state.invalid_phase" error.
func InvalidPhase(op, phase string) *CodedError {
	return New(CodeStateInvalidPhase, fmt.Sprintf("%s not allowed in phase %s", op, phase))
}

// EmptyTestList creates a "submit.empty_list" error.
func EmptyTestList() *CodedError {
	return New(CodeSubmitEmptyList, "test list is empty")
}

// RunCanceled creates a "submit.canceled" error.
func RunCanceled() *CodedError {
	return New(CodeSubmitCanceled, "test cancelled by user")
}

// PollFailed creates a "poll.failed" error.
func PollFailed(failures int, cause error) *CodedError {
	msg := fmt.Sprintf("status polling failed %d consecutive times", failures)
	return Wrap(CodePollFailed, msg, cause)
}

// ModelMissing creates a "project.model_missing" error.
func ModelMissing(model string, cause error) *CodedError {
	return Wrap(CodeProjectModelMissing, fmt.Sprintf("configuration model %s unavailable", model), cause)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
