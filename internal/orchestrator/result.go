package orchestrator

import (
	"time"

	apperrors "github.com/grltest/grlctl/internal/errors"
)

// Result carries the outcome of an operation whose failure is expected
// (connect, set project, submit). It marshals to the
// {"success": false, "error": "..."} shape scripts already parse.
type Result[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`

	err error
}

// Succeeded returns a successful Result holding data.
func Succeeded[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: data}
}

// Failed returns a failed Result with a stable code.
func Failed[T any](code, message string) Result[T] {
	return Result[T]{Code: code, Error: message}
}

// failure converts err into a failed Result, keeping err as the cause.
func failure[T any](err error) Result[T] {
	code, msg := apperrors.ToCodeAndMessage(err)
	return Result[T]{Code: code, Error: msg, err: err}
}

// Err returns nil on success, otherwise a coded error.
func (r Result[T]) Err() error {
	if r.Success {
		return nil
	}
	if r.err != nil {
		return r.err
	}
	return apperrors.New(r.Code, r.Error)
}

// ConnectionInfo describes an established equipment connection.
type ConnectionInfo struct {
	IP          string    `json:"ip"`
	Endpoint    string    `json:"endpoint"`
	Attempts    int       `json:"attempts"`
	AppState    string    `json:"app_state,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// ProjectInfo describes the project pushed to the application.
type ProjectInfo struct {
	Name           string   `json:"name"`
	DescriptorPath string   `json:"descriptor_path"`
	TestListPath   string   `json:"test_list_path,omitempty"`
	EnabledTests   []string `json:"enabled_tests,omitempty"`
}

// TestSubmission is one accepted test list.
type TestSubmission struct {
	RunID       string    `json:"run_id"`
	Tests       []string  `json:"tests"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// RunSummary is how a submission ended.
type RunSummary struct {
	TestSubmission
	Outcome      string        `json:"outcome"`
	FinalStatus  string        `json:"final_status,omitempty"`
	LastTestCase string        `json:"last_test_case,omitempty"`
	Completed    int           `json:"completed"`
	Popups       int           `json:"popups"`
	Duration     time.Duration `json:"duration"`
	Warning      string        `json:"warning,omitempty"`
}
