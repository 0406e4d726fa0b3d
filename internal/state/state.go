// Package state tracks the last observed state of the vendor application,
// its equipment connection and the test currently executing.
//
// A Tracker has exactly one writer (the orchestrator) and any number of
// readers. Readers always receive copies.
package state

import (
	"strings"
	"sync"
	"time"

	apperrors "github.com/grltest/grlctl/internal/errors"
)

// AppState is the vendor application's reported state.
type AppState string

const (
	AppUnknown   AppState = "UNKNOWN"
	AppLaunching AppState = "LAUNCHING"
	AppIdle      AppState = "IDLE"
	AppBusy      AppState = "BUSY"
	AppError     AppState = "ERROR"
)

// ConnectionState is the state of the link between the application and the equipment.
type ConnectionState string

const (
	Disconnected ConnectionState = "DISCONNECTED"
	Connecting   ConnectionState = "CONNECTING"
	Connected    ConnectionState = "CONNECTED"
	ConnFailed   ConnectionState = "FAILED"
)

// TestStatus is the status of the current test case.
type TestStatus string

const (
	TestNone    TestStatus = "NONE"
	TestStarted TestStatus = "STARTED"
	TestRunning TestStatus = "RUNNING"
	TestPassed  TestStatus = "PASSED"
	TestFailed  TestStatus = "FAILED"
	TestStopped TestStatus = "STOPPED"
)

// Active reports whether a test case is executing.
func (s TestStatus) Active() bool {
	return s == TestStarted || s == TestRunning
}

// Terminal reports whether the test case has finished.
func (s TestStatus) Terminal() bool {
	return s == TestPassed || s == TestFailed || s == TestStopped
}

// SystemState is a snapshot of the tracked state.
type SystemState struct {
	AppState        AppState        `json:"app_state"`
	ConnectionState ConnectionState `json:"connection_state"`
	CurrentTestCase *string         `json:"current_test_case"`
	TestStatus      TestStatus      `json:"test_status"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TestCase returns the current test case name, or "" when none is set.
func (s SystemState) TestCase() string {
	if s.CurrentTestCase == nil {
		return ""
	}
	return *s.CurrentTestCase
}

func (s SystemState) clone() SystemState {
	if s.CurrentTestCase != nil {
		name := *s.CurrentTestCase
		s.CurrentTestCase = &name
	}
	return s
}

// Tracker guards a SystemState.
type Tracker struct {
	mu  sync.RWMutex
	st  SystemState
	now func() time.Time
}

// NewTracker returns a tracker in the initial UNKNOWN/DISCONNECTED/NONE state.
func NewTracker() *Tracker {
	t := &Tracker{now: time.Now}
	t.st = initial(t.now())
	return t
}

func initial(at time.Time) SystemState {
	return SystemState{
		AppState:        AppUnknown,
		ConnectionState: Disconnected,
		TestStatus:      TestNone,
		UpdatedAt:       at,
	}
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() SystemState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.st.clone()
}

// CurrentTestCase returns the current test case name, or "" if none.
func (t *Tracker) CurrentTestCase() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.st.TestCase()
}

// SetAppState records the application state.
func (t *Tracker) SetAppState(s AppState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.AppState = s
	t.st.UpdatedAt = t.now()
}

// SetConnection records the connection state. Leaving CONNECTED clears the
// test fields so the state never reports a test without a connection.
func (t *Tracker) SetConnection(s ConnectionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.ConnectionState = s
	if s != Connected {
		t.st.TestStatus = TestNone
		t.st.CurrentTestCase = nil
	}
	t.st.UpdatedAt = t.now()
}

// SetTest records the status of a test case. An empty name keeps the current one.
// Setting TestNone clears the current test case.
func (t *Tracker) SetTest(name string, status TestStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if status != TestNone && t.st.ConnectionState != Connected {
		return apperrors.New(apperrors.CodeStateInvariant,
			"test status "+string(status)+" requires a connected state, have "+string(t.st.ConnectionState))
	}
	if status == TestNone {
		t.st.CurrentTestCase = nil
	} else if name != "" {
		t.st.CurrentTestCase = &name
	}
	if status.Active() && t.st.CurrentTestCase == nil {
		return apperrors.New(apperrors.CodeStateInvariant, "active test status without a test case")
	}
	t.st.TestStatus = status
	t.st.UpdatedAt = t.now()
	return nil
}

// Reset returns the tracker to its initial state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st = initial(t.now())
}

// ParseAppState maps the vendor appState string to an AppState.
func ParseAppState(s string) AppState {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "READY", "IDLE":
		return AppIdle
	case "BUSY", "RUNNING":
		return AppBusy
	case "ERROR", "FAULT":
		return AppError
	default:
		return AppUnknown
	}
}

// ParseTestStatus parses the vendor "Test:<case>:<status>" string.
// The case name may itself contain colons; the status is the last segment.
// ok is false when the string does not have that shape or the status is unknown.
func ParseTestStatus(s string) (name string, status TestStatus, ok bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "Test:") {
		return "", TestNone, false
	}
	rest := strings.TrimPrefix(s, "Test:")
	i := strings.LastIndex(rest, ":")
	if i <= 0 {
		return "", TestNone, false
	}
	name = strings.TrimSpace(rest[:i])
	status, ok = parseStatusWord(rest[i+1:])
	if name == "" {
		return "", TestNone, false
	}
	return name, status, ok
}

func parseStatusWord(w string) (TestStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(w)) {
	case "started":
		return TestStarted, true
	case "running", "in progress", "inprogress":
		return TestRunning, true
	case "passed", "pass", "completed", "complete":
		return TestPassed, true
	case "failed", "fail", "error":
		return TestFailed, true
	case "stopped", "aborted", "cancelled", "canceled":
		return TestStopped, true
	default:
		return TestNone, false
	}
}
