// Package popup captures the dialogs the vendor application raises.
//
// A Monitor polls the application's message box on its own goroutine while
// the orchestrator is busy elsewhere, tags each new dialog with the test case
// running at the moment it was seen, optionally answers it, and appends it to
// a Recorder. The Recorder keeps a chronological view and a per-test-case
// view and writes both to JSON.
package popup

import (
	"strings"
	"time"

	"github.com/grltest/grlctl/internal/gateway"
)

// PreTestKey files popups observed while no test case was current.
const PreTestKey = "pre-test"

// Kind classifies a dialog.
type Kind string

const (
	KindInfo     Kind = "info"
	KindWarning  Kind = "warning"
	KindError    Kind = "error"
	KindQuestion Kind = "question"
	KindInput    Kind = "input"
)

// Record is one observed dialog. Records are never modified after creation.
type Record struct {
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	TestCase  *string   `json:"test_case"`
	Message   string    `json:"message"`
	Title     string    `json:"title,omitempty"`
	PopID     int       `json:"pop_id"`
	Kind      Kind      `json:"kind"`
	Dismissed bool      `json:"dismissed"`
}

// Key returns the per-test-case key the record is filed under.
func (r Record) Key() string {
	if r.TestCase == nil || *r.TestCase == "" {
		return PreTestKey
	}
	return *r.TestCase
}

// Classify derives the dialog kind from its icon and input affordances.
func Classify(box gateway.MessageBox) Kind {
	if box.WantsInput() {
		return KindInput
	}
	switch strings.ToLower(strings.TrimSpace(box.Icon)) {
	case "error", "hand", "stop":
		return KindError
	case "warning", "exclamation":
		return KindWarning
	case "question":
		return KindQuestion
	}
	return KindInfo
}
