package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	apperrors "github.com/grltest/grlctl/internal/errors"
	"github.com/grltest/grlctl/internal/popup"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:", nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewSQLiteStore(t *testing.T) {
	store := newStore(t)

	version, err := store.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", version, currentSchemaVersion)
	}

	runs, err := store.ListRuns(0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("expected empty list, got %d runs", len(runs))
	}
}

// TestReopen verifies migrations are not reapplied to an existing file.
func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := NewSQLiteStore(path, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := store.SaveRun(&Run{ID: "r1", SessionID: "s", Tests: []string{"A"}, StartedAt: time.Now()}); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	store.Close()

	store, err = NewSQLiteStore(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store.Close()
	if _, err := store.GetRun("r1"); err != nil {
		t.Errorf("GetRun after reopen failed: %v", err)
	}
}

func TestSaveAndFinishRun(t *testing.T) {
	store := newStore(t)
	started := time.Now().Truncate(time.Millisecond)

	run := &Run{
		ID:        "run-1",
		SessionID: "session-1",
		Project:   "Sample_Test_20250508_0237",
		Tests:     []string{"7.1 X", "7.2 Y"},
		StartedAt: started,
	}
	if err := store.SaveRun(run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err := store.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Outcome != OutcomeRunning {
		t.Errorf("Outcome = %q, want %q", got.Outcome, OutcomeRunning)
	}
	if !reflect.DeepEqual(got.Tests, run.Tests) {
		t.Errorf("Tests = %v, want %v", got.Tests, run.Tests)
	}
	if got.Project != run.Project {
		t.Errorf("Project = %q, want %q", got.Project, run.Project)
	}
	if !got.FinishedAt.IsZero() {
		t.Errorf("FinishedAt = %v, want zero", got.FinishedAt)
	}
	if got.StartedAt.Sub(started).Abs() > time.Millisecond {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}

	finished := started.Add(time.Minute)
	err = store.FinishRun("run-1", RunResult{
		Outcome:      OutcomeCompleted,
		FinalStatus:  "PASSED",
		LastTestCase: "7.2 Y",
		FinishedAt:   finished,
	})
	if err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	got, err = store.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Outcome != OutcomeCompleted {
		t.Errorf("Outcome = %q, want %q", got.Outcome, OutcomeCompleted)
	}
	if got.FinalStatus != "PASSED" || got.LastTestCase != "7.2 Y" {
		t.Errorf("final = %q/%q, want PASSED/7.2 Y", got.FinalStatus, got.LastTestCase)
	}
	if got.FinishedAt.Sub(finished).Abs() > time.Millisecond {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, finished)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	store := newStore(t)

	_, err := store.GetRun("missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetRun error = %v, want ErrRunNotFound", err)
	}
	if !apperrors.IsCode(err, apperrors.CodeStorageNotFound) {
		t.Errorf("code = %q, want %q", apperrors.GetCode(err), apperrors.CodeStorageNotFound)
	}

	err = store.FinishRun("missing", RunResult{Outcome: OutcomeFailed})
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("FinishRun error = %v, want ErrRunNotFound", err)
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	store := newStore(t)
	base := time.Now()
	for i := 0; i < 5; i++ {
		run := &Run{
			ID:        fmt.Sprintf("run-%d", i),
			SessionID: "s",
			Tests:     []string{"A"},
			StartedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.SaveRun(run); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}

	runs, err := store.ListRuns(3)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len = %d, want 3", len(runs))
	}
	if runs[0].ID != "run-4" || runs[2].ID != "run-2" {
		t.Errorf("order = %s..%s, want run-4..run-2", runs[0].ID, runs[2].ID)
	}
}

func TestTransitions(t *testing.T) {
	store := newStore(t)
	now := time.Now()
	steps := []Transition{
		{SessionID: "s1", From: "INIT", To: "LAUNCHED", Trigger: "launch", At: now},
		{SessionID: "s1", From: "LAUNCHED", To: "CONNECTING", Trigger: "connect", At: now},
		{SessionID: "s1", RunID: "run-1", From: "PROJECT_READY", To: "TEST_RUNNING", Trigger: "submit", At: now},
		{SessionID: "other", From: "INIT", To: "LAUNCHED", Trigger: "launch", At: now},
	}
	for _, tr := range steps {
		if err := store.SaveTransition(tr); err != nil {
			t.Fatalf("SaveTransition failed: %v", err)
		}
	}

	got, err := store.ListTransitions("s1")
	if err != nil {
		t.Fatalf("ListTransitions failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[1].To != "CONNECTING" {
		t.Errorf("got[1].To = %q, want CONNECTING", got[1].To)
	}
	if got[0].RunID != "" || got[2].RunID != "run-1" {
		t.Errorf("run ids = %q, %q", got[0].RunID, got[2].RunID)
	}
}

func TestPopups(t *testing.T) {
	store := newStore(t)
	if err := store.SaveRun(&Run{ID: "run-1", SessionID: "s1", Tests: []string{"7.1 X"}, StartedAt: time.Now()}); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	tc := "7.1 X"
	records := []struct {
		runID string
		rec   popup.Record
	}{
		{"", popup.Record{Seq: 1, Timestamp: time.Now(), Message: "firmware", Kind: popup.KindInfo, Dismissed: true}},
		{"run-1", popup.Record{Seq: 2, Timestamp: time.Now(), Message: "plug in", Kind: popup.KindWarning, TestCase: &tc, PopID: 4}},
		{"run-1", popup.Record{Seq: 3, Timestamp: time.Now(), Message: "serial?", Kind: popup.KindInput, TestCase: &tc}},
	}
	for _, r := range records {
		if err := store.SavePopup("s1", r.runID, r.rec); err != nil {
			t.Fatalf("SavePopup failed: %v", err)
		}
	}

	got, err := store.ListPopups("run-1")
	if err != nil {
		t.Fatalf("ListPopups failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Seq != 2 || got[0].PopID != 4 || got[0].Kind != popup.KindWarning {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[0].TestCase == nil || *got[0].TestCase != "7.1 X" {
		t.Errorf("TestCase = %v, want 7.1 X", got[0].TestCase)
	}

	run, err := store.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.PopupCount != 2 {
		t.Errorf("PopupCount = %d, want 2", run.PopupCount)
	}
}
