package popup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	apperrors "github.com/grltest/grlctl/internal/errors"
)

// Recorder is an append-only, concurrency-safe popup sink.
type Recorder struct {
	mu          sync.RWMutex
	records     []Record
	byCase      map[string][]Record
	subscribers []func(Record)
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{byCase: make(map[string][]Record)}
}

// Append assigns the next sequence number to r, stores it in both views and
// notifies subscribers. It returns the stored record.
func (rc *Recorder) Append(r Record) Record {
	if r.TestCase != nil {
		name := *r.TestCase
		r.TestCase = &name
	}

	rc.mu.Lock()
	r.Seq = len(rc.records) + 1
	rc.records = append(rc.records, r)
	rc.byCase[r.Key()] = append(rc.byCase[r.Key()], r)
	subs := append([]func(Record){}, rc.subscribers...)
	rc.mu.Unlock()

	for _, fn := range subs {
		fn(r)
	}
	return r
}

// Subscribe registers fn to be called after each Append.
// fn runs on the appending goroutine and must not call back into Append.
func (rc *Recorder) Subscribe(fn func(Record)) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.subscribers = append(rc.subscribers, fn)
}

// All returns the records in observation order.
func (rc *Recorder) All() []Record {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return append([]Record(nil), rc.records...)
}

// Since returns the records with a sequence number greater than seq.
func (rc *Recorder) Since(seq int) []Record {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if seq < 0 {
		seq = 0
	}
	if seq >= len(rc.records) {
		return nil
	}
	return append([]Record(nil), rc.records[seq:]...)
}

// ByTestCase returns the records grouped by test case, each group in observation order.
func (rc *Recorder) ByTestCase() map[string][]Record {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make(map[string][]Record, len(rc.byCase))
	for k, v := range rc.byCase {
		out[k] = append([]Record(nil), v...)
	}
	return out
}

// Len returns the number of records.
func (rc *Recorder) Len() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return len(rc.records)
}

// WriteJSON writes the chronological view to chronoPath and the per-test-case
// view to byCasePath. Each file is replaced atomically.
func (rc *Recorder) WriteJSON(chronoPath, byCasePath string) error {
	all := rc.All()
	byCase := rc.ByTestCase()
	if all == nil {
		all = []Record{}
	}
	if err := writeJSONFile(chronoPath, all); err != nil {
		return err
	}
	return writeJSONFile(byCasePath, byCase)
}

// InitFiles creates both output files empty so a crashed run still leaves
// valid JSON behind.
func InitFiles(chronoPath, byCasePath string) error {
	if err := writeJSONFile(chronoPath, []Record{}); err != nil {
		return err
	}
	return writeJSONFile(byCasePath, map[string][]Record{})
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return apperrors.Wrap(apperrors.CodeArtifactWriteFailed, "encode "+filepath.Base(path), err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return apperrors.Wrap(apperrors.CodeArtifactWriteFailed, "create "+dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return apperrors.Wrap(apperrors.CodeArtifactWriteFailed, "create temp file", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return apperrors.Wrap(apperrors.CodeArtifactWriteFailed, fmt.Sprintf("write %s", path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return apperrors.Wrap(apperrors.CodeArtifactWriteFailed, fmt.Sprintf("write %s", path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return apperrors.Wrap(apperrors.CodeArtifactWriteFailed, fmt.Sprintf("replace %s", path), err)
	}
	return nil
}
