package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/grltest/grlctl/internal/errors"
	"github.com/grltest/grlctl/internal/gateway"
	"github.com/grltest/grlctl/internal/state"
	"github.com/grltest/grlctl/internal/storage"
)

// activeRun is the submission currently being polled.
type activeRun struct {
	TestSubmission

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (r *activeRun) stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (o *Orchestrator) currentRun() *activeRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run
}

func (o *Orchestrator) currentRunID() string {
	if run := o.currentRun(); run != nil {
		return run.RunID
	}
	return ""
}

// beginRun registers a new run, or returns nil when one is active or the
// session has ended.
func (o *Orchestrator) beginRun(tests []string) *activeRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run != nil || o.disconnected {
		return nil
	}
	id := uuid.NewString()
	o.run = &activeRun{
		TestSubmission: TestSubmission{
			RunID:       id,
			Tests:       append([]string(nil), tests...),
			SubmittedAt: o.now(),
		},
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	return o.run
}

func (o *Orchestrator) endRun(run *activeRun) {
	o.mu.Lock()
	if o.run == run {
		o.run = nil
	}
	o.mu.Unlock()
	close(run.done)
}

// SubmitTestList submits tests and polls until the run ends. It blocks for
// the whole run; use SubmitTestListAsync to poll in the background.
func (o *Orchestrator) SubmitTestList(ctx context.Context, tests []string) Result[RunSummary] {
	if len(tests) == 0 {
		return failure[RunSummary](apperrors.EmptyTestList())
	}
	gw := o.Gateway()
	if gw == nil || !o.canFire(triggerSubmit) {
		return failure[RunSummary](apperrors.InvalidPhase("submit", string(o.Phase())))
	}
	run := o.beginRun(tests)
	if run == nil {
		return failure[RunSummary](apperrors.InvalidPhase("submit", string(o.Phase())))
	}

	if _, err := gw.SubmitTests(ctx, tests); err != nil {
		o.endRun(run)
		o.logger.Error("test list rejected", zap.Strings("tests", tests), zap.Error(err))
		return failure[RunSummary](apperrors.Wrap(apperrors.CodeSubmitRejected, "submit test list", gateway.Coded(err)))
	}

	o.setTest("", state.TestNone)
	o.fire(triggerSubmit)
	o.metrics.RunActive.Set(1)
	o.journalRunStart(run)
	o.publish(EventRunStarted, run.RunID, run.TestSubmission)
	o.logger.Info("test run started", zap.String("run_id", run.RunID), zap.Strings("tests", tests))

	mon := o.popupMonitor()
	mon.Start(run.RunID)

	res := o.pollLoop(ctx, gw, run)

	mon.Stop()
	return o.finishRun(ctx, run, res)
}

// SubmitTestListAsync runs SubmitTestList on a new goroutine. The channel
// receives exactly one Result and is then closed.
func (o *Orchestrator) SubmitTestListAsync(ctx context.Context, tests []string) <-chan Result[RunSummary] {
	ch := make(chan Result[RunSummary], 1)
	go func() {
		defer close(ch)
		ch <- o.SubmitTestList(ctx, tests)
	}()
	return ch
}

// loopResult is how the polling loop ended.
type loopResult struct {
	outcome  storage.RunOutcome
	progress *completion
	warning  string
	err      error
}

// completion decides when a submission has finished from the stream of
// status observations.
type completion struct {
	tests  []string
	cursor int

	lastName   string
	lastStatus state.TestStatus

	active   bool // the run was observed executing
	terminal bool // at least one case reached a terminal status
	lastCase string
}

func newCompletion(tests []string) *completion {
	return &completion{tests: tests, lastStatus: state.TestNone}
}

// observe applies one poll. busy is the app state of the same poll. It
// reports whether every submitted case has reached a terminal status.
func (c *completion) observe(name string, status state.TestStatus, busy bool) bool {
	if busy || status.Active() {
		c.active = true
	}
	edge := name != c.lastName || status != c.lastStatus
	c.lastName, c.lastStatus = name, status

	// A terminal status before any activity is left over from an earlier run.
	if !status.Terminal() || !edge || !c.active {
		return false
	}
	c.terminal = true
	c.lastCase = name
	for i := c.cursor; i < len(c.tests); i++ {
		if c.tests[i] == name {
			c.cursor = i + 1
			break
		}
	}
	return c.cursor >= len(c.tests)
}

// idleAfterRun reports the application returning to idle once the run has
// produced results, which happens when it ends a submission early.
func (c *completion) idleAfterRun(app state.AppState) bool {
	return app == state.AppIdle && c.active && c.terminal
}

func (o *Orchestrator) pollLoop(ctx context.Context, gw *gateway.Gateway, run *activeRun) loopResult {
	progress := newCompletion(run.Tests)
	started := o.now()
	failures := 0
	logger := o.logger.With(zap.String("run_id", run.RunID))

	for {
		select {
		case <-run.stopCh:
			return loopResult{outcome: storage.OutcomeStopped, progress: progress}
		case <-ctx.Done():
			return loopResult{outcome: storage.OutcomeStopped, progress: progress, err: ctx.Err()}
		default:
		}

		report, app, err := o.pollOnce(ctx, gw)
		if err != nil {
			failures++
			o.metrics.StatusPolls.WithLabelValues("failure").Inc()
			logger.Warn("status poll failed", zap.Int("consecutive_failures", failures), zap.Error(err))
			if failures >= o.settings.MaxPollFailures {
				return loopResult{
					outcome:  storage.OutcomeFailed,
					progress: progress,
					err:      apperrors.PollFailed(failures, gateway.Coded(err)),
				}
			}
		} else {
			failures = 0
			o.metrics.StatusPolls.WithLabelValues("success").Inc()
			appState := state.ParseAppState(app.AppState)
			o.setAppState(appState)

			name, status, ok := state.ParseTestStatus(report.Status)
			if ok {
				o.setTest(name, status)
				logger.Debug("test status", zap.String("test_case", name), zap.String("status", string(status)))
			}
			done := ok && progress.observe(name, status, appState == state.AppBusy)
			if !ok && appState == state.AppBusy {
				progress.active = true
			}
			if done {
				return loopResult{outcome: storage.OutcomeCompleted, progress: progress}
			}
			if progress.idleAfterRun(appState) {
				logger.Info("application idle before all cases reported",
					zap.Int("reported", progress.cursor), zap.Int("submitted", len(run.Tests)))
				return loopResult{outcome: storage.OutcomeCompleted, progress: progress}
			}
		}

		if !progress.active && o.now().Sub(started) >= o.settings.TestStartTimeout {
			warning := fmt.Sprintf("no test activity within %s", o.settings.TestStartTimeout)
			logger.Warn(warning)
			return loopResult{outcome: storage.OutcomeTimedOut, progress: progress, warning: warning}
		}

		timer := time.NewTimer(o.settings.StatusPollInterval)
		select {
		case <-run.stopCh:
			timer.Stop()
			return loopResult{outcome: storage.OutcomeStopped, progress: progress}
		case <-ctx.Done():
			timer.Stop()
			return loopResult{outcome: storage.OutcomeStopped, progress: progress, err: ctx.Err()}
		case <-timer.C:
		}
	}
}

func (o *Orchestrator) pollOnce(ctx context.Context, gw *gateway.Gateway) (gateway.TestStatusReport, gateway.AppStatus, error) {
	report, err := gw.TestStatus(ctx)
	if err != nil {
		return report, gateway.AppStatus{}, err
	}
	app, err := gw.AppState(ctx)
	return report, app, err
}

// finishRun settles the phase and SystemState for res, persists artifacts
// and builds the Result.
func (o *Orchestrator) finishRun(ctx context.Context, run *activeRun, res loopResult) Result[RunSummary] {
	defer o.endRun(run)

	switch res.outcome {
	case storage.OutcomeStopped:
		o.setTest("", state.TestStopped)
		o.fire(triggerRunStopped)
	case storage.OutcomeFailed:
		o.setAppState(state.AppError)
		o.fire(triggerRunDone)
	default:
		o.fire(triggerRunDone)
	}
	o.metrics.RunActive.Set(0)

	snap := o.tracker.Snapshot()
	summary := RunSummary{
		TestSubmission: run.TestSubmission,
		Outcome:        string(res.outcome),
		FinalStatus:    string(snap.TestStatus),
		LastTestCase:   res.progress.lastCase,
		Completed:      res.progress.cursor,
		Popups:         o.recorder.Len(),
		Duration:       o.now().Sub(run.SubmittedAt),
		Warning:        res.warning,
	}
	if summary.LastTestCase == "" {
		summary.LastTestCase = snap.TestCase()
	}

	o.saveArtifacts(ctx, run.RunID)

	errMsg := ""
	if res.err != nil {
		errMsg = res.err.Error()
	}
	if o.journal != nil {
		err := o.journal.FinishRun(run.RunID, storage.RunResult{
			Outcome:      res.outcome,
			FinalStatus:  summary.FinalStatus,
			LastTestCase: summary.LastTestCase,
			Error:        errMsg,
			FinishedAt:   o.now(),
		})
		if err != nil {
			o.logger.Warn("failed to journal run result", zap.String("run_id", run.RunID), zap.Error(err))
		}
	}
	o.publish(EventRunFinished, run.RunID, summary)
	o.logger.Info("test run finished",
		zap.String("run_id", run.RunID),
		zap.String("outcome", summary.Outcome),
		zap.String("final_status", summary.FinalStatus),
		zap.String("last_test_case", summary.LastTestCase),
		zap.Duration("duration", summary.Duration),
	)

	switch res.outcome {
	case storage.OutcomeFailed:
		r := failure[RunSummary](res.err)
		r.Data = summary
		return r
	case storage.OutcomeStopped:
		r := failure[RunSummary](apperrors.RunCanceled())
		r.Data = summary
		return r
	}
	return Succeeded(summary)
}

func (o *Orchestrator) journalRunStart(run *activeRun) {
	if o.journal == nil {
		return
	}
	o.mu.Lock()
	projectName := o.project
	o.mu.Unlock()
	err := o.journal.SaveRun(&storage.Run{
		ID:        run.RunID,
		SessionID: o.sessionID,
		Project:   projectName,
		Tests:     run.Tests,
		StartedAt: run.SubmittedAt,
	})
	if err != nil {
		o.logger.Warn("failed to journal run", zap.String("run_id", run.RunID), zap.Error(err))
	}
}

// saveArtifacts writes the popup files and uploads them when an uploader is set.
func (o *Orchestrator) saveArtifacts(ctx context.Context, runID string) {
	chrono, byCase := o.settings.ChronologicalPath, o.settings.ByTestCasePath
	if err := o.recorder.WriteJSON(chrono, byCase); err != nil {
		o.logger.Warn("failed to save popup files", zap.Error(err))
		return
	}
	if o.artifacts == nil {
		return
	}
	paths := []string{chrono, byCase}
	if err := o.artifacts.Upload(context.WithoutCancel(ctx), runID, paths...); err != nil {
		o.logger.Warn("artifact upload failed", zap.String("run_id", runID), zap.Error(err))
	}
}
