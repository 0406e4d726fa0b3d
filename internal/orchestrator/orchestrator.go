// Package orchestrator drives the vendor application through launch,
// equipment connection, project setup and test execution.
//
// The lifecycle is a phase machine. Operations that are expected to fail in
// normal use (connect, set project, submit) return a Result; LaunchApp
// returns an error; Disconnect never fails. StopTestExecution and Disconnect
// may be called from any goroutine while a run is polling.
package orchestrator

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"
	"go.uber.org/zap"

	"github.com/grltest/grlctl/internal/diagnostics"
	apperrors "github.com/grltest/grlctl/internal/errors"
	"github.com/grltest/grlctl/internal/gateway"
	"github.com/grltest/grlctl/internal/launcher"
	"github.com/grltest/grlctl/internal/metrics"
	"github.com/grltest/grlctl/internal/popup"
	"github.com/grltest/grlctl/internal/project"
	"github.com/grltest/grlctl/internal/state"
	"github.com/grltest/grlctl/internal/storage"
)

// AppLauncher starts and stops the vendor application.
type AppLauncher interface {
	Launch(ctx context.Context) (string, error)
	Stop(ctx context.Context) error
	Spawned() bool
}

// Journal persists runs, transitions and popups.
type Journal interface {
	SaveRun(run *storage.Run) error
	FinishRun(id string, result storage.RunResult) error
	SaveTransition(t storage.Transition) error
	SavePopup(sessionID, runID string, rec popup.Record) error
}

// Uploader ships artifact files after a run.
type Uploader interface {
	Upload(ctx context.Context, runID string, paths ...string) error
}

// Options configures an Orchestrator. Only Settings is required.
type Options struct {
	Settings Settings

	// Launcher is used by LaunchApp. Nil means the application is started elsewhere.
	Launcher AppLauncher

	// Endpoint is the application base URL when it is already running.
	Endpoint string

	HTTPClient *http.Client
	Journal    Journal
	Artifacts  Uploader
	Observers  []Observer
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Now        func() time.Time
}

// Orchestrator owns the phase machine, the SystemState tracker and the popup recorder.
type Orchestrator struct {
	settings   Settings
	launcher   AppLauncher
	journal    Journal
	artifacts  Uploader
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
	sessionID  string

	tracker  *state.Tracker
	recorder *popup.Recorder

	phaseMu sync.Mutex
	sm      *stateless.StateMachine

	obsMu     sync.RWMutex
	observers []Observer

	mu           sync.Mutex
	gw           *gateway.Gateway
	monitor      *popup.Monitor
	project      string
	connecting   *inflight
	run          *activeRun
	disconnected bool
}

// inflight is a cancellable operation Disconnect waits for.
type inflight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Orchestrator in INIT and truncates the popup output files.
func New(opts Options) *Orchestrator {
	settings := opts.Settings
	settings.applyDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	o := &Orchestrator{
		settings:   settings,
		launcher:   opts.Launcher,
		journal:    opts.Journal,
		artifacts:  opts.Artifacts,
		httpClient: opts.HTTPClient,
		metrics:    m,
		logger:     logger,
		now:        now,
		sessionID:  uuid.NewString(),
		tracker:    state.NewTracker(),
		recorder:   popup.NewRecorder(),
		sm:         newPhaseMachine(),
		observers:  append([]Observer(nil), opts.Observers...),
	}
	o.sm.OnTransitioned(o.onTransition)
	o.recorder.Subscribe(o.onPopup)

	if err := popup.InitFiles(settings.ChronologicalPath, settings.ByTestCasePath); err != nil {
		logger.Warn("failed to reset popup files", zap.Error(err))
	}
	if opts.Endpoint != "" {
		o.setGateway(opts.Endpoint)
	}
	logger.Debug("orchestrator created", zap.String("session_id", o.sessionID))
	return o
}

// SessionID identifies this orchestrator in the journal and event stream.
func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

// State returns a copy of the SystemState.
func (o *Orchestrator) State() state.SystemState {
	return o.tracker.Snapshot()
}

// Popups returns the popup recorder.
func (o *Orchestrator) Popups() *popup.Recorder {
	return o.recorder
}

// Metrics returns the metrics the orchestrator reports to.
func (o *Orchestrator) Metrics() *metrics.Metrics {
	return o.metrics
}

// Gateway returns the current gateway, or nil before an endpoint is known.
func (o *Orchestrator) Gateway() *gateway.Gateway {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gw
}

func (o *Orchestrator) setGateway(endpoint string) *gateway.Gateway {
	gw := gateway.New(endpoint, gateway.Options{
		Timeout:           o.settings.APITimeout,
		RequestsPerSecond: o.settings.RequestsPerSecond,
		HTTPClient:        o.httpClient,
		Metrics:           o.metrics,
		Logger:            o.logger.Named("gateway"),
	})
	mon := popup.NewMonitor(popup.MonitorConfig{
		Source:          gw,
		Recorder:        o.recorder,
		CurrentTestCase: o.tracker.CurrentTestCase,
		Interval:        o.settings.PopupPollInterval,
		Dismiss:         o.settings.Dismiss,
		Logger:          o.logger.Named("popup"),
		Now:             o.now,
	})

	o.mu.Lock()
	old := o.monitor
	o.gw, o.monitor = gw, mon
	o.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	return gw
}

func (o *Orchestrator) popupMonitor() *popup.Monitor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.monitor
}

// LaunchApp starts the application and verifies it answers its API.
// On failure the phase stays INIT and the error is a *launcher.LaunchError.
func (o *Orchestrator) LaunchApp(ctx context.Context) error {
	if o.launcher == nil {
		return apperrors.New(apperrors.CodeLaunchNotConfigured, "no application launcher configured")
	}
	if !o.canFire(triggerLaunch) {
		return apperrors.InvalidPhase("launch", string(o.Phase()))
	}

	o.setAppState(state.AppLaunching)
	endpoint, err := o.launcher.Launch(ctx)
	if err != nil {
		o.setAppState(state.AppError)
		o.logger.Error("launch failed", zap.Error(err))
		return err
	}

	gw := o.setGateway(endpoint)
	version, err := gw.SoftwareVersion(ctx)
	if err != nil {
		o.setAppState(state.AppError)
		o.logger.Error("application did not answer after launch", zap.String("endpoint", endpoint), zap.Error(err))
		return &launcher.LaunchError{
			Reason:   launcher.PortUnreachableAfterWait,
			Path:     endpoint,
			Attempts: 1,
			Cause:    gateway.Coded(err),
		}
	}

	o.setAppState(state.AppIdle)
	o.logger.Info("application ready", zap.String("endpoint", endpoint), zap.String("version", version))
	o.fire(triggerLaunch)
	return nil
}

// Connect establishes the equipment connection at ip, or the configured IP
// when ip is empty. Dialogs raised during the handshake are recorded and
// dismissed.
func (o *Orchestrator) Connect(ctx context.Context, ip string) Result[ConnectionInfo] {
	if ip == "" {
		ip = o.settings.IP
	}
	if ip == "" {
		return failure[ConnectionInfo](apperrors.NoAddress())
	}
	gw := o.Gateway()
	if gw == nil || !o.canFire(triggerConnect) {
		return failure[ConnectionInfo](apperrors.InvalidPhase("connect", string(o.Phase())))
	}

	ctx, op := o.beginConnect(ctx)
	if op == nil {
		return failure[ConnectionInfo](apperrors.InvalidPhase("connect", string(PhaseDisconnected)))
	}
	defer o.endConnect(op)

	o.fire(triggerConnect)
	o.setConnection(state.Connecting)
	mon := o.popupMonitor()
	mon.Start("connect")

	attempts, err := o.attemptConnect(ctx, gw, ip)
	mon.Stop()

	if o.isDisconnected() {
		return failure[ConnectionInfo](apperrors.New(apperrors.CodeConnectCanceled, "disconnected during connect"))
	}
	if err != nil {
		o.setConnection(state.ConnFailed)
		o.fire(triggerConnectFail)
		o.logger.Error("connect failed", zap.String("ip", ip), zap.Int("attempts", attempts), zap.Error(err))
		return failure[ConnectionInfo](err)
	}

	o.setConnection(state.Connected)
	o.fire(triggerConnected)
	info := ConnectionInfo{IP: ip, Endpoint: gw.Endpoint(), Attempts: attempts, ConnectedAt: o.now()}
	if st, err := gw.AppState(ctx); err == nil {
		app := state.ParseAppState(st.AppState)
		o.setAppState(app)
		info.AppState = string(app)
	} else {
		o.logger.Warn("app state unavailable after connect", zap.Error(err))
	}
	o.logger.Info("connected", zap.String("ip", ip), zap.Int("attempts", attempts))

	diagnostics.Log(ctx, gw, o.logger.Named("diagnostics"))
	return Succeeded(info)
}

// attemptConnect calls Connect until it succeeds or the policy is exhausted.
// It returns the number of attempts made.
func (o *Orchestrator) attemptConnect(ctx context.Context, gw *gateway.Gateway, ip string) (int, error) {
	policy := o.settings.Policy
	b := policy.backOff()
	attemptGW := gw.WithTimeout(policy.AttemptTimeout)

	for attempt := 1; ; attempt++ {
		reply, err := attemptGW.Connect(ctx, ip)
		if err == nil {
			o.metrics.ConnectAttempts.WithLabelValues("success").Inc()
			o.publish(EventConnectAttempt, "", ConnectAttempt{IP: ip, Attempt: attempt, Max: policy.MaxAttempts})
			o.logger.Debug("connect attempt succeeded", zap.Int("attempt", attempt), zap.String("reply", reply))
			return attempt, nil
		}

		o.metrics.ConnectAttempts.WithLabelValues("failure").Inc()
		o.publish(EventConnectAttempt, "", ConnectAttempt{IP: ip, Attempt: attempt, Max: policy.MaxAttempts, Error: err.Error()})
		o.logger.Warn("connect attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Error(err),
		)

		if ctx.Err() != nil {
			return attempt, apperrors.Wrap(apperrors.CodeConnectCanceled, "connect canceled", ctx.Err())
		}
		if attempt >= policy.MaxAttempts {
			return attempt, apperrors.ConnectExhausted(ip, attempt, gateway.Coded(err))
		}

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, apperrors.Wrap(apperrors.CodeConnectCanceled, "connect canceled", ctx.Err())
		case <-timer.C:
		}
	}
}

func (o *Orchestrator) beginConnect(ctx context.Context) (context.Context, *inflight) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disconnected {
		return ctx, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	op := &inflight{cancel: cancel, done: make(chan struct{})}
	o.connecting = op
	return ctx, op
}

func (o *Orchestrator) endConnect(op *inflight) {
	o.mu.Lock()
	if o.connecting == op {
		o.connecting = nil
	}
	o.mu.Unlock()
	op.cancel()
	close(op.done)
}

// SetProject pushes the project descriptor to the application and saves
// the test-case tree it reports back.
func (o *Orchestrator) SetProject(ctx context.Context, name string) Result[ProjectInfo] {
	gw := o.Gateway()
	if gw == nil || !o.canFire(triggerProjectSet) {
		return failure[ProjectInfo](apperrors.InvalidPhase("set project", string(o.Phase())))
	}

	descriptor := project.Descriptor{}
	if o.settings.LoadModels {
		d, err := project.LoadModels(o.settings.ModelsDir)
		if err != nil {
			o.logger.Error("failed to load configuration models", zap.String("dir", o.settings.ModelsDir), zap.Error(err))
			return failure[ProjectInfo](err)
		}
		descriptor = d
	}
	name = project.ResolveName(name, descriptor, o.settings.NameTimestamp, o.now())
	descriptor.SetName(name)

	info := ProjectInfo{Name: name, DescriptorPath: o.settings.descriptorPath()}
	if err := project.WriteDescriptor(info.DescriptorPath, descriptor); err != nil {
		o.logger.Warn("failed to write project descriptor", zap.Error(err))
	}

	if _, err := gw.PutProjectFolder(ctx, descriptor); err != nil {
		o.logger.Error("application rejected project", zap.String("project", name), zap.Error(err))
		return failure[ProjectInfo](apperrors.Wrap(apperrors.CodeProjectPutFailed, "put project "+name, gateway.Coded(err)))
	}

	if list, err := gw.TestCaseList(ctx); err != nil {
		o.logger.Warn("test case list unavailable", zap.Error(err))
	} else {
		path := project.TestListPath(o.settings.TestListDir, name, o.settings.TestListWithProject)
		written, err := project.WriteTestList(path, list)
		switch {
		case err != nil:
			o.logger.Warn("failed to save test case list", zap.String("path", path), zap.Error(err))
		case !written:
			o.logger.Warn("application reported an empty test case list")
		default:
			info.TestListPath = path
		}
		if enabled, err := project.ExtractEnabledJSON(list); err == nil {
			info.EnabledTests = enabled
		}
	}

	o.mu.Lock()
	o.project = name
	o.mu.Unlock()
	o.fire(triggerProjectSet)
	o.logger.Info("project set", zap.String("project", name), zap.Int("enabled_tests", len(info.EnabledTests)))
	return Succeeded(info)
}

// StopTestExecution asks the application to abort the running submission
// and signals the polling loop to end at its next iteration.
func (o *Orchestrator) StopTestExecution(ctx context.Context) error {
	run := o.currentRun()
	if run == nil || o.Phase() != PhaseTestRunning {
		return apperrors.InvalidPhase("stop", string(o.Phase()))
	}
	var err error
	if gw := o.Gateway(); gw != nil {
		if err = gw.ForceStop(ctx); err != nil {
			err = gateway.Coded(err)
			o.logger.Warn("force stop failed", zap.String("run_id", run.RunID), zap.Error(err))
		}
	}
	run.stop()
	o.logger.Info("test execution stop requested", zap.String("run_id", run.RunID))
	return err
}

// Disconnect ends the session from any phase. It stops a running loop and
// the popup monitor, releases the gateway, saves artifacts and stops a
// process this orchestrator spawned. Failures are logged. Calls after the first do nothing.
func (o *Orchestrator) Disconnect(ctx context.Context) {
	o.mu.Lock()
	if o.disconnected {
		o.mu.Unlock()
		return
	}
	o.disconnected = true
	connecting, run := o.connecting, o.run
	o.mu.Unlock()

	if connecting != nil {
		connecting.cancel()
		<-connecting.done
	}
	if run != nil {
		run.stop()
		select {
		case <-run.done:
		case <-ctx.Done():
			o.logger.Warn("run did not finish before disconnect deadline", zap.String("run_id", run.RunID))
		}
	}
	if mon := o.popupMonitor(); mon != nil {
		mon.Stop()
	}
	o.releaseGateway()
	if err := o.recorder.WriteJSON(o.settings.ChronologicalPath, o.settings.ByTestCasePath); err != nil {
		o.logger.Warn("failed to save popup files", zap.Error(err))
	}
	if o.launcher != nil && o.settings.StopOnDisconnect && o.launcher.Spawned() {
		if err := o.launcher.Stop(ctx); err != nil {
			o.logger.Warn("failed to stop application", zap.Error(err))
		}
	}

	o.setConnection(state.Disconnected)
	o.fire(triggerDisconnect)
	o.logger.Info("disconnected", zap.Int("popups", o.recorder.Len()))
}

// releaseGateway forgets the gateway and closes its idle connections.
func (o *Orchestrator) releaseGateway() {
	o.mu.Lock()
	gw := o.gw
	o.gw = nil
	o.mu.Unlock()
	if gw == nil {
		o.logger.Debug("no gateway to release")
		return
	}
	gw.Close()
	o.logger.Debug("gateway released", zap.String("endpoint", gw.Endpoint()))
}

func (o *Orchestrator) isDisconnected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.disconnected
}

// onTransition runs inside fire with phaseMu held.
func (o *Orchestrator) onTransition(_ context.Context, tr stateless.Transition) {
	from, _ := tr.Source.(Phase)
	to, _ := tr.Destination.(Phase)
	trig, _ := tr.Trigger.(trigger)
	runID := o.currentRunID()

	o.logger.Info("phase transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("trigger", string(trig)),
		zap.String("run_id", runID),
	)
	o.metrics.PhaseTransitions.WithLabelValues(string(from), string(to)).Inc()
	if o.journal != nil {
		err := o.journal.SaveTransition(storage.Transition{
			SessionID: o.sessionID,
			RunID:     runID,
			From:      string(from),
			To:        string(to),
			Trigger:   string(trig),
			At:        o.now(),
		})
		if err != nil {
			o.logger.Warn("failed to journal transition", zap.Error(err))
		}
	}
	o.publish(EventPhaseChanged, runID, PhaseChange{From: from, To: to, Trigger: string(trig), State: o.tracker.Snapshot()})
}

// SystemState writers. Each publishes the new snapshot.

func (o *Orchestrator) setAppState(s state.AppState) {
	o.tracker.SetAppState(s)
	o.publishState()
}

func (o *Orchestrator) setConnection(s state.ConnectionState) {
	o.tracker.SetConnection(s)
	o.publishState()
}

func (o *Orchestrator) setTest(name string, status state.TestStatus) {
	if err := o.tracker.SetTest(name, status); err != nil {
		o.logger.Debug("test status not applied", zap.String("test_case", name), zap.Error(err))
		return
	}
	o.publishState()
}

func (o *Orchestrator) publishState() {
	o.publish(EventStateUpdated, o.currentRunID(), o.tracker.Snapshot())
}
