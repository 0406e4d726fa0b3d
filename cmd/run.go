package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/grltest/grlctl/internal/artifacts"
	"github.com/grltest/grlctl/internal/config"
	apperrors "github.com/grltest/grlctl/internal/errors"
	"github.com/grltest/grlctl/internal/events"
	"github.com/grltest/grlctl/internal/keepawake"
	"github.com/grltest/grlctl/internal/launcher"
	"github.com/grltest/grlctl/internal/logging"
	"github.com/grltest/grlctl/internal/mdns"
	"github.com/grltest/grlctl/internal/orchestrator"
	"github.com/grltest/grlctl/internal/project"
	"github.com/grltest/grlctl/internal/storage"
)

const (
	// disconnectTimeout bounds the teardown after the run, including a signal.
	disconnectTimeout = 30 * time.Second
	eventsStopTimeout = 5 * time.Second
)

type runOptions struct {
	configPath string
	app        string
	ip         string
	endpoint   string
	project    string
	testsFile  string
	tests      []string
	eventsAddr string
	mdns       bool
	jsonOut    bool
}

// RunReport is the `grlctl run --json` output.
type RunReport struct {
	SessionID  string                       `json:"session_id"`
	Success    bool                         `json:"success"`
	Step       string                       `json:"step,omitempty"`
	Error      string                       `json:"error,omitempty"`
	Code       string                       `json:"code,omitempty"`
	Connection *orchestrator.ConnectionInfo `json:"connection,omitempty"`
	Project    *orchestrator.ProjectInfo    `json:"project,omitempty"`
	Run        *orchestrator.RunSummary     `json:"run,omitempty"`
	EventsAddr string                       `json:"events_addr,omitempty"`
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch, connect, load a project and run test cases",
		Long: `Run performs a full session: launch the application (unless --endpoint
points at one already running), connect it to the equipment, push the
project, submit the test cases and disconnect.

Test cases come from --tests and --test. With neither, every enabled case of
the project's test-case tree is run.

SIGINT or SIGTERM stops the running test case; a second signal aborts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code := runSession(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if code != 0 {
				return exitError{code: code}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "Config file (default ~/.grlctl/config.toml)")
	f.StringVar(&opts.app, "app", "", "Application entry to launch (default: default_app)")
	f.StringVar(&opts.ip, "ip", "", "Test equipment IP address (overrides ip_address)")
	f.StringVar(&opts.endpoint, "endpoint", "", "Base URL of an already running application; skips launch")
	f.StringVar(&opts.project, "project", "", "Project name")
	f.StringVar(&opts.testsFile, "tests", "", "Test plan file (JSON or YAML)")
	f.StringArrayVar(&opts.tests, "test", nil, "Test case to run (repeatable)")
	f.StringVar(&opts.eventsAddr, "events-addr", "", "Serve state and events on this address (overrides events.addr)")
	f.BoolVar(&opts.mdns, "mdns", false, "Advertise the event server via mDNS")
	f.BoolVar(&opts.jsonOut, "json", false, "Emit a machine-readable report to stdout")
	return cmd
}

// applyOverrides copies explicitly given flags onto cfg.
func (opts *runOptions) applyOverrides(cfg *config.Config) {
	if opts.app != "" {
		cfg.DefaultApp = opts.app
	}
	if opts.ip != "" {
		cfg.IPAddress = opts.ip
	}
	if opts.eventsAddr != "" {
		cfg.Events.Addr = opts.eventsAddr
	}
	if opts.mdns {
		cfg.Events.Mdns = true
	}
}

// testList resolves the tests to submit. fallback is used when no flag names any.
func (opts *runOptions) testList(fallback []string) ([]string, error) {
	var tests []string
	if opts.testsFile != "" {
		planned, err := project.LoadTestPlan(opts.testsFile)
		if err != nil {
			return nil, err
		}
		tests = append(tests, planned...)
	}
	tests = append(tests, opts.tests...)
	if len(tests) == 0 {
		tests = fallback
	}
	return tests, nil
}

// runSession runs one full session and returns the process exit code.
func runSession(ctx context.Context, opts *runOptions, stdout, stderr io.Writer) int {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	opts.applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	logger, closeLog, err := logging.New(logging.Options{
		File:    cfg.Common.LogFilename,
		Mode:    cfg.Common.DefaultLogMode,
		Level:   cfg.Common.LogLevel,
		Console: stderr,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeLog()
	logging.Banner(logger, Version)

	var launch orchestrator.AppLauncher
	if opts.endpoint == "" {
		app, err := cfg.App("")
		if err != nil {
			logger.Error("application not configured", zap.Error(err))
			return 1
		}
		launch = launcher.New(launcher.Config{
			AppPath:     app.AppPath,
			Args:        app.Args,
			Port:        app.KnownPort,
			InitialWait: cfg.Common.InitialWaitDuration(),
			MaxAttempts: cfg.Common.MaxConnectionAttempts,
			Timeout:     cfg.Common.ConnectionTimeoutDuration(),
			Capture:     app.Capture(),
			Logger:      logger.Named("launcher"),
		})
	}

	orchOpts := orchestrator.Options{
		Settings: orchestrator.SettingsFromConfig(cfg),
		Launcher: launch,
		Endpoint: opts.endpoint,
		Logger:   logger.Named("orchestrator"),
	}

	if path := cfg.History.Path; path != "" {
		store, err := storage.NewSQLiteStore(expandHome(path), logger.Named("storage"))
		if err != nil {
			logger.Warn("run history disabled", zap.String("path", path), zap.Error(err))
		} else {
			defer store.Close()
			orchOpts.Journal = store
		}
	}

	uploader, err := artifacts.NewS3Uploader(ctx, cfg.Artifacts, logger.Named("artifacts"))
	if err != nil {
		logger.Warn("artifact upload disabled", zap.Error(err))
	} else if uploader != nil {
		orchOpts.Artifacts = uploader
	}

	orch := orchestrator.New(orchOpts)
	report := RunReport{SessionID: orch.SessionID()}

	if cfg.Run.KeepsAwake() {
		awake := keepawake.NewManager(keepawake.NewDefaultAdapter(), keepawake.Options{Logger: logger.Named("keepawake")})
		orch.AddObserver(awake)
		awakeCtx, stopAwake := context.WithCancel(context.Background())
		awakeDone := make(chan struct{})
		go func() {
			awake.Run(awakeCtx)
			close(awakeDone)
		}()
		defer func() {
			stopAwake()
			<-awakeDone
		}()
	}

	if cfg.Events.Addr != "" {
		srv := events.New(events.Config{
			Addr:       cfg.Events.Addr,
			Controller: orch,
			Metrics:    orch.Metrics(),
			Logger:     logger.Named("events"),
		})
		if err := <-srv.StartAsync(); err != nil {
			logger.Warn("event server disabled", zap.Error(err))
		} else {
			orch.AddObserver(srv.Hub())
			report.EventsAddr = srv.Addr()
			defer stopEvents(srv, logger)
			if cfg.Events.Mdns {
				if adv := advertise(srv.Addr(), orch.SessionID(), cfg.DefaultApp, logger); adv != nil {
					defer adv.Stop()
				}
			}
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopSignals := handleSignals(ctx, cancel, orch, logger)
	defer stopSignals()

	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer dcancel()
		orch.Disconnect(dctx)
	}()

	code := execute(ctx, opts, orch, &report, logger)
	if opts.jsonOut {
		if err := writeJSON(stdout, report); err != nil {
			fmt.Fprintf(stderr, "Error: failed to encode JSON: %v\n", err)
			return 1
		}
	} else {
		renderRunHuman(stdout, report)
	}
	return code
}

// execute walks the session steps, filling report. It stops at the first
// failed step.
func execute(ctx context.Context, opts *runOptions, orch *orchestrator.Orchestrator, report *RunReport, logger *zap.Logger) int {
	fail := func(step string, err error) int {
		report.Step = step
		report.Error = err.Error()
		report.Code = codeOf(err)
		logger.Error("session step failed", zap.String("step", step), zap.Error(err))
		return 1
	}

	if opts.endpoint == "" {
		if err := orch.LaunchApp(ctx); err != nil {
			return fail("launch", err)
		}
	}

	conn := orch.Connect(ctx, "")
	if !conn.Success {
		return fail("connect", conn.Err())
	}
	report.Connection = &conn.Data

	proj := orch.SetProject(ctx, opts.project)
	if !proj.Success {
		return fail("project", proj.Err())
	}
	report.Project = &proj.Data

	tests, err := opts.testList(proj.Data.EnabledTests)
	if err != nil {
		return fail("submit", err)
	}

	res := orch.SubmitTestList(ctx, tests)
	if res.Success || res.Data.RunID != "" {
		summary := res.Data
		report.Run = &summary
	}
	if !res.Success {
		step := "submit"
		if report.Run != nil {
			step = "run"
		}
		return fail(step, res.Err())
	}
	if res.Data.Outcome != string(storage.OutcomeCompleted) {
		report.Step = "run"
		return 1
	}
	report.Success = true
	return 0
}

func codeOf(err error) string {
	code, _ := apperrors.ToCodeAndMessage(err)
	return code
}

// handleSignals stops the running test on the first SIGINT/SIGTERM and
// cancels ctx on the second, or on the first when no test is running.
func handleSignals(ctx context.Context, cancel context.CancelFunc, orch *orchestrator.Orchestrator, logger *zap.Logger) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		stopping := false
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				logger.Warn("signal received", zap.String("signal", sig.String()))
				if stopping || orch.Phase() != orchestrator.PhaseTestRunning {
					cancel()
					return
				}
				stopping = true
				if err := orch.StopTestExecution(ctx); err != nil {
					logger.Warn("stop request failed", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// stopEvents shuts the event server down, logging a failed shutdown.
func stopEvents(srv interface{ Stop(context.Context) error }, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), eventsStopTimeout)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Warn("event server shutdown failed", zap.Error(err))
	}
}

func advertise(addr, sessionID, app string, logger *zap.Logger) *mdns.Advertiser {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		logger.Warn("mdns disabled", zap.String("addr", addr), zap.Error(err))
		return nil
	}
	port, _ := strconv.Atoi(portStr)
	adv := mdns.NewAdvertiser(mdns.Config{Port: port, SessionID: sessionID, App: app})
	if err := adv.Start(); err != nil {
		logger.Warn("mdns disabled", zap.Error(err))
		return nil
	}
	logger.Info("advertising event server", zap.String("service", mdns.ServiceType), zap.Int("port", port))
	return adv
}

func renderRunHuman(w io.Writer, r RunReport) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "grlctl run")
	fmt.Fprintln(w, "==========")
	fmt.Fprintf(w, "  Session:    %s\n", r.SessionID)
	if r.EventsAddr != "" {
		fmt.Fprintf(w, "  Events:     http://%s\n", r.EventsAddr)
	}
	if c := r.Connection; c != nil {
		fmt.Fprintf(w, "  Equipment:  %s (%d attempt(s), app %s)\n", c.IP, c.Attempts, c.AppState)
	}
	if p := r.Project; p != nil {
		fmt.Fprintf(w, "  Project:    %s\n", p.Name)
		if p.TestListPath != "" {
			fmt.Fprintf(w, "  Test list:  %s\n", p.TestListPath)
		}
	}
	if run := r.Run; run != nil {
		fmt.Fprintf(w, "  Run:        %s\n", run.RunID)
		fmt.Fprintf(w, "  Outcome:    %s (%d/%d cases, last %q %s)\n",
			run.Outcome, run.Completed, len(run.Tests), run.LastTestCase, run.FinalStatus)
		fmt.Fprintf(w, "  Popups:     %d\n", run.Popups)
		fmt.Fprintf(w, "  Duration:   %s\n", run.Duration.Round(time.Millisecond))
		if run.Warning != "" {
			fmt.Fprintf(w, "  Warning:    %s\n", run.Warning)
		}
	}
	fmt.Fprintln(w, "")
	if r.Success {
		fmt.Fprintln(w, "Result: success")
	} else {
		fmt.Fprintf(w, "Result: failed at %s", r.Step)
		if r.Error != "" {
			fmt.Fprintf(w, ": %s", r.Error)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w, "")
}
