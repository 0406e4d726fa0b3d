// Package launcher starts the vendor application and waits until its HTTP
// port answers.
//
// Launch is idempotent: when the configured port already answers, or a
// process started earlier by this Launcher is still alive, no new process is
// spawned. Only processes spawned by this Launcher are ever stopped.
package launcher

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/grltest/grlctl/internal/errors"
)

// Paths probed on the application port. Any HTTP response counts as alive.
var probePaths = []string{"/api/healthcheck", "/", "/api/status"}

const (
	defaultProbeInterval = 2 * time.Second
	defaultProbeTimeout  = 2 * time.Second
	defaultStopGrace     = 5 * time.Second
)

// Reason classifies a launch failure.
type Reason string

const (
	SpawnFailed              Reason = "SpawnFailed"
	PortUnreachableAfterWait Reason = "PortUnreachableAfterWait"
)

// LaunchError reports why the application could not be brought up.
type LaunchError struct {
	Reason   Reason
	Path     string
	Port     int
	Attempts int
	Cause    error

	// OutputTail holds the last lines the process printed, if any.
	OutputTail []string
}

func (e *LaunchError) Error() string {
	switch e.Reason {
	case SpawnFailed:
		if e.Cause != nil {
			return fmt.Sprintf("launch %s: spawn failed: %v", e.Path, e.Cause)
		}
		return fmt.Sprintf("launch %s: spawn failed", e.Path)
	default:
		return fmt.Sprintf("launch %s: port %d unreachable after %d attempts", e.Path, e.Port, e.Attempts)
	}
}

func (e *LaunchError) Unwrap() error {
	return e.Cause
}

// Coded converts the failure to a CodedError.
func (e *LaunchError) Coded() *apperrors.CodedError {
	if e.Reason == SpawnFailed {
		return apperrors.SpawnFailed(e.Path, e)
	}
	coded := apperrors.PortUnreachable(e.Port, e.Attempts)
	coded.Cause = e
	return coded
}

// Config configures a Launcher.
type Config struct {
	AppPath string
	Args    []string
	Port    int

	// Host is used to build the endpoint and probe URLs. Default: localhost.
	Host string

	// InitialWait is the settle time after spawning before the first probe.
	InitialWait time.Duration

	// MaxAttempts bounds the probe rounds after the initial wait. Minimum 1.
	MaxAttempts int

	// ProbeInterval separates probe rounds. Default: 2s.
	ProbeInterval time.Duration

	// Timeout bounds the whole probe phase. Zero means no bound beyond MaxAttempts.
	Timeout time.Duration

	// Capture attaches the process to a pty and logs its output.
	Capture bool

	// StopGrace is how long Stop waits after SIGTERM before killing. Default: 5s.
	StopGrace time.Duration

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Launcher owns at most one spawned vendor process.
type Launcher struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
	tail   *outputTail

	mu       sync.Mutex
	proc     *process
	endpoint string
}

// New returns a Launcher for cfg.
func New(cfg Config) *Launcher {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultProbeTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{cfg: cfg, client: client, logger: logger, tail: newOutputTail(defaultTailLines)}
}

// Endpoint returns the base URL recorded by the last successful Launch, or "".
func (l *Launcher) Endpoint() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.endpoint
}

// Spawned reports whether this Launcher owns a live process.
func (l *Launcher) Spawned() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.proc != nil && l.proc.alive()
}

// Output returns up to n of the most recent process output lines.
func (l *Launcher) Output(n int) []string {
	return l.tail.last(n)
}

// Launch makes sure the application is running and answering, and returns its endpoint.
// Failures are *LaunchError.
func (l *Launcher) Launch(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	endpoint := "http://" + l.cfg.Host + ":" + strconv.Itoa(l.cfg.Port)

	log := l.logger.With(zap.String("path", l.cfg.AppPath))

	proc := l.proc
	if proc != nil && proc.alive() {
		if l.endpoint != "" {
			return l.endpoint, nil
		}
		// Spawned by an earlier Launch that gave up probing; probe it again.
		log.Info("reusing running application process", zap.Int("pid", proc.pid()))
	} else {
		if l.portAnswers(ctx) {
			l.logger.Info("application already answering, not spawning", zap.Int("port", l.cfg.Port))
			l.endpoint = endpoint
			return endpoint, nil
		}

		if err := checkExecutable(l.cfg.AppPath); err != nil {
			return "", &LaunchError{Reason: SpawnFailed, Path: l.cfg.AppPath, Port: l.cfg.Port, Cause: err}
		}

		var err error
		proc, err = startProcess(l.cfg.AppPath, l.cfg.Args, l.cfg.Capture, l.tail, func(line string) {
			log.Debug("app output", zap.String("line", line))
		})
		if err != nil {
			return "", &LaunchError{Reason: SpawnFailed, Path: l.cfg.AppPath, Port: l.cfg.Port, Cause: err}
		}
		l.proc = proc
		log.Info("application started", zap.Int("pid", proc.pid()), zap.Duration("initial_wait", l.cfg.InitialWait))

		if err := l.settle(ctx, proc); err != nil {
			return "", err
		}
	}

	var deadline <-chan time.Time
	if l.cfg.Timeout > 0 {
		timer := time.NewTimer(l.cfg.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	attempts := 0
	for attempts < l.cfg.MaxAttempts {
		attempts++
		if l.portAnswers(ctx) {
			log.Info("application answering", zap.Int("port", l.cfg.Port), zap.Int("attempt", attempts))
			l.endpoint = endpoint
			return endpoint, nil
		}
		log.Debug("port not answering yet", zap.Int("attempt", attempts), zap.Int("max_attempts", l.cfg.MaxAttempts))
		if attempts == l.cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(l.cfg.ProbeInterval)
		select {
		case <-timer.C:
		case <-proc.done:
			timer.Stop()
			return "", l.exitedEarly(proc)
		case <-deadline:
			timer.Stop()
			return "", l.unreachable(attempts)
		case <-ctx.Done():
			timer.Stop()
			return "", &LaunchError{Reason: PortUnreachableAfterWait, Path: l.cfg.AppPath, Port: l.cfg.Port, Attempts: attempts, Cause: ctx.Err()}
		}
	}
	return "", l.unreachable(attempts)
}

// settle waits InitialWait, failing early if the process exits.
func (l *Launcher) settle(ctx context.Context, proc *process) error {
	timer := time.NewTimer(l.cfg.InitialWait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-proc.done:
		return l.exitedEarly(proc)
	case <-ctx.Done():
		return &LaunchError{Reason: SpawnFailed, Path: l.cfg.AppPath, Port: l.cfg.Port, Cause: ctx.Err()}
	}
}

func (l *Launcher) exitedEarly(proc *process) error {
	cause := proc.exitError()
	if cause == nil {
		cause = fmt.Errorf("process exited before answering")
	}
	return &LaunchError{
		Reason:     SpawnFailed,
		Path:       l.cfg.AppPath,
		Port:       l.cfg.Port,
		Cause:      cause,
		OutputTail: l.tail.last(20),
	}
}

func (l *Launcher) unreachable(attempts int) error {
	return &LaunchError{
		Reason:     PortUnreachableAfterWait,
		Path:       l.cfg.AppPath,
		Port:       l.cfg.Port,
		Attempts:   attempts,
		OutputTail: l.tail.last(20),
	}
}

// Stop terminates a process this Launcher spawned. It is a no-op otherwise.
func (l *Launcher) Stop(ctx context.Context) error {
	l.mu.Lock()
	proc := l.proc
	l.proc = nil
	l.endpoint = ""
	l.mu.Unlock()

	if proc == nil || !proc.alive() {
		return nil
	}
	l.logger.Info("stopping application", zap.Int("pid", proc.pid()))
	if err := proc.terminate(ctx, l.cfg.StopGrace); err != nil {
		return fmt.Errorf("stop application: %w", err)
	}
	return nil
}

// portAnswers reports whether any probe path gets an HTTP response.
func (l *Launcher) portAnswers(ctx context.Context) bool {
	base := "http://" + l.cfg.Host + ":" + strconv.Itoa(l.cfg.Port)
	for _, path := range probePaths {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		if err != nil {
			return false
		}
		resp, err := l.client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		return true
	}
	return false
}

func checkExecutable(path string) error {
	if path == "" {
		return fmt.Errorf("no application path configured")
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if _, err := exec.LookPath(path); err != nil {
		return fmt.Errorf("application not found: %s", path)
	}
	return nil
}
