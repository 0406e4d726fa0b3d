package keepawake

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/grltest/grlctl/internal/errors"
	"github.com/grltest/grlctl/internal/orchestrator"
)

// releaseTimeout bounds a single inhibitor release.
const releaseTimeout = 5 * time.Second

// Options configures a Manager.
type Options struct {
	Logger *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Manager reconciles one inhibitor against run events.
//
// Observe never blocks: it records the latest request and wakes Run, which
// does the acquire and release. Set can be called directly when no Run loop
// is active.
type Manager struct {
	adapter Adapter
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	st     Status
	held   Handle
	gen    uint64 // bumped whenever held changes; stale watchers compare against it
	closed bool

	pending request
	wake    chan struct{}
}

type request struct {
	enabled bool
	runID   string
}

// NewManager creates a Manager that acquires through adapter.
func NewManager(adapter Adapter, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		adapter: adapter,
		logger:  opts.Logger,
		now:     opts.Now,
		st:      Status{State: StateOff, UpdatedAt: opts.Now()},
		wake:    make(chan struct{}, 1),
	}
}

// Snapshot returns a copy of the current status.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// Observe implements orchestrator.Observer.
func (m *Manager) Observe(e orchestrator.Event) {
	var enabled bool
	switch e.Type {
	case orchestrator.EventRunStarted:
		enabled = true
	case orchestrator.EventRunFinished:
	default:
		return
	}

	m.mu.Lock()
	m.pending = request{enabled: enabled, runID: e.RunID}
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run applies the requests recorded by Observe until ctx is done, then
// releases whatever is still held.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			closeCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			if err := m.Close(closeCtx); err != nil {
				m.logger.Warn("keep-awake release failed", zap.Error(err))
			}
			cancel()
			return
		case <-m.wake:
			m.mu.Lock()
			req := m.pending
			m.st.RunID = req.runID
			m.mu.Unlock()

			m.report(m.Set(ctx, req.enabled))
		}
	}
}

func (m *Manager) report(st Status) {
	if st.State == StateDegraded {
		m.logger.Warn("keep-awake degraded",
			zap.String("run_id", st.RunID),
			zap.String("reason", string(st.Reason)),
			zap.String("error", st.LastError))
		return
	}
	m.logger.Debug("keep-awake reconciled",
		zap.String("state", string(st.State)),
		zap.String("run_id", st.RunID))
}

// Set acquires or releases the inhibitor and returns the resulting status.
// Acquiring while one is already held and alive is a no-op.
func (m *Manager) Set(ctx context.Context, enabled bool) Status {
	if !enabled {
		return m.release(ctx)
	}

	m.mu.Lock()
	if m.closed {
		defer m.mu.Unlock()
		return m.st
	}
	if m.held != nil {
		if alive(m.held) {
			defer m.mu.Unlock()
			return m.st
		}
		m.dropLocked(StateDegraded, DegradedReasonIntegrityLost, exitMessage(m.held))
	}
	m.st.DesiredEnabled = true
	m.moveLocked(StatePending, "", "")
	m.mu.Unlock()

	h, err := m.adapter.Acquire(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case err != nil:
		m.moveLocked(StateDegraded, classifyAcquireReason(err), err.Error())
	case m.closed || !m.st.DesiredEnabled:
		// Released while the acquire was in flight.
		go releaseDetached(h)
		m.moveLocked(StateOff, "", "")
	case m.held != nil:
		// A concurrent Set won.
		go releaseDetached(h)
	default:
		m.held = h
		m.gen++
		m.moveLocked(StateOn, "", "")
		go m.watch(h, m.gen)
	}
	return m.st
}

func (m *Manager) release(ctx context.Context) Status {
	m.mu.Lock()
	if m.closed {
		defer m.mu.Unlock()
		return m.st
	}
	m.st.DesiredEnabled = false
	h := m.held
	m.dropLocked(StateOff, "", "")
	st := m.st
	m.mu.Unlock()

	if h == nil {
		return st
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := h.Release(releaseCtx); err != nil {
		m.mu.Lock()
		m.noteErrorLocked(err)
		st = m.st
		m.mu.Unlock()
	}
	return st
}

// Close releases the inhibitor and disables the Manager for good.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.st.DesiredEnabled = false
	h := m.held
	m.dropLocked(StateOff, "", "")
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	if err := h.Release(ctx); err != nil {
		m.mu.Lock()
		m.noteErrorLocked(err)
		m.mu.Unlock()
		return err
	}
	return nil
}

// watch marks the Manager degraded if h exits while it is still wanted.
func (m *Manager) watch(h Handle, gen uint64) {
	<-h.Done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.held != h || m.closed || !m.st.DesiredEnabled {
		return
	}
	m.dropLocked(StateDegraded, DegradedReasonIntegrityLost, exitMessage(h))
	m.logger.Warn("keep-awake inhibitor exited during run",
		zap.String("run_id", m.st.RunID),
		zap.String("error", m.st.LastError))
}

func (m *Manager) dropLocked(next State, reason DegradedReason, msg string) {
	m.held = nil
	m.gen++
	m.moveLocked(next, reason, msg)
}

func (m *Manager) moveLocked(next State, reason DegradedReason, msg string) {
	m.st.State = next
	m.st.Reason = reason
	m.st.LastError = msg
	m.st.UpdatedAt = m.now()
	m.st.Revision++
}

// noteErrorLocked records a release failure without leaving OFF.
func (m *Manager) noteErrorLocked(err error) {
	m.st.Reason = ""
	m.st.LastError = err.Error()
	m.st.UpdatedAt = m.now()
	m.st.Revision++
}

func alive(h Handle) bool {
	select {
	case <-h.Done():
		return false
	default:
		return true
	}
}

func exitMessage(h Handle) string {
	if err := h.Err(); err != nil {
		return err.Error()
	}
	return "inhibitor exited unexpectedly"
}

func releaseDetached(h Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	_ = h.Release(ctx)
}

func classifyAcquireReason(err error) DegradedReason {
	if apperrors.IsCode(err, apperrors.CodeKeepAwakeUnsupported) {
		return DegradedReasonUnsupported
	}
	return DegradedReasonAcquireFailed
}
