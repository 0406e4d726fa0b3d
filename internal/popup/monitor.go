package popup

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/grltest/grlctl/internal/gateway"
)

// Source is the part of the gateway the monitor needs.
type Source interface {
	MessageBox(ctx context.Context) (gateway.MessageBox, error)
	RespondMessageBox(ctx context.Context, resp gateway.MessageBoxResponse) error
}

// MonitorConfig holds configuration for a Monitor.
type MonitorConfig struct {
	Source   Source
	Recorder *Recorder

	// CurrentTestCase returns the test case running right now, or "".
	// It is called once per observed dialog.
	CurrentTestCase func() string

	// Interval is how often the message box is checked. Default: 500ms.
	Interval time.Duration

	// Dismiss reports whether dialogs of a kind are answered with Ok.
	// Nil never dismisses.
	Dismiss func(Kind) bool

	Logger *zap.Logger
	Now    func() time.Time
}

// Monitor polls for dialogs on its own goroutine between Start and Stop.
type Monitor struct {
	config MonitorConfig
	logger *zap.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
	stopping bool
	scope    string
	lastKey  string
}

const defaultPopupInterval = 500 * time.Millisecond

// NewMonitor creates a stopped Monitor.
func NewMonitor(config MonitorConfig) *Monitor {
	if config.Interval <= 0 {
		config.Interval = defaultPopupInterval
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.CurrentTestCase == nil {
		config.CurrentTestCase = func() string { return "" }
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{config: config, logger: logger}
}

// Start begins polling. scope labels log lines (e.g. "connect", a run id).
// Start on a running monitor is a no-op; Start after Stop restarts it.
func (m *Monitor) Start(scope string) {
	m.mu.Lock()
	if m.running || m.stopping {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.scope = scope
	m.lastKey = ""
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	m.logger.Debug("popup monitor started", zap.String("scope", scope))
	go m.pollLoop(stopCh, doneCh)
}

// Stop halts polling and waits for the goroutine to exit. An iteration in
// progress runs to completion, so a dialog it observed is recorded; its
// gateway calls are bounded by the gateway's own timeout. No record is
// appended after Stop returns, including for concurrent callers. Stop on a
// stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	if m.stopping {
		doneCh := m.doneCh
		m.mu.Unlock()
		<-doneCh
		return
	}
	m.stopping = true
	stopCh, doneCh, scope := m.stopCh, m.doneCh, m.scope
	m.mu.Unlock()

	close(stopCh)
	<-doneCh

	m.mu.Lock()
	m.running = false
	m.stopping = false
	m.mu.Unlock()
	m.logger.Debug("popup monitor stopped", zap.String("scope", scope))
}

// Running reports whether the polling goroutine is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) pollLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ctx := context.Background()
	m.poll(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// poll checks the message box once and records a dialog not seen before.
func (m *Monitor) poll(ctx context.Context) {
	box, err := m.config.Source.MessageBox(ctx)
	if err != nil {
		m.logger.Debug("message box check failed", zap.Error(err))
		return
	}
	if box.Empty() {
		m.lastKey = ""
		return
	}

	key := strconv.Itoa(box.PopID) + "\x00" + box.Message
	if key == m.lastKey {
		return
	}
	m.lastKey = key

	// Attribute to the case running when the dialog was seen.
	observedAt := m.config.Now()
	var testCase *string
	if name := m.config.CurrentTestCase(); name != "" {
		testCase = &name
	}

	kind := Classify(box)
	dismissed := false
	if m.config.Dismiss != nil && m.config.Dismiss(kind) {
		if err := m.config.Source.RespondMessageBox(ctx, gateway.OkResponse(box)); err != nil {
			m.logger.Warn("failed to dismiss popup", zap.Int("pop_id", box.PopID), zap.Error(err))
		} else {
			dismissed = true
		}
	}

	rec := m.config.Recorder.Append(Record{
		Timestamp: observedAt,
		TestCase:  testCase,
		Message:   box.Message,
		Title:     box.Title,
		PopID:     box.PopID,
		Kind:      kind,
		Dismissed: dismissed,
	})
	m.logger.Info("popup recorded",
		zap.Int("seq", rec.Seq),
		zap.String("test_case", rec.Key()),
		zap.String("kind", string(kind)),
		zap.String("message", box.Message),
		zap.Bool("dismissed", dismissed),
	)
}
