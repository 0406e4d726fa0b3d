package orchestrator

import (
	"path/filepath"
	"time"

	"github.com/grltest/grlctl/internal/config"
	"github.com/grltest/grlctl/internal/popup"
	"github.com/grltest/grlctl/internal/project"
)

// Settings is the orchestrator's view of the configuration, with every
// interval already a time.Duration.
type Settings struct {
	// IP is the equipment address used when Connect is given none.
	IP string

	Policy ConnectionAttemptPolicy

	StatusPollInterval time.Duration
	PopupPollInterval  time.Duration
	TestStartTimeout   time.Duration
	MaxPollFailures    int

	APITimeout        time.Duration
	RequestsPerSecond int

	// Dismiss reports whether dialogs of a kind are answered with Ok.
	Dismiss func(popup.Kind) bool

	ChronologicalPath string
	ByTestCasePath    string

	// OutputDir receives the merged project descriptor.
	OutputDir   string
	ModelsDir   string
	TestListDir string

	LoadModels          bool
	NameTimestamp       bool
	TestListWithProject bool
	StopOnDisconnect    bool
}

// SettingsFromConfig derives Settings from a loaded config.
func SettingsFromConfig(cfg *config.Config) Settings {
	app, _ := cfg.App("")
	popups := cfg.Popups
	return Settings{
		IP: cfg.IPAddress,
		Policy: ConnectionAttemptPolicy{
			MaxAttempts:    cfg.Common.MaxConnectionAttempts,
			AttemptTimeout: cfg.Common.ConnectionTimeoutDuration(),
			Backoff:        cfg.Run.ConnectBackoff,
			Interval:       cfg.Run.ConnectInterval(),
		},
		StatusPollInterval:  cfg.Run.StatusPollInterval(),
		PopupPollInterval:   cfg.Run.PopupPollInterval(),
		TestStartTimeout:    cfg.Run.TestStartTimeoutDuration(),
		MaxPollFailures:     cfg.Run.MaxPollFailures,
		APITimeout:          cfg.Common.APITimeoutDuration(),
		RequestsPerSecond:   cfg.Run.MaxRequestsPerSecond,
		Dismiss:             func(k popup.Kind) bool { return popups.Dismisses(string(k)) },
		ChronologicalPath:   popups.ChronologicalPath(),
		ByTestCasePath:      popups.ByTestCasePath(),
		OutputDir:           popups.OutputDir,
		ModelsDir:           cfg.Project.ModelsDir,
		TestListDir:         cfg.Project.TestListDir,
		LoadModels:          bool(cfg.LoadFromJSON),
		NameTimestamp:       bool(cfg.ProjectNameWithTimestamp),
		TestListWithProject: bool(cfg.TestListWithProjectName),
		StopOnDisconnect:    app.StopsOnDisconnect(),
	}
}

func (s *Settings) applyDefaults() {
	if s.Policy.MaxAttempts < 1 {
		s.Policy.MaxAttempts = 1
	}
	if s.Policy.Backoff == "" {
		s.Policy.Backoff = config.BackoffFixed
	}
	if s.StatusPollInterval <= 0 {
		s.StatusPollInterval = time.Duration(config.DefaultStatusPollMs) * time.Millisecond
	}
	if s.PopupPollInterval <= 0 {
		s.PopupPollInterval = time.Duration(config.DefaultPopupPollMs) * time.Millisecond
	}
	if s.TestStartTimeout <= 0 {
		s.TestStartTimeout = time.Duration(config.DefaultTestStartTimeout) * time.Second
	}
	if s.MaxPollFailures < 1 {
		s.MaxPollFailures = config.DefaultMaxPollFailures
	}
	if s.OutputDir == "" {
		s.OutputDir = "."
	}
	if s.ChronologicalPath == "" {
		s.ChronologicalPath = filepath.Join(s.OutputDir, config.DefaultChronologicalFile)
	}
	if s.ByTestCasePath == "" {
		s.ByTestCasePath = filepath.Join(s.OutputDir, config.DefaultByTestCaseFile)
	}
	if s.ModelsDir == "" {
		s.ModelsDir = config.DefaultModelsDir
	}
	if s.TestListDir == "" {
		s.TestListDir = config.DefaultTestListDir
	}
}

func (s Settings) descriptorPath() string {
	return filepath.Join(s.OutputDir, project.DescriptorFile)
}
