// Package config provides configuration loading for grlctl.
// The configuration file lives at ~/.grlctl/config.toml by default, but can be
// overridden with the --config flag. A path ending in .json is read as the
// grl_config.json layout used by the vendor tooling. CLI flags always take
// precedence over file values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	apperrors "github.com/grltest/grlctl/internal/errors"
)

// Config represents the grlctl configuration file structure.
type Config struct {
	// IPAddress is the default test equipment IP used by connect.
	IPAddress string `toml:"ip_address" json:"ip_address"`

	// DefaultApp selects the entry in Applications to launch.
	// Default: grl
	DefaultApp string `toml:"default_app" json:"default_app"`

	// LoadFromJSON loads the project configuration models from Project.ModelsDir.
	// When false, only the project name is sent to the application.
	LoadFromJSON Flag `toml:"load_from_json" json:"Load_from_json"`

	// ProjectNameWithTimestamp appends _YYYYMMDD_HHMM to the project name.
	ProjectNameWithTimestamp Flag `toml:"project_name_with_time_stamp" json:"project_name_with_time_stamp"`

	// TestListWithProjectName names the saved test case list after the project.
	TestListWithProjectName Flag `toml:"test_list_with_project_name" json:"test_list_with_project_name"`

	Common       Common                 `toml:"common" json:"common"`
	Applications map[string]Application `toml:"applications" json:"applications"`
	Run          Run                    `toml:"run" json:"run"`
	Popups       Popups                 `toml:"popups" json:"popups"`
	Project      Project                `toml:"project" json:"project"`
	History      History                `toml:"history" json:"history"`
	Events       Events                 `toml:"events" json:"events"`
	Artifacts    Artifacts              `toml:"artifacts" json:"artifacts"`
}

// Common holds the settings shared by every application entry.
type Common struct {
	// InitialWait is the settle time after spawning the application, in seconds.
	InitialWait int `toml:"initial_wait" json:"initial_wait"`

	// DefaultLogMode is "a" to append to the log file or "w" to truncate it.
	DefaultLogMode string `toml:"default_log_mode" json:"default_log_mode"`

	// MaxConnectionAttempts bounds both launch probes and connect retries.
	MaxConnectionAttempts int `toml:"max_connection_attempts" json:"max_connection_attempts"`

	// ConnectionTimeout bounds a single connect call and the launch probe window, in seconds.
	ConnectionTimeout int `toml:"connection_timeout" json:"connection_timeout"`

	// APITimeout is the per-call timeout for every other gateway call, in seconds.
	APITimeout int `toml:"api_timeout" json:"api_timeout"`

	LogFilename string `toml:"log_filename" json:"log_filename"`
	LogLevel    string `toml:"log_level" json:"log_level"`
}

// Application describes one launchable vendor application.
type Application struct {
	AppName   string `toml:"app_name" json:"app_name"`
	AppPath   string `toml:"app_path" json:"app_path"`
	KnownPort int    `toml:"known_port" json:"known_port"`

	// Args are passed to the executable unchanged.
	Args []string `toml:"args" json:"args"`

	// CaptureOutput attaches the process to a pseudo-terminal and logs its output.
	// Default: true
	CaptureOutput *bool `toml:"capture_output" json:"capture_output"`

	// StopOnDisconnect stops a process grlctl spawned when disconnecting.
	// Default: true
	StopOnDisconnect *bool `toml:"stop_on_disconnect" json:"stop_on_disconnect"`
}

// Run holds the orchestration loop settings.
type Run struct {
	StatusPollMs         int    `toml:"status_poll_interval_ms" json:"status_poll_interval_ms"`
	PopupPollMs          int    `toml:"popup_poll_interval_ms" json:"popup_poll_interval_ms"`
	TestStartTimeout     int    `toml:"test_start_timeout" json:"test_start_timeout"`
	MaxPollFailures      int    `toml:"max_poll_failures" json:"max_poll_failures"`
	ConnectBackoff       string `toml:"connect_backoff" json:"connect_backoff"`
	ConnectIntervalMs    int    `toml:"connect_interval_ms" json:"connect_interval_ms"`
	MaxRequestsPerSecond int    `toml:"max_requests_per_second" json:"max_requests_per_second"`

	// KeepAwake holds an idle-sleep inhibitor on this host while a test run is in progress.
	// Default: true
	KeepAwake *bool `toml:"keep_awake" json:"keep_awake"`
}

// Popups controls popup capture and persistence.
type Popups struct {
	AutoDismiss       *bool    `toml:"auto_dismiss" json:"auto_dismiss"`
	DismissKinds      []string `toml:"dismiss_kinds" json:"dismiss_kinds"`
	OutputDir         string   `toml:"output_dir" json:"output_dir"`
	ChronologicalFile string   `toml:"chronological_file" json:"chronological_file"`
	ByTestCaseFile    string   `toml:"by_test_case_file" json:"by_test_case_file"`
}

// Project locates the project configuration models and the saved test list.
type Project struct {
	ModelsDir   string `toml:"models_dir" json:"models_dir"`
	TestListDir string `toml:"test_list_dir" json:"test_list_dir"`
}

// History configures the SQLite run journal. An empty Path disables it.
type History struct {
	Path string `toml:"path" json:"path"`
}

// Events configures the optional event server.
type Events struct {
	// Addr is the host:port to listen on. Empty disables the server.
	Addr string `toml:"addr" json:"addr"`

	// Mdns advertises the event server on the local network.
	// Default: false
	Mdns bool `toml:"mdns" json:"mdns"`
}

// Artifacts configures upload of run artifacts to S3 compatible storage.
type Artifacts struct {
	S3Bucket    string `toml:"s3_bucket" json:"s3_bucket"`
	S3Prefix    string `toml:"s3_prefix" json:"s3_prefix"`
	S3Region    string `toml:"s3_region" json:"s3_region"`
	S3Endpoint  string `toml:"s3_endpoint" json:"s3_endpoint"`
	AccessKeyID string `toml:"access_key_id" json:"access_key_id"`
	SecretKey   string `toml:"secret_access_key" json:"secret_access_key"`
}

// Flag is a boolean that also accepts the strings "true"/"false" (any case),
// as written by older grl_config.json files.
type Flag bool

// UnmarshalJSON accepts a JSON bool or string.
func (f *Flag) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = Flag(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("flag must be a bool or string: %s", string(data))
	}
	return f.parse(s)
}

// UnmarshalTOML accepts a TOML bool or string.
func (f *Flag) UnmarshalTOML(v any) error {
	switch val := v.(type) {
	case bool:
		*f = Flag(val)
		return nil
	case string:
		return f.parse(val)
	default:
		return fmt.Errorf("flag must be a bool or string, got %T", v)
	}
}

func (f *Flag) parse(s string) error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1":
		*f = true
	case "false", "no", "0", "":
		*f = false
	default:
		return fmt.Errorf("invalid flag value %q", s)
	}
	return nil
}

// DefaultConfigPath returns the default config file location: ~/.grlctl/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, DefaultDir, "config.toml"), nil
}

// DefaultHistoryPath returns ~/.grlctl/history.db.
func DefaultHistoryPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, DefaultDir, "history.db"), nil
}

// WriteDefault creates a starter config file at the given path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
func WriteDefault(path, appPath, ip string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# grlctl configuration

ip_address = %q
default_app = %q
load_from_json = true
project_name_with_time_stamp = true

[common]
initial_wait = %d
max_connection_attempts = %d
connection_timeout = %d
api_timeout = %d

[applications.%s]
app_name = "GRL"
app_path = %q
known_port = %d
`, ip, DefaultAppKey, DefaultInitialWait, DefaultMaxConnectionAttempts,
		DefaultConnectionTimeout, DefaultAPITimeout, DefaultAppKey, appPath, DefaultAppPort)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads a config file from the given path, applies defaults and validates it.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.grlctl/config.toml).
//     Returns a default Config without error if the default file doesn't exist.
//   - If path is specified, returns a config.not_found error if the file doesn't exist.
//   - Files ending in .json are decoded as JSON, everything else as TOML.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			cfg.ApplyDefaults()
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			cfg.ApplyDefaults()
			return cfg, nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, apperrors.New(apperrors.CodeConfigNotFound, fmt.Sprintf("config file not found: %s", path))
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	} else if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.DefaultApp == "" {
		c.DefaultApp = DefaultAppKey
	}
	if c.Common.InitialWait == 0 {
		c.Common.InitialWait = DefaultInitialWait
	}
	if c.Common.DefaultLogMode == "" {
		c.Common.DefaultLogMode = DefaultLogMode
	}
	if c.Common.MaxConnectionAttempts == 0 {
		c.Common.MaxConnectionAttempts = DefaultMaxConnectionAttempts
	}
	if c.Common.ConnectionTimeout == 0 {
		c.Common.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.Common.APITimeout == 0 {
		c.Common.APITimeout = DefaultAPITimeout
	}
	if c.Common.LogFilename == "" {
		c.Common.LogFilename = DefaultLogFilename
	}
	if c.Common.LogLevel == "" {
		c.Common.LogLevel = DefaultLogLevel
	}
	if c.Applications == nil {
		c.Applications = map[string]Application{}
	}
	for name, app := range c.Applications {
		if app.KnownPort == 0 {
			app.KnownPort = DefaultAppPort
		}
		if app.AppName == "" {
			app.AppName = name
		}
		c.Applications[name] = app
	}
	if c.Run.StatusPollMs == 0 {
		c.Run.StatusPollMs = DefaultStatusPollMs
	}
	if c.Run.PopupPollMs == 0 {
		c.Run.PopupPollMs = DefaultPopupPollMs
	}
	if c.Run.TestStartTimeout == 0 {
		c.Run.TestStartTimeout = DefaultTestStartTimeout
	}
	if c.Run.MaxPollFailures == 0 {
		c.Run.MaxPollFailures = DefaultMaxPollFailures
	}
	if c.Run.ConnectBackoff == "" {
		c.Run.ConnectBackoff = DefaultConnectBackoff
	}
	if c.Run.ConnectIntervalMs == 0 {
		c.Run.ConnectIntervalMs = DefaultConnectIntervalMs
	}
	if c.Run.MaxRequestsPerSecond == 0 {
		c.Run.MaxRequestsPerSecond = DefaultMaxRequestsPerSecond
	}
	if c.Popups.AutoDismiss == nil {
		on := true
		c.Popups.AutoDismiss = &on
	}
	if c.Popups.DismissKinds == nil {
		c.Popups.DismissKinds = append([]string(nil), DefaultDismissKinds...)
	}
	if c.Popups.OutputDir == "" {
		c.Popups.OutputDir = "."
	}
	if c.Popups.ChronologicalFile == "" {
		c.Popups.ChronologicalFile = DefaultChronologicalFile
	}
	if c.Popups.ByTestCaseFile == "" {
		c.Popups.ByTestCaseFile = DefaultByTestCaseFile
	}
	if c.Project.ModelsDir == "" {
		c.Project.ModelsDir = DefaultModelsDir
	}
	if c.Project.TestListDir == "" {
		c.Project.TestListDir = DefaultTestListDir
	}
	if c.Artifacts.S3Prefix == "" {
		c.Artifacts.S3Prefix = DefaultS3Prefix
	}
	if c.Artifacts.S3Region == "" {
		c.Artifacts.S3Region = DefaultS3Region
	}
}

// Validate reports the first invalid setting as a config.invalid error.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return apperrors.New(apperrors.CodeConfigInvalid, fmt.Sprintf(format, args...))
	}

	if len(c.Applications) > 0 {
		if _, ok := c.Applications[c.DefaultApp]; !ok {
			return invalid("default_app %q has no [applications.%s] entry (have %s)",
				c.DefaultApp, c.DefaultApp, strings.Join(c.AppNames(), ", "))
		}
	}
	if c.Common.MaxConnectionAttempts < 1 {
		return invalid("max_connection_attempts must be at least 1, got %d", c.Common.MaxConnectionAttempts)
	}
	if c.Common.ConnectionTimeout < 0 || c.Common.APITimeout < 0 || c.Common.InitialWait < 0 {
		return invalid("timeouts must not be negative")
	}
	switch c.Common.DefaultLogMode {
	case "a", "w":
	default:
		return invalid("default_log_mode must be \"a\" or \"w\", got %q", c.Common.DefaultLogMode)
	}
	switch c.Run.ConnectBackoff {
	case BackoffFixed, BackoffLinear:
	default:
		return invalid("connect_backoff must be %q or %q, got %q", BackoffFixed, BackoffLinear, c.Run.ConnectBackoff)
	}
	if c.Run.MaxPollFailures < 1 {
		return invalid("max_poll_failures must be at least 1, got %d", c.Run.MaxPollFailures)
	}
	if c.Run.StatusPollMs < 0 || c.Run.PopupPollMs < 0 {
		return invalid("poll intervals must not be negative")
	}
	return nil
}

// AppNames returns the configured application keys in sorted order.
func (c *Config) AppNames() []string {
	names := make([]string, 0, len(c.Applications))
	for name := range c.Applications {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// App returns the application entry for name, or DefaultApp when name is empty.
func (c *Config) App(name string) (Application, error) {
	if name == "" {
		name = c.DefaultApp
	}
	app, ok := c.Applications[name]
	if !ok {
		return Application{}, apperrors.New(apperrors.CodeLaunchNotConfigured,
			fmt.Sprintf("no application configured as %q", name))
	}
	return app, nil
}

// Capture reports whether the process output should be captured.
func (a Application) Capture() bool {
	return a.CaptureOutput == nil || *a.CaptureOutput
}

// StopsOnDisconnect reports whether disconnect stops the spawned process.
func (a Application) StopsOnDisconnect() bool {
	return a.StopOnDisconnect == nil || *a.StopOnDisconnect
}

// KeepsAwake reports whether runs hold a sleep inhibitor.
func (r Run) KeepsAwake() bool {
	return r.KeepAwake == nil || *r.KeepAwake
}

// Duration accessors.

func (c Common) InitialWaitDuration() time.Duration {
	return time.Duration(c.InitialWait) * time.Second
}

func (c Common) ConnectionTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectionTimeout) * time.Second
}

func (c Common) APITimeoutDuration() time.Duration {
	return time.Duration(c.APITimeout) * time.Second
}

func (r Run) StatusPollInterval() time.Duration {
	return time.Duration(r.StatusPollMs) * time.Millisecond
}

func (r Run) PopupPollInterval() time.Duration {
	return time.Duration(r.PopupPollMs) * time.Millisecond
}

func (r Run) TestStartTimeoutDuration() time.Duration {
	return time.Duration(r.TestStartTimeout) * time.Second
}

func (r Run) ConnectInterval() time.Duration {
	return time.Duration(r.ConnectIntervalMs) * time.Millisecond
}

// Dismisses reports whether popups of the given kind are answered automatically.
func (p Popups) Dismisses(kind string) bool {
	if p.AutoDismiss != nil && !*p.AutoDismiss {
		return false
	}
	for _, k := range p.DismissKinds {
		if strings.EqualFold(k, kind) {
			return true
		}
	}
	return false
}

// ChronologicalPath joins OutputDir and ChronologicalFile.
func (p Popups) ChronologicalPath() string {
	return filepath.Join(p.OutputDir, p.ChronologicalFile)
}

// ByTestCasePath joins OutputDir and ByTestCaseFile.
func (p Popups) ByTestCasePath() string {
	return filepath.Join(p.OutputDir, p.ByTestCaseFile)
}
