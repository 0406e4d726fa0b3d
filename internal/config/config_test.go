package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "github.com/grltest/grlctl/internal/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}
	return path
}

// TestLoad_AllFields verifies that all config fields are parsed correctly from TOML.
func TestLoad_AllFields(t *testing.T) {
	path := writeFile(t, "config.toml", `
ip_address = "192.168.5.53"
default_app = "mpp"
load_from_json = "True"
project_name_with_time_stamp = false
test_list_with_project_name = true

[common]
initial_wait = 5
default_log_mode = "w"
max_connection_attempts = 4
connection_timeout = 20
api_timeout = 7
log_filename = "debug.log"
log_level = "debug"

[applications.mpp]
app_name = "GRL MPP"
app_path = "/opt/grl/mpp"
known_port = 5002
args = ["--headless"]
capture_output = false
stop_on_disconnect = false

[run]
status_poll_interval_ms = 250
popup_poll_interval_ms = 100
test_start_timeout = 12
max_poll_failures = 5
connect_backoff = "linear"
connect_interval_ms = 1500
max_requests_per_second = 40
keep_awake = false

[popups]
auto_dismiss = false
dismiss_kinds = ["info"]
output_dir = "/tmp/out"
chronological_file = "chrono.json"
by_test_case_file = "bycase.json"

[project]
models_dir = "models"
test_list_dir = "lists"

[history]
path = "/tmp/history.db"

[events]
addr = "127.0.0.1:7080"
mdns = true

[artifacts]
s3_bucket = "runs"
s3_prefix = "lab1/"
s3_region = "eu-west-1"
s3_endpoint = "http://minio:9000"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.IPAddress != "192.168.5.53" {
		t.Errorf("IPAddress = %q, want %q", cfg.IPAddress, "192.168.5.53")
	}
	if cfg.DefaultApp != "mpp" {
		t.Errorf("DefaultApp = %q, want %q", cfg.DefaultApp, "mpp")
	}
	if !cfg.LoadFromJSON {
		t.Error("LoadFromJSON = false, want true (string form)")
	}
	if cfg.ProjectNameWithTimestamp {
		t.Error("ProjectNameWithTimestamp = true, want false")
	}
	if !cfg.TestListWithProjectName {
		t.Error("TestListWithProjectName = false, want true")
	}
	if cfg.Common.InitialWaitDuration() != 5*time.Second {
		t.Errorf("InitialWait = %v, want 5s", cfg.Common.InitialWaitDuration())
	}
	if cfg.Common.DefaultLogMode != "w" {
		t.Errorf("DefaultLogMode = %q, want %q", cfg.Common.DefaultLogMode, "w")
	}
	if cfg.Common.MaxConnectionAttempts != 4 {
		t.Errorf("MaxConnectionAttempts = %d, want 4", cfg.Common.MaxConnectionAttempts)
	}
	if cfg.Common.ConnectionTimeoutDuration() != 20*time.Second {
		t.Errorf("ConnectionTimeout = %v, want 20s", cfg.Common.ConnectionTimeoutDuration())
	}
	if cfg.Common.APITimeoutDuration() != 7*time.Second {
		t.Errorf("APITimeout = %v, want 7s", cfg.Common.APITimeoutDuration())
	}
	if cfg.Common.LogFilename != "debug.log" || cfg.Common.LogLevel != "debug" {
		t.Errorf("log settings = %q/%q", cfg.Common.LogFilename, cfg.Common.LogLevel)
	}

	app, err := cfg.App("")
	if err != nil {
		t.Fatalf("App() error: %v", err)
	}
	if app.AppPath != "/opt/grl/mpp" || app.KnownPort != 5002 || app.AppName != "GRL MPP" {
		t.Errorf("App() = %+v", app)
	}
	if len(app.Args) != 1 || app.Args[0] != "--headless" {
		t.Errorf("Args = %v", app.Args)
	}
	if app.Capture() {
		t.Error("Capture() = true, want false")
	}
	if app.StopsOnDisconnect() {
		t.Error("StopsOnDisconnect() = true, want false")
	}

	if cfg.Run.KeepsAwake() {
		t.Error("KeepsAwake() = true, want false")
	}

	if cfg.Run.StatusPollInterval() != 250*time.Millisecond {
		t.Errorf("StatusPollInterval = %v", cfg.Run.StatusPollInterval())
	}
	if cfg.Run.PopupPollInterval() != 100*time.Millisecond {
		t.Errorf("PopupPollInterval = %v", cfg.Run.PopupPollInterval())
	}
	if cfg.Run.TestStartTimeoutDuration() != 12*time.Second {
		t.Errorf("TestStartTimeout = %v", cfg.Run.TestStartTimeoutDuration())
	}
	if cfg.Run.MaxPollFailures != 5 {
		t.Errorf("MaxPollFailures = %d, want 5", cfg.Run.MaxPollFailures)
	}
	if cfg.Run.ConnectBackoff != BackoffLinear {
		t.Errorf("ConnectBackoff = %q, want %q", cfg.Run.ConnectBackoff, BackoffLinear)
	}
	if cfg.Run.ConnectInterval() != 1500*time.Millisecond {
		t.Errorf("ConnectInterval = %v", cfg.Run.ConnectInterval())
	}
	if cfg.Run.MaxRequestsPerSecond != 40 {
		t.Errorf("MaxRequestsPerSecond = %d", cfg.Run.MaxRequestsPerSecond)
	}

	if cfg.Popups.Dismisses("info") {
		t.Error("Dismisses(info) = true with auto_dismiss = false")
	}
	if got := cfg.Popups.ChronologicalPath(); got != filepath.Join("/tmp/out", "chrono.json") {
		t.Errorf("ChronologicalPath() = %q", got)
	}
	if got := cfg.Popups.ByTestCasePath(); got != filepath.Join("/tmp/out", "bycase.json") {
		t.Errorf("ByTestCasePath() = %q", got)
	}
	if cfg.Project.ModelsDir != "models" || cfg.Project.TestListDir != "lists" {
		t.Errorf("Project = %+v", cfg.Project)
	}
	if cfg.History.Path != "/tmp/history.db" {
		t.Errorf("History.Path = %q", cfg.History.Path)
	}
	if cfg.Events.Addr != "127.0.0.1:7080" || !cfg.Events.Mdns {
		t.Errorf("Events = %+v", cfg.Events)
	}
	if cfg.Artifacts.S3Bucket != "runs" || cfg.Artifacts.S3Prefix != "lab1/" ||
		cfg.Artifacts.S3Region != "eu-west-1" || cfg.Artifacts.S3Endpoint != "http://minio:9000" {
		t.Errorf("Artifacts = %+v", cfg.Artifacts)
	}
}

// TestLoad_VendorJSON verifies the grl_config.json layout, including string booleans.
func TestLoad_VendorJSON(t *testing.T) {
	path := writeFile(t, "grl_config.json", `{
  "common": {
    "initial_wait": 10,
    "log_filename": "grl_api_debug.log",
    "default_log_mode": "a",
    "max_connection_attempts": 3,
    "connection_timeout": 30,
    "api_timeout": 15
  },
  "applications": {
    "grl": {"app_name": "GRL", "app_path": "C:/GRL/GRL.exe", "known_port": 5001}
  },
  "default_app": "grl",
  "Load_from_json": "true",
  "ip_address": "192.168.5.53",
  "project_name_with_time_stamp": "false"
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.LoadFromJSON {
		t.Error("LoadFromJSON = false, want true")
	}
	if cfg.ProjectNameWithTimestamp {
		t.Error("ProjectNameWithTimestamp = true, want false")
	}
	if cfg.IPAddress != "192.168.5.53" {
		t.Errorf("IPAddress = %q", cfg.IPAddress)
	}
	app, err := cfg.App("grl")
	if err != nil {
		t.Fatalf("App() error: %v", err)
	}
	if app.KnownPort != 5001 {
		t.Errorf("KnownPort = %d, want 5001", app.KnownPort)
	}
	if !app.Capture() || !app.StopsOnDisconnect() {
		t.Error("application toggles should default to true")
	}
}

// TestLoad_Defaults verifies that a minimal config is completed with defaults.
func TestLoad_Defaults(t *testing.T) {
	path := writeFile(t, "config.toml", `ip_address = "10.0.0.2"`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DefaultApp != DefaultAppKey {
		t.Errorf("DefaultApp = %q, want %q", cfg.DefaultApp, DefaultAppKey)
	}
	if cfg.Common.MaxConnectionAttempts != DefaultMaxConnectionAttempts {
		t.Errorf("MaxConnectionAttempts = %d", cfg.Common.MaxConnectionAttempts)
	}
	if !cfg.Run.KeepsAwake() {
		t.Error("KeepsAwake() = false, want true")
	}
	if cfg.Run.ConnectBackoff != BackoffFixed {
		t.Errorf("ConnectBackoff = %q", cfg.Run.ConnectBackoff)
	}
	if cfg.Popups.ChronologicalFile != "popup_messages.json" {
		t.Errorf("ChronologicalFile = %q", cfg.Popups.ChronologicalFile)
	}
	if cfg.Popups.ByTestCaseFile != "test_case_popup_messages.json" {
		t.Errorf("ByTestCaseFile = %q", cfg.Popups.ByTestCaseFile)
	}
	for _, kind := range []string{"info", "warning", "error", "question"} {
		if !cfg.Popups.Dismisses(kind) {
			t.Errorf("Dismisses(%q) = false, want true", kind)
		}
	}
	if cfg.Popups.Dismisses("input") {
		t.Error("Dismisses(input) = true, want false")
	}
}

// TestLoad_ExplicitPath_NotFound verifies that an error is returned when
// an explicit config path is provided but the file doesn't exist.
func TestLoad_ExplicitPath_NotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.toml")
	if !apperrors.IsCode(err, apperrors.CodeConfigNotFound) {
		t.Errorf("Load() error = %v, want code %q", err, apperrors.CodeConfigNotFound)
	}
}

// TestLoad_EmptyPath_NoDefaultFile verifies that an empty path returns
// a default Config without error when no default file exists.
func TestLoad_EmptyPath_NoDefaultFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.IPAddress != "" {
		t.Errorf("IPAddress = %q, want empty", cfg.IPAddress)
	}
	if cfg.Common.APITimeout != DefaultAPITimeout {
		t.Errorf("APITimeout = %d, want default", cfg.Common.APITimeout)
	}
}

// TestLoad_EmptyPath_DefaultFileExists verifies that an empty path loads
// from the default location when the file exists.
func TestLoad_EmptyPath_DefaultFileExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, DefaultDir)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(`ip_address = "1.2.3.4"`), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.IPAddress != "1.2.3.4" {
		t.Errorf("IPAddress = %q, want %q", cfg.IPAddress, "1.2.3.4")
	}
}

// TestLoad_InvalidTOML verifies that a parse error is returned for invalid TOML.
func TestLoad_InvalidTOML(t *testing.T) {
	path := writeFile(t, "config.toml", `ip_address = "missing quote`)
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid TOML, got nil")
	}
}

func TestLoad_InvalidFlag(t *testing.T) {
	path := writeFile(t, "config.toml", `load_from_json = "maybe"`)
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid flag, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown default app", "default_app = \"x\"\n[applications.grl]\napp_path = \"/a\"", "default_app"},
		{"bad backoff", "[run]\nconnect_backoff = \"exponential\"", "connect_backoff"},
		{"negative attempts", "[common]\nmax_connection_attempts = -1", "max_connection_attempts"},
		{"bad log mode", "[common]\ndefault_log_mode = \"x\"", "default_log_mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.toml", tt.content))
			if !apperrors.IsCode(err, apperrors.CodeConfigInvalid) {
				t.Fatalf("Load() error = %v, want code %q", err, apperrors.CodeConfigInvalid)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.want)
			}
		})
	}
}

func TestApp_NotConfigured(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	_, err := cfg.App("")
	if !apperrors.IsCode(err, apperrors.CodeLaunchNotConfigured) {
		t.Errorf("App() error = %v, want %q", err, apperrors.CodeLaunchNotConfigured)
	}
}

// TestDefaultConfigPath verifies the default config path format.
func TestDefaultConfigPath(t *testing.T) {
	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("DefaultConfigPath() error: %v", err)
	}
	if filepath.Base(path) != "config.toml" {
		t.Errorf("DefaultConfigPath() = %q, want filename config.toml", path)
	}
	if filepath.Base(filepath.Dir(path)) != DefaultDir {
		t.Errorf("DefaultConfigPath() = %q, want parent dir %s", path, DefaultDir)
	}
}

// TestWriteDefault_CreatesFile verifies that WriteDefault writes a loadable config.
func TestWriteDefault_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	if err := WriteDefault(path, "/opt/grl/app", "192.168.5.53"); err != nil {
		t.Fatalf("WriteDefault() error: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.IPAddress != "192.168.5.53" {
		t.Errorf("IPAddress = %q", cfg.IPAddress)
	}
	app, err := cfg.App("")
	if err != nil {
		t.Fatalf("App() error: %v", err)
	}
	if app.AppPath != "/opt/grl/app" || app.KnownPort != DefaultAppPort {
		t.Errorf("App() = %+v", app)
	}
}

// TestWriteDefault_DoesNotOverwrite verifies that an existing file is left alone.
func TestWriteDefault_DoesNotOverwrite(t *testing.T) {
	path := writeFile(t, "config.toml", `ip_address = "keep"`)
	if err := WriteDefault(path, "/x", "other"); err != nil {
		t.Fatalf("WriteDefault() error: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != `ip_address = "keep"` {
		t.Errorf("file was overwritten: %q", string(data))
	}
}
