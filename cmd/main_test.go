package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runWithArgs(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"grlctl"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// writeConfig writes a config that keeps every output under dir and polls fast.
func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	content := fmt.Sprintf(`ip_address = "192.168.5.53"
load_from_json = false
project_name_with_time_stamp = false

[common]
max_connection_attempts = 2
connection_timeout = 2
api_timeout = 2
log_filename = %q
log_level = "debug"

[applications.grl]
app_path = %q
known_port = 5001

[run]
status_poll_interval_ms = 20
popup_poll_interval_ms = 10
test_start_timeout = 2
connect_interval_ms = 10
keep_awake = false

[popups]
output_dir = %q

[project]
models_dir = %q
test_list_dir = %q

[history]
path = %q
%s`,
		filepath.Join(dir, "grlctl.log"),
		filepath.Join(dir, "GRL.exe"),
		dir,
		filepath.Join(dir, "models"),
		filepath.Join(dir, "lists"),
		filepath.Join(dir, "history.db"),
		extra,
	)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRunUsage(t *testing.T) {
	code, out, _ := runWithArgs()
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "doctor")
}

func TestRunUnknownCommand(t *testing.T) {
	code, _, errOut := runWithArgs("nope")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown command")
}

func TestVersion(t *testing.T) {
	code, out, _ := runWithArgs("version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "grlctl dev\n", out)
}

func TestRunHelp(t *testing.T) {
	code, out, _ := runWithArgs("run", "--help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "--endpoint")
	assert.Contains(t, out, "--test")
}

func TestRunInvalidFlag(t *testing.T) {
	code, _, errOut := runWithArgs("run", "--nope")
	assert.Equal(t, 1, code)
	assert.NotEmpty(t, errOut)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".grlctl", "history.db"), expandHome("~/.grlctl/history.db"))
	assert.Equal(t, "/tmp/x.db", expandHome("/tmp/x.db"))
	assert.Equal(t, "", expandHome(""))
}
