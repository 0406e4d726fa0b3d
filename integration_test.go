//go:build integration
// +build integration

package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/grltest/grlctl/internal/vendortest"
)

var (
	binaryPath string
	moduleDir  string
)

func TestMain(m *testing.M) {
	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get working dir: %v\n", err)
		os.Exit(1)
	}
	moduleDir = wd

	tmpDir, err := os.MkdirTemp("", "grlctl-integration-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "grlctl")
	build := exec.Command("go", "build", "-o", binaryPath, "./cmd")
	build.Dir = moduleDir
	out, err := build.CombinedOutput()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build grlctl: %v\n%s", err, out)
		_ = os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	code := m.Run()
	_ = os.RemoveAll(tmpDir)
	os.Exit(code)
}

type runProcess struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
	done   chan error
}

func startRun(t *testing.T, args ...string) *runProcess {
	t.Helper()
	p := &runProcess{cmd: exec.Command(binaryPath, append([]string{"run"}, args...)...), done: make(chan error, 1)}
	p.cmd.Stdout = &p.stdout
	p.cmd.Stderr = &p.stderr
	if err := p.cmd.Start(); err != nil {
		t.Fatalf("start grlctl failed: %v", err)
	}
	go func() { p.done <- p.cmd.Wait() }()
	t.Cleanup(func() {
		_ = p.cmd.Process.Kill()
	})
	return p
}

func (p *runProcess) wait(t *testing.T, timeout time.Duration) int {
	t.Helper()
	select {
	case err := <-p.done:
		if err == nil {
			return 0
		}
		if ee, ok := err.(*exec.ExitError); ok {
			return ee.ExitCode()
		}
		t.Fatalf("wait failed: %v", err)
	case <-time.After(timeout):
		t.Fatalf("timeout waiting for grlctl exit\nstderr: %s", p.stderr.String())
	}
	return -1
}

func getFreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	content := fmt.Sprintf(`ip_address = "192.168.5.53"
load_from_json = false
project_name_with_time_stamp = false

[common]
max_connection_attempts = 2
api_timeout = 2
log_filename = %q

[run]
status_poll_interval_ms = 50
popup_poll_interval_ms = 20
test_start_timeout = 5
connect_interval_ms = 10
keep_awake = false

[popups]
output_dir = %q

[project]
test_list_dir = %q

[history]
path = %q
`, filepath.Join(dir, "grlctl.log"), dir, filepath.Join(dir, "lists"), filepath.Join(dir, "history.db"))
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// waitForPhase polls GET /state until the phase matches.
func waitForPhase(t *testing.T, addr, phase string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/state")
		if err == nil {
			var body struct {
				Phase string `json:"phase"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&body)
			resp.Body.Close()
			if body.Phase == phase {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("phase %s not reached within %s", phase, timeout)
}

func TestIntegrationRunCompletes(t *testing.T) {
	app := vendortest.New(t)
	app.Script(
		vendortest.Step{Status: "Test:7.1 X:RUNNING"},
		vendortest.Step{Status: "Test:7.1 X:PASSED", AppState: "READY"},
	)
	dir := t.TempDir()

	p := startRun(t, "--config", writeConfig(t, dir), "--endpoint", app.URL, "--test", "7.1 X", "--json")
	if code := p.wait(t, 20*time.Second); code != 0 {
		t.Fatalf("expected exit 0, got %d\nstderr: %s", code, p.stderr.String())
	}

	var report struct {
		Success bool `json:"success"`
		Run     struct {
			Outcome string `json:"outcome"`
		} `json:"run"`
	}
	if err := json.Unmarshal(p.stdout.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, p.stdout.String())
	}
	if !report.Success || report.Run.Outcome != "completed" {
		t.Fatalf("unexpected report: %s", p.stdout.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "popup_messages.json")); err != nil {
		t.Fatalf("popup file missing: %v", err)
	}
}

// TestIntegrationSignalStopsRun runs a test that never finishes, watches the
// event stream, and stops it with SIGTERM.
func TestIntegrationSignalStopsRun(t *testing.T) {
	app := vendortest.New(t)
	app.Script(
		vendortest.Step{Status: "Test:7.1 X:RUNNING", Popup: &vendortest.Popup{Message: "Insert DUT", PopID: 9, Icon: "information"}},
		vendortest.Step{Status: "Test:7.1 X:RUNNING"},
	)
	dir := t.TempDir()
	eventsAddr := getFreeAddr(t)

	p := startRun(t, "--config", writeConfig(t, dir), "--endpoint", app.URL, "--test", "7.1 X",
		"--events-addr", eventsAddr, "--json")
	waitForPhase(t, eventsAddr, "TEST_RUNNING", 10*time.Second)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+eventsAddr+"/events", nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close()

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}

	sawFinish := false
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for !sawFinish {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &msg) == nil && msg.Type == "run.finished" {
			sawFinish = true
		}
	}
	if !sawFinish {
		t.Fatal("run.finished event not received")
	}

	if code := p.wait(t, 20*time.Second); code != 1 {
		t.Fatalf("expected exit 1 for a stopped run, got %d", code)
	}
	if calls := app.Calls("ConnectionSetup/ForceStopCurrentExecution"); calls != 1 {
		t.Fatalf("expected one force stop, got %d", calls)
	}

	var report struct {
		Step string `json:"step"`
		Code string `json:"code"`
		Run  struct {
			Outcome     string `json:"outcome"`
			FinalStatus string `json:"final_status"`
		} `json:"run"`
	}
	if err := json.Unmarshal(p.stdout.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, p.stdout.String())
	}
	if report.Run.Outcome != "stopped" || report.Run.FinalStatus != "STOPPED" {
		t.Fatalf("unexpected run: %+v", report.Run)
	}
	if report.Step != "run" || report.Code != "submit.canceled" {
		t.Fatalf("unexpected failure step/code: %q %q", report.Step, report.Code)
	}
}

func TestIntegrationDoctorUnreachable(t *testing.T) {
	cmd := exec.Command(binaryPath, "doctor", "--config", writeConfig(t, t.TempDir()), "--url", "http://"+getFreeAddr(t), "--timeout", "500ms")
	out, err := cmd.CombinedOutput()
	ee, ok := err.(*exec.ExitError)
	if !ok || ee.ExitCode() != 1 {
		t.Fatalf("expected exit 1, got %v\n%s", err, out)
	}
	if !bytes.Contains(out, []byte("[FAIL] app.reachable")) {
		t.Fatalf("expected reachability failure, got:\n%s", out)
	}
}
