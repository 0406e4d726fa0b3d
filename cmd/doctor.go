// This file implements `grlctl doctor`.
//
// The doctor command probes one or more vendor applications without changing
// their state and reports pass/warn/fail checks with a next action for each.
// It supports human-readable (default) and machine-readable (--json) output.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/grltest/grlctl/internal/config"
	"github.com/grltest/grlctl/internal/diagnostics"
	"github.com/grltest/grlctl/internal/gateway"
)

// DoctorResult is the top-level JSON output for `grlctl doctor --json`.
type DoctorResult struct {
	// Version is the doctor output schema version. Always "1".
	Version string `json:"version"`

	// Checks is the ordered list of checks, grouped by endpoint.
	Checks []DoctorCheck `json:"checks"`

	Summary DoctorSummary `json:"summary"`
}

// DoctorCheck is one diagnostic check.
type DoctorCheck struct {
	// ID is a stable, machine-readable identifier (e.g. "app.reachable").
	ID string `json:"id"`

	// Endpoint is the application the check ran against; empty for local checks.
	Endpoint string `json:"endpoint,omitempty"`

	// Status is "pass", "warn" or "fail".
	Status string `json:"status"`

	Message    string `json:"message"`
	NextAction string `json:"next_action"`
}

// DoctorSummary holds aggregate counts of check outcomes.
type DoctorSummary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Stable check IDs. These are part of the CLI contract.
const (
	checkIDAppPath     = "config.app_path"
	checkIDReachable   = "app.reachable"
	checkIDEndpoints   = "app.endpoints"
	checkIDVersions    = "app.versions"
	checkIDErrorLog    = "app.error_log"
	checkIDEquipmentIP = "equipment.ip"
)

const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"
)

const noAction = "No action required."

// doctorStat is swapped in tests.
var doctorStat = os.Stat

type doctorOptions struct {
	configPath string
	urls       []string
	parallel   bool
	timeout    time.Duration
	jsonOut    bool
}

func newDoctorCmd() *cobra.Command {
	opts := &doctorOptions{}
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose application reachability, API health and versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code := runDoctor(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if code != 0 {
				return exitError{code: code}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "Config file (default ~/.grlctl/config.toml)")
	f.StringArrayVar(&opts.urls, "url", nil, "Application base URL to check (repeatable; default http://localhost:<known_port>)")
	f.BoolVar(&opts.parallel, "parallel", false, "Probe applications and endpoints concurrently")
	f.DurationVar(&opts.timeout, "timeout", 0, "Per-call timeout (default: api_timeout)")
	f.BoolVar(&opts.jsonOut, "json", false, "Emit machine-readable JSON to stdout")
	return cmd
}

// runDoctor evaluates every check and renders the result.
// Returns 0 when no check fails, 1 otherwise.
func runDoctor(ctx context.Context, opts *doctorOptions, stdout, stderr io.Writer) int {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	app, appErr := cfg.App("")

	urls := opts.urls
	if len(urls) == 0 {
		port := config.DefaultAppPort
		if appErr == nil && app.KnownPort > 0 {
			port = app.KnownPort
		}
		urls = []string{"http://localhost:" + strconv.Itoa(port)}
	}

	gwOpts := gateway.Options{Timeout: cfg.Common.APITimeoutDuration()}
	if opts.timeout > 0 {
		gwOpts.Timeout = opts.timeout
	}

	var checks []DoctorCheck
	if len(opts.urls) == 0 {
		checks = append(checks, evalAppPath(app, appErr))
	}

	health := diagnostics.CheckFleet(ctx, urls, gwOpts, opts.parallel)
	for _, h := range health {
		checks = append(checks, evalReachable(h))
		if !h.Reachable {
			continue
		}
		c := gateway.New(h.Endpoint, gwOpts)
		checks = append(checks,
			evalEndpoints(h.Endpoint, diagnostics.CheckEndpoints(ctx, c, opts.parallel)),
			evalVersions(h.Endpoint, diagnostics.Versions(ctx, c)),
		)
		info, err := diagnostics.ErrorLogSummary(ctx, c)
		checks = append(checks, evalErrorLog(h.Endpoint, info, err))
		history, err := c.IPAddressHistory(ctx)
		checks = append(checks, evalEquipmentIP(h.Endpoint, cfg.IPAddress, history, err))
	}

	result := DoctorResult{Version: "1", Checks: checks, Summary: summarize(checks)}
	if opts.jsonOut {
		if err := writeJSON(stdout, result); err != nil {
			fmt.Fprintf(stderr, "Error: failed to encode JSON: %v\n", err)
			return 1
		}
	} else {
		renderDoctorHuman(stdout, result)
	}

	if result.Summary.Fail > 0 {
		return 1
	}
	return 0
}

func summarize(checks []DoctorCheck) DoctorSummary {
	var s DoctorSummary
	for _, c := range checks {
		switch c.Status {
		case statusPass:
			s.Pass++
		case statusWarn:
			s.Warn++
		case statusFail:
			s.Fail++
		}
	}
	return s
}

// evalAppPath checks the configured executable.
//   - entry missing -> fail
//   - executable missing -> warn (the application may be started by hand)
//   - executable present -> pass
func evalAppPath(app config.Application, appErr error) DoctorCheck {
	check := DoctorCheck{ID: checkIDAppPath}
	if appErr != nil {
		check.Status = statusFail
		check.Message = appErr.Error()
		check.NextAction = "Add an [applications.<name>] entry and set default_app."
		return check
	}
	if app.AppPath == "" {
		check.Status = statusWarn
		check.Message = "No app_path configured; grlctl cannot launch the application."
		check.NextAction = "Set app_path or start the application yourself and use `grlctl run --endpoint`."
		return check
	}
	if _, err := doctorStat(app.AppPath); err != nil {
		check.Status = statusWarn
		check.Message = fmt.Sprintf("Application executable not found at %s.", app.AppPath)
		check.NextAction = "Fix app_path or install the vendor application."
		return check
	}
	check.Status = statusPass
	check.Message = fmt.Sprintf("Application executable found at %s.", app.AppPath)
	check.NextAction = noAction
	return check
}

// evalReachable fails when the software version cannot be read.
func evalReachable(h diagnostics.HealthReport) DoctorCheck {
	check := DoctorCheck{ID: checkIDReachable, Endpoint: h.Endpoint}
	if !h.Reachable {
		check.Status = statusFail
		check.Message = fmt.Sprintf("Application is not reachable: %s", h.Error)
		check.NextAction = "Start the application (`grlctl run` launches it) and verify the URL and port."
		return check
	}
	check.Status = statusPass
	check.Message = fmt.Sprintf("Application %s answered in %s.", h.Version, h.Latency.Round(time.Millisecond))
	check.NextAction = noAction
	return check
}

// evalEndpoints grades the key endpoints: healthy -> pass, degraded -> warn,
// critical -> fail.
func evalEndpoints(endpoint string, r diagnostics.EndpointReport) DoctorCheck {
	check := DoctorCheck{ID: checkIDEndpoints, Endpoint: endpoint}
	var failing []string
	for name, st := range r.Endpoints {
		if st.Status != "ok" {
			failing = append(failing, name)
		}
	}
	slices.Sort(failing)

	switch r.Overall {
	case diagnostics.Healthy:
		check.Status = statusPass
		check.Message = fmt.Sprintf("All %d key endpoints answered.", len(r.Endpoints))
		check.NextAction = noAction
	case diagnostics.Degraded:
		check.Status = statusWarn
		check.Message = fmt.Sprintf("Some endpoints failed: %v", failing)
		check.NextAction = "Check the application log; a restart usually clears partial API failures."
	default:
		check.Status = statusFail
		check.Message = "No key endpoint answered."
		check.NextAction = "Restart the application and rerun doctor."
	}
	return check
}

// evalVersions warns when any version lookup fails, typically because no
// equipment is connected.
func evalVersions(endpoint string, v diagnostics.VersionInfo) DoctorCheck {
	check := DoctorCheck{ID: checkIDVersions, Endpoint: endpoint}
	summary := fmt.Sprintf("software %s, firmware %s, eload %s, short fixture %s",
		orDash(v.Software), orDash(v.Firmware), orDash(v.Eload), orDash(v.ShortFixture))
	if len(v.Errors) > 0 {
		check.Status = statusWarn
		check.Message = fmt.Sprintf("Some versions unavailable (%s).", summary)
		check.NextAction = "Connect the test equipment (`grlctl run --ip`) to read equipment versions."
		return check
	}
	check.Status = statusPass
	check.Message = "Versions: " + summary + "."
	check.NextAction = noAction
	return check
}

func evalErrorLog(endpoint string, info diagnostics.ErrorLogInfo, err error) DoctorCheck {
	check := DoctorCheck{ID: checkIDErrorLog, Endpoint: endpoint}
	switch {
	case err != nil:
		check.Status = statusWarn
		check.Message = fmt.Sprintf("Error log unavailable: %v", err)
		check.NextAction = "Check the application version supports App/GetErrorLog."
	case info.Count > 0:
		check.Status = statusWarn
		check.Message = fmt.Sprintf("Application error log has %d entries.", info.Count)
		check.NextAction = "Review the application error log before starting a run."
	default:
		check.Status = statusPass
		check.Message = "Application error log is empty."
		check.NextAction = noAction
	}
	return check
}

// evalEquipmentIP compares the configured equipment address with the ones
// the application has seen active.
func evalEquipmentIP(endpoint, ip string, history []byte, err error) DoctorCheck {
	check := DoctorCheck{ID: checkIDEquipmentIP, Endpoint: endpoint}
	if err != nil {
		check.Status = statusWarn
		check.Message = fmt.Sprintf("IP address history unavailable: %v", err)
		check.NextAction = "Verify the equipment address manually."
		return check
	}
	active := diagnostics.ActiveIPs(history)
	switch {
	case ip == "":
		check.Status = statusWarn
		check.Message = fmt.Sprintf("No ip_address configured; application knows %v.", active)
		check.NextAction = "Set ip_address in the config or pass `--ip` to `grlctl run`."
	case slices.Contains(active, ip):
		check.Status = statusPass
		check.Message = fmt.Sprintf("Equipment %s is known to the application.", ip)
		check.NextAction = noAction
	default:
		check.Status = statusWarn
		check.Message = fmt.Sprintf("Equipment %s is not in the application's active addresses %v.", ip, active)
		check.NextAction = "Check the equipment is powered and on the same network."
	}
	return check
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// renderDoctorHuman writes the doctor result in human-readable format.
func renderDoctorHuman(w io.Writer, result DoctorResult) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "grlctl doctor")
	fmt.Fprintln(w, "=============")

	endpoint := "\x00"
	for _, c := range result.Checks {
		if c.Endpoint != endpoint {
			endpoint = c.Endpoint
			fmt.Fprintln(w, "")
			if endpoint == "" {
				fmt.Fprintln(w, "Local")
			} else {
				fmt.Fprintln(w, endpoint)
			}
		}
		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(c.Status), c.ID, c.Message)
		if c.Status != statusPass {
			fmt.Fprintf(w, "    -> %s\n", c.NextAction)
		}
	}

	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Summary: %d passed, %d warnings, %d failures\n",
		result.Summary.Pass, result.Summary.Warn, result.Summary.Fail)
	fmt.Fprintln(w, "")
}

// statusIcon returns a text marker for the check status.
func statusIcon(status string) string {
	switch status {
	case statusPass:
		return "[PASS]"
	case statusWarn:
		return "[WARN]"
	case statusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}
