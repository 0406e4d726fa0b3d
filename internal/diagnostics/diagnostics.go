// Package diagnostics inspects a vendor application without changing its
// state: reachability, key endpoint health, versions and the error log.
package diagnostics

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/grltest/grlctl/internal/gateway"
)

// Client is the read-only subset of the gateway diagnostics use.
type Client interface {
	Endpoint() string
	SoftwareVersion(ctx context.Context) (string, error)
	LatestVersion(ctx context.Context, kind gateway.VersionKind) (string, error)
	ErrorLog(ctx context.Context) ([]json.RawMessage, error)
	IPAddressHistory(ctx context.Context) (json.RawMessage, error)
	TestCaseList(ctx context.Context) (json.RawMessage, error)
	Probe(ctx context.Context, route string) (int, error)
}

// HealthReport is the result of probing one application.
type HealthReport struct {
	Endpoint  string        `json:"endpoint"`
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency_ns"`
	Version   string        `json:"version,omitempty"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Overall health of the key endpoints.
const (
	Healthy  = "healthy"
	Degraded = "degraded"
	Critical = "critical"
)

// KeyEndpoints are the routes CheckEndpoints probes.
var KeyEndpoints = []string{
	gateway.RouteSoftwareVersion,
	gateway.RouteIPAddressHistory,
	gateway.RouteCoilFilter,
}

// EndpointStatus is the outcome of probing one route.
type EndpointStatus struct {
	Status       string  `json:"status"` // ok | error
	ResponseTime float64 `json:"response_time"`
	StatusCode   int     `json:"status_code"`
	Error        string  `json:"error,omitempty"`
}

// EndpointReport is the result of CheckEndpoints.
type EndpointReport struct {
	Timestamp time.Time                 `json:"timestamp"`
	Endpoints map[string]EndpointStatus `json:"endpoints"`
	Overall   string                    `json:"overall_status"`
}

// VersionInfo holds the versions the application reports.
// Errors maps a component to the reason its version is missing.
type VersionInfo struct {
	Software     string            `json:"software,omitempty"`
	Firmware     string            `json:"firmware,omitempty"`
	Eload        string            `json:"eload,omitempty"`
	ShortFixture string            `json:"short_fixture,omitempty"`
	Errors       map[string]string `json:"errors,omitempty"`
}

// ErrorLogInfo summarizes the application's error log.
type ErrorLogInfo struct {
	Count int               `json:"count"`
	First []json.RawMessage `json:"first"`
}

const errorLogPreview = 3

// CheckHealth probes the application's software version.
func CheckHealth(ctx context.Context, c Client) HealthReport {
	report := HealthReport{Endpoint: c.Endpoint(), CheckedAt: time.Now()}
	start := time.Now()
	version, err := c.SoftwareVersion(ctx)
	report.Latency = time.Since(start)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.Reachable = true
	report.Version = version
	return report
}

// CheckFleet runs CheckHealth against every endpoint. Results keep the order
// of endpoints. With parallel the probes run concurrently.
func CheckFleet(ctx context.Context, endpoints []string, opts gateway.Options, parallel bool) []HealthReport {
	reports := make([]HealthReport, len(endpoints))
	check := func(i int) {
		reports[i] = CheckHealth(ctx, gateway.New(endpoints[i], opts))
	}
	if !parallel {
		for i := range endpoints {
			check(i)
		}
		return reports
	}
	var wg sync.WaitGroup
	for i := range endpoints {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			check(i)
		}(i)
	}
	wg.Wait()
	return reports
}

// CheckEndpoints probes the key endpoints and grades the result: healthy when
// all answer, degraded when some do, critical when none do.
func CheckEndpoints(ctx context.Context, c Client, parallel bool) EndpointReport {
	statuses := make([]EndpointStatus, len(KeyEndpoints))
	probe := func(i int) {
		start := time.Now()
		code, err := c.Probe(ctx, KeyEndpoints[i])
		st := EndpointStatus{
			Status:       "ok",
			ResponseTime: roundSeconds(time.Since(start)),
			StatusCode:   code,
		}
		if err != nil {
			st.Status = "error"
			st.Error = err.Error()
		}
		statuses[i] = st
	}

	if parallel {
		var wg sync.WaitGroup
		for i := range KeyEndpoints {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				probe(i)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range KeyEndpoints {
			probe(i)
		}
	}

	report := EndpointReport{Timestamp: time.Now(), Endpoints: make(map[string]EndpointStatus, len(KeyEndpoints))}
	ok := 0
	for i, route := range KeyEndpoints {
		report.Endpoints[EndpointKey(route)] = statuses[i]
		if statuses[i].Status == "ok" {
			ok++
		}
	}
	switch {
	case ok == len(KeyEndpoints):
		report.Overall = Healthy
	case ok > 0:
		report.Overall = Degraded
	default:
		report.Overall = Critical
	}
	return report
}

// EndpointKey names a route in reports, e.g. App_GetSoftwareVersion.
func EndpointKey(route string) string {
	return strings.ReplaceAll(route, "/", "_")
}

// Versions collects the software and equipment versions. A failed lookup is
// recorded in Errors and does not stop the others.
func Versions(ctx context.Context, c Client) VersionInfo {
	var info VersionInfo
	fail := func(name string, err error) {
		if info.Errors == nil {
			info.Errors = map[string]string{}
		}
		info.Errors[name] = err.Error()
	}

	if v, err := c.SoftwareVersion(ctx); err != nil {
		fail("software", err)
	} else {
		info.Software = v
	}
	for _, kind := range []gateway.VersionKind{gateway.FirmwareVersion, gateway.EloadVersion, gateway.ShortFixtureVersion} {
		v, err := c.LatestVersion(ctx, kind)
		switch {
		case err != nil:
			fail(versionName(kind), err)
		case kind == gateway.FirmwareVersion:
			info.Firmware = v
		case kind == gateway.EloadVersion:
			info.Eload = v
		default:
			info.ShortFixture = v
		}
	}
	return info
}

func versionName(kind gateway.VersionKind) string {
	switch kind {
	case gateway.FirmwareVersion:
		return "firmware"
	case gateway.EloadVersion:
		return "eload"
	}
	return "short_fixture"
}

// ErrorLogSummary returns the number of error log entries and the first three.
func ErrorLogSummary(ctx context.Context, c Client) (ErrorLogInfo, error) {
	entries, err := c.ErrorLog(ctx)
	if err != nil {
		return ErrorLogInfo{}, err
	}
	info := ErrorLogInfo{Count: len(entries), First: entries}
	if len(entries) > errorLogPreview {
		info.First = entries[:errorLogPreview]
	}
	return info, nil
}

// ActiveIPs extracts the active equipment addresses from an IP address
// history payload. Entries are either plain strings or objects with
// ipAddress and isActive fields.
func ActiveIPs(history json.RawMessage) []string {
	var entries []json.RawMessage
	if err := json.Unmarshal(history, &entries); err != nil {
		return nil
	}
	var ips []string
	for _, e := range entries {
		var s string
		if err := json.Unmarshal(e, &s); err == nil {
			ips = append(ips, s)
			continue
		}
		var obj struct {
			IPAddress string `json:"ipAddress"`
			IsActive  bool   `json:"isActive"`
		}
		if err := json.Unmarshal(e, &obj); err == nil && obj.IsActive && obj.IPAddress != "" {
			ips = append(ips, obj.IPAddress)
		}
	}
	return ips
}

// Report gathers every check. It is what Log writes after a connect.
type Report struct {
	Versions      VersionInfo    `json:"versions"`
	Endpoints     EndpointReport `json:"endpoints"`
	ErrorLog      ErrorLogInfo   `json:"error_log"`
	ActiveIPs     []string       `json:"active_ips"`
	TestCaseCount int            `json:"test_case_count"`
}

// Collect runs every check. Individual failures are folded into the report.
func Collect(ctx context.Context, c Client, parallel bool) Report {
	r := Report{
		Versions:  Versions(ctx, c),
		Endpoints: CheckEndpoints(ctx, c, parallel),
	}
	if info, err := ErrorLogSummary(ctx, c); err == nil {
		r.ErrorLog = info
	}
	if history, err := c.IPAddressHistory(ctx); err == nil {
		r.ActiveIPs = ActiveIPs(history)
	}
	if list, err := c.TestCaseList(ctx); err == nil {
		var cases []json.RawMessage
		if json.Unmarshal(list, &cases) == nil {
			r.TestCaseCount = len(cases)
		}
	}
	return r
}

// Log runs Collect and writes the results to logger. Nothing is returned;
// diagnostics never fail the caller.
func Log(ctx context.Context, c Client, logger *zap.Logger) {
	r := Collect(ctx, c, true)
	logger.Info("application versions",
		zap.String("software", r.Versions.Software),
		zap.String("firmware", r.Versions.Firmware),
		zap.String("eload", r.Versions.Eload),
		zap.String("short_fixture", r.Versions.ShortFixture),
	)
	for name, reason := range r.Versions.Errors {
		logger.Warn("version unavailable", zap.String("component", name), zap.String("error", reason))
	}
	logger.Info("api health", zap.String("overall", r.Endpoints.Overall))
	for name, st := range r.Endpoints.Endpoints {
		logger.Debug("endpoint health",
			zap.String("endpoint", name),
			zap.String("status", st.Status),
			zap.Float64("response_time", st.ResponseTime),
			zap.Int("status_code", st.StatusCode),
		)
	}
	logger.Info("error log", zap.Int("entries", r.ErrorLog.Count))
	for i, e := range r.ErrorLog.First {
		logger.Info("error log entry", zap.Int("index", i), zap.ByteString("entry", e))
	}
	logger.Info("equipment", zap.Strings("active_ips", r.ActiveIPs), zap.Int("test_cases", r.TestCaseCount))
}

func roundSeconds(d time.Duration) float64 {
	return float64(d.Round(time.Millisecond)) / float64(time.Second)
}
