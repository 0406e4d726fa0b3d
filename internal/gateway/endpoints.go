package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// Routes, relative to {endpoint}/api.
const (
	RouteSoftwareVersion   = "App/GetSoftwareVersion"
	RouteAppState          = "App/GetAppState"
	RouteMessageBox        = "App/GetMessageBox"
	RouteMessageBoxReply   = "App/PutMessageBoxResponse"
	RouteErrorLog          = "App/GetErrorLog"
	RouteConnect           = "ConnectionSetup" // + "/{ip}"
	RouteIPAddressHistory  = "ConnectionSetup/GetIPAddressHistory"
	RouteForceStop         = "ConnectionSetup/ForceStopCurrentExecution"
	RouteTestCaseList      = "TestConfiguration/GetTestCaseList"
	RouteCoilFilter        = "TestConfiguration/GetCoilFilter"
	RoutePutProjectFolder  = "TestConfiguration/PutProjectFolder"
	RouteSubmitTests       = "TestConfiguration/PostTestListToExecute/0/true"
	RouteTestStatus        = "Results/GetTestStatus"
	routeLatestVersionBase = "ConnectionSetup/Latest"
)

// SoftwareVersion returns the application's version string.
func (g *Gateway) SoftwareVersion(ctx context.Context) (string, error) {
	payload, err := g.do(ctx, http.MethodGet, RouteSoftwareVersion, nil)
	if err != nil {
		return "", err
	}
	return decodeText(payload), nil
}

// AppState returns the application and connection state.
func (g *Gateway) AppState(ctx context.Context) (AppStatus, error) {
	var st AppStatus
	err := g.getJSON(ctx, http.MethodGet, RouteAppState, nil, &st)
	return st, err
}

// MessageBox returns the dialog currently displayed, if any.
// An empty MessageBox means no dialog is open.
func (g *Gateway) MessageBox(ctx context.Context) (MessageBox, error) {
	var box MessageBox
	payload, err := g.do(ctx, http.MethodGet, RouteMessageBox, nil)
	if err != nil {
		return box, err
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return box, nil
	}
	if err := json.Unmarshal(trimmed, &box); err != nil {
		return box, &APIError{Endpoint: RouteMessageBox, Message: "decode response: " + err.Error(), Cause: err}
	}
	return box, nil
}

// RespondMessageBox answers the active dialog.
func (g *Gateway) RespondMessageBox(ctx context.Context, resp MessageBoxResponse) error {
	_, err := g.do(ctx, http.MethodPut, RouteMessageBoxReply, resp)
	return err
}

// ErrorLog returns the application's error log entries.
func (g *Gateway) ErrorLog(ctx context.Context) ([]json.RawMessage, error) {
	var entries []json.RawMessage
	err := g.getJSON(ctx, http.MethodGet, RouteErrorLog, nil, &entries)
	return entries, err
}

// Connect asks the application to connect to the equipment at ip and
// returns the application's reply text.
func (g *Gateway) Connect(ctx context.Context, ip string) (string, error) {
	payload, err := g.do(ctx, http.MethodGet, RouteConnect+"/"+url.PathEscape(strings.TrimSpace(ip)), nil)
	if err != nil {
		return "", err
	}
	return decodeText(payload), nil
}

// LatestVersion returns the firmware, eload or short fixture version.
func (g *Gateway) LatestVersion(ctx context.Context, kind VersionKind) (string, error) {
	payload, err := g.do(ctx, http.MethodGet, routeLatestVersionBase+string(kind)+"Version", nil)
	if err != nil {
		return "", err
	}
	return decodeText(payload), nil
}

// IPAddressHistory returns the equipment addresses the application remembers.
func (g *Gateway) IPAddressHistory(ctx context.Context) (json.RawMessage, error) {
	return g.raw(ctx, http.MethodGet, RouteIPAddressHistory, nil)
}

// ForceStop aborts the current execution.
func (g *Gateway) ForceStop(ctx context.Context) error {
	_, err := g.do(ctx, http.MethodPost, RouteForceStop, nil)
	return err
}

// TestCaseList returns the application's test case tree as reported.
func (g *Gateway) TestCaseList(ctx context.Context) (json.RawMessage, error) {
	return g.raw(ctx, http.MethodGet, RouteTestCaseList, nil)
}

// CoilFilter returns the configured coil filter.
func (g *Gateway) CoilFilter(ctx context.Context) (json.RawMessage, error) {
	return g.raw(ctx, http.MethodGet, RouteCoilFilter, nil)
}

// PutProjectFolder creates or updates the project with the given descriptor.
func (g *Gateway) PutProjectFolder(ctx context.Context, descriptor any) (json.RawMessage, error) {
	return g.raw(ctx, http.MethodPut, RoutePutProjectFolder, descriptor)
}

// SubmitTests queues tests for execution in order.
func (g *Gateway) SubmitTests(ctx context.Context, tests []string) (json.RawMessage, error) {
	return g.raw(ctx, http.MethodPost, RouteSubmitTests, tests)
}

// TestStatus returns the status of the test case currently executing.
func (g *Gateway) TestStatus(ctx context.Context) (TestStatusReport, error) {
	var rep TestStatusReport
	err := g.getJSON(ctx, http.MethodGet, RouteTestStatus, nil, &rep)
	return rep, err
}

// Probe issues a GET to an arbitrary route and discards the body.
// Any 2xx is reported as 200; failures report the received status, or 0.
func (g *Gateway) Probe(ctx context.Context, route string) (int, error) {
	_, err := g.do(ctx, http.MethodGet, strings.TrimLeft(route, "/"), nil)
	if err != nil {
		return apiStatus(err), err
	}
	return http.StatusOK, nil
}

func (g *Gateway) raw(ctx context.Context, method, route string, body any) (json.RawMessage, error) {
	payload, err := g.do(ctx, method, route, body)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if !json.Valid(trimmed) {
		quoted, _ := json.Marshal(string(trimmed))
		return quoted, nil
	}
	return json.RawMessage(trimmed), nil
}

func apiStatus(err error) int {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.StatusCode
	}
	return 0
}
