package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/grltest/grlctl/internal/errors"
	"github.com/grltest/grlctl/internal/metrics"
	"github.com/grltest/grlctl/internal/vendortest"
)

func newGateway(t *testing.T) (*Gateway, *vendortest.Server) {
	t.Helper()
	srv := vendortest.New(t)
	return New(srv.URL, Options{Timeout: 2 * time.Second}), srv
}

func TestSoftwareVersion(t *testing.T) {
	gw, srv := newGateway(t)
	srv.SetVersion("4.5.6")

	v, err := gw.SoftwareVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "4.5.6", v)
	assert.Equal(t, 1, srv.Calls(RouteSoftwareVersion))
}

func TestAppStateAndTestStatus(t *testing.T) {
	gw, srv := newGateway(t)
	srv.Script(vendortest.Step{Status: "Test:7.1 X:Running"})

	rep, err := gw.TestStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Test:7.1 X:Running", rep.Status)

	st, err := gw.AppState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "BUSY", st.AppState)
	assert.Equal(t, "CONNECTED", st.ConnectionState)
}

func TestConnect_FailureIsAPIError(t *testing.T) {
	gw, srv := newGateway(t)
	srv.FailConnect(1)

	_, err := gw.Connect(context.Background(), "192.168.5.53")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.False(t, apiErr.TimedOut)
	assert.Equal(t, apperrors.CodeAPIBadStatus, apiErr.Code())

	reply, err := gw.Connect(context.Background(), "192.168.5.53")
	require.NoError(t, err)
	assert.Equal(t, "Connected", reply)
	assert.Equal(t, 2, srv.Calls(vendortest.ConnectRoute))
}

func TestTimeout(t *testing.T) {
	srv := vendortest.New(t)
	srv.SetDelay(RouteAppState, 500*time.Millisecond)
	gw := New(srv.URL, Options{Timeout: 50 * time.Millisecond})

	_, err := gw.AppState(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.TimedOut)
	assert.Equal(t, apperrors.CodeAPITimeout, apiErr.Code())
	assert.True(t, apperrors.IsCode(Coded(err), apperrors.CodeAPITimeout))
}

func TestWithTimeout_DoesNotMutateOriginal(t *testing.T) {
	gw := New("http://localhost:1", Options{Timeout: time.Second})
	longer := gw.WithTimeout(30 * time.Second)
	assert.Equal(t, time.Second, gw.Timeout())
	assert.Equal(t, 30*time.Second, longer.Timeout())
}

// idleCountingTransport counts CloseIdleConnections calls.
type idleCountingTransport struct {
	http.RoundTripper
	closes atomic.Int32
}

func (tr *idleCountingTransport) CloseIdleConnections() { tr.closes.Add(1) }

func TestClose_DropsIdleConnections(t *testing.T) {
	srv := vendortest.New(t)
	tr := &idleCountingTransport{RoundTripper: http.DefaultTransport}
	gw := New(srv.URL, Options{Timeout: time.Second, HTTPClient: &http.Client{Transport: tr}})

	_, err := gw.SoftwareVersion(context.Background())
	require.NoError(t, err)

	gw.Close()
	gw.Close()
	assert.Equal(t, int32(2), tr.closes.Load())

	_, err = gw.SoftwareVersion(context.Background())
	assert.NoError(t, err, "gateway stays usable after Close")
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	gw := New(url, Options{Timeout: time.Second})
	_, err := gw.SoftwareVersion(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 0, apiErr.StatusCode)
	assert.Equal(t, apperrors.CodeAPIRequestFailed, apiErr.Code())
}

func TestMessageBoxAndResponse(t *testing.T) {
	gw, srv := newGateway(t)

	box, err := gw.MessageBox(context.Background())
	require.NoError(t, err)
	assert.True(t, box.Empty())

	srv.QueuePopup(vendortest.Popup{Message: "Insert coil", Title: "Setup", PopID: 42})
	box, err = gw.MessageBox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Insert coil", box.Message)
	assert.Equal(t, 42, box.PopID)
	assert.False(t, box.WantsInput())

	require.NoError(t, gw.RespondMessageBox(context.Background(), OkResponse(box)))
	responses := srv.Responses()
	require.Len(t, responses, 1)
	assert.Equal(t, "Ok", responses[0]["responseButton"])
	assert.EqualValues(t, 42, responses[0]["popID"])
	assert.Equal(t, "Setup", responses[0]["title"])
	assert.Equal(t, 0, srv.PendingPopups())
}

func TestOkResponse_DefaultTitle(t *testing.T) {
	resp := OkResponse(MessageBox{PopID: 7})
	assert.Equal(t, "GRL Test Solution", resp.Title)
	assert.True(t, resp.IsValid)
	assert.NotNil(t, resp.CustomInputValues)
}

func TestSubmitAndProject(t *testing.T) {
	gw, srv := newGateway(t)

	_, err := gw.PutProjectFolder(context.Background(), map[string]string{"projectName": "P"})
	require.NoError(t, err)
	_, err = gw.SubmitTests(context.Background(), []string{"7.1 X", "7.2 Y"})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"7.1 X", "7.2 Y"}}, srv.Submitted())
	require.Len(t, srv.Projects(), 1)
	assert.JSONEq(t, `{"projectName":"P"}`, string(srv.Projects()[0]))

	srv.RejectSubmit(http.StatusConflict)
	_, err = gw.SubmitTests(context.Background(), []string{"7.1 X"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestVersionsAndLists(t *testing.T) {
	gw, _ := newGateway(t)
	ctx := context.Background()

	fw, err := gw.LatestVersion(ctx, FirmwareVersion)
	require.NoError(t, err)
	assert.Equal(t, "Firmware-1.0", fw)

	hist, err := gw.IPAddressHistory(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `["192.168.5.53"]`, string(hist))

	list, err := gw.TestCaseList(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(list), "7.1 X")

	entries, err := gw.ErrorLog(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, gw.ForceStop(ctx))
}

func TestProbe(t *testing.T) {
	gw, srv := newGateway(t)
	code, err := gw.Probe(context.Background(), RouteCoilFilter)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)

	srv.FailRoute(RouteCoilFilter, http.StatusServiceUnavailable, 1)
	code, err = gw.Probe(context.Background(), RouteCoilFilter)
	assert.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestMetricsObserved(t *testing.T) {
	srv := vendortest.New(t)
	m := metrics.New()
	gw := New(srv.URL, Options{Metrics: m})

	_, err := gw.SoftwareVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, testutil.CollectAndCount(m.RequestDuration))
}

func TestRateLimit_ContextCanceled(t *testing.T) {
	srv := vendortest.New(t)
	gw := New(srv.URL, Options{RequestsPerSecond: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gw.AppState(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || srv.Calls(RouteAppState) == 0)
}

func TestDecodeText(t *testing.T) {
	assert.Equal(t, "1.0", decodeText([]byte(`"1.0"`)))
	assert.Equal(t, "2.0", decodeText([]byte(`{"version":"2.0"}`)))
	assert.Equal(t, "plain text", decodeText([]byte("plain text\n")))
	assert.Equal(t, `{"a":1}`, decodeText([]byte(`{ "a": 1 }`)))
	assert.Equal(t, "", decodeText(nil))
}
