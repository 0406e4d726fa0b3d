// Package vendortest provides a scriptable fake of the vendor application's
// HTTP API for tests.
//
// Test status is driven by a list of Steps: every Results/GetTestStatus call
// serves the next step and the last step repeats. App/GetAppState reports the
// app state of the step served last. A step may carry a popup which becomes
// visible when the following step is served, so a poller that updates its
// state after each status call has already seen the step's test case when
// the popup appears.
package vendortest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// Step is one scripted test status observation.
type Step struct {
	Status   string // "Test:<case>:<status>", or "" for no test
	AppState string // READY, BUSY, ...; empty means BUSY
	Popup    *Popup
}

// Popup is a scripted dialog.
type Popup struct {
	Message string
	Title   string
	PopID   int
	Icon    string
	Input   bool
}

// Server is a fake vendor application.
type Server struct {
	*httptest.Server

	mu              sync.Mutex
	version         string
	calls           map[string]int
	connectFailures int
	steps           []Step
	stepIndex       int
	pendingPopup    *Popup
	popups          []Popup
	responses       []map[string]any
	submitted       [][]string
	projects        []json.RawMessage
	testCaseList    any
	errorLog        []map[string]any
	failures        map[string]failure
	delays          map[string]time.Duration
	submitStatus    int
}

type failure struct {
	status int
	times  int // remaining; negative means forever
}

// ConnectRoute is the key under which connect calls are counted.
const ConnectRoute = "ConnectionSetup/{ip}"

// New starts a fake application and closes it when the test ends.
func New(t testing.TB) *Server {
	s := &Server{
		version:      "1.2.3",
		calls:        map[string]int{},
		failures:     map[string]failure{},
		delays:       map[string]time.Duration{},
		testCaseList: []any{[]any{map[string]any{"key": "7.1 X", "enable": true, "children": []any{}}}},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// SetVersion sets the GetSoftwareVersion reply.
func (s *Server) SetVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
}

// FailConnect makes the first n connect calls fail with 500. Negative n fails forever.
func (s *Server) FailConnect(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectFailures = n
}

// FailRoute makes route answer status for the next times calls. Negative times fails forever.
func (s *Server) FailRoute(route string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = failure{status: status, times: times}
}

// SetDelay delays every reply on route by d.
func (s *Server) SetDelay(route string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[route] = d
}

// Script replaces the test status steps.
func (s *Server) Script(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = steps
	s.stepIndex = 0
}

// QueuePopup makes a dialog visible immediately.
func (s *Server) QueuePopup(p Popup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.popups = append(s.popups, p)
}

// SetTestCaseList sets the GetTestCaseList reply.
func (s *Server) SetTestCaseList(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.testCaseList = v
}

// SetErrorLog sets the GetErrorLog reply.
func (s *Server) SetErrorLog(entries ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorLog = entries
}

// RejectSubmit makes PostTestListToExecute answer status.
func (s *Server) RejectSubmit(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitStatus = status
}

// Calls returns how many times route was requested.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// Submitted returns every test list received.
func (s *Server) Submitted() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.submitted...)
}

// Responses returns every message box response received.
func (s *Server) Responses() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.responses...)
}

// Projects returns every project descriptor received.
func (s *Server) Projects() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.projects...)
}

// PendingPopups returns how many dialogs are still displayed or queued.
func (s *Server) PendingPopups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.popups)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	route := strings.TrimPrefix(r.URL.Path, "/api/")
	if !strings.HasPrefix(r.URL.Path, "/api/") {
		http.NotFound(w, r)
		return
	}
	key := route
	if strings.HasPrefix(route, "ConnectionSetup/") && isIP(strings.TrimPrefix(route, "ConnectionSetup/")) {
		key = ConnectRoute
	}

	s.mu.Lock()
	s.calls[key]++
	delay := s.delays[key]
	if f, ok := s.failures[key]; ok && f.times != 0 {
		if f.times > 0 {
			f.times--
			s.failures[key] = f
		}
		s.mu.Unlock()
		sleep(r, delay)
		http.Error(w, "injected failure", f.status)
		return
	}
	s.mu.Unlock()
	sleep(r, delay)

	switch {
	case key == "App/GetSoftwareVersion":
		s.mu.Lock()
		v := s.version
		s.mu.Unlock()
		writeJSON(w, v)
	case key == "App/GetAppState":
		writeJSON(w, map[string]string{"appState": s.currentAppState(), "connectionState": "CONNECTED"})
	case key == "App/GetMessageBox":
		s.serveMessageBox(w)
	case key == "App/PutMessageBoxResponse":
		s.serveMessageBoxResponse(w, r)
	case key == "App/GetErrorLog":
		s.mu.Lock()
		entries := s.errorLog
		s.mu.Unlock()
		if entries == nil {
			entries = []map[string]any{}
		}
		writeJSON(w, entries)
	case key == ConnectRoute:
		s.serveConnect(w)
	case strings.HasPrefix(key, "ConnectionSetup/Latest"):
		writeJSON(w, strings.TrimSuffix(strings.TrimPrefix(key, "ConnectionSetup/Latest"), "Version")+"-1.0")
	case key == "ConnectionSetup/GetIPAddressHistory":
		writeJSON(w, []string{"192.168.5.53"})
	case key == "ConnectionSetup/ForceStopCurrentExecution":
		writeJSON(w, map[string]bool{"stopped": true})
	case key == "TestConfiguration/GetTestCaseList":
		s.mu.Lock()
		list := s.testCaseList
		s.mu.Unlock()
		writeJSON(w, list)
	case key == "TestConfiguration/GetCoilFilter":
		writeJSON(w, map[string]any{"coils": []string{}})
	case key == "TestConfiguration/PutProjectFolder":
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.projects = append(s.projects, json.RawMessage(body))
		s.mu.Unlock()
		writeJSON(w, map[string]bool{"success": true})
	case key == "TestConfiguration/PostTestListToExecute/0/true":
		s.serveSubmit(w, r)
	case key == "Results/GetTestStatus":
		writeJSON(w, map[string]string{"Test Status": s.nextStatus()})
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveConnect(w http.ResponseWriter) {
	s.mu.Lock()
	fail := s.connectFailures != 0
	if s.connectFailures > 0 {
		s.connectFailures--
	}
	s.mu.Unlock()
	if fail {
		http.Error(w, "equipment not reachable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, "Connected")
}

func (s *Server) serveSubmit(w http.ResponseWriter, r *http.Request) {
	var tests []string
	if err := json.NewDecoder(r.Body).Decode(&tests); err != nil {
		http.Error(w, "bad test list", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.submitted = append(s.submitted, tests)
	status := s.submitStatus
	s.mu.Unlock()
	if status != 0 {
		http.Error(w, "rejected", status)
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

func (s *Server) serveMessageBox(w http.ResponseWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.popups) == 0 {
		writeJSON(w, map[string]any{"message": "", "popID": 0, "title": ""})
		return
	}
	p := s.popups[0]
	icon := p.Icon
	if icon == "" {
		icon = "Information"
	}
	writeJSON(w, map[string]any{
		"message":              p.Message,
		"title":                p.Title,
		"popID":                p.PopID,
		"icon":                 icon,
		"shouldTextBoxBeAdded": p.Input,
	})
}

func (s *Server) serveMessageBoxResponse(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad response", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.responses = append(s.responses, body)
	if len(s.popups) > 0 {
		s.popups = s.popups[1:]
	}
	s.mu.Unlock()
	writeJSON(w, map[string]bool{"success": true})
}

func (s *Server) nextStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingPopup != nil {
		s.popups = append(s.popups, *s.pendingPopup)
		s.pendingPopup = nil
	}
	if len(s.steps) == 0 {
		return ""
	}
	if s.stepIndex >= len(s.steps) {
		return s.steps[len(s.steps)-1].Status
	}
	step := s.steps[s.stepIndex]
	s.stepIndex++
	if step.Popup != nil {
		p := *step.Popup
		s.pendingPopup = &p
	}
	return step.Status
}

func (s *Server) currentAppState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 || s.stepIndex == 0 {
		return "READY"
	}
	st := s.steps[s.stepIndex-1].AppState
	if st == "" {
		return "BUSY"
	}
	return st
}

func isIP(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != ':' {
			return false
		}
	}
	return true
}

func sleep(r *http.Request, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-r.Context().Done():
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
