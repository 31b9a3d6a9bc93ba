package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/courierd/courier/internal/agent"
	"github.com/courierd/courier/internal/logging"
)

func TestHandleHealth(t *testing.T) {
	s := &Server{}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("got status %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("got body %v", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("got content-type %q", ct)
	}
}

func TestHandleHealthMethodNotAllowed(t *testing.T) {
	s := &Server{}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("got status %d", w.Code)
	}
}

func TestCreateTaskValidatesAgentForLocalDeviceAnyCase(t *testing.T) {
	reg, err := agent.NewRegistry([]*agent.Descriptor{
		{Key: "claude", BaseCommand: "claude"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := &Server{registry: reg, deviceID: "dev-1"}

	// The device id matches this daemon apart from case, so the unknown
	// agent must be rejected before the task is ever stored.
	body := `{"device_id": "DEV-1", "agent_key": "nope"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.createTask(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.Contains(resp["error"], "unknown agent") {
		t.Errorf("got error %q", resp["error"])
	}
}

func TestHandleLogsDisabled(t *testing.T) {
	s := &Server{}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/logs", nil)
	w := httptest.NewRecorder()
	s.handleLogs(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", w.Code)
	}
}

func TestHandleLogsFilters(t *testing.T) {
	events := logging.NewManager(nil, 16)
	events.Info("dispatcher", "claimed task", map[string]interface{}{"task_id": "t-1"})
	events.Error("engine", "spawn failed", map[string]interface{}{"task_id": "t-2"})
	s := &Server{events: events}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/logs?level=error", nil)
	w := httptest.NewRecorder()
	s.handleLogs(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Logs []logging.Entry `json:"logs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Logs) != 1 || resp.Logs[0].Message != "spawn failed" {
		t.Errorf("got logs %+v", resp.Logs)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/logs?limit=bogus", nil)
	w = httptest.NewRecorder()
	s.handleLogs(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid limit: got status %d, want 400", w.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/health", "/api/v1/health"},
		{"/api/v1/tasks", "/api/v1/tasks"},
		{"/api/v1/tasks/0b41e9fd-5575-4f39-a5e4-5c8b7b3c4e9a", "/api/v1/tasks/:id"},
		{"/api/v1/tasks/0b41e9fd-5575-4f39-a5e4-5c8b7b3c4e9a/cancel", "/api/v1/tasks/:id/cancel"},
		{"/api/v1/tasks/0b41e9fd-5575-4f39-a5e4-5c8b7b3c4e9a/tail", "/api/v1/tasks/:id/tail"},
		{"/api/v1/agents", "/api/v1/agents"},
		{"/api/v1/agents/claude", "/api/v1/agents/:key"},
		{"/ws", "/ws"},
	}

	for _, tt := range tests {
		if got := routeLabel(tt.path); got != tt.want {
			t.Errorf("routeLabel(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestParseJSONRejectsGarbage(t *testing.T) {
	s := &Server{}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader("{not json"))

	var v map[string]interface{}
	if err := s.parseJSON(req, &v); err == nil {
		t.Error("expected decode error")
	}
}

func TestRespondError(t *testing.T) {
	s := &Server{}
	w := httptest.NewRecorder()
	s.respondError(w, http.StatusBadRequest, "agent_key is required")

	if w.Code != http.StatusBadRequest {
		t.Errorf("got status %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "agent_key is required" {
		t.Errorf("got body %v", body)
	}
}
