// Package server exposes the HTTP API: task submission and inspection,
// agent discovery, live tail, websocket events, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/courierd/courier/internal/agent"
	"github.com/courierd/courier/internal/cache"
	"github.com/courierd/courier/internal/database"
	"github.com/courierd/courier/internal/dispatch"
	"github.com/courierd/courier/internal/logging"
	"github.com/courierd/courier/internal/messagebus"
	"github.com/courierd/courier/internal/metrics"
	"github.com/courierd/courier/internal/realtime"
	"github.com/courierd/courier/pkg/messages"
	"github.com/courierd/courier/pkg/models"
)

// Server represents the HTTP API server.
type Server struct {
	store      *database.Database
	registry   *agent.Registry
	dispatcher *dispatch.Dispatcher
	bus        messagebus.TaskPublisher // may be nil (standalone mode)
	tail       *cache.TailCache         // may be nil (cache disabled)
	hub        *realtime.Hub
	events     *logging.Manager // may be nil (event log disabled)
	metrics    *metrics.Metrics
	deviceID   string
	startedAt  time.Time
}

// NewServer creates the API server.
func NewServer(store *database.Database, registry *agent.Registry, dispatcher *dispatch.Dispatcher, bus messagebus.TaskPublisher, tail *cache.TailCache, hub *realtime.Hub, events *logging.Manager, m *metrics.Metrics, deviceID string) *Server {
	return &Server{
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		bus:        bus,
		tail:       tail,
		hub:        hub,
		events:     events,
		metrics:    m,
		deviceID:   deviceID,
		startedAt:  time.Now(),
	}
}

// SetupRoutes configures HTTP routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", s.handleHealth)

	mux.HandleFunc("/api/v1/tasks", s.handleTasks)
	mux.HandleFunc("/api/v1/tasks/", s.handleTask)

	mux.HandleFunc("/api/v1/agents", s.handleAgents)
	mux.HandleFunc("/api/v1/agents/", s.handleAgent)

	mux.HandleFunc("/api/v1/logs", s.handleLogs)
	mux.HandleFunc("/api/v1/system/status", s.handleSystemStatus)

	mux.Handle("/metrics", promhttp.Handler())
	if s.hub != nil {
		mux.Handle("/ws", s.hub)
	}

	return s.metricsMiddleware(mux)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTasks handles GET /api/v1/tasks and POST /api/v1/tasks.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listTasks(w, r)
	case http.MethodPost:
		s.createTask(w, r)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	filters := database.TaskFilters{
		DeviceID: r.URL.Query().Get("device_id"),
		AgentKey: r.URL.Query().Get("agent_key"),
		Status:   models.TaskStatus(r.URL.Query().Get("status")),
		Limit:    100,
	}
	if filters.Status != "" && !filters.Status.Valid() {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", filters.Status))
		return
	}

	tasks, err := s.store.ListTasks(r.Context(), filters)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID    string                 `json:"device_id"`
		AgentKey    string                 `json:"agent_key"`
		Parameters  map[string]interface{} `json:"parameters"`
		TimeoutSecs int                    `json:"timeout_seconds"`
	}
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.AgentKey == "" {
		s.respondError(w, http.StatusBadRequest, "agent_key is required")
		return
	}
	// Device ids are stored lowercase; normalize before any comparison.
	req.DeviceID = strings.ToLower(req.DeviceID)
	if req.DeviceID == "" {
		req.DeviceID = s.deviceID
	}

	// Tasks for this device are validated against the local registry;
	// other devices carry their own agent catalogs.
	if req.DeviceID == s.deviceID {
		if _, ok := s.registry.Get(req.AgentKey); !ok {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown agent %q", req.AgentKey))
			return
		}
	}

	task := models.NewTask(req.DeviceID, req.AgentKey, req.Parameters)
	task.TimeoutSecs = req.TimeoutSecs

	if err := s.store.CreateTask(r.Context(), task); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.bus != nil {
		if err := s.bus.PublishTask(r.Context(), task); err != nil {
			log.Printf("[API] Failed to announce task %s: %v", task.ID, err)
		}
	}
	if s.dispatcher != nil && task.DeviceID == s.deviceID {
		// Local fast path: hand the task to the dispatcher directly
		// instead of waiting for the next poll.
		s.dispatcher.Dispatch(context.Background(), task)
	}

	s.respondJSON(w, http.StatusCreated, task)
}

// handleTask handles GET /api/v1/tasks/{id} plus the cancel, retry, and
// tail sub-resources.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	parts := strings.Split(path, "/")

	taskID, err := uuid.Parse(parts[0])
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid task id")
		return
	}

	if len(parts) > 1 {
		switch parts[1] {
		case "cancel":
			s.cancelTask(w, r, taskID)
		case "retry":
			s.retryTask(w, r, taskID)
		case "tail":
			s.tailTask(w, r, taskID)
		default:
			s.respondError(w, http.StatusNotFound, "Not found")
		}
		return
	}

	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		s.respondError(w, http.StatusNotFound, "Task not found")
		return
	}
	s.respondJSON(w, http.StatusOK, task)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request, taskID uuid.UUID) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		s.respondError(w, http.StatusNotFound, "Task not found")
		return
	}

	if task.DeviceID != s.deviceID {
		// The task runs elsewhere; relay the cancel over the bus.
		if s.bus == nil {
			s.respondError(w, http.StatusConflict, "task belongs to another device and no message bus is configured")
			return
		}
		if err := s.bus.PublishCancel(r.Context(), messages.TaskCancel(taskID, task.DeviceID)); err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
		return
	}

	if err := s.dispatcher.Cancel(r.Context(), taskID); err != nil {
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request, taskID uuid.UUID) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	retry, err := s.dispatcher.Retry(r.Context(), taskID)
	if err != nil {
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}

	if s.bus != nil {
		if err := s.bus.PublishTask(r.Context(), retry); err != nil {
			log.Printf("[API] Failed to announce retry task %s: %v", retry.ID, err)
		}
	}
	if retry.DeviceID == s.deviceID {
		s.dispatcher.Dispatch(context.Background(), retry)
	}

	s.respondJSON(w, http.StatusCreated, retry)
}

func (s *Server) tailTask(w http.ResponseWriter, r *http.Request, taskID uuid.UUID) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	// Serve from the tail cache when available; fall back to the full
	// output stored in PostgreSQL.
	if s.tail != nil {
		out, err := s.tail.Tail(r.Context(), taskID)
		if err == nil && out != "" {
			s.respondJSON(w, http.StatusOK, map[string]interface{}{"task_id": taskID, "output": out, "source": "cache"})
			return
		}
		if err != nil {
			log.Printf("[API] Tail cache read failed for task %s: %v", taskID, err)
		}
	}

	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		s.respondError(w, http.StatusNotFound, "Task not found")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"task_id": taskID, "output": task.Output, "source": "store"})
}

// handleAgents handles GET /api/v1/agents.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"agents": s.registry.Descriptors()})
}

// handleAgent handles GET /api/v1/agents/{key}.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/api/v1/agents/")
	desc, ok := s.registry.Get(key)
	if !ok {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("unknown agent %q", key))
		return
	}
	s.respondJSON(w, http.StatusOK, desc)
}

// handleLogs handles GET /api/v1/logs: the queryable task-event log.
// With a persisting manager the query hits Postgres; otherwise it is
// answered from the in-memory ring.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.events == nil {
		s.respondError(w, http.StatusNotFound, "Event log not enabled")
		return
	}

	q := r.URL.Query()
	filters := logging.Filters{
		Level:    q.Get("level"),
		Source:   q.Get("source"),
		TaskID:   q.Get("task_id"),
		AgentKey: q.Get("agent_key"),
		DeviceID: q.Get("device_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		filters.Limit = n
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid since %q", v))
			return
		}
		filters.Since = ts
	}
	if v := q.Get("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid until %q", v))
			return
		}
		filters.Until = ts
	}

	entries, err := s.events.Query(r.Context(), filters)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []logging.Entry{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"logs": entries})
}

// handleSystemStatus reports daemon status for dashboards and the CLI.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := map[string]interface{}{
		"device_id":      s.deviceID,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"agents":         s.registry.Keys(),
		"tasks":          counts,
	}
	if s.dispatcher != nil {
		status["in_flight"] = s.dispatcher.InFlight()
	}
	if s.hub != nil {
		status["ws_clients"] = s.hub.ClientCount()
	}
	s.respondJSON(w, http.StatusOK, status)
}

// Middleware

// metricsMiddleware records request counts and latency per route.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// routeLabel collapses task and agent ids so metric cardinality stays
// bounded.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/api/v1/tasks/") {
		rest := strings.TrimPrefix(path, "/api/v1/tasks/")
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return "/api/v1/tasks/:id/" + rest[i+1:]
		}
		return "/api/v1/tasks/:id"
	}
	if strings.HasPrefix(path, "/api/v1/agents/") {
		return "/api/v1/agents/:key"
	}
	return path
}

// Helpers

// parseJSON decodes a request body.
func (s *Server) parseJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// respondJSON writes a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
