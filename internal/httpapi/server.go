// Package httpapi exposes the orchestration service over HTTP: a uniform
// RPC dispatcher, a few REST conveniences for task output and merging, and a
// websocket feed of lifecycle events.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kagan-sh/kagan-sub002/internal/authz"
	"github.com/kagan-sh/kagan-sub002/internal/autooutput"
	"github.com/kagan-sh/kagan-sub002/internal/config"
	"github.com/kagan-sh/kagan-sub002/internal/events"
	"github.com/kagan-sh/kagan-sub002/internal/execution"
	"github.com/kagan-sh/kagan-sub002/internal/logger"
	"github.com/kagan-sh/kagan-sub002/internal/merge"
	"github.com/kagan-sh/kagan-sub002/internal/observability"
	"github.com/kagan-sh/kagan-sub002/internal/runtime"
	"github.com/kagan-sh/kagan-sub002/internal/scheduler"
	"github.com/kagan-sh/kagan-sub002/internal/tasks"
	"github.com/kagan-sh/kagan-sub002/internal/workspace"
)

type Server struct {
	cfg      config.Config
	gate     *authz.Gate
	tasks    tasks.Store
	execs    execution.Store
	registry *runtime.Registry
	output   *autooutput.Coordinator
	merges   *merge.Coordinator
	sched    scheduler.Service
	adapter  workspace.Adapter
	bus      *events.Bus
	metrics  *observability.Metrics
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

func New(
	cfg config.Config,
	gate *authz.Gate,
	taskStore tasks.Store,
	execs execution.Store,
	registry *runtime.Registry,
	output *autooutput.Coordinator,
	merges *merge.Coordinator,
	sched scheduler.Service,
	adapter workspace.Adapter,
	bus *events.Bus,
	metrics *observability.Metrics,
	log *logger.Logger,
) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	return &Server{
		cfg:      cfg,
		gate:     gate,
		tasks:    taskStore,
		execs:    execs,
		registry: registry,
		output:   output,
		merges:   merges,
		sched:    sched,
		adapter:  adapter,
		bus:      bus,
		metrics:  metrics,
		logger:   log.WithFields(zap.String("component", "httpapi")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Same-origin browser connections only; non-browser clients
				// omit Origin and are allowed.
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, req)
	})

	r.Post("/v1/rpc", s.handleRPC)

	r.Get("/v1/tasks/{id}/output", s.handleTaskOutput)
	r.Post("/v1/tasks/{id}/output/recover", s.handleRecoverOutput)
	r.Post("/v1/tasks/{id}/merge", s.handleMergeTask)

	r.Get("/v1/events/ws", s.handleEventsWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.cfg.Version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.tasks.List(r.Context(), 1); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"version":       s.cfg.Version,
		"running_tasks": s.registry.RunningTasks(),
	})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req RPCRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}
	if req.Capability == "" || req.Method == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "capability and method are required")
		return
	}
	respondJSON(w, http.StatusOK, s.dispatch(r.Context(), req))
}

// metaFromHeaders builds the caller identity for the REST conveniences. The
// same session headers carry what the RPC envelope carries inline.
func metaFromHeaders(r *http.Request) authz.RequestMeta {
	return authz.RequestMeta{
		SessionID:     strings.TrimSpace(r.Header.Get("X-Session-ID")),
		Profile:       strings.TrimSpace(r.Header.Get("X-Session-Profile")),
		Origin:        strings.TrimSpace(r.Header.Get("X-Session-Origin")),
		ClientVersion: strings.TrimSpace(r.Header.Get("X-Client-Version")),
	}
}

func (s *Server) handleTaskOutput(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	params := map[string]any{"task_id": taskID}

	if _, authErr := s.gate.Enforce(r.Context(), metaFromHeaders(r), "output", "prepare", params); authErr != nil {
		respondError(w, http.StatusForbidden, authErr.Code, authErr.Message)
		return
	}

	task, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		respondError(w, http.StatusNotFound, "task_not_found", "task "+taskID+" not found")
		return
	}

	readiness := s.output.PrepareOutput(r.Context(), task)
	var logs []execution.LogEntry
	if readiness.CanOpenOutput && readiness.ExecutionID != "" {
		logs, _ = s.execs.Logs(r.Context(), readiness.ExecutionID, 200)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"readiness": readiness,
		"logs":      logs,
	})
}

func (s *Server) handleRecoverOutput(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	params := map[string]any{"task_id": taskID}

	if _, authErr := s.gate.Enforce(r.Context(), metaFromHeaders(r), "output", "recover", params); authErr != nil {
		respondError(w, http.StatusForbidden, authErr.Code, authErr.Message)
		return
	}

	task, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		respondError(w, http.StatusNotFound, "task_not_found", "task "+taskID+" not found")
		return
	}
	respondJSON(w, http.StatusOK, s.output.RecoverStale(r.Context(), task))
}

func (s *Server) handleMergeTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	params := map[string]any{"task_id": taskID}

	var body struct {
		RepoID   string `json:"repo_id,omitempty"`
		Strategy string `json:"strategy,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if _, authErr := s.gate.Enforce(r.Context(), metaFromHeaders(r), "merge", "merge_task", params); authErr != nil {
		respondError(w, http.StatusForbidden, authErr.Code, authErr.Message)
		return
	}

	task, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		respondError(w, http.StatusNotFound, "task_not_found", "task "+taskID+" not found")
		return
	}

	var res merge.Result
	switch {
	case body.RepoID != "":
		res = s.merges.MergeRepo(r.Context(), task, body.RepoID)
	case body.Strategy == merge.StrategyPR:
		res = s.merges.CreatePR(r.Context(), task)
	default:
		res = s.merges.MergeTask(r.Context(), task)
	}
	respondJSON(w, http.StatusOK, res)
}

// handleEventsWS streams bus events to the client until it disconnects. The
// subscription drops events when the socket cannot keep up; the bus never
// blocks on a slow reader.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if _, authErr := s.gate.Enforce(r.Context(), metaFromHeaders(r), "events", "subscribe", nil); authErr != nil {
		respondError(w, http.StatusForbidden, authErr.Code, authErr.Message)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := s.bus.Subscribe("ws:" + r.RemoteAddr)
	defer cancel()

	// Reads are only used to detect disconnects and answer pings.
	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})
	readClosed := make(chan struct{})
	go func() {
		defer close(readClosed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-readClosed:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event write failed", zap.Error(err))
				return
			}
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
