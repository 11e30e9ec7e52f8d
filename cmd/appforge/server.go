package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"appforge/pkg/config"
	"appforge/pkg/dispatch"
	"appforge/pkg/limiter"
	"appforge/pkg/logx"
	"appforge/pkg/persistence"
	"appforge/pkg/pipeline"
	"appforge/pkg/proto"
	"appforge/pkg/workflow"
)

// serverDeps carries the collaborators behind the HTTP surface.
type serverDeps struct {
	cfg        *config.Config
	store      *persistence.Store
	limiter    *limiter.Limiter
	deps       pipeline.Deps
	executor   *workflow.Executor
	dispatcher *dispatch.Dispatcher
	registry   *prometheus.Registry
	logger     *logx.Logger
}

type server struct {
	serverDeps
}

func newServer(deps serverDeps) *server {
	return &server{serverDeps: deps}
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/codegen", s.handleCodegen).Methods("POST")
	r.HandleFunc("/api/triage", s.handleTriage).Methods("POST")
	r.HandleFunc("/api/errorfix", s.handleErrorFix).Methods("POST")
	r.HandleFunc("/api/sweep", s.handleSweep).Methods("POST")
	r.HandleFunc("/api/jobs/{id}", s.handleGetJob).Methods("GET")
	r.HandleFunc("/api/ratelimit/{op}", s.handleRateLimit).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return r
}

type codegenRequest struct {
	OwnerID    string `json:"owner_id"`
	Value      string `json:"value"`
	Model      string `json:"model,omitempty"`
	IsRevision bool   `json:"is_revision,omitempty"`
	Priority   int    `json:"priority,omitempty"`
}

// handleCodegen enqueues a CODEGEN task; the scheduled sweep picks it
// up in priority order.
func (s *server) handleCodegen(w http.ResponseWriter, r *http.Request) {
	var req codegenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Value == "" {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}
	priority := req.Priority
	if priority == 0 {
		priority = dispatch.PriorityDefault
	}

	taskID, err := s.dispatcher.Enqueue(r.Context(), proto.TaskCodegen, pipeline.CodegenPayload{
		OwnerID:    req.OwnerID,
		Value:      req.Value,
		Model:      req.Model,
		IsRevision: req.IsRevision,
	}, priority)
	if err != nil {
		s.logger.Error("codegen enqueue failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// handleTriage enqueues a TRIAGE task for an inbound issue. Triage
// runs ahead of backlog codegen.
func (s *server) handleTriage(w http.ResponseWriter, r *http.Request) {
	var payload pipeline.TriagePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.IssueID == "" || payload.Summary == "" {
		writeError(w, http.StatusBadRequest, "issue_id and summary are required")
		return
	}

	taskID, err := s.dispatcher.Enqueue(r.Context(), proto.TaskTriage, payload, dispatch.PriorityHigh)
	if err != nil {
		s.logger.Error("triage enqueue failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// handleErrorFix starts a repair run against a stored artifact. The
// job is created synchronously so the caller gets its ID; the pipeline
// itself runs detached from the request.
func (s *server) handleErrorFix(w http.ResponseWriter, r *http.Request) {
	var payload pipeline.ErrorFixPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.FragmentID == "" {
		writeError(w, http.StatusBadRequest, "fragment_id is required")
		return
	}

	machine, err := pipeline.StartErrorFix(r.Context(), s.deps, payload)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, "fragment not found")
			return
		}
		s.logger.Error("error-fix start failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to start error fix")
		return
	}

	jobID := machine.JobID()
	go func() {
		state, runErr := s.executor.Resume(context.Background(), machine)
		if runErr != nil {
			s.logger.Error("error-fix job %s: %v", jobID, runErr)
			return
		}
		s.logger.Info("error-fix job %s finished in state %s", jobID, state)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// handleSweep nudges the dispatcher outside its schedule.
func (s *server) handleSweep(w http.ResponseWriter, r *http.Request) {
	claimed, err := s.dispatcher.Sweep(r.Context(), s.cfg.Dispatcher.SweepBatch)
	if err != nil {
		s.logger.Error("sweep failed: %v", err)
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"claimed": claimed})
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("job lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleRateLimit reports the trailing-window usage for one of the
// rate-limited sandbox operations.
func (s *server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	var (
		op    proto.RateOp
		limit int
	)
	switch mux.Vars(r)["op"] {
	case string(proto.OpSandboxCreate):
		op, limit = proto.OpSandboxCreate, s.cfg.Sandbox.MaxCreatesPerHour
	case string(proto.OpSandboxConnect):
		op, limit = proto.OpSandboxConnect, s.cfg.Sandbox.MaxConnectsPerHr
	default:
		writeError(w, http.StatusNotFound, "unknown operation")
		return
	}

	status, err := s.limiter.GetStats(r.Context(), op)
	if err != nil {
		s.logger.Error("rate limit stats failed: %v", err)
		writeError(w, http.StatusInternalServerError, "stats lookup failed")
		return
	}
	status.Limit = limit
	status.Remaining = limit - status.Count
	if status.Remaining < 0 {
		status.Remaining = 0
	}
	status.Exceeded = status.Count >= limit
	writeJSON(w, http.StatusOK, status)
}

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
