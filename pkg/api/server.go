// Package api exposes the ten operations in spec.md §6 over HTTP, one
// method-gated JSON handler each, adapted from the teacher's
// pkg/api.HealthServer: a struct wrapping a mux, registering handlers in
// its constructor, serving a uniform response envelope. The teacher binds
// its operations over grpc/protobuf; this layer uses net/http + encoding/json
// instead, since spec.md scopes the endpoint surface as "interfaces only"
// and no protoc toolchain is available to generate real .pb.go stubs.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentrun/contextd/pkg/contexterr"
	"github.com/agentrun/contextd/pkg/episode"
	"github.com/agentrun/contextd/pkg/log"
	"github.com/agentrun/contextd/pkg/memory"
	"github.com/agentrun/contextd/pkg/metrics"
	"github.com/agentrun/contextd/pkg/service"
	"github.com/agentrun/contextd/pkg/types"
	"github.com/rs/zerolog"
)

// Server wraps a *service.Service behind the ten-operation HTTP surface.
type Server struct {
	svc *service.Service
	mux *http.ServeMux
	log zerolog.Logger
}

// New registers every operation's handler and returns a ready Server.
func New(svc *service.Service) *Server {
	mux := http.NewServeMux()
	s := &Server{svc: svc, mux: mux, log: log.WithComponent("api")}

	mux.HandleFunc("/v1/boot", s.handleBoot)
	mux.HandleFunc("/v1/get_ws", s.handleGetWS)
	mux.HandleFunc("/v1/apply_patch", s.handleApplyPatch)
	mux.HandleFunc("/v1/propose_memory", s.handleProposeMemory)
	mux.HandleFunc("/v1/commit_memory", s.handleCommitMemory)
	mux.HandleFunc("/v1/search_memory", s.handleSearchMemory)
	mux.HandleFunc("/v1/milestone", s.handleMilestone)
	mux.HandleFunc("/v1/resume_snapshot", s.handleResumeSnapshot)
	mux.HandleFunc("/v1/resume_load", s.handleResumeLoad)
	mux.HandleFunc("/v1/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// Handler returns the http.Handler serving every registered route.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the HTTP server, matching the teacher's health-server timeout
// discipline.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv.ListenAndServe()
}

// errorEnvelope is the uniform failure shape spec.md §6 defines.
type errorEnvelope struct {
	OK      bool           `json:"ok"`
	Error   string         `json:"error"`
	Kind    contexterr.Kind `json:"kind"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	cerr, ok := err.(*contexterr.Error)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: err.Error(), Kind: contexterr.KindIO})
		return
	}
	writeJSON(w, statusFor(cerr.Kind), errorEnvelope{Error: cerr.Error(), Kind: cerr.Kind, Details: cerr.Details})
}

func statusFor(kind contexterr.Kind) int {
	switch kind {
	case contexterr.KindSchema:
		return http.StatusBadRequest
	case contexterr.KindConflict:
		return http.StatusConflict
	case contexterr.KindNotFound, contexterr.KindUnknownBatch:
		return http.StatusNotFound
	case contexterr.KindGate:
		return http.StatusForbidden
	case contexterr.KindOverflow:
		return http.StatusUnprocessableEntity
	case contexterr.KindCorruption:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return contexterr.Wrap(contexterr.KindSchema, "malformed request body", err)
	}
	return nil
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

type bootRequest struct {
	Objective          string   `json:"objective"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Constraints        []string `json:"constraints"`
	TaskID             string   `json:"task_id,omitempty"`
	ThreadID           string   `json:"thread_id,omitempty"`
}

func (s *Server) handleBoot(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req bootRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ws, runID, err := s.svc.Boot(service.BootRequest{
		Objective:          req.Objective,
		AcceptanceCriteria: req.AcceptanceCriteria,
		Constraints:        req.Constraints,
		TaskID:             req.TaskID,
		ThreadID:           req.ThreadID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "ws": ws})
}

func (s *Server) handleGetWS(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	runID := r.URL.Query().Get("run_id")
	ws, err := s.svc.GetWS(runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

type applyPatchRequest struct {
	RunID string         `json:"run_id"`
	Patch types.PatchSet `json:"patch"`
}

func (s *Server) handleApplyPatch(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req applyPatchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.svc.ApplyPatch(req.RunID, req.Patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"ws":            result.WS,
		"context_brief": result.ContextBrief,
	})
}

type proposeMemoryRequest struct {
	RunID string                        `json:"run_id"`
	MCRs  []types.MemoryChangeRequest   `json:"mcrs"`
}

func (s *Server) handleProposeMemory(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req proposeMemoryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	batchID, ids, err := s.svc.ProposeMemory(req.RunID, req.MCRs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch_id": batchID, "proposed_ids": ids})
}

type commitMemoryRequest struct {
	RunID                 string `json:"run_id"`
	BatchID               string `json:"batch_id"`
	MilestoneToken        string `json:"milestone_token,omitempty"`
	AllowOutsideMilestone bool   `json:"allow_outside_milestone,omitempty"`
}

func (s *Server) handleCommitMemory(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req commitMemoryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ids, err := s.svc.CommitMemory(service.CommitMemoryRequest{
		RunID:                 req.RunID,
		BatchID:               req.BatchID,
		MilestoneToken:        req.MilestoneToken,
		AllowOutsideMilestone: req.AllowOutsideMilestone,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"committed_ids": ids})
}

func (s *Server) handleSearchMemory(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	results, err := s.svc.SearchMemory(memory.SearchQuery{
		Text:    q.Get("q"),
		Type:    types.MemoryType(q.Get("type")),
		Scope:   types.MemoryScope(q.Get("scope")),
		ScopeID: q.Get("scope_id"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type milestoneRequest struct {
	RunID          string `json:"run_id"`
	Reason         string `json:"reason"`
	MemoryBatchID  string `json:"memory_batch_id,omitempty"`
	NextEntryPoint string `json:"next_entry_point,omitempty"`
}

func (s *Server) handleMilestone(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req milestoneRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.svc.Milestone(episode.SealRequest{
		RunID:          req.RunID,
		Reason:         req.Reason,
		MemoryBatchID:  req.MemoryBatchID,
		NextEntryPoint: req.NextEntryPoint,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type resumeSnapshotRequest struct {
	RunID    string         `json:"run_id"`
	ZipPack  bool           `json:"zip_pack"`
	Pointers map[string]any `json:"pointers,omitempty"`
}

func (s *Server) handleResumeSnapshot(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req resumeSnapshotRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.svc.ResumeSnapshot(req.RunID, req.ZipPack, req.Pointers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type resumeLoadRequest struct {
	PackPath string `json:"pack_path"`
	NewRunID string `json:"new_run_id,omitempty"`
}

func (s *Server) handleResumeLoad(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req resumeLoadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ws, runID, err := s.svc.ResumeLoad(req.PackPath, req.NewRunID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "ws": ws})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	result := s.svc.Health()
	writeJSON(w, http.StatusOK, map[string]any{"status": result.Status, "version": result.Version})
}
