package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"storyforge/internal/artifact"
	"storyforge/internal/definition"
	"storyforge/internal/graph"
	"storyforge/internal/orchestrator"
	"storyforge/internal/progress"
	"storyforge/internal/stage"
)

// Runner is the orchestrator surface the HTTP API drives.
type Runner interface {
	Start(ctx context.Context, defs []stage.Definition) (string, error)
	Run(ctx context.Context, id string) (orchestrator.RunSession, error)
	Get(id string) (orchestrator.RunSession, error)
	List() []orchestrator.RunSession
	Purge(id string) error
}

// ProgressReader returns the latest retained event of a session.
type ProgressReader interface {
	Last(sessionID string) (progress.Event, bool)
}

// RunHandler serves the /v1/runs API. Accepted runs execute in the background
// on a context that outlives the request.
type RunHandler struct {
	runs      Runner
	feeds     ProgressReader
	artifacts artifact.Store
	logger    *zap.Logger

	baseCtx context.Context
	wg      sync.WaitGroup
}

func NewRunHandler(ctx context.Context, runs Runner, feeds ProgressReader, artifacts artifact.Store, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{
		runs:      runs,
		feeds:     feeds,
		artifacts: artifacts,
		logger:    logger,
		baseCtx:   context.WithoutCancel(ctx),
	}
}

// Register attaches the run routes to mux.
func (h *RunHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", h.HandleStart)
	mux.HandleFunc("GET /v1/runs", h.HandleList)
	mux.HandleFunc("GET /v1/runs/{id}", h.HandleGet)
	mux.HandleFunc("DELETE /v1/runs/{id}", h.HandlePurge)
	mux.HandleFunc("GET /v1/runs/{id}/progress", h.HandleProgress)
	mux.HandleFunc("GET /v1/runs/{id}/artifacts", h.HandleArtifacts)
	mux.HandleFunc("GET /v1/runs/{id}/artifacts/{path...}", h.HandleArtifact)
}

// Wait blocks until every background run has finished.
func (h *RunHandler) Wait() { h.wg.Wait() }

func (h *RunHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	pipeline, err := definition.Load(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defs, err := pipeline.Definitions()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.runs.Start(r.Context(), defs)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if _, err := h.runs.Run(h.baseCtx, id); err != nil {
			h.logger.Info("run finished with error", zap.String("session_id", id), zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": id,
		"pipeline":   pipeline.Name,
	})
}

func (h *RunHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": h.runs.List()})
}

func (h *RunHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	s, err := h.runs.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *RunHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	ev, ok := h.feeds.Last(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no progress for session "+id)
		return
	}
	writeJSON(w, http.StatusOK, progress.Encode(ev))
}

func (h *RunHandler) HandlePurge(w http.ResponseWriter, r *http.Request) {
	if err := h.runs.Purge(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RunHandler) HandleArtifacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.runs.Get(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	paths, err := h.artifacts.List(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "artifacts": paths})
}

func (h *RunHandler) HandleArtifact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	content, err := h.artifacts.Get(r.Context(), id, r.PathValue("path"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(content)
}

func statusFor(err error) int {
	var graphErr *graph.GraphError
	switch {
	case errors.As(err, &graphErr),
		errors.Is(err, orchestrator.ErrNoStages),
		errors.Is(err, orchestrator.ErrUnknownExecutor),
		errors.Is(err, definition.ErrInvalidDefinition),
		errors.Is(err, artifact.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrSessionNotFound), errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrSessionActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
