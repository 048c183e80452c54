package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tasker-core/core/internal/cdp"
	"github.com/tasker-core/core/internal/runloop"
	"github.com/tasker-core/core/internal/session"
	"github.com/tasker-core/core/internal/tkerr"
	"github.com/tasker-core/core/internal/tracing"
	"github.com/tasker-core/core/pkg/models"
)

// runHandle lets an in-flight run's driver be reached for forceful teardown
// beyond the run loop's own cooperative cancellation path.
type runHandle struct {
	driver *cdp.Driver
}

type startRunRequest struct {
	WorkflowID         string `json:"workflow_id,omitempty"`
	TaskDescription    string `json:"task_description"`
	CustomInstructions string `json:"custom_instructions,omitempty"`
	StopWhen           string `json:"stop_when,omitempty"`
	MaxSteps           int    `json:"max_steps,omitempty"`
	LLMProvider        string `json:"llm_provider"`
	LLMModel           string `json:"llm_model"`
	Headless           *bool  `json:"headless,omitempty"`
	ViewportWidth      int    `json:"viewport_width,omitempty"`
	ViewportHeight     int    `json:"viewport_height,omitempty"`
	Hints              string `json:"hints,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TaskDescription == "" {
		writeError(w, tkerr.New(tkerr.InvalidInput, "task_description is required"))
		return
	}
	if req.LLMProvider == "" {
		req.LLMProvider = s.cfg.LLM.DefaultProvider
	}
	if req.LLMModel == "" {
		req.LLMModel = s.cfg.LLM.DefaultModel
	}

	runID := uuid.NewString()
	run := &models.Run{
		ID:                 runID,
		WorkflowID:         req.WorkflowID,
		TaskDescription:    req.TaskDescription,
		CustomInstructions: req.CustomInstructions,
		StopWhen:           req.StopWhen,
		MaxSteps:           req.MaxSteps,
		LLMProvider:        req.LLMProvider,
		LLMModel:           req.LLMModel,
		Hints:              req.Hints,
		Status:             models.RunPending,
		StartedAt:          time.Now(),
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		writeError(w, err)
		return
	}

	headless := true
	if req.Headless != nil {
		headless = *req.Headless
	}

	workDir := s.runWorkDir(runID)
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.sessions.Register(runID, session.KindRun, cancel, done)

	go s.driveRun(runCtx, done, run, cdp.Config{
		Headless:       headless,
		ViewportWidth:  req.ViewportWidth,
		ViewportHeight: req.ViewportHeight,
		WorkDir:        workDir,
		ActionTimeout:  time.Duration(s.cfg.Browser.ActionTimeoutSec) * time.Second,
	})

	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": string(models.RunPending)})
}

func (s *Server) driveRun(ctx context.Context, done chan struct{}, run *models.Run, driverCfg cdp.Config) {
	defer close(done)
	defer s.sessions.MarkTerminal(run.ID)
	defer s.forgetRun(run.ID)

	driver, err := cdp.Launch(ctx, driverCfg)
	if err != nil {
		_ = s.store.UpdateRunStatus(context.Background(), run.ID, models.RunFailed, err.Error(), "")
		s.hub.EmitRunStatus(run.ID, models.RunFailed, err.Error())
		return
	}
	defer driver.Close()

	s.mu.Lock()
	s.runs[run.ID] = &runHandle{driver: driver}
	s.mu.Unlock()
	s.sessions.MarkActive(run.ID)

	tracer, err := tracing.Open(s.cfg.DataDir, run.ID)
	if err != nil {
		s.logger.Warn("failed to open run trace file", "run_id", run.ID, "error", err)
	} else {
		defer tracer.Close()
	}

	cancelSignal := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(cancelSignal)
	}()

	loop := runloop.New(runloop.Config{
		RunID:              run.ID,
		WorkflowID:         run.WorkflowID,
		TaskDescription:    run.TaskDescription,
		CustomInstructions: run.CustomInstructions,
		StopWhen:           run.StopWhen,
		MaxSteps:           run.MaxSteps,
		Provider:           run.LLMProvider,
		Model:              run.LLMModel,
	}, runloop.Deps{
		Driver: driver,
		Store:  s.store,
		LLM:    s.llm,
		Events: s.hub,
		Tracer: tracer,
	}, cancelSignal)

	_ = loop.Run(ctx)
}

func (s *Server) runWorkDir(runID string) string {
	return s.cfg.DataDir + "/files/" + runID
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	page := atoiDefault(r.URL.Query().Get("page"), 1)
	perPage := atoiDefault(r.URL.Query().Get("per_page"), 20)
	filter := models.RunFilter{
		Status:     models.RunStatus(r.URL.Query().Get("status")),
		WorkflowID: r.URL.Query().Get("workflow_id"),
	}
	runs, total, err := s.store.ListRuns(r.Context(), filter, page, perPage)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs": runs, "total": total, "page": page, "per_page": perPage,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.store.ListSteps(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.store.ListLogs(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleListRunFiles(w http.ResponseWriter, r *http.Request) {
	files, total, err := s.store.ListFiles(r.Context(), r.PathValue("id"), 0, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files, "total": total})
}

// handleCancelRun requests cooperative cancellation. The run loop itself
// observes the cancel signal at its next step boundary and transitions to
// cancelled, persisting the status and emitting run_status; this handler
// only triggers that and reports the request as accepted.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.sessions.Get(id); !ok {
		writeError(w, tkerr.New(tkerr.NotFound, "run session not found or already terminal"))
		return
	}
	go s.sessions.Stop(context.Background(), id, s.cfg.StopGrace(), func() { s.forceCloseRun(id) })
	writeJSON(w, http.StatusOK, map[string]string{"run_id": id, "status": string(models.RunCancelled)})
}

// forceCloseRun kills the run's Chromium process directly when the run
// loop fails to unwind within the session's grace window.
func (s *Server) forceCloseRun(id string) {
	s.mu.Lock()
	handle, ok := s.runs[id]
	s.mu.Unlock()
	if ok {
		handle.driver.Close()
	}
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.sessions.Cancel(id)
	if err := s.store.DeleteRun(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "deleted": true})
}

func (s *Server) forgetRun(id string) {
	s.mu.Lock()
	delete(s.runs, id)
	s.mu.Unlock()
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
