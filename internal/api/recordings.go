package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/tasker-core/core/internal/recorder"
	"github.com/tasker-core/core/internal/session"
	"github.com/tasker-core/core/internal/tkerr"
)

type recordingHandle struct {
	engine *recorder.Engine
}

type startRecordingRequest struct {
	Headless       *bool `json:"headless,omitempty"`
	ViewportWidth  int   `json:"viewport_width,omitempty"`
	ViewportHeight int   `json:"viewport_height,omitempty"`
}

type recordingResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	StepCount int    `json:"step_count,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	var req startRecordingRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	headless := true
	if req.Headless != nil {
		headless = *req.Headless
	}

	sessionID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	engine := recorder.New(s.llm)
	s.mu.Lock()
	s.recordings[sessionID] = &recordingHandle{engine: engine}
	s.mu.Unlock()
	s.sessions.Register(sessionID, session.KindRecording, cancel, done)

	if err := engine.Start(runCtx, sessionID, recorder.Config{
		Headless:       headless,
		ViewportWidth:  req.ViewportWidth,
		ViewportHeight: req.ViewportHeight,
		Provider:       s.cfg.LLM.DefaultProvider,
		Model:          s.cfg.LLM.DefaultModel,
	}); err != nil {
		close(done)
		s.sessions.MarkTerminal(sessionID)
		writeError(w, err)
		return
	}
	close(done) // Start is synchronous; nothing further to await before terminal
	s.sessions.MarkActive(sessionID)

	writeJSON(w, http.StatusOK, recordingResponse{SessionID: sessionID, Status: string(engine.Status())})
}

func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	handle, ok := s.recordingHandle(id)
	if !ok {
		writeError(w, tkerr.New(tkerr.NotFound, "recording session not found"))
		return
	}
	writeJSON(w, http.StatusOK, recordingResponse{
		SessionID: id,
		Status:    string(handle.engine.Status()),
		StepCount: handle.engine.EventCount(),
		Error:     handle.engine.LastError(),
	})
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	handle, ok := s.recordingHandle(id)
	if !ok {
		writeError(w, tkerr.New(tkerr.NotFound, "recording session not found"))
		return
	}

	name, description, _, err := handle.engine.Stop(r.Context(), false)
	s.sessions.MarkTerminal(id)
	s.forgetRecording(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "task_description": description})
}

func (s *Server) handleCancelRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	handle, ok := s.recordingHandle(id)
	if !ok {
		writeError(w, tkerr.New(tkerr.NotFound, "recording session not found"))
		return
	}
	_, _, _, _ = handle.engine.Stop(r.Context(), true)
	s.sessions.Cancel(id)
	s.sessions.MarkTerminal(id)
	s.forgetRecording(id)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) recordingHandle(id string) (*recordingHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.recordings[id]
	return h, ok
}

func (s *Server) forgetRecording(id string) {
	s.mu.Lock()
	delete(s.recordings, id)
	s.mu.Unlock()
}
