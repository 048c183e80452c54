package api

import (
	"encoding/base64"
	"net/http"
	"os"

	"github.com/tasker-core/core/internal/tkerr"
)

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	limit := atoiDefault(r.URL.Query().Get("limit"), 50)
	offset := atoiDefault(r.URL.Query().Get("offset"), 0)
	files, total, err := s.store.ListFiles(r.Context(), "", limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files, "total": total})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	meta, err := s.store.GetFile(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := os.ReadFile(meta.FilePath)
	if err != nil {
		writeError(w, tkerr.Wrap(tkerr.NotFound, "file blob missing on disk", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":             meta.ID,
		"run_id":         meta.RunID,
		"workflow_id":    meta.WorkflowID,
		"file_name":      meta.FileName,
		"mime_type":      meta.MimeType,
		"file_size":      meta.FileSize,
		"created_at":     meta.CreatedAt,
		"content_base64": base64.StdEncoding.EncodeToString(data),
	})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	meta, err := s.store.GetFile(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteFile(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	_ = os.Remove(meta.FilePath)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
