package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tasker-core/core/internal/tkerr"
)

const maxRequestBodyBytes = 10 * 1024 * 1024

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("api: encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := tkerr.HTTPStatus(err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeErrorMsg(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return tkerr.Wrap(tkerr.InvalidInput, "request body too large", err)
		}
		return tkerr.Wrap(tkerr.InvalidInput, "invalid request body", err)
	}
	return nil
}
