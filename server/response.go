package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/teranos/spacerjobs/errors"
	"github.com/teranos/spacerjobs/logger"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeWrappedError logs err with context and answers with a status
// derived from it: not found and invalid request map to 404 and 400.
func writeWrappedError(w http.ResponseWriter, log *zap.SugaredLogger, err error, context string, fallback int) {
	status := fallback
	switch {
	case errors.IsNotFoundError(err):
		status = http.StatusNotFound
	case errors.IsInvalidRequestError(err):
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError {
		log.Errorw(context, logger.FieldError, err)
	}
	writeError(w, status, context)
}

// parseIntQueryParam reads an integer query parameter, clamped to
// [min, max]. Missing or malformed values give def.
func parseIntQueryParam(r *http.Request, name string, def, min, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
