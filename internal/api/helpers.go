package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/protoq/protoq/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a structured error to its HTTP status and serializes it.
// Unstructured errors become opaque 500s.
func writeError(w http.ResponseWriter, err error) {
	var se *schema.Error
	if !errors.As(err, &se) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"code":    schema.ErrCodeStore,
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, statusFor(se.Code), se)
}

// statusFor maps error codes to HTTP statuses.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeUnresolvedVar, schema.ErrCodeEvaluation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition, schema.ErrCodeQueueConsistency:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// pathID parses the {id} path segment as a queue id.
func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid queue id %q", raw)
	}
	return id, nil
}
