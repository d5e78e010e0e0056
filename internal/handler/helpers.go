package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/service"
)

// maxBodyBytes bounds management request bodies.
const maxBodyBytes = 1 << 20

var errEmptyBody = errors.New("request body is empty")

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, status int, code, message string, ctx ...map[string]interface{}) {
	var ctxMap map[string]interface{}
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, status, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
			Status:  status,
			Context: ctxMap,
		},
	})
}

// readJSON decodes the request body as JSON into v. Unknown fields are
// rejected so that a typo in a policy field never silently widens a key.
// The body is closed after decoding regardless of success or failure.
func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

// readOptionalJSON is readJSON for endpoints whose body may be omitted.
func readOptionalJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := readJSON(r, v); err != nil && !errors.Is(err, errEmptyBody) {
		return err
	}
	return nil
}

// queryString extracts a string query parameter.
func queryString(r *http.Request, key string) string {
	return strings.TrimSpace(r.URL.Query().Get(key))
}

// writeServiceError maps key service errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, err error, fallbackMsg string) {
	status, code, msg := classifyServiceError(err, fallbackMsg)
	writeError(w, status, code, msg)
}

// classifyServiceError maps a service error to (httpStatus, code, message).
// Internal errors never echo the underlying cause.
func classifyServiceError(err error, fallbackMsg string) (int, string, string) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, model.CodeBadRequest, err.Error()
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, model.CodeNotFound, "API key not found"
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, model.CodeForbidden, "API key belongs to another owner"
	case errors.Is(err, service.ErrAlreadyRotated):
		return http.StatusConflict, model.CodeAlreadyRotated, "API key has already been rotated"
	case errors.Is(err, service.ErrKeyNotActive):
		return http.StatusConflict, model.CodeConflict, "API key is not active"
	default:
		return http.StatusInternalServerError, model.CodeInternal, fallbackMsg
	}
}

func badRequest(w http.ResponseWriter, format string, args ...interface{}) {
	writeError(w, http.StatusBadRequest, model.CodeBadRequest, fmt.Sprintf(format, args...))
}
