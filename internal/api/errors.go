package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-shadow/internal/agent"
	"github.com/nerrad567/gray-logic-shadow/internal/shadow"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeConflict    = "conflict"
	ErrCodeInternal    = "internal_error"
	ErrCodeValidation  = "validation_error"
	ErrCodeRejected    = "rejected"
	ErrCodeTimeout     = "timeout"
	ErrCodeUnavailable = "unavailable"
	ErrCodeUpstream    = "upstream_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// decodeBody decodes a JSON request body. Numbers inside interface values
// are left as json.Number for shadow.NormalizeNumbers.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeShadowError maps a session or agent error onto an HTTP response.
//
// Service rejections keep their 4xx code (404 missing shadow, 409 version
// conflict, 400 bad document). Transport problems become 502/503 and
// timeouts 504.
func writeShadowError(w http.ResponseWriter, err error) {
	var rej *shadow.RejectedError
	switch {
	case errors.As(err, &rej):
		status := rej.Code
		code := ErrCodeRejected
		switch {
		case status == http.StatusNotFound:
			code = ErrCodeNotFound
		case status == http.StatusConflict:
			code = ErrCodeConflict
		case status < 400 || status > 499:
			status = http.StatusBadGateway
		}
		writeError(w, status, code, rej.Message)
	case errors.Is(err, agent.ErrInvalidState):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, shadow.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	case errors.Is(err, shadow.ErrNotConnected),
		errors.Is(err, shadow.ErrConnectionLost),
		errors.Is(err, shadow.ErrClosed),
		errors.Is(err, shadow.ErrCancelled):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	case errors.Is(err, shadow.ErrPublishFailed),
		errors.Is(err, shadow.ErrSubscribeFailed),
		errors.Is(err, shadow.ErrMalformedPayload),
		errors.Is(err, shadow.ErrMissingField):
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}
