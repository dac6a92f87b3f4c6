// Package httperror provides the response plumbing for the gateway's
// external HTTP interface. Error responses use a flat wire contract,
// {"error": msg, "statusCode": n}, not RFC 7807 Problem Details. It has
// no dependency on any other gateway package so both the HTTP handlers
// and the auth middleware can import it without creating a cycle.
package httperror

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// errorBody is the exact JSON shape every error response takes.
type errorBody struct {
	Error      string `json:"error"`
	StatusCode int    `json:"statusCode"`
}

// WriteError writes the gateway's flat error response shape.
func WriteError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: message, StatusCode: status})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "authentication required"
	}
	WriteError(w, http.StatusUnauthorized, detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "insufficient scope"
	}
	WriteError(w, http.StatusForbidden, detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "not found"
	}
	WriteError(w, http.StatusNotFound, detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, detail)
}

// WritePreconditionRequired writes a 428 error response, used when a
// risky action has been routed to the approval queue instead of
// executed directly.
func WritePreconditionRequired(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusPreconditionRequired, detail)
}

// WriteGone writes a 410 error response, used when an approved action
// could no longer be executed because its approval window closed.
func WriteGone(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusGone, detail)
}

// WriteTooEarly writes a 425 error response, used when an agent tries
// to execute an action still awaiting a human decision.
func WriteTooEarly(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusTooEarly, detail)
}

// WriteTooManyRequests writes a 429 error response with a Retry-After hint.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	if retryAfterSecs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	}
	WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
}

// WritePayloadTooLarge writes a 413 error response.
func WritePayloadTooLarge(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusRequestEntityTooLarge, detail)
}

// WriteGatewayTimeout writes a 504 error response.
func WriteGatewayTimeout(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusGatewayTimeout, detail)
}

// WriteBadGateway writes a 502 error response.
func WriteBadGateway(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadGateway, detail)
}

// WriteInternal logs err and writes a generic 500 response. err is
// never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "an unexpected error occurred")
}
