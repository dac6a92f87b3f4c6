// Package api - HTTP handlers for the agent-facing proxy surface and
// the human-facing approval surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/approval"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/auth"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/forwarder"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/httperror"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/orchestrator"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/scope"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/store"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/urlpolicy"
)

// maxIntentLen and minIntentLen bound the free-text intent field.
const (
	minIntentLen     = 1
	maxIntentLen     = 500
	maxProxyBodySize = 10 << 20
)

// Handler provides HTTP handlers for the gateway's proxy and approval
// API.
type Handler struct {
	orch      *orchestrator.Orchestrator
	approvals *approval.Queue
	store     *store.Store
}

// NewHandler constructs a Handler.
func NewHandler(orch *orchestrator.Orchestrator, approvals *approval.Queue, st *store.Store) *Handler {
	return &Handler{orch: orch, approvals: approvals, store: st}
}

// RegisterRoutes registers every route this handler serves on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/proxy", h.handleProxy)
	mux.HandleFunc("GET /v1/status/{actionId}", h.handleStatus)
	mux.HandleFunc("POST /v1/proxy/execute/{actionId}", h.handleExecute)
	mux.HandleFunc("GET /v1/approvals/pending", h.handlePendingApprovals)
	mux.HandleFunc("PATCH /v1/approvals/{actionId}/approve", h.handleApprove)
	mux.HandleFunc("PATCH /v1/approvals/{actionId}/deny", h.handleDeny)
}

type proxyRequestBody struct {
	Method    string            `json:"method"`
	TargetURL string            `json:"targetUrl"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	Intent    string            `json:"intent"`
}

// handleProxy is the agent-facing entry point.
func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	agent, ok := auth.AgentFromContext(r.Context())
	if !ok {
		httperror.WriteUnauthorized(w, "missing agent identity")
		return
	}

	limited := io.LimitReader(r.Body, maxProxyBodySize+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		httperror.WriteBadRequest(w, "could not read request body")
		return
	}
	if len(raw) > maxProxyBodySize {
		httperror.WritePayloadTooLarge(w, "request body exceeds the maximum size")
		return
	}

	var req proxyRequestBody
	if err := json.Unmarshal(raw, &req); err != nil {
		httperror.WriteBadRequest(w, "malformed JSON body")
		return
	}

	if req.Method == "" || req.TargetURL == "" {
		httperror.WriteBadRequest(w, "method and targetUrl are required")
		return
	}
	if len(req.Intent) < minIntentLen || len(req.Intent) > maxIntentLen {
		httperror.WriteBadRequest(w, "intent must be between 1 and 500 characters")
		return
	}

	headers := make(http.Header, len(req.Headers))
	for k, v := range req.Headers {
		headers.Set(k, v)
	}

	result, err := h.orch.ProxyRequest(r.Context(), orchestrator.Request{
		AgentID:        agent.AgentID,
		Method:         req.Method,
		TargetURL:      req.TargetURL,
		Headers:        headers,
		Body:           []byte(req.Body),
		Intent:         req.Intent,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}

	writeProxyResult(w, result)
}

// handleStatus polls an approval entry's current state.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	agent, ok := auth.AgentFromContext(r.Context())
	if !ok {
		httperror.WriteUnauthorized(w, "missing agent identity")
		return
	}

	actionID := r.PathValue("actionId")
	entry, err := h.orch.Status(r.Context(), actionID)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	if entry.AgentID != agent.AgentID {
		// Existence is never leaked across agents.
		httperror.WriteNotFound(w, "approval entry not found")
		return
	}

	writeJSON(w, http.StatusOK, statusResponseFor(entry))
}

// handleExecute runs a previously approved entry.
func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	agent, ok := auth.AgentFromContext(r.Context())
	if !ok {
		httperror.WriteUnauthorized(w, "missing agent identity")
		return
	}

	actionID := r.PathValue("actionId")
	entry, err := h.orch.Status(r.Context(), actionID)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	if entry.AgentID != agent.AgentID {
		httperror.WriteNotFound(w, "approval entry not found")
		return
	}

	result, err := h.orch.ExecuteApproved(r.Context(), actionID)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}

	writeProxyResult(w, result)
}

// handlePendingApprovals lists every pending entry across the agents
// the authenticated dashboard user owns.
func (h *Handler) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserFromContext(r.Context())
	if !ok {
		httperror.WriteUnauthorized(w, "missing user identity")
		return
	}

	agents, err := h.store.AgentsByOwner(r.Context(), userID)
	if err != nil {
		httperror.WriteInternal(w, err)
		return
	}
	if len(agents) == 0 {
		writeJSON(w, http.StatusOK, []approval.Entry{})
		return
	}

	agentIDs := make([]string, len(agents))
	for i, a := range agents {
		agentIDs[i] = a.AgentID
	}

	entries, err := h.approvals.ListPendingForAgents(r.Context(), agentIDs)
	if err != nil {
		httperror.WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

// handleApprove transitions an entry PENDING -> APPROVED.
func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.approvals.Approve)
}

// handleDeny transitions an entry PENDING -> DENIED.
func (h *Handler) handleDeny(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.approvals.Deny)
}

// decide authorizes the caller against the entry's owning agent, then
// applies the requested CAS transition.
func (h *Handler) decide(w http.ResponseWriter, r *http.Request, transition func(ctx context.Context, actionID string) error) {
	userID, ok := auth.UserFromContext(r.Context())
	if !ok {
		httperror.WriteUnauthorized(w, "missing user identity")
		return
	}

	actionID := r.PathValue("actionId")
	entry, err := h.approvals.Fetch(r.Context(), actionID)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}

	agent, err := h.store.AgentByID(r.Context(), entry.AgentID)
	if err != nil {
		httperror.WriteInternal(w, err)
		return
	}
	if agent.OwnerUserID != userID {
		httperror.WriteNotFound(w, "approval entry not found")
		return
	}

	if err := transition(r.Context(), actionID); err != nil {
		if errors.Is(err, approval.ErrTransitionFailed) {
			httperror.WriteConflict(w, "approval entry is no longer pending")
			return
		}
		httperror.WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"actionId": actionID, "status": "ok"})
}

// statusResponseFor builds the status-specific shape for entry. Every
// shape carries status and actionId; the remaining fields depend on
// which point in the lifecycle the entry is at.
func statusResponseFor(entry *approval.Entry) any {
	base := map[string]any{
		"status":   string(entry.Status),
		"actionId": entry.ActionID,
	}
	switch entry.Status {
	case approval.StatusPending:
		base["createdAt"] = entry.CreatedAt
	case approval.StatusApproved:
		base["executeUrl"] = "/v1/proxy/execute/" + entry.ActionID
	case approval.StatusDenied:
		if entry.ResolvedAt.Valid {
			base["resolvedAt"] = entry.ResolvedAt.Time
		}
	case approval.StatusExpired:
		// status and actionId are the whole shape.
	case approval.StatusExecuted:
		headers := make(map[string]string, len(entry.CachedHeaders))
		for k := range entry.CachedHeaders {
			headers[k] = entry.CachedHeaders.Get(k)
		}
		base["result"] = map[string]any{
			"status":  entry.CachedStatus.Int64,
			"headers": headers,
			"body":    string(entry.CachedBody),
		}
	}
	return base
}

type proxyResponseBody struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body"`
	ActionID   string            `json:"actionId,omitempty"`
}

func writeProxyResult(w http.ResponseWriter, result *orchestrator.Result) {
	headers := make(map[string]string, len(result.Headers))
	for k := range result.Headers {
		headers[k] = result.Headers.Get(k)
	}
	writeJSON(w, result.StatusCode, proxyResponseBody{
		StatusCode: result.StatusCode,
		Headers:    headers,
		Body:       string(result.Body),
		ActionID:   result.ActionID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api: failed to encode response body", "error", err)
	}
}

// writeOrchestratorError maps a sentinel error from scope, urlpolicy,
// orchestrator, idempotency, approval, or forwarder to the right status code.
func writeOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scope.ErrNotAuthorized), errors.Is(err, approval.ErrNotFound):
		httperror.WriteNotFound(w, err.Error())
	case errors.Is(err, scope.ErrAmbiguous):
		httperror.WriteConflict(w, err.Error())
	case urlpolicy.IsInvalid(err):
		httperror.WriteBadRequest(w, err.Error())
	case urlpolicy.IsForbidden(err):
		httperror.WriteForbidden(w, err.Error())
	case errors.Is(err, orchestrator.ErrIdempotencyKeyRequired):
		httperror.WriteBadRequest(w, err.Error())
	case errors.Is(err, orchestrator.ErrIdempotencyInFlight):
		httperror.WriteConflict(w, err.Error())
	case errors.Is(err, orchestrator.ErrApprovalNotReady):
		httperror.WriteGone(w, err.Error())
	case errors.Is(err, orchestrator.ErrApprovalPending):
		httperror.WriteTooEarly(w, err.Error())
	case errors.Is(err, forwarder.ErrTimeout):
		httperror.WriteGatewayTimeout(w, err.Error())
	case errors.Is(err, forwarder.ErrBodyTooLarge):
		httperror.WritePayloadTooLarge(w, err.Error())
	case errors.Is(err, forwarder.ErrUpstream):
		httperror.WriteBadGateway(w, err.Error())
	default:
		httperror.WriteInternal(w, err)
	}
}
