// Package orchestrator sequences every other component, scope
// resolution, URL policy, idempotency, risk assessment, credential
// injection, and forwarding, into the two request flows the gateway
// exposes: a direct proxy call, and the execution of a previously
// approved one.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/approval"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/audit"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/forwarder"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/idempotency"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/risk"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/store"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/urlpolicy"
)

// ErrIdempotencyInFlight means another request under the same
// idempotency key is still executing. Maps to 409.
var ErrIdempotencyInFlight = errors.New("orchestrator: idempotency key in flight")

// ErrIdempotencyKeyRequired means the method requires an Idempotency-Key
// header and none was supplied. Maps to 400.
var ErrIdempotencyKeyRequired = errors.New("orchestrator: idempotency key required for this method")

// ErrApprovalNotReady means the referenced approval entry has left the
// window in which it can ever be executed: it was denied, it expired,
// or it expired in the instant between the execute peek and the
// executed-CAS. Maps to 410 Gone.
var ErrApprovalNotReady = errors.New("orchestrator: approval entry not ready to execute")

// ErrApprovalPending means the referenced approval entry is still
// awaiting a human decision. Maps to 425 Too Early.
var ErrApprovalPending = errors.New("orchestrator: approval entry still pending")

// methodsRequiringIdempotency: non-idempotent HTTP methods must carry
// an Idempotency-Key.
var methodsRequiringIdempotency = map[string]bool{
	http.MethodPost:  true,
	http.MethodPatch: true,
}

// The dependency seams below are small, consumer-defined interfaces ,
// each satisfied by the concrete package of the same name, so tests
// can substitute fakes without wiring a real database.

type scopeResolver interface {
	Resolve(ctx context.Context, agentID, targetURL string) (*store.Service, error)
}

type serviceLookup interface {
	ServiceByID(ctx context.Context, serviceID string) (*store.Service, error)
}

type credentialInjector interface {
	Inject(ctx context.Context, svc *store.Service, headers http.Header) (http.Header, error)
}

type idempotencyCache interface {
	Open(ctx context.Context, agentID, key, fingerprint string) (*idempotency.Result, error)
	Complete(ctx context.Context, recordID string, status int, headers http.Header, body []byte) error
	Fail(ctx context.Context, recordID string) error
}

type riskAssessor interface {
	Assess(ctx context.Context, req risk.Request) risk.Assessment
}

type approvalQueue interface {
	Enqueue(ctx context.Context, agentID, serviceID, method, targetURL string, headers http.Header, body []byte, intent string, riskScore float64, riskExplanation string) (string, error)
	Fetch(ctx context.Context, actionID string) (*approval.Entry, error)
	MarkExecuted(ctx context.Context, actionID string, status int, headers http.Header, body []byte) error
}

type outboundForwarder interface {
	Forward(ctx context.Context, method, targetURL string, headers http.Header, body []byte) (*forwarder.Response, error)
}

type auditWriter interface {
	Append(ctx context.Context, r audit.Record)
}

// Outcome distinguishes a directly executed call from one routed to
// human approval.
type Outcome int

const (
	OutcomeExecuted Outcome = iota
	OutcomePendingApproval
)

// Result is what ProxyRequest or ExecuteApproved returns on success.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Headers    http.Header
	Body       []byte
	ActionID   string
}

// Request is one inbound proxy call to be orchestrated.
type Request struct {
	AgentID        string
	Method         string
	TargetURL      string
	Headers        http.Header
	Body           []byte
	Intent         string
	IdempotencyKey string
}

// Orchestrator wires every other component together.
type Orchestrator struct {
	services  serviceLookup
	scope     scopeResolver
	injector  credentialInjector
	idem      idempotencyCache
	risk      riskAssessor
	approvals approvalQueue
	forward   outboundForwarder
	audit     auditWriter
}

// New constructs an Orchestrator from the gateway's concrete
// components.
func New(
	services serviceLookup,
	scope scopeResolver,
	injector credentialInjector,
	idem idempotencyCache,
	risk riskAssessor,
	approvals approvalQueue,
	forward outboundForwarder,
	audit auditWriter,
) *Orchestrator {
	return &Orchestrator{
		services:  services,
		scope:     scope,
		injector:  injector,
		idem:      idem,
		risk:      risk,
		approvals: approvals,
		forward:   forward,
		audit:     audit,
	}
}

// Fingerprint identifies the shape of a request for idempotency
// purposes: method, target, and a digest of the body.
func Fingerprint(method, targetURL string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(targetURL))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// stripAuthHeaders returns a copy of headers with any
// credential-carrying header removed before the request is queued for
// human approval. Credentials are re-injected fresh at execute time;
// none are ever stored on the approval entry.
func stripAuthHeaders(headers http.Header) http.Header {
	stripped := headers.Clone()
	stripped.Del("Authorization")
	stripped.Del("Proxy-Authorization")
	stripped.Del("X-Api-Key")
	return stripped
}

// ProxyRequest runs the full non-approved pipeline: resolve scope,
// validate the target URL, deduplicate via idempotency, assess risk,
// and either enqueue for human approval or inject credentials and
// forward.
func (o *Orchestrator) ProxyRequest(ctx context.Context, req Request) (*Result, error) {
	svc, err := o.scope.Resolve(ctx, req.AgentID, req.TargetURL)
	if err != nil {
		return nil, err
	}

	if err := urlpolicy.Check(req.TargetURL, svc.BaseURL); err != nil {
		return nil, err
	}

	if methodsRequiringIdempotency[req.Method] && req.IdempotencyKey == "" {
		return nil, ErrIdempotencyKeyRequired
	}

	var recordID string
	if req.IdempotencyKey != "" {
		fp := Fingerprint(req.Method, req.TargetURL, req.Body)
		opened, err := o.idem.Open(ctx, req.AgentID, req.IdempotencyKey, fp)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: idempotency open: %w", err)
		}
		switch opened.Outcome {
		case idempotency.OutcomeInFlight:
			return nil, ErrIdempotencyInFlight
		case idempotency.OutcomeReplay:
			return &Result{Outcome: OutcomeExecuted, StatusCode: opened.CachedStatus, Headers: opened.CachedHeaders, Body: opened.CachedBody}, nil
		}
		recordID = opened.RecordID
	}

	assessment := o.risk.Assess(ctx, risk.Request{Method: req.Method, TargetURL: req.TargetURL, Intent: req.Intent})

	if assessment.Blocked {
		actionID, err := o.approvals.Enqueue(ctx, req.AgentID, svc.ServiceID, req.Method, req.TargetURL,
			stripAuthHeaders(req.Headers), req.Body, req.Intent, assessment.Score, assessment.Explanation)
		if err != nil {
			if recordID != "" {
				_ = o.idem.Fail(ctx, recordID)
			}
			return nil, fmt.Errorf("orchestrator: enqueue approval: %w", err)
		}

		body, _ := json.Marshal(map[string]string{"actionId": actionID})
		if recordID != "" {
			// A blocked call never fulfilled the request: mark the
			// idempotency record errored, not completed, so a retry
			// under the same key after approval re-enters the pipeline
			// instead of permanently replaying this 428.
			_ = o.idem.Fail(ctx, recordID)
		}
		return &Result{Outcome: OutcomePendingApproval, StatusCode: http.StatusPreconditionRequired, ActionID: actionID, Body: body}, nil
	}

	requestedAt := time.Now()
	injected, err := o.injector.Inject(ctx, svc, req.Headers)
	if err != nil {
		o.failAttempt(ctx, recordID, req, svc.ServiceID, requestedAt, err)
		return nil, err
	}

	resp, err := o.forward.Forward(ctx, req.Method, req.TargetURL, injected, req.Body)
	if err != nil {
		o.failAttempt(ctx, recordID, req, svc.ServiceID, requestedAt, err)
		return nil, err
	}

	if recordID != "" {
		_ = o.idem.Complete(ctx, recordID, resp.StatusCode, resp.Headers, resp.Body)
	}
	o.audit.Append(ctx, audit.Record{
		AgentID: req.AgentID, ServiceID: svc.ServiceID, IdempotencyRecordID: recordID,
		Method: req.Method, TargetURL: req.TargetURL, Intent: req.Intent,
		RequestedAt: requestedAt, CompletedAt: time.Now(), Status: resp.StatusCode,
	})

	return &Result{Outcome: OutcomeExecuted, StatusCode: resp.StatusCode, Headers: resp.Headers, Body: resp.Body}, nil
}

func (o *Orchestrator) failAttempt(ctx context.Context, recordID string, req Request, serviceID string, requestedAt time.Time, cause error) {
	if recordID != "" {
		_ = o.idem.Fail(ctx, recordID)
	}
	o.audit.Append(ctx, audit.Record{
		AgentID: req.AgentID, ServiceID: serviceID, IdempotencyRecordID: recordID,
		Method: req.Method, TargetURL: req.TargetURL, Intent: req.Intent,
		RequestedAt: requestedAt, CompletedAt: time.Now(), ErrorSummary: cause.Error(),
	})
}

// ExecuteApproved runs an approved entry's request exactly once. It
// re-validates the target URL and re-injects credentials rather than
// trusting the state captured at enqueue time, since the bound service
// or its credentials may have changed while the entry waited for a
// human decision.
func (o *Orchestrator) ExecuteApproved(ctx context.Context, actionID string) (*Result, error) {
	entry, err := o.approvals.Fetch(ctx, actionID)
	if err != nil {
		return nil, err
	}

	switch entry.Status {
	case approval.StatusExecuted:
		return &Result{
			Outcome:    OutcomeExecuted,
			StatusCode: int(entry.CachedStatus.Int64),
			Headers:    entry.CachedHeaders,
			Body:       entry.CachedBody,
		}, nil
	case approval.StatusExpired, approval.StatusDenied:
		return nil, ErrApprovalNotReady
	case approval.StatusPending:
		return nil, ErrApprovalPending
	case approval.StatusApproved:
		// falls through to the execute path below
	default:
		return nil, fmt.Errorf("orchestrator: unknown approval status %q", entry.Status)
	}

	if entry.ApprovalExpiresAt.Valid && !entry.ApprovalExpiresAt.Time.After(time.Now()) {
		// The approval window has closed. approval_expires_at is stamped
		// at enqueue time, and SweepExpired only moves PENDING rows to
		// EXPIRED, so an APPROVED row past its window keeps reading
		// APPROVED. Treat it exactly as EXPIRED: never forward, never
		// cache, never spend an upstream call on a window that is shut.
		return nil, ErrApprovalNotReady
	}

	svc, err := o.services.ServiceByID(ctx, entry.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: service lookup: %w", err)
	}

	if err := urlpolicy.Check(entry.TargetURL, svc.BaseURL); err != nil {
		return nil, err
	}

	injected, err := o.injector.Inject(ctx, svc, entry.StrippedHeaders)
	if err != nil {
		return nil, err
	}

	requestedAt := time.Now()
	resp, err := o.forward.Forward(ctx, entry.Method, entry.TargetURL, injected, entry.Body)
	if err != nil {
		o.audit.Append(ctx, audit.Record{
			AgentID: entry.AgentID, ServiceID: entry.ServiceID, Method: entry.Method, TargetURL: entry.TargetURL,
			Intent: entry.Intent, RequestedAt: requestedAt, CompletedAt: time.Now(), ErrorSummary: err.Error(),
		})
		return nil, err
	}

	if err := o.approvals.MarkExecuted(ctx, actionID, resp.StatusCode, resp.Headers, resp.Body); err != nil {
		// The approval window closed while the call was in flight, the
		// response was produced but must not be delivered or cached
		// against an entry no longer in APPROVED state.
		return nil, ErrApprovalNotReady
	}

	o.audit.Append(ctx, audit.Record{
		AgentID: entry.AgentID, ServiceID: entry.ServiceID, Method: entry.Method, TargetURL: entry.TargetURL,
		Intent: entry.Intent, RequestedAt: requestedAt, CompletedAt: time.Now(), Status: resp.StatusCode,
	})

	return &Result{Outcome: OutcomeExecuted, StatusCode: resp.StatusCode, Headers: resp.Headers, Body: resp.Body}, nil
}

// Status returns the current state of an approval entry for status polling.
func (o *Orchestrator) Status(ctx context.Context, actionID string) (*approval.Entry, error) {
	return o.approvals.Fetch(ctx, actionID)
}
