// Package approval is a durable state machine (PENDING ->
// APPROVED|DENIED|EXPIRED -> EXECUTED) backed entirely by conditional
// SQL UPDATEs. No application-level locks are needed: every transition
// is a single compare-and-swap expressed as an UPDATE ... WHERE
// status = :from, and the caller inspects the affected row count to
// know whether its transition actually fired.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Status is one state in the approval entry's lifecycle.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
	StatusExpired  Status = "EXPIRED"
	StatusExecuted Status = "EXECUTED"
)

// DefaultApprovalTTL bounds how long a pending entry waits for a human
// before sweepExpired marks it EXPIRED.
const DefaultApprovalTTL = time.Hour

// ErrNotFound means no entry exists with the given id (or it is not
// owned by the caller, existence is never leaked across owners).
var ErrNotFound = errors.New("approval: not found")

// ErrTransitionFailed means the requested CAS did not apply because
// the entry was no longer in the expected prior state.
var ErrTransitionFailed = errors.New("approval: transition did not apply")

// Entry is one queued, pending-or-resolved proxied request.
type Entry struct {
	ActionID          string
	AgentID           string
	ServiceID         string
	Method            string
	TargetURL         string
	StrippedHeaders   http.Header
	Body              []byte
	Intent            string
	RiskScore         float64
	RiskExplanation   string
	Status            Status
	CreatedAt         time.Time
	ResolvedAt        sql.NullTime
	ApprovalExpiresAt sql.NullTime
	ExecutedAt        sql.NullTime
	CachedStatus      sql.NullInt64
	CachedHeaders     http.Header
	CachedBody        []byte
}

// Queue mediates approval_entries rows.
type Queue struct {
	db  *sql.DB
	ttl time.Duration
}

// New constructs a Queue with DefaultApprovalTTL.
func New(db *sql.DB) *Queue {
	return &Queue{db: db, ttl: DefaultApprovalTTL}
}

// WithTTL returns a copy of q using ttl instead of DefaultApprovalTTL.
func (q *Queue) WithTTL(ttl time.Duration) *Queue {
	return &Queue{db: q.db, ttl: ttl}
}

// Enqueue creates a new PENDING entry and returns its action id.
func (q *Queue) Enqueue(ctx context.Context, agentID, serviceID, method, targetURL string, headers http.Header, body []byte, intent string, riskScore float64, riskExplanation string) (string, error) {
	actionID := uuid.NewString()
	encodedHdrs, err := encodeHeaders(headers)
	if err != nil {
		return "", fmt.Errorf("approval: encode headers: %w", err)
	}
	now := time.Now()
	expires := now.Add(q.ttl)

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO approval_entries
			(action_id, agent_id, service_id, method, target_url, stripped_headers, body, intent,
			 risk_score, risk_explanation, status, created_at, approval_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		actionID, agentID, serviceID, method, targetURL, encodedHdrs, body, intent,
		riskScore, riskExplanation, StatusPending, now, expires,
	)
	if err != nil {
		return "", fmt.Errorf("approval: enqueue: %w", err)
	}
	return actionID, nil
}

// Fetch returns the entry with actionID. It performs no ownership
// check; callers compare the entry's AgentID against the requesting
// principal before exposing or acting on it.
func (q *Queue) Fetch(ctx context.Context, actionID string) (*Entry, error) {
	return q.scanOne(ctx, `
		SELECT action_id, agent_id, service_id, method, target_url, stripped_headers, body, intent,
			risk_score, risk_explanation, status, created_at, resolved_at, approval_expires_at,
			executed_at, cached_status, cached_headers, cached_body
		FROM approval_entries WHERE action_id = $1`, actionID)
}

// ListPendingForAgents returns every PENDING entry whose agent_id is in
// agentIDs, oldest first. Callers resolve agentIDs from the requesting
// user's owned agents so no entry belonging to another user is ever
// returned.
func (q *Queue) ListPendingForAgents(ctx context.Context, agentIDs []string) ([]Entry, error) {
	if len(agentIDs) == 0 {
		return nil, nil
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT action_id, agent_id, service_id, method, target_url, stripped_headers, body, intent,
			risk_score, risk_explanation, status, created_at, resolved_at, approval_expires_at,
			executed_at, cached_status, cached_headers, cached_body
		FROM approval_entries
		WHERE status = $1 AND agent_id = ANY($2)
		ORDER BY created_at ASC`, StatusPending, pq.Array(agentIDs))
	if err != nil {
		return nil, fmt.Errorf("approval: list pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Approve transitions a PENDING entry to APPROVED. Returns
// ErrTransitionFailed if the entry was not PENDING (already resolved,
// or expired out from under the caller).
func (q *Queue) Approve(ctx context.Context, actionID string) error {
	return q.transition(ctx, actionID, StatusPending, StatusApproved, true)
}

// Deny transitions a PENDING entry to DENIED.
func (q *Queue) Deny(ctx context.Context, actionID string) error {
	return q.transition(ctx, actionID, StatusPending, StatusDenied, true)
}

// MarkExecuted transitions an APPROVED entry to EXECUTED and stores the
// forwarded response for later status lookups. Fails with
// ErrTransitionFailed if the entry was not still APPROVED and not
// still within its approval window, e.g. it expired mid-flight,
// signaling the caller to discard the response rather than treat it
// as cached.
func (q *Queue) MarkExecuted(ctx context.Context, actionID string, status int, headers http.Header, body []byte) error {
	encoded, err := encodeHeaders(headers)
	if err != nil {
		return fmt.Errorf("approval: encode headers: %w", err)
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE approval_entries
		SET status = $1, executed_at = now(), cached_status = $2, cached_headers = $3, cached_body = $4
		WHERE action_id = $5 AND status = $6 AND (approval_expires_at IS NULL OR approval_expires_at > now())`,
		StatusExecuted, status, encoded, body, actionID, StatusApproved,
	)
	if err != nil {
		return fmt.Errorf("approval: mark executed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("approval: mark executed rows affected: %w", err)
	}
	if n == 0 {
		return ErrTransitionFailed
	}
	return nil
}

func (q *Queue) transition(ctx context.Context, actionID string, from, to Status, stampResolved bool) error {
	var query string
	if stampResolved {
		query = `UPDATE approval_entries SET status = $1, resolved_at = now() WHERE action_id = $2 AND status = $3`
	} else {
		query = `UPDATE approval_entries SET status = $1 WHERE action_id = $2 AND status = $3`
	}
	res, err := q.db.ExecContext(ctx, query, to, actionID, from)
	if err != nil {
		return fmt.Errorf("approval: transition %s->%s: %w", from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("approval: transition rows affected: %w", err)
	}
	if n == 0 {
		return ErrTransitionFailed
	}
	return nil
}

// SweepExpired batch-transitions every PENDING entry whose
// approval_expires_at has passed to EXPIRED. Intended to run on a
// periodic ticker with a roughly 5-minute cadence.
func (q *Queue) SweepExpired(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE approval_entries
		SET status = $1, resolved_at = now()
		WHERE status = $2 AND approval_expires_at < now()`,
		StatusExpired, StatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("approval: sweep expired: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (q *Queue) scanOne(ctx context.Context, query string, args ...any) (*Entry, error) {
	row := q.db.QueryRowContext(ctx, query, args...)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func scanEntry(s rowScanner) (*Entry, error) {
	var e Entry
	var hdrBytes, cachedHdrBytes []byte
	err := s.Scan(
		&e.ActionID, &e.AgentID, &e.ServiceID, &e.Method, &e.TargetURL, &hdrBytes, &e.Body, &e.Intent,
		&e.RiskScore, &e.RiskExplanation, &e.Status, &e.CreatedAt, &e.ResolvedAt, &e.ApprovalExpiresAt,
		&e.ExecutedAt, &e.CachedStatus, &cachedHdrBytes, &e.CachedBody,
	)
	if err != nil {
		return nil, fmt.Errorf("approval: scan: %w", err)
	}
	if e.StrippedHeaders, err = decodeHeaders(hdrBytes); err != nil {
		return nil, fmt.Errorf("approval: decode stripped headers: %w", err)
	}
	if e.CachedHeaders, err = decodeHeaders(cachedHdrBytes); err != nil {
		return nil, fmt.Errorf("approval: decode cached headers: %w", err)
	}
	return &e, nil
}

func encodeHeaders(headers http.Header) ([]byte, error) {
	flat := make(map[string]string, len(headers))
	for k, v := range headers {
		if len(v) > 0 {
			flat[k] = v[len(v)-1]
		}
	}
	return json.Marshal(flat)
}

func decodeHeaders(raw []byte) (http.Header, error) {
	if len(raw) == 0 {
		return http.Header{}, nil
	}
	var flat map[string]string
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, err
	}
	hdr := make(http.Header, len(flat))
	for k, v := range flat {
		hdr.Set(k, v)
	}
	return hdr, nil
}
