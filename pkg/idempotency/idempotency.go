// Package idempotency deduplicates proxied requests per (agent, key).
// A concurrent second call with the same key is reported as in flight
// rather than run; a completed call replays its cached response bytes; a failed
// call may be retried; entries expire after a fixed TTL.
package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long a completed or in-flight record is honored
// before it is treated as gone.
const DefaultTTL = 24 * time.Hour

const (
	phaseInFlight = "in_flight"
	phaseComplete = "completed"
	phaseFailed   = "failed"
)

// Outcome classifies what Open found for a given (agentID, key) pair.
type Outcome int

const (
	// OutcomeNew means no usable prior record existed; the caller owns
	// the freshly created record and should proceed with the request.
	OutcomeNew Outcome = iota
	// OutcomeInFlight means another request is already executing under
	// this key; the caller should reject with 409 rather than proceed.
	OutcomeInFlight
	// OutcomeReplay means a completed record exists; its cached
	// response should be returned verbatim without re-executing.
	OutcomeReplay
	// OutcomeRetry means the prior attempt under this key failed; the
	// caller may proceed again, reusing the same record id.
	OutcomeRetry
)

// Result is what Open returns.
type Result struct {
	Outcome       Outcome
	RecordID      string
	CachedStatus  int
	CachedHeaders http.Header
	CachedBody    []byte
}

// Cache mediates idempotency records against a single SQL database. All
// decisions are made inside one serializable transaction per key so
// concurrent requests under the same key never race.
type Cache struct {
	db  *sql.DB
	ttl time.Duration
}

// New constructs a Cache with the default TTL.
func New(db *sql.DB) *Cache {
	return &Cache{db: db, ttl: DefaultTTL}
}

// WithTTL returns a copy of c using the given TTL instead of DefaultTTL.
func (c *Cache) WithTTL(ttl time.Duration) *Cache {
	return &Cache{db: c.db, ttl: ttl}
}

// Open begins or resumes processing for (agentID, key). fingerprint
// identifies the request shape (method + target URL + body hash) and
// is stored for observability only; it has no bearing on the
// accept/reject decision, which is driven purely by phase.
func (c *Cache) Open(ctx context.Context, agentID, key, fingerprint string) (*Result, error) {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("idempotency: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id           string
		phase        string
		cachedStatus sql.NullInt64
		cachedHdrs   []byte
		cachedBody   []byte
		expiresAt    time.Time
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, phase, cached_status, cached_headers, cached_body, expires_at
		FROM idempotency_records
		WHERE agent_id = $1 AND key = $2
		FOR UPDATE`, agentID, key,
	).Scan(&id, &phase, &cachedStatus, &cachedHdrs, &cachedBody, &expiresAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := c.insertNew(ctx, tx, agentID, key, fingerprint)
		if err != nil {
			return nil, err
		}
		return res, tx.Commit()

	case err != nil:
		return nil, fmt.Errorf("idempotency: lookup: %w", err)
	}

	if time.Now().After(expiresAt) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM idempotency_records WHERE id = $1`, id); err != nil {
			return nil, fmt.Errorf("idempotency: expire: %w", err)
		}
		res, err := c.insertNew(ctx, tx, agentID, key, fingerprint)
		if err != nil {
			return nil, err
		}
		return res, tx.Commit()
	}

	switch phase {
	case phaseInFlight:
		return &Result{Outcome: OutcomeInFlight, RecordID: id}, tx.Commit()

	case phaseComplete:
		hdr, err := decodeHeaders(cachedHdrs)
		if err != nil {
			return nil, fmt.Errorf("idempotency: decode cached headers: %w", err)
		}
		return &Result{
			Outcome:       OutcomeReplay,
			RecordID:      id,
			CachedStatus:  int(cachedStatus.Int64),
			CachedHeaders: hdr,
			CachedBody:    cachedBody,
		}, tx.Commit()

	case phaseFailed:
		if _, err := tx.ExecContext(ctx, `UPDATE idempotency_records SET phase = $1 WHERE id = $2`, phaseInFlight, id); err != nil {
			return nil, fmt.Errorf("idempotency: reopen: %w", err)
		}
		return &Result{Outcome: OutcomeRetry, RecordID: id}, tx.Commit()

	default:
		return nil, fmt.Errorf("idempotency: unknown phase %q", phase)
	}
}

func (c *Cache) insertNew(ctx context.Context, tx *sql.Tx, agentID, key, fingerprint string) (*Result, error) {
	id := uuid.NewString()
	now := time.Now()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_records (id, agent_id, key, request_fingerprint, phase, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, agentID, key, fingerprint, phaseInFlight, now, now.Add(c.ttl),
	)
	if err != nil {
		return nil, fmt.Errorf("idempotency: insert: %w", err)
	}
	return &Result{Outcome: OutcomeNew, RecordID: id}, nil
}

// Complete records a successful terminal response against recordID so
// future Open calls under the same key replay it.
func (c *Cache) Complete(ctx context.Context, recordID string, status int, headers http.Header, body []byte) error {
	encoded, err := encodeHeaders(headers)
	if err != nil {
		return fmt.Errorf("idempotency: encode headers: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET phase = $1, cached_status = $2, cached_headers = $3, cached_body = $4, completed_at = now()
		WHERE id = $5`, phaseComplete, status, encoded, body, recordID)
	if err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	return nil
}

// Fail marks recordID as failed, allowing a subsequent Open under the
// same key to retry rather than replay.
func (c *Cache) Fail(ctx context.Context, recordID string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE idempotency_records SET phase = $1, completed_at = now() WHERE id = $2`, phaseFailed, recordID)
	if err != nil {
		return fmt.Errorf("idempotency: fail: %w", err)
	}
	return nil
}
