// Package audit appends one record per proxied action to the
// audit_records table. Writes are append-only and best-effort: a
// failure here is logged and swallowed rather than failing the
// request the audit record describes, mirroring how the rest of the
// gateway treats audit as an observability side-effect, not a
// correctness dependency.
package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// Record is one entry describing a proxied action's outcome.
type Record struct {
	AgentID             string
	ServiceID           string
	IdempotencyRecordID string
	Method              string
	TargetURL           string
	Intent              string
	RequestedAt         time.Time
	CompletedAt         time.Time
	Status              int
	ErrorSummary        string
}

// Writer appends Records to the audit_records table.
type Writer struct {
	db *sql.DB
}

// New constructs a Writer.
func New(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// Append inserts r. On failure it logs the error and returns without
// propagating it: the caller's response to its own client must never
// depend on whether the audit write succeeded.
func (w *Writer) Append(ctx context.Context, r Record) {
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO audit_records
			(agent_id, service_id, idempotency_record_id, method, target_url, intent,
			 requested_at, completed_at, status, error_summary)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.AgentID, nullableString(r.ServiceID), nullableString(r.IdempotencyRecordID),
		r.Method, r.TargetURL, r.Intent, r.RequestedAt, r.CompletedAt, r.Status, nullableString(r.ErrorSummary),
	)
	if err != nil {
		slog.Error("audit: append failed", "error", err, "agent_id", r.AgentID, "target_url", r.TargetURL)
	}
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
