// Package store is the relational data-access layer for the gateway
// core. It owns the read side of Service, Credential, Agent, and Scope
// Binding; the write side (CRUD for those entities) belongs to an
// external dashboard/CRUD collaborator and is not implemented here.
// Schema creation is included for local development and tests;
// production deployments are expected to manage migrations
// separately.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned by single-row lookups that find no match.
var ErrNotFound = errors.New("store: not found")

// AuthKind enumerates how the Credential Injector stamps outbound auth.
type AuthKind string

const (
	AuthKindAPIKey AuthKind = "apiKey"
	AuthKindBearer AuthKind = "bearer"
	AuthKindBasic  AuthKind = "basic"
	AuthKindOAuth2 AuthKind = "oauth2"
)

// Service is a registered external HTTP service a user owns.
type Service struct {
	ServiceID   string
	OwnerUserID string
	Name        string
	BaseURL     string
	AuthKind    AuthKind
}

// Credential is one opaque, encrypted value bound to a Service.
type Credential struct {
	CredentialID string
	ServiceID    string
	Name         string
	Ciphertext   []byte
}

// Agent is a non-human principal holding a long-lived API key.
type Agent struct {
	AgentID        string
	OwnerUserID    string
	DisplayName    string
	KeyFingerprint string
	KeyPrefix      string
	Active         bool
	LastUsedAt     sql.NullTime
}

// Store wraps a *sql.DB with the read accessors the gateway core needs.
type Store struct {
	DB *sql.DB
}

// New wraps an already-opened database handle.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// schema creates every table the core needs if absent. Safe to run
// repeatedly; intended for local dev and integration tests, not as a
// migration tool.
const schema = `
CREATE TABLE IF NOT EXISTS services (
	service_id    TEXT PRIMARY KEY,
	owner_user_id TEXT NOT NULL,
	name          TEXT NOT NULL,
	base_url      TEXT NOT NULL,
	auth_kind     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	credential_id TEXT PRIMARY KEY,
	service_id    TEXT NOT NULL REFERENCES services(service_id) ON DELETE CASCADE,
	name          TEXT NOT NULL,
	ciphertext    BYTEA NOT NULL,
	UNIQUE (service_id, name)
);

CREATE TABLE IF NOT EXISTS agents (
	agent_id        TEXT PRIMARY KEY,
	owner_user_id   TEXT NOT NULL,
	display_name    TEXT NOT NULL,
	key_fingerprint TEXT NOT NULL UNIQUE,
	key_prefix      TEXT NOT NULL,
	active          BOOLEAN NOT NULL DEFAULT TRUE,
	last_used_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS scope_bindings (
	agent_id   TEXT NOT NULL REFERENCES agents(agent_id) ON DELETE CASCADE,
	service_id TEXT NOT NULL REFERENCES services(service_id) ON DELETE CASCADE,
	PRIMARY KEY (agent_id, service_id)
);

CREATE TABLE IF NOT EXISTS idempotency_records (
	id                  TEXT PRIMARY KEY,
	agent_id            TEXT NOT NULL,
	key                 TEXT NOT NULL,
	request_fingerprint TEXT NOT NULL,
	phase               TEXT NOT NULL,
	cached_status       INTEGER,
	cached_headers      JSONB,
	cached_body         BYTEA,
	created_at          TIMESTAMPTZ NOT NULL,
	completed_at        TIMESTAMPTZ,
	expires_at          TIMESTAMPTZ NOT NULL,
	UNIQUE (agent_id, key)
);

CREATE TABLE IF NOT EXISTS approval_entries (
	action_id            TEXT PRIMARY KEY,
	agent_id             TEXT NOT NULL,
	service_id           TEXT NOT NULL,
	method               TEXT NOT NULL,
	target_url           TEXT NOT NULL,
	stripped_headers     JSONB NOT NULL,
	body                 BYTEA,
	intent               TEXT NOT NULL,
	risk_score           DOUBLE PRECISION NOT NULL,
	risk_explanation     TEXT NOT NULL,
	status               TEXT NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL,
	resolved_at          TIMESTAMPTZ,
	approval_expires_at  TIMESTAMPTZ,
	executed_at          TIMESTAMPTZ,
	cached_status        INTEGER,
	cached_headers       JSONB,
	cached_body          BYTEA
);

CREATE TABLE IF NOT EXISTS audit_records (
	id                    BIGSERIAL PRIMARY KEY,
	agent_id              TEXT NOT NULL,
	service_id            TEXT,
	idempotency_record_id TEXT,
	method                TEXT NOT NULL,
	target_url            TEXT NOT NULL,
	intent                TEXT NOT NULL,
	requested_at          TIMESTAMPTZ NOT NULL,
	completed_at          TIMESTAMPTZ,
	status                INTEGER,
	error_summary         TEXT
);
`

// EnsureSchema creates all tables if they do not already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, schema)
	return err
}

// AgentByKeyFingerprint looks up an agent by the SHA-256 hex digest of
// its issued key. Returns ErrNotFound if no such agent exists.
func (s *Store) AgentByKeyFingerprint(ctx context.Context, fingerprint string) (*Agent, error) {
	var a Agent
	err := s.DB.QueryRowContext(ctx, `
		SELECT agent_id, owner_user_id, display_name, key_fingerprint, key_prefix, active, last_used_at
		FROM agents WHERE key_fingerprint = $1`, fingerprint,
	).Scan(&a.AgentID, &a.OwnerUserID, &a.DisplayName, &a.KeyFingerprint, &a.KeyPrefix, &a.Active, &a.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: agent lookup: %w", err)
	}
	return &a, nil
}

// TouchLastUsed updates an agent's last_used_at. Called fire-and-forget
// from the auth layer; failures are the caller's to swallow.
func (s *Store) TouchLastUsed(ctx context.Context, agentID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE agents SET last_used_at = now() WHERE agent_id = $1`, agentID)
	return err
}

// ScopedServices returns every Service bound to agentID.
func (s *Store) ScopedServices(ctx context.Context, agentID string) ([]Service, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT s.service_id, s.owner_user_id, s.name, s.base_url, s.auth_kind
		FROM services s
		JOIN scope_bindings b ON b.service_id = s.service_id
		WHERE b.agent_id = $1`, agentID)
	if err != nil {
		return nil, fmt.Errorf("store: scoped services: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Service
	for rows.Next() {
		var svc Service
		if err := rows.Scan(&svc.ServiceID, &svc.OwnerUserID, &svc.Name, &svc.BaseURL, &svc.AuthKind); err != nil {
			return nil, fmt.Errorf("store: scoped services scan: %w", err)
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// AgentsByOwner returns every Agent owned by userID, for the dashboard
// surface's pending-approvals listing.
func (s *Store) AgentsByOwner(ctx context.Context, userID string) ([]Agent, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT agent_id, owner_user_id, display_name, key_fingerprint, key_prefix, active, last_used_at
		FROM agents WHERE owner_user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: agents by owner: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.AgentID, &a.OwnerUserID, &a.DisplayName, &a.KeyFingerprint, &a.KeyPrefix, &a.Active, &a.LastUsedAt); err != nil {
			return nil, fmt.Errorf("store: agents by owner scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AgentByID fetches a single Agent.
func (s *Store) AgentByID(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	err := s.DB.QueryRowContext(ctx, `
		SELECT agent_id, owner_user_id, display_name, key_fingerprint, key_prefix, active, last_used_at
		FROM agents WHERE agent_id = $1`, agentID,
	).Scan(&a.AgentID, &a.OwnerUserID, &a.DisplayName, &a.KeyFingerprint, &a.KeyPrefix, &a.Active, &a.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: agent lookup: %w", err)
	}
	return &a, nil
}

// ServiceByID fetches a single Service.
func (s *Store) ServiceByID(ctx context.Context, serviceID string) (*Service, error) {
	var svc Service
	err := s.DB.QueryRowContext(ctx, `
		SELECT service_id, owner_user_id, name, base_url, auth_kind FROM services WHERE service_id = $1`,
		serviceID,
	).Scan(&svc.ServiceID, &svc.OwnerUserID, &svc.Name, &svc.BaseURL, &svc.AuthKind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: service lookup: %w", err)
	}
	return &svc, nil
}

// CredentialsForService returns every Credential row (ciphertext, not
// plaintext) bound to serviceID.
func (s *Store) CredentialsForService(ctx context.Context, serviceID string) ([]Credential, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT credential_id, service_id, name, ciphertext FROM credentials WHERE service_id = $1`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("store: credentials lookup: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.CredentialID, &c.ServiceID, &c.Name, &c.Ciphertext); err != nil {
			return nil, fmt.Errorf("store: credentials scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
