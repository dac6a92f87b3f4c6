// Package auth authenticates inbound requests: agent API keys on the
// proxy surface, and dashboard JWT bearer tokens on the human-facing
// approval surface. It also carries the gateway's CORS and
// request-correlation middleware.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/store"
)

// KeyPrefix is the literal prefix every issued agent key carries.
const KeyPrefix = "agt_"

// ErrMissingKey means no Authorization header (or an unparseable one)
// was presented.
var ErrMissingKey = errors.New("auth: missing agent key")

// ErrInvalidKey means the presented key does not match any active agent.
var ErrInvalidKey = errors.New("auth: invalid agent key")

// ErrAgentInactive means the key matched an agent that has been
// deactivated; treated the same as an invalid key by callers, but kept
// distinct so it can be logged differently.
var ErrAgentInactive = errors.New("auth: agent deactivated")

type agentContextKey struct{}

// FingerprintKey returns the SHA-256 hex digest of a raw agent key, the
// form under which keys are stored, the gateway never persists a raw
// key.
func FingerprintKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// ExtractKey pulls the agent key out of an Authorization: Bearer header.
func ExtractKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingKey
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", ErrMissingKey
	}
	return parts[1], nil
}

// AgentAuthenticator resolves a raw agent key to its owning Agent,
// using a constant-time comparison against the stored fingerprint so a
// timing side-channel cannot be used to guess valid keys byte by byte.
type AgentAuthenticator struct {
	store *store.Store
}

// NewAgentAuthenticator constructs an AgentAuthenticator.
func NewAgentAuthenticator(s *store.Store) *AgentAuthenticator {
	return &AgentAuthenticator{store: s}
}

// Authenticate resolves rawKey to an Agent.
func (a *AgentAuthenticator) Authenticate(ctx context.Context, rawKey string) (*store.Agent, error) {
	fingerprint := FingerprintKey(rawKey)
	agent, err := a.store.AgentByKeyFingerprint(ctx, fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}
	// The lookup above already matched on fingerprint; this comparison
	// guards against a store implementation that returns the nearest
	// match instead of failing closed.
	if subtle.ConstantTimeCompare([]byte(agent.KeyFingerprint), []byte(fingerprint)) != 1 {
		return nil, ErrInvalidKey
	}
	if !agent.Active {
		return nil, ErrAgentInactive
	}
	return agent, nil
}

// WithAgent stores agent in ctx.
func WithAgent(ctx context.Context, agent *store.Agent) context.Context {
	return context.WithValue(ctx, agentContextKey{}, agent)
}

// AgentFromContext retrieves the Agent stashed by the auth middleware.
func AgentFromContext(ctx context.Context) (*store.Agent, bool) {
	agent, ok := ctx.Value(agentContextKey{}).(*store.Agent)
	return agent, ok
}
