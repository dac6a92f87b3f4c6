package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/httperror"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/store"
)

// AgentKeyMiddleware authenticates every request against the
// AgentAuthenticator, injects the resolved Agent into the request
// context, and fires a best-effort last-used-at touch. Unauthenticated
// and deactivated requests are rejected before reaching next.
func AgentKeyMiddleware(authn *AgentAuthenticator, st *store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey, err := ExtractKey(r)
			if err != nil {
				httperror.WriteUnauthorized(w, "missing or malformed Authorization header")
				return
			}

			agent, err := authn.Authenticate(r.Context(), rawKey)
			switch {
			case err == nil:
			case err == ErrInvalidKey, err == ErrAgentInactive:
				httperror.WriteUnauthorized(w, "invalid or inactive agent key")
				return
			default:
				httperror.WriteInternal(w, err)
				return
			}

			go func(agentID string) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = st.TouchLastUsed(ctx, agentID)
			}(agent.AgentID)

			next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), agent)))
		})
	}
}
