package ratelimit

import (
	"net/http"

	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/auth"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/httperror"
)

// Middleware rejects requests from an over-budget agent with 429
// before they reach the proxy pipeline. It runs after agent-key
// authentication, since agentID comes from the resolved Agent.
func Middleware(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agent, ok := auth.AgentFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), agent.AgentID)
			if err != nil {
				httperror.WriteInternal(w, err)
				return
			}
			if !allowed {
				httperror.WriteTooManyRequests(w, 1)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
