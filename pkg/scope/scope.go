// Package scope resolves which of an agent's bound services, if any,
// owns a candidate target URL.
package scope

import (
	"context"
	"errors"
	"fmt"

	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/store"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/urlpolicy"
)

// ErrNotAuthorized means no scoped service's base URL prefixes the
// target, maps to 404 (indistinguishable from "unknown service").
var ErrNotAuthorized = errors.New("scope: no bound service matches target")

// ErrAmbiguous means two or more bound services tie for the longest
// matching base-URL prefix, maps to 409.
var ErrAmbiguous = errors.New("scope: ambiguous service match")

// Resolver finds the unique scoped service that owns a target URL.
type Resolver struct {
	store *store.Store
}

// New constructs a Resolver backed by the given store.
func New(s *store.Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve returns the single service bound to agentID whose base URL
// is a prefix of targetURL, picking the longest match when more than
// one binding qualifies. Ties are rejected with ErrAmbiguous rather
// than resolved nondeterministically.
func (r *Resolver) Resolve(ctx context.Context, agentID, targetURL string) (*store.Service, error) {
	bound, err := r.store.ScopedServices(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("scope: list bound services: %w", err)
	}

	var best *store.Service
	var bestLen int
	tied := false
	for i := range bound {
		svc := &bound[i]
		if !urlpolicy.MatchesBase(targetURL, svc.BaseURL) {
			continue
		}
		l := len(svc.BaseURL)
		switch {
		case best == nil || l > bestLen:
			best = svc
			bestLen = l
			tied = false
		case l == bestLen:
			tied = true
		}
	}

	if best == nil {
		return nil, ErrNotAuthorized
	}
	if tied {
		return nil, ErrAmbiguous
	}
	return best, nil
}
