// Package credentials, given a resolved service, fetches its
// encrypted credentials, decrypts them through the vault, and stamps
// the appropriate authentication header onto a copy of the caller's
// headers.
package credentials

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/store"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/vault"
)

// ErrUnavailable wraps any missing-credential or decrypt failure.
// Maps to 500, never retried.
var ErrUnavailable = errors.New("credentials: unavailable")

// Injector decrypts and stamps credentials for a service.
type Injector struct {
	store *store.Store
	vault *vault.Vault
}

// New constructs an Injector backed by the given store and vault.
func New(s *store.Store, v *vault.Vault) *Injector {
	return &Injector{store: s, vault: v}
}

// Inject returns a copy of headers with authentication stamped in,
// according to svc.AuthKind. The input map is never mutated.
func (inj *Injector) Inject(ctx context.Context, svc *store.Service, headers http.Header) (http.Header, error) {
	creds, err := inj.store.CredentialsForService(ctx, svc.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	plain := make(map[string]string, len(creds))
	for _, c := range creds {
		value, err := inj.vault.Decrypt(c.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("%w: decrypt %s: %v", ErrUnavailable, c.Name, err)
		}
		plain[c.Name] = string(value)
	}

	out := headers.Clone()
	if out == nil {
		out = make(http.Header)
	}

	switch svc.AuthKind {
	case store.AuthKindBearer:
		token, ok := plain["token"]
		if !ok || token == "" {
			return nil, fmt.Errorf("%w: missing credential %q", ErrUnavailable, "token")
		}
		out.Set("Authorization", "Bearer "+token)

	case store.AuthKindBasic:
		username, hasUser := plain["username"]
		password, hasPass := plain["password"]
		if !hasUser || !hasPass {
			return nil, fmt.Errorf("%w: missing username/password credential", ErrUnavailable)
		}
		encoded := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		out.Set("Authorization", "Basic "+encoded)

	case store.AuthKindOAuth2:
		token, ok := plain["access_token"]
		if !ok || token == "" {
			return nil, fmt.Errorf("%w: missing credential %q", ErrUnavailable, "access_token")
		}
		out.Set("Authorization", "Bearer "+token)

	case store.AuthKindAPIKey:
		if err := injectAPIKey(out, plain); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: unknown auth kind %q", ErrUnavailable, svc.AuthKind)
	}

	return out, nil
}

// injectAPIKey handles the apiKey auth kind: a single named credential
// whose name is the header to set, falling back to X-API-Key/api_key
// when no explicitly-designated credential name is present.
func injectAPIKey(headers http.Header, plain map[string]string) error {
	if len(plain) == 1 {
		for name, value := range plain {
			if name != "api_key" {
				headers.Set(name, value)
				return nil
			}
		}
	}
	value, ok := plain["api_key"]
	if !ok || value == "" {
		return fmt.Errorf("%w: missing api key credential", ErrUnavailable)
	}
	headers.Set("X-API-Key", value)
	return nil
}
