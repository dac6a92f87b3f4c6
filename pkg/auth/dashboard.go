package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/httperror"
)

// DashboardClaims are the JWT claims expected on a dashboard bearer
// token. The human operator's user id is the Subject; it is used to
// scope which agents' approval entries a request may see or resolve.
type DashboardClaims struct {
	jwt.RegisteredClaims
}

type userContextKey struct{}

// JWTValidator validates dashboard bearer tokens against a single
// shared signing secret (HS256). A KMS-backed asymmetric KeySet is a
// natural upgrade but out of scope here.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator constructs a validator for the given HMAC secret.
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

// Validate parses and validates a bearer token string.
func (v *JWTValidator) Validate(tokenStr string) (*DashboardClaims, error) {
	claims := &DashboardClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token subject is required")
	}
	return claims, nil
}

// DashboardAuthMiddleware authenticates the approval endpoints against
// a bearer JWT, injecting the owning user id into the request context.
func DashboardAuthMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				httperror.WriteUnauthorized(w, "missing or malformed Authorization header")
				return
			}

			claims, err := validator.Validate(parts[1])
			if err != nil {
				httperror.WriteUnauthorized(w, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFromContext retrieves the dashboard user id stashed by
// DashboardAuthMiddleware.
func UserFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userContextKey{}).(string)
	return id, ok
}
