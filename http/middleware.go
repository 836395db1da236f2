package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sagarc03/filevault"
)

// TokenVerifier verifies a bearer token and returns its principal.
type TokenVerifier interface {
	Verify(token string) (filevault.Principal, error)
}

type principalKey struct{}

// WithPrincipal returns a new context carrying p.
func WithPrincipal(ctx context.Context, p filevault.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by AuthMiddleware.
func PrincipalFromContext(ctx context.Context) (filevault.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(filevault.Principal)
	return p, ok
}

// AuthMiddleware resolves the owner of every request. With a verifier, a
// valid "Authorization: Bearer" token is required and its subject becomes the
// owner. Without one, every request acts as anonymousOwner.
func AuthMiddleware(verifier TokenVerifier, anonymousOwner string) func(http.Handler) http.Handler {
	if verifier == nil {
		anonymous := filevault.Principal{Owner: anonymousOwner}
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), anonymous)))
			})
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				HandleError(w, fmt.Errorf("auth: %w: missing bearer token", filevault.ErrUnauthorized))
				return
			}

			p, err := verifier.Verify(token)
			if err != nil {
				HandleError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// PathValidationMiddleware rejects wildcard paths that are not valid file
// paths. An empty path passes so folder routes can address the root.
func PathValidationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := wildcardPath(r)
		if path != "" && !filevault.IsValidPath(strings.TrimSuffix(path, "/")) {
			WriteError(w, http.StatusBadRequest, "invalid_path", "Invalid path format")
			return
		}

		next.ServeHTTP(w, r)
	})
}
