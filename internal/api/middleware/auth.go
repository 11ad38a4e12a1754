package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/agentloom/agentloom/control-plane/pkg/contracts"
	pkgmw "github.com/agentloom/agentloom/control-plane/pkg/middleware"
	"github.com/agentloom/agentloom/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// AuthMiddleware authenticates requests using the pluggable
// AuthProviderChain and stores the resulting Identity in context. Multiple
// concurrent auth strategies share the one chain.
type AuthMiddleware struct {
	chain       contracts.AuthProviderChain
	requireAuth bool
}

// NewAuthMiddleware creates the auth middleware. When requireAuth is true,
// unauthenticated requests to non-public paths are rejected.
func NewAuthMiddleware(chain contracts.AuthProviderChain, requireAuth bool) *AuthMiddleware {
	return &AuthMiddleware{
		chain:       chain,
		requireAuth: requireAuth,
	}
}

// Handler returns the HTTP handler middleware that authenticates requests.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Public paths — skip auth
		if isAuthPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		// Walk the provider chain
		identity, err := am.chain.Authenticate(r.Context(), r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
			writeAuthError(w, "authentication_failed", err.Error())
			return
		}

		// No identity and auth is required → reject
		if identity == nil && am.requireAuth {
			writeAuthError(w, "authentication_required",
				"This endpoint requires authentication. Set Authorization: Bearer <key>, X-API-Key, or X-Service-Token header.")
			return
		}

		ctx := r.Context()
		if identity != nil {
			ctx = pkgmw.SetIdentity(ctx, identity)

			// An identity-scoped organization fills an absent request
			// scope. A mismatched X-Organization is never silently
			// rewritten: the handler layer rejects it with a 403.
			if identity.OrganizationID != "" && pkgmw.GetOrganizationID(ctx) == "" {
				ctx = pkgmw.SetOrganizationID(ctx, identity.OrganizationID)
			}
			if identity.Environment != "" {
				env := models.Environment(identity.Environment)
				if env.Valid() {
					ctx = pkgmw.SetEnvironment(ctx, env)
				}
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeAuthError(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="agentloom"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}

// isAuthPublicPath returns true for paths that should skip authentication.
func isAuthPublicPath(path string) bool {
	publicPaths := []string{
		"/health",
		"/version",
	}
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
