package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	pkgmw "github.com/agentloom/agentloom/control-plane/pkg/middleware"
	"github.com/agentloom/agentloom/control-plane/pkg/models"
)

// ScopeExtractor resolves the request's organization and environment.
// Organization comes from the X-Organization header or the organization
// query parameter; when neither is set, an authenticated identity carrying
// an organization scope supplies it in the auth middleware. Environment
// comes from
// X-Environment and defaults to development; an invalid value is a 400.
func ScopeExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org := strings.TrimSpace(r.Header.Get("X-Organization"))
		if org == "" {
			org = strings.TrimSpace(r.URL.Query().Get("organization"))
		}

		env := models.EnvDevelopment
		if h := strings.TrimSpace(r.Header.Get("X-Environment")); h != "" {
			env = models.Environment(h)
			if !env.Valid() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{
					"error":   "invalid_environment",
					"message": "X-Environment must be development, production or eval",
				})
				return
			}
		}

		ctx := pkgmw.SetOrganizationID(r.Context(), org)
		ctx = pkgmw.SetEnvironment(ctx, env)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
