// Authentication interfaces for the pluggable auth layer.
//
// These types form the boundary between authentication (pluggable) and
// authorization (fixed). The built-in providers are API key and HMAC service
// tokens; deployments can register additional providers on the same chain.

package contracts

import (
	"context"
	"net/http"
	"time"
)

// ── Identity ────────────────────────────────────────────────

// Identity represents an authenticated user or service. Produced by an
// AuthProvider, consumed by the policy engine and handlers. No handler ever
// knows which provider authenticated the request.
type Identity struct {
	// Subject is the unique identifier (user ID, service account name, API
	// key hash).
	Subject string `json:"subject"`

	// Email may be empty for service accounts.
	Email string `json:"email,omitempty"`

	DisplayName string `json:"display_name,omitempty"`

	// Provider identifies which auth provider authenticated this identity.
	// Values: "apikey", "service_account", plus whatever is registered.
	Provider string `json:"provider"`

	// OrganizationID is the tenant scope from token claims or mapping.
	// Empty means "use the organization from the request header".
	OrganizationID string `json:"organization_id,omitempty"`

	// Environment pins the identity to one environment. Empty means the
	// request's X-Environment header decides.
	Environment string `json:"environment,omitempty"`

	// Roles are the organization role names this identity holds. The policy
	// engine resolves them against persisted roles per request.
	Roles []string `json:"roles"`

	// Claims holds raw claims from the token for custom policies.
	Claims map[string]string `json:"claims,omitempty"`

	// ExpiresAt is when this identity's session expires.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// ── AuthProvider ────────────────────────────────────────────

// AuthProvider authenticates an HTTP request and returns an Identity.
//
// The chain pattern:
//   - Return (*Identity, nil) → authenticated, stop chain
//   - Return (nil, nil) → this provider doesn't handle this request, try next
//   - Return (nil, error) → authentication was attempted but failed, reject
type AuthProvider interface {
	// Name returns the provider identifier (e.g. "apikey").
	Name() string

	// Authenticate inspects the request and returns an Identity.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)

	// Enabled returns whether this provider is configured and active.
	Enabled() bool
}

// ── AuthProviderChain ───────────────────────────────────────

// AuthProviderChain tries providers in priority order until one returns an
// Identity, so API key callers and service accounts can hit the same
// endpoints.
type AuthProviderChain interface {
	// Authenticate walks the chain of providers in order. Returns the first
	// successful Identity, or (nil, nil) if no provider matched.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)

	// RegisterProvider adds a provider to the end of the chain.
	RegisterProvider(provider AuthProvider)
}
