// Package middleware provides shared middleware helpers for the AgentLoom
// control plane. It lives in pkg/ (not internal/) so external middleware can
// read and set the same request scope.
package middleware

import (
	"context"

	"github.com/agentloom/agentloom/control-plane/pkg/models"
)

type contextKey string

const (
	organizationKey contextKey = "organization"
	environmentKey  contextKey = "environment"
)

// GetOrganizationID extracts the organization ID from the context. Empty
// means the request never passed the organization extractor.
func GetOrganizationID(ctx context.Context) string {
	if v, ok := ctx.Value(organizationKey).(string); ok {
		return v
	}
	return ""
}

// SetOrganizationID stores the organization ID in the context.
func SetOrganizationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, organizationKey, id)
}

// GetEnvironment extracts the environment from the context, defaulting to
// development.
func GetEnvironment(ctx context.Context) models.Environment {
	if v, ok := ctx.Value(environmentKey).(models.Environment); ok && v != "" {
		return v
	}
	return models.EnvDevelopment
}

// SetEnvironment stores the environment in the context.
func SetEnvironment(ctx context.Context, env models.Environment) context.Context {
	return context.WithValue(ctx, environmentKey, env)
}
