// Package contracts defines the pluggable backend interfaces of the
// AgentLoom control plane: authentication providers and archive backends.
// It lives in pkg/ so deployments can register their own implementations
// without importing internal/.
package contracts

import (
	"context"

	"github.com/agentloom/agentloom/control-plane/pkg/models"
)

// ── Archive Backend ─────────────────────────────────────────

// Archiver persists batches of expired audit events to cold storage and
// returns a location reference (file path, object key). The retention
// janitor archives a batch BEFORE deleting it; an archive error keeps the
// batch in the hot store.
//
// The built-in backend writes JSONL files to a local directory. Deployments
// register object-store backends through the same interface.
type Archiver interface {
	// Kind returns the backend identifier (e.g. "local", "s3").
	Kind() string

	// ArchiveAuditEvents persists the batch and returns where it landed.
	ArchiveAuditEvents(ctx context.Context, organizationID string, events []models.AuditEvent) (string, error)

	// HealthCheck verifies the backend can accept writes.
	HealthCheck(ctx context.Context) error
}
