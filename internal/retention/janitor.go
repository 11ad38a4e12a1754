// Package retention prunes aged audit events in the background.
//
// The janitor wakes on a fixed interval, walks every organization, and
// removes audit events older than the configured retention window. When an
// archiver is registered the batch is archived BEFORE it is deleted; if
// archiving fails the batch stays in the store and is retried next cycle.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/agentloom/agentloom/control-plane/internal/store"
	"github.com/agentloom/agentloom/control-plane/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// DefaultAuditRetentionDays is the retention window used when none is
// configured.
const DefaultAuditRetentionDays = 30

// batchSize caps how many events a single archive-and-delete pass touches,
// so one organization with a huge backlog cannot hold the cycle hostage.
const batchSize = 1000

// Janitor runs the retention loop.
type Janitor struct {
	store     store.Store
	interval  time.Duration
	retention time.Duration
	archiver  contracts.Archiver // nil = purge without archiving
}

// NewJanitor creates a retention janitor. The sweep interval is clamped to
// a minimum of one minute; retention is the age past which audit events are
// removed.
func NewJanitor(s store.Store, interval, retention time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Minute
	}
	if retention <= 0 {
		retention = DefaultAuditRetentionDays * 24 * time.Hour
	}
	return &Janitor{
		store:     s,
		interval:  interval,
		retention: retention,
	}
}

// RegisterArchiver sets or replaces the archive backend. Without one the
// janitor purges expired events outright.
func (j *Janitor) RegisterArchiver(a contracts.Archiver) {
	j.archiver = a
	log.Info().Str("kind", a.Kind()).Msg("Registered audit archive backend")
}

// CycleStats summarizes a single sweep.
type CycleStats struct {
	Organizations int
	Archived      int
	Purged        int
	Errors        int
	Duration      time.Duration
}

// Start blocks until ctx is cancelled, running one cycle immediately and
// then one per interval.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Dur("retention", j.retention).
		Bool("archiving", j.archiver != nil).
		Msg("🧹 Retention janitor started")

	j.runCycle(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

func (j *Janitor) runCycle(ctx context.Context) {
	stats := j.RunCycle(ctx)
	if stats.Purged == 0 && stats.Errors == 0 {
		return
	}
	log.Info().
		Int("organizations", stats.Organizations).
		Int("archived", stats.Archived).
		Int("purged", stats.Purged).
		Int("errors", stats.Errors).
		Dur("duration", stats.Duration).
		Msg("Retention cycle complete")
}

// RunCycle sweeps every organization once and returns the tally.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	var stats CycleStats

	orgs, err := j.store.ListOrganizations(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Retention cycle cannot list organizations")
		stats.Errors++
		return stats
	}

	cutoff := time.Now().UTC().Add(-j.retention)
	for i := range orgs {
		if ctx.Err() != nil {
			break
		}
		stats.Organizations++
		archived, purged, err := j.processOrganization(ctx, orgs[i].ID, cutoff)
		stats.Archived += archived
		stats.Purged += purged
		if err != nil {
			stats.Errors++
			log.Warn().Err(err).Str("organization", orgs[i].Slug).Msg("Retention sweep failed for organization")
		}
	}

	stats.Duration = time.Since(start)
	return stats
}

// processOrganization drains expired events for one organization in batches.
// Archive errors abort the batch before anything is deleted.
func (j *Janitor) processOrganization(ctx context.Context, organizationID string, cutoff time.Time) (archived, purged int, err error) {
	for {
		batch, err := j.store.ListAuditEventsBefore(ctx, organizationID, cutoff, batchSize)
		if err != nil {
			return archived, purged, fmt.Errorf("list expired audit events: %w", err)
		}
		if len(batch) == 0 {
			return archived, purged, nil
		}

		if j.archiver != nil {
			ref, err := j.archiver.ArchiveAuditEvents(ctx, organizationID, batch)
			if err != nil {
				return archived, purged, fmt.Errorf("archive audit events: %w", err)
			}
			archived += len(batch)
			log.Debug().Str("ref", ref).Int("count", len(batch)).Msg("Archived expired audit events")
		}

		ids := make([]string, len(batch))
		for i := range batch {
			ids[i] = batch[i].ID
		}
		n, err := j.store.DeleteAuditEvents(ctx, ids)
		if err != nil {
			return archived, purged, fmt.Errorf("delete expired audit events: %w", err)
		}
		purged += n

		if len(batch) < batchSize {
			return archived, purged, nil
		}
	}
}
