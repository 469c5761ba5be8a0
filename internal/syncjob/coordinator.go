// Package syncjob coordinates cross-platform reactions to marketplace events:
// a sale on one marketplace delists the listing everywhere else.
package syncjob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/breaker"
	"github.com/crosslist/autopilot/internal/clock"
	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/engine"
	"github.com/crosslist/autopilot/internal/events"
	"github.com/crosslist/autopilot/internal/executor"
	"github.com/crosslist/autopilot/internal/failure"
	"github.com/crosslist/autopilot/internal/store"
	"github.com/crosslist/autopilot/internal/webhook"
)

// DelistOrder is the payload of one fan-out delist sub-job.
type DelistOrder struct {
	SyncJobID string
	ListingID int64
	Source    domain.Marketplace
	Post      *domain.ListingPost
}

// Coordinator reacts to normalized webhook events and runs the sync fan-out.
type Coordinator struct {
	jobs        *store.SyncJobRepository
	webhooks    *store.WebhookRepository
	listings    *store.ListingRepository
	registry    *engine.Registry
	exec        *executor.Executor
	categorizer *failure.Categorizer
	clock       clock.Clock
	bus         *events.Bus
	log         zerolog.Logger
}

// NewCoordinator creates a sync coordinator.
func NewCoordinator(jobs *store.SyncJobRepository, webhooks *store.WebhookRepository,
	listings *store.ListingRepository, registry *engine.Registry, exec *executor.Executor,
	categorizer *failure.Categorizer, clk clock.Clock, bus *events.Bus, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		jobs:        jobs,
		webhooks:    webhooks,
		listings:    listings,
		registry:    registry,
		exec:        exec,
		categorizer: categorizer,
		clock:       clk,
		bus:         bus,
		log:         log.With().Str("component", "syncjob").Logger(),
	}
}

// HandleWebhook is the executor handler for normalized webhook events.
func (c *Coordinator) HandleWebhook(ctx context.Context, job *executor.Job) error {
	ev, ok := job.Payload.(*webhook.NormalizedEvent)
	if !ok {
		return errors.New("webhook job carries wrong payload type")
	}

	if err := c.webhooks.UpdateEventStatus(ev.EventID, domain.WebhookProcessing); err != nil {
		return err
	}

	var err error
	switch ev.Kind {
	case webhook.KindSaleCompleted:
		err = c.handleSale(ev)
	case webhook.KindListingEnded:
		err = c.handleEnded(ev)
	default:
		// Inventory updates, offers, and unknown kinds are recorded but need
		// no coordination.
		c.log.Debug().
			Str("kind", ev.Kind).
			Str("marketplace", string(ev.Marketplace)).
			Msg("Webhook event needs no sync action")
	}

	if err != nil {
		var skip *executor.SkipError
		status := domain.WebhookFailed
		if errors.As(err, &skip) {
			status = domain.WebhookIgnored
		}
		if uerr := c.webhooks.UpdateEventStatus(ev.EventID, status); uerr != nil {
			c.log.Error().Err(uerr).Int64("event_id", ev.EventID).Msg("Failed to update event status")
		}
		return err
	}
	return c.webhooks.UpdateEventStatus(ev.EventID, domain.WebhookCompleted)
}

// handleSale marks the sold listing and fans out delists to every other
// marketplace the listing is posted on.
func (c *Coordinator) handleSale(ev *webhook.NormalizedEvent) error {
	post, err := c.resolvePost(ev)
	if err != nil {
		return err
	}
	if post == nil {
		return &executor.SkipError{Reason: "sale for unknown listing"}
	}

	if err := c.listings.SetPostStatus(post.ID, domain.PostSold); err != nil {
		return err
	}
	if err := c.listings.SetStatus(post.ListingID, domain.ListingSold); err != nil {
		return err
	}

	posts, err := c.listings.PostsByListing(post.ListingID)
	if err != nil {
		return err
	}
	var targets []*domain.ListingPost
	for _, p := range posts {
		if p.ID != post.ID && p.Status == domain.PostPosted {
			targets = append(targets, p)
		}
	}

	syncJob := &domain.SyncJob{
		ID:             uuid.NewString(),
		ListingID:      post.ListingID,
		TriggerEventID: ev.EventID,
		Source:         ev.Marketplace,
		Targets:        targetMarketplaces(targets),
		Total:          len(targets),
		Status:         domain.SyncPending,
		StartedAt:      c.clock.Now(),
	}
	created, err := c.jobs.CreateIfAbsent(syncJob)
	if err != nil {
		return err
	}
	if !created {
		return &executor.SkipError{Reason: "sync job already live for listing"}
	}

	c.log.Info().
		Str("sync_job_id", syncJob.ID).
		Int64("listing_id", post.ListingID).
		Str("source", string(ev.Marketplace)).
		Int("targets", len(targets)).
		Msg("Sale detected, starting cross-platform sync")

	if len(targets) == 0 {
		return c.finish(syncJob.ID, domain.SyncCompleted)
	}
	if err := c.jobs.SetStatus(syncJob.ID, domain.SyncProcessing); err != nil {
		return err
	}

	for _, target := range targets {
		accepted := c.exec.Submit(&executor.Job{
			Kind:        executor.KindDelist,
			Priority:    executor.PriorityHigh,
			Marketplace: target.Marketplace,
			Payload: &DelistOrder{
				SyncJobID: syncJob.ID,
				ListingID: post.ListingID,
				Source:    ev.Marketplace,
				Post:      target,
			},
		})
		if !accepted {
			c.recordTarget(&DelistOrder{
				SyncJobID: syncJob.ID,
				ListingID: post.ListingID,
				Source:    ev.Marketplace,
				Post:      target,
			}, false, "executor queue full", 0)
		}
	}
	return nil
}

// handleEnded mirrors an externally ended listing onto its post record.
// No fan-out: the listing may still be live elsewhere.
func (c *Coordinator) handleEnded(ev *webhook.NormalizedEvent) error {
	post, err := c.resolvePost(ev)
	if err != nil {
		return err
	}
	if post == nil {
		return &executor.SkipError{Reason: "ended event for unknown listing"}
	}
	return c.listings.SetPostStatus(post.ID, domain.PostDelisted)
}

func (c *Coordinator) resolvePost(ev *webhook.NormalizedEvent) (*domain.ListingPost, error) {
	ref := ev.ListingRef
	if ref == "" {
		ref = ev.ExternalID
	}
	if ref == "" {
		return nil, nil
	}
	return c.listings.PostByExternal(ev.Marketplace, ref)
}

// HandleDelist is the executor handler for one fan-out delist.
func (c *Coordinator) HandleDelist(ctx context.Context, job *executor.Job) error {
	order, ok := job.Payload.(*DelistOrder)
	if !ok {
		return errors.New("delist job carries wrong payload type")
	}

	eng, err := c.registry.Get(order.Post.Marketplace)
	if err != nil {
		c.recordTarget(order, false, err.Error(), 0)
		return &executor.SkipError{Reason: err.Error()}
	}

	start := c.clock.Now()
	delistErr := eng.Delist(ctx, order.Post)
	duration := c.clock.Now().Sub(start)

	if delistErr == nil {
		c.recordTarget(order, true, "", duration)
		return nil
	}

	// An open circuit defers the job without consuming an attempt, so the
	// target is not settled yet.
	var open *breaker.ErrOpen
	if errors.As(delistErr, &open) {
		return delistErr
	}

	// Settle the target only once the retry budget is spent; otherwise the
	// executor retries this same sub-job.
	analysis := c.categorizer.Categorize(failure.ContextFor(delistErr, order.Post.Marketplace, job.Attempt))
	if !analysis.Policy.ShouldRetry || job.Attempt > analysis.Policy.MaxRetries {
		c.recordTarget(order, false, delistErr.Error(), duration)
	}
	return delistErr
}

// recordTarget settles one fan-out target and completes the job when it was
// the last one outstanding.
func (c *Coordinator) recordTarget(order *DelistOrder, succeeded bool, detail string, duration time.Duration) {
	if err := c.jobs.RecordOutcome(order.SyncJobID, succeeded); err != nil {
		c.log.Error().Err(err).Str("sync_job_id", order.SyncJobID).Msg("Failed to record sync outcome")
		return
	}

	outcome := "delisted"
	if !succeeded {
		outcome = "failed"
	}
	if err := c.jobs.AppendHistory(&store.SyncOutcome{
		SyncJobID:  order.SyncJobID,
		ListingID:  order.ListingID,
		Source:     order.Source,
		Target:     order.Post.Marketplace,
		Outcome:    outcome,
		Detail:     detail,
		Duration:   duration,
		RecordedAt: c.clock.Now(),
	}); err != nil {
		c.log.Error().Err(err).Str("sync_job_id", order.SyncJobID).Msg("Failed to append sync history")
	}

	jb, err := c.jobs.Get(order.SyncJobID)
	if err != nil {
		c.log.Error().Err(err).Str("sync_job_id", order.SyncJobID).Msg("Failed to load sync job")
		return
	}
	if jb == nil || jb.Done+jb.Failed < jb.Total {
		return
	}

	status := domain.SyncCompleted
	switch {
	case jb.Done == 0:
		status = domain.SyncFailed
	case jb.Failed > 0:
		status = domain.SyncPartial
	}
	if err := c.finish(jb.ID, status); err != nil {
		c.log.Error().Err(err).Str("sync_job_id", jb.ID).Msg("Failed to complete sync job")
	}
}

func (c *Coordinator) finish(id string, status domain.SyncJobStatus) error {
	if err := c.jobs.Complete(id, status, c.clock.Now()); err != nil {
		return fmt.Errorf("failed to finish sync job %s: %w", id, err)
	}
	c.log.Info().Str("sync_job_id", id).Str("status", string(status)).Msg("Sync job finished")
	if c.bus != nil {
		c.bus.Emit(events.SyncJobCompleted, "syncjob", map[string]interface{}{
			"sync_job_id": id,
			"status":      string(status),
		})
	}
	return nil
}

// RecoverPending re-enqueues webhook events stuck in pending or processing,
// typically after a restart. Deduplication makes re-delivery safe.
func (c *Coordinator) RecoverPending(limit int) (int, error) {
	recovered := 0
	for _, status := range []domain.WebhookEventStatus{domain.WebhookProcessing, domain.WebhookPending} {
		evts, err := c.webhooks.ListEventsByStatus(status, limit)
		if err != nil {
			return recovered, err
		}
		for _, e := range evts {
			if e.DuplicateOf != nil {
				continue
			}
			accepted := c.exec.Submit(&executor.Job{
				Kind:     executor.KindWebhook,
				Priority: e.Priority,
				Payload: &webhook.NormalizedEvent{
					Marketplace: e.Marketplace,
					ExternalID:  e.ExternalID,
					Kind:        e.Kind,
					EventID:     e.ID,
				},
			})
			if accepted {
				recovered++
			}
		}
	}
	if recovered > 0 {
		c.log.Info().Int("events", recovered).Msg("Recovered unprocessed webhook events")
	}
	return recovered, nil
}

func targetMarketplaces(posts []*domain.ListingPost) []domain.Marketplace {
	out := make([]domain.Marketplace, 0, len(posts))
	for _, p := range posts {
		out = append(out, p.Marketplace)
	}
	return out
}
