package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/events"
)

// Poll outcomes recorded on the schedule.
const (
	outcomeSales = "sales"
	outcomeEmpty = "empty"
	outcomeError = "error"
)

// maxPollFailures disables a schedule after this many consecutive failures.
const maxPollFailures = 5

// growthFactor widens the interval after an empty poll.
const growthFactor = 1.5

// Poller is the outbound side of a poll: it asks the marketplace for events
// since the last poll. Implementations live next to the marketplace clients.
type Poller interface {
	Poll(ctx context.Context, mp domain.Marketplace, userID int64, since *time.Time) ([][]byte, error)
}

// RunDuePolls executes every due polling schedule once. Detected events enter
// the normal ingestion path with a synthetic external id when the payload
// lacks one.
func (i *Ingestor) RunDuePolls(ctx context.Context, poller Poller) error {
	due, err := i.repo.ListDuePolling(i.clock.Now())
	if err != nil {
		return err
	}
	for _, sched := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		i.pollOne(ctx, poller, sched)
	}
	return nil
}

func (i *Ingestor) pollOne(ctx context.Context, poller Poller, sched *domain.PollingSchedule) {
	now := i.clock.Now()
	payloads, err := poller.Poll(ctx, sched.Marketplace, sched.UserID, sched.LastPollAt)

	if err != nil {
		sched.ConsecutiveFailures++
		sched.LastOutcome = outcomeError
		if sched.ConsecutiveFailures >= maxPollFailures {
			sched.Disabled = true
			i.log.Error().
				Str("marketplace", string(sched.Marketplace)).
				Int64("user_id", sched.UserID).
				Int("failures", sched.ConsecutiveFailures).
				Msg("Polling schedule disabled after repeated failures")
			if i.bus != nil {
				i.bus.Emit(events.ErrorOccurred, "webhook", map[string]interface{}{
					"reason":      "polling_disabled",
					"marketplace": string(sched.Marketplace),
					"user_id":     sched.UserID,
				})
			}
		}
	} else {
		sched.ConsecutiveFailures = 0
		sales := 0
		for _, body := range payloads {
			stored, ierr := i.ingestPolled(sched.Marketplace, body)
			if ierr != nil {
				i.log.Error().Err(ierr).Msg("Failed to ingest polled event")
				continue
			}
			if stored.Kind == KindSaleCompleted && stored.DuplicateOf == nil {
				sales++
			}
		}

		// Adaptive cadence: sales tighten the loop, silence relaxes it.
		if sales > 0 {
			sched.LastOutcome = outcomeSales
			sched.ConsecutiveEmpty = 0
			sched.Interval /= 2
			if sched.Interval < sched.MinInterval {
				sched.Interval = sched.MinInterval
			}
		} else {
			sched.LastOutcome = outcomeEmpty
			sched.ConsecutiveEmpty++
			sched.Interval = time.Duration(float64(sched.Interval) * growthFactor)
			if sched.Interval > sched.MaxInterval {
				sched.Interval = sched.MaxInterval
			}
		}
	}

	sched.LastPollAt = &now
	if err := i.repo.UpdatePolling(sched); err != nil {
		i.log.Error().Err(err).Int64("schedule_id", sched.ID).Msg("Failed to persist polling schedule")
	}
}

// ingestPolled routes a polled payload through the same pipeline as pushed
// webhooks. Polled payloads have no signature; they are trusted because we
// initiated the call, so a synthetic valid signature state is recorded.
func (i *Ingestor) ingestPolled(mp domain.Marketplace, body []byte) (*domain.WebhookEvent, error) {
	externalID, kind, listingRef := normalize(body)
	if externalID == "" {
		externalID = fmt.Sprintf("poll-%s", uuid.NewString())
	}

	stored, err := i.repo.InsertEvent(&domain.WebhookEvent{
		Marketplace:    mp,
		ExternalID:     externalID,
		Kind:           kind,
		Payload:        body,
		SignatureValid: true,
		Status:         domain.WebhookPending,
		Priority:       priorityFor(kind),
		ReceivedAt:     i.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	if stored.DuplicateOf == nil {
		i.enqueue(stored, listingRef)
	}
	return stored, nil
}
