// Package webhook verifies, deduplicates, normalizes, and enqueues inbound
// marketplace events, and drives adaptive polling for marketplaces without
// push delivery.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/clock"
	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/events"
	"github.com/crosslist/autopilot/internal/executor"
	"github.com/crosslist/autopilot/internal/store"
)

// Normalized event kinds.
const (
	KindSaleCompleted    = "sale_completed"
	KindListingEnded     = "listing_ended"
	KindInventoryUpdated = "inventory_updated"
	KindOfferReceived    = "offer_received"
	KindUnknown          = "unknown"
)

// SignatureHeader is where marketplaces put the HMAC of the body.
const SignatureHeader = "X-Webhook-Signature"

// NormalizedEvent is the marketplace-independent view of a raw payload.
type NormalizedEvent struct {
	Marketplace domain.Marketplace
	ExternalID  string
	Kind        string
	ListingRef  string // marketplace-native listing id, when present
	EventID     int64  // webhook_events row id
}

// rawPayload is the common envelope the supported marketplaces share.
// Marketplace-specific shapes are mapped into it during normalization.
type rawPayload struct {
	EventID   string `json:"event_id"`
	ID        string `json:"id"`
	Type      string `json:"type"`
	Event     string `json:"event"`
	ListingID string `json:"listing_id"`
	ItemID    string `json:"item_id"`
}

// Ingestor is the webhook processing pipeline.
type Ingestor struct {
	repo  *store.WebhookRepository
	exec  *executor.Executor
	clock clock.Clock
	bus   *events.Bus
	log   zerolog.Logger
}

// NewIngestor creates a webhook ingestor.
func NewIngestor(repo *store.WebhookRepository, exec *executor.Executor,
	clk clock.Clock, bus *events.Bus, log zerolog.Logger) *Ingestor {
	return &Ingestor{
		repo:  repo,
		exec:  exec,
		clock: clk,
		bus:   bus,
		log:   log.With().Str("component", "webhook").Logger(),
	}
}

// Verify checks the body HMAC against every configuration registered for the
// marketplace. SHA-256 hex, constant-time compare.
func (i *Ingestor) Verify(mp domain.Marketplace, body []byte, signature string) (bool, error) {
	configs, err := i.repo.ListConfigs(mp)
	if err != nil {
		return false, err
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	for _, cfg := range configs {
		if cfg.Secret == "" {
			continue
		}
		mac := hmac.New(sha256.New, []byte(cfg.Secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
			return true, nil
		}
	}
	return false, nil
}

// Ingest records a raw delivery and, when it is a first-seen valid event,
// enqueues it for processing. Invalid signatures and duplicates are stored
// for the audit trail but never processed.
func (i *Ingestor) Ingest(mp domain.Marketplace, body []byte, headers map[string]string) (*domain.WebhookEvent, error) {
	sigValid, err := i.Verify(mp, body, headers[SignatureHeader])
	if err != nil {
		return nil, err
	}

	externalID, kind, listingRef := normalize(body)

	status := domain.WebhookPending
	if !sigValid {
		status = domain.WebhookIgnored
	}

	stored, err := i.repo.InsertEvent(&domain.WebhookEvent{
		Marketplace:    mp,
		ExternalID:     externalID,
		Kind:           kind,
		Payload:        body,
		Headers:        headers,
		SignatureValid: sigValid,
		Status:         status,
		Priority:       priorityFor(kind),
		ReceivedAt:     i.clock.Now(),
	})
	if err != nil {
		return nil, err
	}

	if !sigValid {
		i.log.Warn().
			Str("marketplace", string(mp)).
			Str("external_id", externalID).
			Msg("Webhook signature invalid, event recorded but not processed")
		return stored, nil
	}
	if stored.DuplicateOf != nil {
		i.log.Debug().
			Str("marketplace", string(mp)).
			Str("external_id", externalID).
			Int64("original", *stored.DuplicateOf).
			Msg("Duplicate webhook dropped")
		return stored, nil
	}

	i.enqueue(stored, listingRef)
	return stored, nil
}

func (i *Ingestor) enqueue(e *domain.WebhookEvent, listingRef string) {
	accepted := i.exec.Submit(&executor.Job{
		Kind:     executor.KindWebhook,
		Priority: e.Priority,
		Payload: &NormalizedEvent{
			Marketplace: e.Marketplace,
			ExternalID:  e.ExternalID,
			Kind:        e.Kind,
			ListingRef:  listingRef,
			EventID:     e.ID,
		},
	})
	if !accepted {
		i.log.Error().Int64("event_id", e.ID).Msg("Executor rejected webhook event")
		return
	}
	if i.bus != nil {
		i.bus.Emit(events.WebhookReceived, "webhook", map[string]interface{}{
			"marketplace": string(e.Marketplace),
			"kind":        e.Kind,
			"event_id":    e.ID,
		})
	}
}

// normalize extracts the external id, kind, and listing reference from a raw
// payload. Unknown shapes still get stored, keyed by whatever id is present.
func normalize(body []byte) (externalID, kind, listingRef string) {
	var p rawPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return "", KindUnknown, ""
	}

	externalID = p.EventID
	if externalID == "" {
		externalID = p.ID
	}

	rawKind := p.Type
	if rawKind == "" {
		rawKind = p.Event
	}
	kind = classifyKind(rawKind)

	listingRef = p.ListingID
	if listingRef == "" {
		listingRef = p.ItemID
	}
	return externalID, kind, listingRef
}

func classifyKind(raw string) string {
	k := strings.ToLower(raw)
	switch {
	case strings.Contains(k, "sale"), strings.Contains(k, "sold"), strings.Contains(k, "order"):
		return KindSaleCompleted
	case strings.Contains(k, "end"), strings.Contains(k, "remov"), strings.Contains(k, "delet"):
		return KindListingEnded
	case strings.Contains(k, "inventory"), strings.Contains(k, "stock"), strings.Contains(k, "quantity"):
		return KindInventoryUpdated
	case strings.Contains(k, "offer"):
		return KindOfferReceived
	default:
		return KindUnknown
	}
}

// priorityFor ranks event kinds: sales outrank everything else.
func priorityFor(kind string) int {
	switch kind {
	case KindSaleCompleted:
		return executor.PriorityHigh
	case KindListingEnded, KindInventoryUpdated:
		return executor.PriorityNormal
	default:
		return executor.PriorityLow
	}
}
