// Package engine turns rule firings into concrete marketplace operations.
// Engines share one capability set and differ by a per-marketplace profile:
// pacing ranges, session breaks, and the subset of supported actions.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/breaker"
	"github.com/crosslist/autopilot/internal/clock"
	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/failure"
	"github.com/crosslist/autopilot/internal/ratelimit"
	"github.com/crosslist/autopilot/internal/store"
)

// Engine is the capability set each marketplace implements.
type Engine interface {
	Execute(ctx context.Context, rule *domain.AutomationRule, user *domain.User) (*Outcome, error)
	ValidateRule(rule *domain.AutomationRule) error
	AvailableActions() []string
	DefaultConfig(ruleType domain.RuleType) interface{}
	Delist(ctx context.Context, post *domain.ListingPost) error
}

// Outcome summarizes one firing.
type Outcome struct {
	Action      string
	Succeeded   int
	Failed      int
	RateLimited int
	Skipped     int
	Status      domain.LogStatus
	Reason      string
}

// status derives the log status from the counters.
func (o *Outcome) status() domain.LogStatus {
	switch {
	case o.RateLimited > 0 && o.Succeeded == 0:
		return domain.LogRateLimited
	case o.Failed == 0 && o.Succeeded > 0:
		return domain.LogSuccess
	case o.Succeeded > 0:
		return domain.LogPartial
	case o.Failed > 0:
		return domain.LogFailed
	default:
		return domain.LogSkipped
	}
}

// Profile parameterizes one marketplace's engine.
type Profile struct {
	Marketplace domain.Marketplace
	// Luxury marketplaces get longer pacing to match slower human browsing.
	Luxury bool
	// MinActionDelay and MaxActionDelay bound the uniform pacing range.
	MinActionDelay time.Duration
	MaxActionDelay time.Duration
	// BreakEvery triggers a pause after this many successful actions.
	BreakEvery    int
	BreakDuration time.Duration
	// Actions is the supported subset of the capability set.
	Actions []string
}

// DefaultProfile returns the stock profile for a marketplace.
func DefaultProfile(mp domain.Marketplace) Profile {
	p := Profile{
		Marketplace:    mp,
		MinActionDelay: 2 * time.Second,
		MaxActionDelay: 8 * time.Second,
		BreakEvery:     25,
		BreakDuration:  90 * time.Second,
		Actions: []string{
			ActionShare, ActionFollow, ActionUnfollow, ActionSendOffer,
			ActionBump, ActionDropPrice, ActionDelist, ActionRelist,
			ActionGetMetrics, ActionGetLikers, ActionGetWatchers,
		},
	}
	switch mp {
	case domain.MarketplacePoshmark:
		p.Actions = append(p.Actions, ActionShareToParty, ActionGetParties)
	case domain.MarketplaceVestiare, domain.MarketplaceGrailed:
		p.Luxury = true
		p.MinActionDelay = 6 * time.Second
		p.MaxActionDelay = 20 * time.Second
		p.BreakEvery = 10
	}
	return p
}

// Deps is everything an engine needs beyond its client.
type Deps struct {
	Connections   *store.ConnectionRepository
	Listings      *store.ListingRepository
	ShareSettings *store.ShareSettingsRepository
	Offers        *store.OfferTemplateRepository
	PriceDrops    *store.PriceDropRepository
	Markers       *store.MarkerRepository
	Logs          *store.LogRepository
	Limiter       *ratelimit.Limiter
	Breaker       *breaker.Breaker
	Categorizer   *failure.Categorizer
	Clock         clock.Clock
	Log           zerolog.Logger
}

// Registry resolves engines by marketplace tag.
type Registry struct {
	engines map[domain.Marketplace]Engine
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[domain.Marketplace]Engine)}
}

// Register binds an engine to its marketplace.
func (r *Registry) Register(mp domain.Marketplace, e Engine) {
	r.engines[mp] = e
}

// Get returns the engine for a marketplace.
func (r *Registry) Get(mp domain.Marketplace) (Engine, error) {
	e, ok := r.engines[mp]
	if !ok {
		return nil, fmt.Errorf("no engine registered for marketplace %q", mp)
	}
	return e, nil
}

// Marketplaces lists the registered tags.
func (r *Registry) Marketplaces() []domain.Marketplace {
	out := make([]domain.Marketplace, 0, len(r.engines))
	for mp := range r.engines {
		out = append(out, mp)
	}
	return out
}
