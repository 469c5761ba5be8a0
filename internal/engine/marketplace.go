package engine

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/crosslist/autopilot/internal/clock"
	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/engine/ruleconfig"
	"github.com/crosslist/autopilot/internal/failure"
)

// MarketplaceEngine is the parametric engine: one instance per marketplace,
// differentiated by profile and client.
type MarketplaceEngine struct {
	profile Profile
	client  Client
	deps    Deps
	rng     *rand.Rand
}

// NewMarketplaceEngine creates an engine for one marketplace.
func NewMarketplaceEngine(profile Profile, client Client, deps Deps) *MarketplaceEngine {
	deps.Log = deps.Log.With().
		Str("component", "engine").
		Str("marketplace", string(profile.Marketplace)).
		Logger()
	return &MarketplaceEngine{
		profile: profile,
		client:  client,
		deps:    deps,
		rng:     rand.New(rand.NewSource(deps.Clock.Now().UnixNano())),
	}
}

// AvailableActions returns the supported action kinds.
func (e *MarketplaceEngine) AvailableActions() []string {
	out := make([]string, len(e.profile.Actions))
	copy(out, e.profile.Actions)
	return out
}

func (e *MarketplaceEngine) supports(action string) bool {
	for _, a := range e.profile.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// ValidateRule checks the rule's config variant and that this marketplace
// supports the rule's action.
func (e *MarketplaceEngine) ValidateRule(rule *domain.AutomationRule) error {
	if _, err := ruleconfig.Parse(rule.Type, rule.Config); err != nil {
		return err
	}
	if action := actionForRuleType(rule.Type); !e.supports(action) {
		return fmt.Errorf("marketplace %s does not support %s", e.profile.Marketplace, action)
	}
	return nil
}

// DefaultConfig returns the stock config variant for a rule type.
func (e *MarketplaceEngine) DefaultConfig(ruleType domain.RuleType) interface{} {
	switch ruleType {
	case domain.RuleAutoShare:
		return &ruleconfig.AutoShare{MaxItems: 100, MinDelay: 2, MaxDelay: 8, ShareOrder: "newest"}
	case domain.RulePartyShare:
		return &ruleconfig.PartyShare{MaxItemsPerParty: 50}
	case domain.RuleAutoFollow:
		return &ruleconfig.AutoFollow{MaxFollowsPerRun: 50, Targeting: "followers"}
	case domain.RuleAutoOffer:
		return &ruleconfig.AutoOffer{MaxOffersPerItem: 3, DiscountPercent: 10}
	case domain.RuleWatcherOffers:
		return &ruleconfig.WatcherOffers{MinWatchDays: 2, OfferDiscountPercentage: 10, MaxOffersPerItem: 3}
	case domain.RuleAutoBump:
		return &ruleconfig.AutoBump{MaxBumpsPerWeek: 3, MinDaysBetweenBumps: 2, BumpsPerExecution: 10}
	case domain.RuleSmartDrop:
		return &ruleconfig.SmartDrop{MinDaysBetweenDrops: 7, BaseDropPercentage: 5, MaxTotalDropPercentage: 30}
	case domain.RuleAutoRelist:
		return &ruleconfig.AutoRelist{MinAgeDays: 60, MaxPerExecution: 10}
	case domain.RuleBundleOffer:
		return &ruleconfig.BundleOffer{MinItems: 2}
	}
	return nil
}

func actionForRuleType(t domain.RuleType) string {
	switch t {
	case domain.RuleAutoShare:
		return ActionShare
	case domain.RulePartyShare:
		return ActionShareToParty
	case domain.RuleAutoFollow:
		return ActionFollow
	case domain.RuleAutoOffer, domain.RuleWatcherOffers:
		return ActionSendOffer
	case domain.RuleBundleOffer:
		return ActionSendBundle
	case domain.RuleAutoBump:
		return ActionBump
	case domain.RuleSmartDrop:
		return ActionDropPrice
	case domain.RuleAutoRelist:
		return ActionRelist
	}
	return ""
}

// Execute runs one firing of a rule. The returned outcome covers the batch;
// a returned error means the firing failed before or during the batch and
// should flow through retry policy.
func (e *MarketplaceEngine) Execute(ctx context.Context, rule *domain.AutomationRule, user *domain.User) (*Outcome, error) {
	cfg, err := ruleconfig.Parse(rule.Type, rule.Config)
	if err != nil {
		return nil, &failure.CallError{
			Marketplace: e.profile.Marketplace,
			HTTPStatus:  422,
			Code:        "invalid_rule_config",
			Message:     err.Error(),
			Err:         err,
		}
	}

	if err := e.preflight(user.ID); err != nil {
		return nil, err
	}

	attemptID := uuid.NewString()
	session := &session{
		engine:    e,
		rule:      rule,
		user:      user,
		attemptID: attemptID,
	}

	switch c := cfg.(type) {
	case *ruleconfig.AutoShare:
		return session.share(ctx, c)
	case *ruleconfig.PartyShare:
		return session.partyShare(ctx, c)
	case *ruleconfig.AutoFollow:
		return session.follow(ctx, c)
	case *ruleconfig.AutoOffer:
		return session.offer(ctx, c)
	case *ruleconfig.WatcherOffers:
		return session.watcherOffers(ctx, c)
	case *ruleconfig.AutoBump:
		return session.bump(ctx, c)
	case *ruleconfig.SmartDrop:
		return session.smartDrop(ctx, c)
	case *ruleconfig.AutoRelist:
		return session.relist(ctx, c)
	case *ruleconfig.BundleOffer:
		return session.bundleOffer(ctx, c)
	}
	return nil, &failure.CallError{
		Marketplace: e.profile.Marketplace,
		HTTPStatus:  422,
		Code:        "unsupported_rule_type",
		Message:     string(rule.Type),
	}
}

// preflight verifies connection health. A missing, disconnected, or expired
// connection is an auth failure.
func (e *MarketplaceEngine) preflight(userID int64) error {
	conn, err := e.deps.Connections.Get(userID, e.profile.Marketplace)
	if err != nil {
		return err
	}
	now := e.deps.Clock.Now()
	switch {
	case conn == nil:
		return &failure.CallError{
			Marketplace: e.profile.Marketplace,
			HTTPStatus:  401,
			Code:        "no_connection",
			Message:     "no marketplace connection",
		}
	case !conn.Connected:
		return &failure.CallError{
			Marketplace: e.profile.Marketplace,
			HTTPStatus:  401,
			Code:        "disconnected",
			Message:     "connection is disabled",
		}
	case conn.CredentialExpired(now):
		return &failure.CallError{
			Marketplace: e.profile.Marketplace,
			HTTPStatus:  401,
			Code:        "credential_expired",
			Message:     "credential expired",
		}
	}
	return nil
}

// Delist removes one listing post from this marketplace. Used by the sync
// coordinator; runs the same admission path as rule actions but without
// pacing, since a sale makes speed matter more than stealth.
func (e *MarketplaceEngine) Delist(ctx context.Context, post *domain.ListingPost) error {
	listing, err := e.deps.Listings.Get(post.ListingID)
	if err != nil {
		return err
	}
	if listing == nil {
		return &failure.CallError{
			Marketplace: e.profile.Marketplace,
			HTTPStatus:  404,
			Code:        "listing_missing",
			Message:     fmt.Sprintf("listing %d not found", post.ListingID),
		}
	}

	if err := e.preflight(listing.UserID); err != nil {
		return err
	}
	if err := e.admit(ctx, listing.UserID, false); err != nil {
		return err
	}

	res, err := e.client.Delist(ctx, post.ExternalID)
	if err != nil {
		analysis := e.deps.Categorizer.Categorize(failure.ContextFor(err, e.profile.Marketplace, 1))
		e.settleFailure(listing.UserID, analysis)
		return err
	}
	e.settle(listing.UserID, true, res)

	if err := e.deps.Listings.SetPostStatus(post.ID, domain.PostDelisted); err != nil {
		return err
	}
	e.deps.Log.Info().
		Int64("listing_id", post.ListingID).
		Str("external_id", post.ExternalID).
		Msg("Listing delisted")
	return nil
}

// admit gates one outbound call: circuit breaker, then rate limit, then
// pacing when pace is true.
func (e *MarketplaceEngine) admit(ctx context.Context, userID int64, pace bool) error {
	if err := e.deps.Breaker.Allow(e.profile.Marketplace); err != nil {
		return err
	}

	decision, err := e.deps.Limiter.Check(e.profile.Marketplace, userID)
	if err != nil {
		e.deps.Breaker.Done(e.profile.Marketplace)
		return err
	}
	if !decision.Allowed {
		e.deps.Breaker.Done(e.profile.Marketplace)
		return &rateLimitedError{retryAfter: decision.RetryAfter, reason: decision.Reason}
	}

	if pace {
		if err := e.deps.Limiter.Pace(ctx, e.profile.Marketplace, userID); err != nil {
			e.deps.Breaker.Done(e.profile.Marketplace)
			return err
		}
		if err := e.humanDelay(ctx); err != nil {
			e.deps.Breaker.Done(e.profile.Marketplace)
			return err
		}
	}
	return nil
}

// settle records the call outcome with the limiter and breaker.
func (e *MarketplaceEngine) settle(userID int64, success bool, res *CallResult) {
	var headers map[string]string
	if res != nil {
		headers = res.Headers
	}
	if err := e.deps.Limiter.Record(e.profile.Marketplace, userID, success, headers); err != nil {
		e.deps.Log.Error().Err(err).Msg("Failed to record rate-limit outcome")
	}
	if success {
		if err := e.deps.Breaker.RecordSuccess(e.profile.Marketplace); err != nil {
			e.deps.Log.Error().Err(err).Msg("Failed to record breaker success")
		}
	}
}

// settleFailure records a failed call; only breaker-relevant categories count
// against the circuit.
func (e *MarketplaceEngine) settleFailure(userID int64, analysis *failure.Analysis) {
	if err := e.deps.Limiter.Record(e.profile.Marketplace, userID, false, nil); err != nil {
		e.deps.Log.Error().Err(err).Msg("Failed to record rate-limit outcome")
	}
	if analysis != nil && analysis.Policy.CircuitBreakerEnabled {
		if err := e.deps.Breaker.RecordFailure(e.profile.Marketplace); err != nil {
			e.deps.Log.Error().Err(err).Msg("Failed to record breaker failure")
		}
	} else {
		e.deps.Breaker.Done(e.profile.Marketplace)
	}
}

// humanDelay sleeps a uniform draw from the profile's pacing range.
func (e *MarketplaceEngine) humanDelay(ctx context.Context) error {
	min, max := e.profile.MinActionDelay, e.profile.MaxActionDelay
	if max <= min {
		max = min + time.Second
	}
	d := min + time.Duration(e.rng.Int63n(int64(max-min)))
	return sleepCtx(ctx, e.deps.Clock, d)
}

func sleepCtx(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}

// rateLimitedError is an internal signal: the batch stops and the outcome is
// rate_limited, without a wire call having happened.
type rateLimitedError struct {
	retryAfter time.Duration
	reason     string
}

func (e *rateLimitedError) Error() string {
	return "rate limited: " + e.reason
}
