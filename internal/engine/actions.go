package engine

import (
	"context"
	"math"
	"time"

	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/engine/ruleconfig"
	"github.com/crosslist/autopilot/internal/failure"
)

type attemptKeyCtx struct{}

// WithAttemptKey stamps the context with the idempotency key for this firing.
// Retries of the same job reuse the key, so claimed actions are not repeated.
func WithAttemptKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, attemptKeyCtx{}, key)
}

func attemptKey(ctx context.Context, fallback string) string {
	if v, ok := ctx.Value(attemptKeyCtx{}).(string); ok && v != "" {
		return v
	}
	return fallback
}

// session carries the state of one firing through its action batch.
type session struct {
	engine    *MarketplaceEngine
	rule      *domain.AutomationRule
	user      *domain.User
	attemptID string

	actionsSinceBreak int
}

func (s *session) deps() *Deps { return &s.engine.deps }

func (s *session) mp() domain.Marketplace { return s.engine.profile.Marketplace }

// act runs one paced, gated, idempotent action. The call only happens when
// this firing's marker for (action, listing) was not claimed before. Returns
// (performed, err); a nil err with performed=false means the action was
// already applied by an earlier attempt.
func (s *session) act(ctx context.Context, action string, listingID int64,
	call func(ctx context.Context) (*CallResult, error)) (bool, error) {

	if err := ctx.Err(); err != nil {
		return false, err
	}

	key := attemptKey(ctx, s.attemptID)
	claimed, err := s.deps().Markers.Claim(s.rule.ID, action, listingID, key, s.deps().Clock.Now())
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	if err := s.engine.admit(ctx, s.user.ID, true); err != nil {
		return false, err
	}

	res, err := call(ctx)
	if err != nil {
		analysis := s.deps().Categorizer.Categorize(failure.ContextFor(err, s.mp(), 1))
		s.engine.settleFailure(s.user.ID, analysis)
		return false, err
	}
	s.engine.settle(s.user.ID, true, res)

	s.actionsSinceBreak++
	if be := s.engine.profile.BreakEvery; be > 0 && s.actionsSinceBreak >= be {
		s.actionsSinceBreak = 0
		if err := sleepCtx(ctx, s.deps().Clock, s.engine.profile.BreakDuration); err != nil {
			return true, err
		}
	}
	return true, nil
}

// finish logs the outcome and updates rule counters.
func (s *session) finish(o *Outcome, started time.Time) (*Outcome, error) {
	o.Status = o.status()
	now := s.deps().Clock.Now()

	if err := s.deps().Logs.Append(&domain.LogEntry{
		UserID:      s.user.ID,
		RuleID:      s.rule.ID,
		Marketplace: s.mp(),
		Action:      o.Action,
		Status:      o.Status,
		Reason:      o.Reason,
		Duration:    now.Sub(started),
		SessionID:   s.attemptID,
		CreatedAt:   now,
	}); err != nil {
		s.deps().Log.Error().Err(err).Msg("Failed to append automation log")
	}
	return o, nil
}

// postedExternalID returns the listing's live post on this marketplace.
func (s *session) postedExternalID(listingID int64) (string, bool, error) {
	posts, err := s.deps().Listings.PostsByListing(listingID)
	if err != nil {
		return "", false, err
	}
	for _, p := range posts {
		if p.Marketplace == s.mp() && p.Status == domain.PostPosted {
			return p.ExternalID, true, nil
		}
	}
	return "", false, nil
}

// batchEnd decides how an action batch settles when an item-level error ends
// it early. Rate-limit admission failures settle the batch as rate_limited;
// anything else propagates to retry policy.
func (s *session) batchEnd(o *Outcome, started time.Time, err error) (*Outcome, error) {
	if err == nil {
		return s.finish(o, started)
	}
	if rle, ok := err.(*rateLimitedError); ok {
		o.RateLimited++
		o.Reason = rle.reason
		return s.finish(o, started)
	}
	// Log the partial batch before handing the error up.
	o.Reason = err.Error()
	if o.Succeeded > 0 {
		o.Failed++
		_, _ = s.finish(o, started)
	}
	return nil, err
}

func (s *session) share(ctx context.Context, cfg *ruleconfig.AutoShare) (*Outcome, error) {
	started := s.deps().Clock.Now()
	o := &Outcome{Action: ActionShare}

	settings, err := s.deps().ShareSettings.Get(s.user.ID, s.mp())
	if err != nil {
		return nil, err
	}

	limit := cfg.MaxItems
	if settings.SharesPerSession > 0 && settings.SharesPerSession < limit {
		limit = settings.SharesPerSession
	}
	limit = int(float64(limit) * s.shareMultiplier(settings, started))
	if limit < 1 {
		limit = 1
	}

	order := settings.Order
	if cfg.ShareOrder != "" {
		order = domain.ShareOrder(cfg.ShareOrder)
	}

	listings, err := s.deps().Listings.ListActiveByUser(s.user.ID, order, limit)
	if err != nil {
		return nil, err
	}
	if settings.ReverseOrder {
		for i, j := 0, len(listings)-1; i < j; i, j = i+1, j-1 {
			listings[i], listings[j] = listings[j], listings[i]
		}
	}

	for _, l := range listings {
		extID, ok, err := s.postedExternalID(l.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			o.Skipped++
			continue
		}
		performed, err := s.act(ctx, ActionShare, l.ID, func(ctx context.Context) (*CallResult, error) {
			return s.engine.client.Share(ctx, extID)
		})
		if err != nil {
			return s.batchEnd(o, started, err)
		}
		if performed {
			o.Succeeded++
		} else {
			o.Skipped++
		}
	}

	if o.Succeeded > 0 {
		if err := s.deps().ShareSettings.RecordShares(s.user.ID, s.mp(), o.Succeeded, s.deps().Clock.Now()); err != nil {
			s.deps().Log.Error().Err(err).Msg("Failed to record share counters")
		}
	}
	return s.finish(o, started)
}

// shareMultiplier applies peak-hour and weekend scaling.
func (s *session) shareMultiplier(settings *domain.ShareSettings, now time.Time) float64 {
	m := 1.0
	loc := time.UTC
	if l, err := time.LoadLocation(s.user.Timezone); err == nil {
		loc = l
	}
	local := now.In(loc)

	if settings.PeakHoursEnabled {
		for _, w := range settings.PeakWindows {
			if local.Hour() >= w.StartHour && local.Hour() < w.EndHour {
				m *= settings.PeakMultiplier
				break
			}
		}
	}
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		if settings.WeekendMultiplier > 0 {
			m *= settings.WeekendMultiplier
		}
	}
	return m
}

func (s *session) partyShare(ctx context.Context, cfg *ruleconfig.PartyShare) (*Outcome, error) {
	started := s.deps().Clock.Now()
	o := &Outcome{Action: ActionShareToParty}

	settings, err := s.deps().ShareSettings.Get(s.user.ID, s.mp())
	if err != nil {
		return nil, err
	}
	if !settings.PartyShareEnabled {
		o.Reason = "party share disabled"
		return s.finish(o, started)
	}

	parties, err := s.engine.client.GetActiveParties(ctx)
	if err != nil {
		return s.batchEnd(o, started, err)
	}

	budget := settings.MaxPartyShares
	for _, party := range parties {
		if budget <= 0 {
			break
		}
		if !partyMatches(party, cfg.PartyCategories) {
			continue
		}

		limit := cfg.MaxItemsPerParty
		if limit > budget {
			limit = budget
		}
		listings, err := s.deps().Listings.ListActiveByUser(s.user.ID, settings.Order, limit)
		if err != nil {
			return nil, err
		}
		for _, l := range listings {
			if !listingInCategories(l, party.Categories) {
				o.Skipped++
				continue
			}
			extID, ok, err := s.postedExternalID(l.ID)
			if err != nil {
				return nil, err
			}
			if !ok {
				o.Skipped++
				continue
			}
			partyID := party.ID
			performed, err := s.act(ctx, ActionShareToParty, l.ID, func(ctx context.Context) (*CallResult, error) {
				return s.engine.client.ShareToParty(ctx, extID, partyID)
			})
			if err != nil {
				return s.batchEnd(o, started, err)
			}
			if performed {
				o.Succeeded++
				budget--
			} else {
				o.Skipped++
			}
		}
	}
	return s.finish(o, started)
}

func partyMatches(p domain.Party, wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, w := range wanted {
		for _, c := range p.Categories {
			if w == c {
				return true
			}
		}
	}
	return false
}

func listingInCategories(l *domain.Listing, categories []string) bool {
	if len(categories) == 0 {
		return true
	}
	for _, c := range categories {
		if l.Category == c {
			return true
		}
	}
	return false
}

func (s *session) follow(ctx context.Context, cfg *ruleconfig.AutoFollow) (*Outcome, error) {
	started := s.deps().Clock.Now()
	o := &Outcome{Action: ActionFollow}

	// Candidates come from the likers of the user's freshest listings.
	listings, err := s.deps().Listings.ListActiveByUser(s.user.ID, domain.ShareNewest, 5)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for _, l := range listings {
		if o.Succeeded >= cfg.MaxFollowsPerRun {
			break
		}
		extID, ok, err := s.postedExternalID(l.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		likers, err := s.engine.client.GetLikers(ctx, extID)
		if err != nil {
			return s.batchEnd(o, started, err)
		}
		for _, liker := range likers {
			if o.Succeeded >= cfg.MaxFollowsPerRun {
				break
			}
			if seen[liker.UserID] {
				continue
			}
			seen[liker.UserID] = true

			target := liker.UserID
			performed, err := s.act(ctx, ActionFollow, l.ID, func(ctx context.Context) (*CallResult, error) {
				return s.engine.client.Follow(ctx, target)
			})
			if err != nil {
				return s.batchEnd(o, started, err)
			}
			if performed {
				o.Succeeded++
			} else {
				o.Skipped++
			}
		}
	}
	return s.finish(o, started)
}

// offerPrice applies the pricing contract:
// clamp(round(original * (1 - discount)), min(priceFloor, minPriceThreshold)).
func offerPrice(original, discountPercent, priceFloor, minPriceThreshold float64) float64 {
	price := math.Round(original * (1 - discountPercent/100))
	floor := priceFloor
	if minPriceThreshold < floor || floor == 0 {
		if minPriceThreshold > 0 {
			floor = minPriceThreshold
		}
	}
	if floor > 0 && price < floor {
		price = floor
	}
	return price
}

func (s *session) offer(ctx context.Context, cfg *ruleconfig.AutoOffer) (*Outcome, error) {
	started := s.deps().Clock.Now()
	o := &Outcome{Action: ActionSendOffer}

	tmpl, err := s.offerTemplate(cfg.TemplateID)
	if err != nil {
		return nil, err
	}
	discount := cfg.DiscountPercent
	if discount == 0 {
		discount = tmpl.DiscountValue
	}
	shipping := 0.0
	if cfg.IncludeShipping {
		shipping = tmpl.ShippingDiscount
	}

	limit := tmpl.DailyOfferLimit
	if limit <= 0 {
		limit = 100
	}

	listings, err := s.deps().Listings.ListActiveByUser(s.user.ID, domain.ShareNewest, limit)
	if err != nil {
		return nil, err
	}

	for _, l := range listings {
		if o.Succeeded >= limit {
			break
		}
		if l.Price < tmpl.MinPriceThreshold {
			o.Skipped++
			continue
		}
		extID, ok, err := s.postedExternalID(l.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			o.Skipped++
			continue
		}

		price := offerPrice(l.Price, discount, tmpl.PriceFloor, tmpl.MinPriceThreshold)
		performed, err := s.act(ctx, ActionSendOffer, l.ID, func(ctx context.Context) (*CallResult, error) {
			return s.engine.client.SendOffer(ctx, extID, price, shipping)
		})
		if err != nil {
			return s.batchEnd(o, started, err)
		}
		if performed {
			o.Succeeded++
		} else {
			o.Skipped++
		}
	}
	return s.finish(o, started)
}

func (s *session) offerTemplate(id int64) (*domain.OfferTemplate, error) {
	if id > 0 {
		tmpl, err := s.deps().Offers.Get(id)
		if err != nil {
			return nil, err
		}
		if tmpl != nil {
			return tmpl, nil
		}
	}
	return &domain.OfferTemplate{
		DiscountType:    "percent",
		DiscountValue:   10,
		ExpirationHours: 24,
		Targeting:       "likers",
		DailyOfferLimit: 100,
	}, nil
}

func (s *session) watcherOffers(ctx context.Context, cfg *ruleconfig.WatcherOffers) (*Outcome, error) {
	started := s.deps().Clock.Now()
	o := &Outcome{Action: ActionSendOffer}
	now := s.deps().Clock.Now()
	minWatch := time.Duration(cfg.MinWatchDays) * 24 * time.Hour

	listings, err := s.deps().Listings.ListActiveByUser(s.user.ID, domain.ShareNewest, 50)
	if err != nil {
		return nil, err
	}

	for _, l := range listings {
		extID, ok, err := s.postedExternalID(l.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		watchers, err := s.engine.client.GetWatchers(ctx, extID)
		if err != nil {
			return s.batchEnd(o, started, err)
		}

		sent := 0
		for _, w := range watchers {
			if sent >= cfg.MaxOffersPerItem {
				break
			}
			if w.HasOffer || now.Sub(w.Since) < minWatch {
				o.Skipped++
				continue
			}
			price := offerPrice(l.Price, cfg.OfferDiscountPercentage, 0, 0)
			performed, err := s.act(ctx, ActionSendOffer, l.ID, func(ctx context.Context) (*CallResult, error) {
				return s.engine.client.SendOffer(ctx, extID, price, 0)
			})
			if err != nil {
				return s.batchEnd(o, started, err)
			}
			if performed {
				o.Succeeded++
				sent++
			} else {
				o.Skipped++
			}
		}
	}
	return s.finish(o, started)
}

func (s *session) bump(ctx context.Context, cfg *ruleconfig.AutoBump) (*Outcome, error) {
	started := s.deps().Clock.Now()
	o := &Outcome{Action: ActionBump}

	listings, err := s.deps().Listings.ListActiveByUser(s.user.ID, domain.ShareOldest, cfg.BumpsPerExecution)
	if err != nil {
		return nil, err
	}

	for _, l := range listings {
		extID, ok, err := s.postedExternalID(l.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			o.Skipped++
			continue
		}

		if cfg.MinViewsForBump > 0 {
			metrics, err := s.engine.client.GetMetrics(ctx, extID)
			if err != nil {
				return s.batchEnd(o, started, err)
			}
			views := 0
			for _, m := range metrics {
				views += m.Views
			}
			if views < cfg.MinViewsForBump {
				o.Skipped++
				continue
			}
		}

		performed, err := s.act(ctx, ActionBump, l.ID, func(ctx context.Context) (*CallResult, error) {
			return s.engine.client.Bump(ctx, extID)
		})
		if err != nil {
			return s.batchEnd(o, started, err)
		}
		if performed {
			o.Succeeded++
		} else {
			o.Skipped++
		}
	}
	return s.finish(o, started)
}

func (s *session) smartDrop(ctx context.Context, cfg *ruleconfig.SmartDrop) (*Outcome, error) {
	started := s.deps().Clock.Now()
	o := &Outcome{Action: ActionDropPrice}
	now := s.deps().Clock.Now()

	listings, err := s.deps().Listings.ListActiveByUser(s.user.ID, domain.ShareOldest, 50)
	if err != nil {
		return nil, err
	}

	for _, l := range listings {
		drop, skipReason, err := s.planDrop(l, cfg, now)
		if err != nil {
			return nil, err
		}
		if drop == nil {
			if skipReason != "" {
				o.Skipped++
			}
			continue
		}

		extID, ok, err := s.postedExternalID(l.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			o.Skipped++
			continue
		}

		newPrice := drop.NewPrice
		performed, err := s.act(ctx, ActionDropPrice, l.ID, func(ctx context.Context) (*CallResult, error) {
			return s.engine.client.DropPrice(ctx, extID, newPrice)
		})
		if err != nil {
			return s.batchEnd(o, started, err)
		}
		if !performed {
			o.Skipped++
			continue
		}

		if err := s.deps().Listings.UpdatePrice(l.ID, newPrice); err != nil {
			return nil, err
		}
		if _, err := s.deps().PriceDrops.Record(drop); err != nil {
			return nil, err
		}
		o.Succeeded++
	}
	return s.finish(o, started)
}

// planDrop decides whether a listing is due a drop and at what price.
// The drop percentage scales up once the listing outlives accelerateAfterDays.
func (s *session) planDrop(l *domain.Listing, cfg *ruleconfig.SmartDrop, now time.Time) (*domain.PriceDrop, string, error) {
	last, err := s.deps().PriceDrops.LastDrop(l.ID)
	if err != nil {
		return nil, "", err
	}
	if last != nil {
		if now.Sub(last.DroppedAt) < time.Duration(cfg.MinDaysBetweenDrops)*24*time.Hour {
			return nil, "too soon", nil
		}
	}

	total, err := s.deps().PriceDrops.TotalDropPct(l.ID)
	if err != nil {
		return nil, "", err
	}

	pct := cfg.BaseDropPercentage
	if cfg.AccelerateAfterDays > 0 {
		age := now.Sub(l.CreatedAt)
		if age > time.Duration(cfg.AccelerateAfterDays)*24*time.Hour {
			pct *= 1.5
		}
	}
	if total+pct > cfg.MaxTotalDropPercentage {
		pct = cfg.MaxTotalDropPercentage - total
	}
	if pct <= 0 {
		return nil, "drop budget exhausted", nil
	}

	newPrice := math.Round(l.Price*(1-pct/100)*100) / 100
	if cfg.MinPrice > 0 && newPrice < cfg.MinPrice {
		newPrice = cfg.MinPrice
	}
	if newPrice >= l.Price {
		return nil, "at price floor", nil
	}

	return &domain.PriceDrop{
		ListingID: l.ID,
		OldPrice:  l.Price,
		NewPrice:  newPrice,
		DropPct:   (l.Price - newPrice) / l.Price * 100,
		DroppedAt: now,
	}, "", nil
}

func (s *session) relist(ctx context.Context, cfg *ruleconfig.AutoRelist) (*Outcome, error) {
	started := s.deps().Clock.Now()
	o := &Outcome{Action: ActionRelist}
	now := s.deps().Clock.Now()
	minAge := time.Duration(cfg.MinAgeDays) * 24 * time.Hour

	listings, err := s.deps().Listings.ListActiveByUser(s.user.ID, domain.ShareOldest, cfg.MaxPerExecution*2)
	if err != nil {
		return nil, err
	}

	for _, l := range listings {
		if o.Succeeded >= cfg.MaxPerExecution {
			break
		}
		if now.Sub(l.CreatedAt) < minAge {
			continue
		}
		extID, ok, err := s.postedExternalID(l.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			o.Skipped++
			continue
		}
		performed, err := s.act(ctx, ActionRelist, l.ID, func(ctx context.Context) (*CallResult, error) {
			return s.engine.client.Relist(ctx, extID)
		})
		if err != nil {
			return s.batchEnd(o, started, err)
		}
		if performed {
			o.Succeeded++
		} else {
			o.Skipped++
		}
	}
	return s.finish(o, started)
}

func (s *session) bundleOffer(ctx context.Context, cfg *ruleconfig.BundleOffer) (*Outcome, error) {
	started := s.deps().Clock.Now()
	o := &Outcome{Action: ActionSendBundle}

	tmpl, err := s.offerTemplate(cfg.TemplateID)
	if err != nil {
		return nil, err
	}
	discount := bundleDiscount(tmpl.BundleTiers, cfg.MinItems)
	if discount == 0 {
		discount = tmpl.DiscountValue
	}

	listings, err := s.deps().Listings.ListActiveByUser(s.user.ID, domain.SharePriceHigh, 20)
	if err != nil {
		return nil, err
	}

	for _, l := range listings {
		extID, ok, err := s.postedExternalID(l.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		likers, err := s.engine.client.GetLikers(ctx, extID)
		if err != nil {
			return s.batchEnd(o, started, err)
		}
		if len(likers) == 0 {
			o.Skipped++
			continue
		}

		price := offerPrice(l.Price, discount, tmpl.PriceFloor, tmpl.MinPriceThreshold)
		performed, err := s.act(ctx, ActionSendBundle, l.ID, func(ctx context.Context) (*CallResult, error) {
			return s.engine.client.SendOffer(ctx, extID, price, tmpl.ShippingDiscount)
		})
		if err != nil {
			return s.batchEnd(o, started, err)
		}
		if performed {
			o.Succeeded++
		} else {
			o.Skipped++
		}
	}
	return s.finish(o, started)
}

// bundleDiscount picks the deepest tier the bundle size qualifies for.
func bundleDiscount(tiers []domain.BundleTier, items int) float64 {
	best := 0.0
	for _, t := range tiers {
		if items >= t.MinItems && t.DiscountPercent > best {
			best = t.DiscountPercent
		}
	}
	return best
}
