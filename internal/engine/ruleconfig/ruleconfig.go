// Package ruleconfig defines the per-rule-type configuration variants and
// validates them. Field names are part of the rule authoring contract.
package ruleconfig

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/crosslist/autopilot/internal/domain"
)

var validate = validator.New()

// AutoBump limits bump frequency per listing.
type AutoBump struct {
	MaxBumpsPerWeek     int `json:"maxBumpsPerWeek" validate:"gte=0,lte=100"`
	MinDaysBetweenBumps int `json:"minDaysBetweenBumps" validate:"gte=0,lte=30"`
	BumpsPerExecution   int `json:"bumpsPerExecution" validate:"gte=1,lte=100"`
	MinViewsForBump     int `json:"minViewsForBump" validate:"gte=0"`
}

// SmartDrop paces automated price drops.
type SmartDrop struct {
	MinDaysBetweenDrops    int     `json:"minDaysBetweenDrops" validate:"gte=1,lte=90"`
	BaseDropPercentage     float64 `json:"baseDropPercentage" validate:"gt=0,lte=50"`
	MaxTotalDropPercentage float64 `json:"maxTotalDropPercentage" validate:"gt=0,lte=90"`
	AccelerateAfterDays    int     `json:"accelerateAfterDays" validate:"gte=0,lte=365"`
	MinPrice               float64 `json:"minPrice" validate:"gte=0"`
}

// AutoOffer sends templated offers to interested buyers.
type AutoOffer struct {
	TemplateID       int64   `json:"templateId" validate:"gte=0"`
	MaxOffersPerItem int     `json:"maxOffersPerItem" validate:"gte=1,lte=20"`
	DiscountPercent  float64 `json:"discountPercent" validate:"gt=0,lte=80"`
	IncludeShipping  bool    `json:"includeShipping"`
}

// AutoShare drives bulk sharing sessions.
type AutoShare struct {
	MaxItems   int    `json:"maxItems" validate:"gte=1,lte=5000"`
	MinDelay   int    `json:"minDelay" validate:"gte=1"`
	MaxDelay   int    `json:"maxDelay" validate:"gtefield=MinDelay"`
	ShareOrder string `json:"shareOrder" validate:"omitempty,oneof=newest oldest random price_high price_low"`
}

// PartyShare shares into active parties matched by category.
type PartyShare struct {
	MaxItemsPerParty int      `json:"maxItemsPerParty" validate:"gte=1,lte=500"`
	PartyCategories  []string `json:"partyCategories" validate:"max=20,dive,min=1"`
}

// WatcherOffers targets long-time watchers with a discount.
type WatcherOffers struct {
	MinWatchDays            int     `json:"minWatchDays" validate:"gte=0,lte=90"`
	OfferDiscountPercentage float64 `json:"offerDiscountPercentage" validate:"gt=0,lte=80"`
	MaxOffersPerItem        int     `json:"maxOffersPerItem" validate:"gte=1,lte=20"`
}

// AutoFollow batches follow actions from a targeting strategy.
type AutoFollow struct {
	MaxFollowsPerRun int    `json:"maxFollowsPerRun" validate:"gte=1,lte=500"`
	Targeting        string `json:"targeting" validate:"omitempty,oneof=followers likers brand_watchers"`
}

// AutoRelist recycles stale listings.
type AutoRelist struct {
	MinAgeDays      int `json:"minAgeDays" validate:"gte=1,lte=365"`
	MaxPerExecution int `json:"maxPerExecution" validate:"gte=1,lte=100"`
}

// BundleOffer sends tiered bundle offers.
type BundleOffer struct {
	TemplateID int64 `json:"templateId" validate:"gte=0"`
	MinItems   int   `json:"minItems" validate:"gte=2,lte=20"`
}

// Parse decodes and validates the config variant for a rule type. Unknown
// rule types and malformed variants fail validation.
func Parse(ruleType domain.RuleType, raw json.RawMessage) (interface{}, error) {
	var cfg interface{}
	switch ruleType {
	case domain.RuleAutoBump:
		cfg = &AutoBump{}
	case domain.RuleSmartDrop:
		cfg = &SmartDrop{}
	case domain.RuleAutoOffer:
		cfg = &AutoOffer{}
	case domain.RuleAutoShare:
		cfg = &AutoShare{}
	case domain.RulePartyShare:
		cfg = &PartyShare{}
	case domain.RuleWatcherOffers:
		cfg = &WatcherOffers{}
	case domain.RuleAutoFollow:
		cfg = &AutoFollow{}
	case domain.RuleAutoRelist:
		cfg = &AutoRelist{}
	case domain.RuleBundleOffer:
		cfg = &BundleOffer{}
	default:
		return nil, fmt.Errorf("unknown rule type %q", ruleType)
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("malformed %s config: %w", ruleType, err)
		}
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", ruleType, err)
	}
	return cfg, nil
}
