package domain

import "time"

// ShareOrder is the priority ordering applied when picking listings to share.
type ShareOrder string

const (
	ShareNewest    ShareOrder = "newest"
	ShareOldest    ShareOrder = "oldest"
	ShareRandom    ShareOrder = "random"
	SharePriceHigh ShareOrder = "price_high"
	SharePriceLow  ShareOrder = "price_low"
)

// PeakWindow is an [start,end) hour window with a share multiplier.
type PeakWindow struct {
	StartHour int
	EndHour   int
}

// ShareSettings governs the share action for one user on one marketplace.
type ShareSettings struct {
	ID                  int64
	UserID              int64
	Marketplace         Marketplace
	DailyShareLimit     int // default 5000
	SharesPerSession    int
	SessionBreakMinutes int
	MinShareInterval    time.Duration // >= 60s
	MaxShareInterval    time.Duration // >= 60s
	Order               ShareOrder
	ReverseOrder        bool
	PeakHoursEnabled    bool
	PeakWindows         []PeakWindow
	PeakMultiplier      float64
	WeekendMultiplier   float64
	PartyShareEnabled   bool
	MaxPartyShares      int

	// Observability counters.
	SharesThisMonth  int64
	SharesAllTime    int64
	LastShareAt      *time.Time
	LastBulkShareAt  *time.Time
}

// DefaultShareSettings returns the stock share configuration.
func DefaultShareSettings(userID int64, mp Marketplace) *ShareSettings {
	return &ShareSettings{
		UserID:              userID,
		Marketplace:         mp,
		DailyShareLimit:     5000,
		SharesPerSession:    100,
		SessionBreakMinutes: 15,
		MinShareInterval:    60 * time.Second,
		MaxShareInterval:    120 * time.Second,
		Order:               ShareNewest,
		PeakMultiplier:      1.0,
		WeekendMultiplier:   1.0,
		MaxPartyShares:      50,
	}
}

// OfferTemplate drives offer actions: discount, shipping, bundles, targeting.
type OfferTemplate struct {
	ID                int64
	UserID            int64
	Name              string
	DiscountType      string // "percent" | "fixed"
	DiscountValue     float64
	ShippingDiscount  float64
	BundleTiers       []BundleTier
	ExpirationHours   int
	Targeting         string // "likers" | "watchers" | "all"
	DailyOfferLimit   int
	MinPriceThreshold float64
	PriceFloor        float64
}

// BundleTier maps a bundle size to a discount percentage.
type BundleTier struct {
	MinItems        int
	DiscountPercent float64
}

// PriceDrop is one per-listing drop-history row.
type PriceDrop struct {
	ID         int64
	ListingID  int64
	OldPrice   float64
	NewPrice   float64
	DropPct    float64
	DroppedAt  time.Time
}

// Party is an active marketplace sharing party matched by category.
type Party struct {
	ID         string
	Name       string
	Categories []string
	StartsAt   time.Time
	EndsAt     time.Time
}
