package engine

import (
	"context"
	"time"

	"github.com/crosslist/autopilot/internal/domain"
)

// Action kinds the capability set covers.
const (
	ActionShare          = "share"
	ActionShareToParty   = "share_to_party"
	ActionFollow         = "follow"
	ActionUnfollow       = "unfollow"
	ActionSendOffer      = "send_offer"
	ActionSendBundle     = "send_bundle_offer"
	ActionBump           = "bump"
	ActionRefresh        = "refresh"
	ActionDropPrice      = "drop_price"
	ActionUpdateListing  = "update_listing"
	ActionDelist         = "delist"
	ActionRelist         = "relist"
	ActionGetMetrics     = "get_metrics"
	ActionGetLikers      = "get_likers"
	ActionGetWatchers    = "get_watchers"
	ActionGetParties     = "get_active_parties"
	ActionMarketAnalysis = "get_market_analysis"
)

// CallResult is what a marketplace client returns for any call. Status and
// headers feed the failure categorizer unchanged on error.
type CallResult struct {
	HTTPStatus int
	Headers    map[string]string
	Code       string
	Message    string
	// Data is call-specific: liker lists, metrics, comparables.
	Data interface{}
}

// ListingMetrics are engagement signals for one listing post.
type ListingMetrics struct {
	Views    int
	Likes    int
	Watchers int
}

// Watcher is one user watching or liking a listing.
type Watcher struct {
	UserID    string
	Since     time.Time
	HasOffer  bool
	OfferSent int
}

// Comparable is a sold listing used for market pricing.
type Comparable struct {
	Price  float64
	SoldAt time.Time
}

// Client is the outbound wire surface of one marketplace. Implementations
// translate to the marketplace's native protocol; tests script them. Every
// method returns a *failure.CallError on failure so categorization keeps the
// raw HTTP context.
type Client interface {
	Share(ctx context.Context, externalID string) (*CallResult, error)
	ShareToParty(ctx context.Context, externalID, partyID string) (*CallResult, error)
	Follow(ctx context.Context, userID string) (*CallResult, error)
	Unfollow(ctx context.Context, userID string) (*CallResult, error)
	SendOffer(ctx context.Context, externalID string, price float64, shippingDiscount float64) (*CallResult, error)
	Bump(ctx context.Context, externalID string) (*CallResult, error)
	DropPrice(ctx context.Context, externalID string, newPrice float64) (*CallResult, error)
	Delist(ctx context.Context, externalID string) (*CallResult, error)
	Relist(ctx context.Context, externalID string) (*CallResult, error)
	GetMetrics(ctx context.Context, externalID string) ([]ListingMetrics, error)
	GetLikers(ctx context.Context, externalID string) ([]Watcher, error)
	GetWatchers(ctx context.Context, externalID string) ([]Watcher, error)
	GetActiveParties(ctx context.Context) ([]domain.Party, error)
	GetSoldComparables(ctx context.Context, query string) ([]Comparable, error)
}
