package testing

import (
	"encoding/json"
	"testing"

	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/store"
)

// SeedUser inserts a user and returns it with the assigned id.
func SeedUser(t *testing.T, users *store.UserRepository) *domain.User {
	t.Helper()
	u := &domain.User{
		Email:    "seller@example.com",
		Timezone: "UTC",
		Plan:     "pro",
	}
	id, err := users.Create(u)
	if err != nil {
		t.Fatalf("Failed to seed user: %v", err)
	}
	u.ID = id
	return u
}

// SeedConnection inserts a connected marketplace account for a user.
func SeedConnection(t *testing.T, conns *store.ConnectionRepository, userID int64,
	mp domain.Marketplace) *domain.MarketplaceConnection {
	t.Helper()
	c := &domain.MarketplaceConnection{
		UserID:      userID,
		Marketplace: mp,
		Connected:   true,
		Credential:  "test-credential",
	}
	id, err := conns.Create(c)
	if err != nil {
		t.Fatalf("Failed to seed connection: %v", err)
	}
	c.ID = id
	return c
}

// SeedListing inserts an active listing for a user.
func SeedListing(t *testing.T, listings *store.ListingRepository, userID int64) *domain.Listing {
	t.Helper()
	l := &domain.Listing{
		UserID:    userID,
		Title:     "Vintage Denim Jacket",
		Price:     48.00,
		Quantity:  1,
		Category:  "Outerwear",
		Brand:     "Levi's",
		Condition: "good",
		Status:    domain.ListingActive,
	}
	id, err := listings.Create(l)
	if err != nil {
		t.Fatalf("Failed to seed listing: %v", err)
	}
	l.ID = id
	return l
}

// SeedPost inserts a posted marketplace representation of a listing.
func SeedPost(t *testing.T, listings *store.ListingRepository, listingID int64,
	mp domain.Marketplace, externalID string) *domain.ListingPost {
	t.Helper()
	p := &domain.ListingPost{
		ListingID:   listingID,
		Marketplace: mp,
		ExternalID:  externalID,
		Status:      domain.PostPosted,
	}
	id, err := listings.CreatePost(p)
	if err != nil {
		t.Fatalf("Failed to seed listing post: %v", err)
	}
	p.ID = id
	return p
}

// SeedRule inserts an enabled automation rule. A nil config gets an empty
// JSON object.
func SeedRule(t *testing.T, rules *store.RuleRepository, userID int64,
	mp domain.Marketplace, ruleType domain.RuleType, config json.RawMessage) *domain.AutomationRule {
	t.Helper()
	if config == nil {
		config = json.RawMessage(`{}`)
	}
	r := &domain.AutomationRule{
		UserID:      userID,
		Marketplace: mp,
		Type:        ruleType,
		Config:      config,
		Enabled:     true,
	}
	id, err := rules.Create(r)
	if err != nil {
		t.Fatalf("Failed to seed rule: %v", err)
	}
	r.ID = id
	return r
}

// SeedSchedule inserts an active schedule for a rule.
func SeedSchedule(t *testing.T, schedules *store.ScheduleRepository,
	s *domain.AutomationSchedule) *domain.AutomationSchedule {
	t.Helper()
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	s.Active = true
	id, err := schedules.Create(s)
	if err != nil {
		t.Fatalf("Failed to seed schedule: %v", err)
	}
	s.ID = id
	return s
}
