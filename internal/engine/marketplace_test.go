package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslist/autopilot/internal/breaker"
	"github.com/crosslist/autopilot/internal/clock"
	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/engine"
	"github.com/crosslist/autopilot/internal/events"
	"github.com/crosslist/autopilot/internal/failure"
	"github.com/crosslist/autopilot/internal/ratelimit"
	"github.com/crosslist/autopilot/internal/store"
	testhelpers "github.com/crosslist/autopilot/internal/testing"
)

type delistFixture struct {
	engine   *engine.MarketplaceEngine
	client   *testhelpers.ScriptedClient
	breaker  *breaker.Breaker
	listings *store.ListingRepository
	post     *domain.ListingPost
}

func newDelistFixture(t *testing.T, mp domain.Marketplace) (*delistFixture, func()) {
	t.Helper()
	db, cleanup := testhelpers.NewTestDB(t, "core")
	nop := zerolog.Nop()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	users := store.NewUserRepository(db.Conn(), nop)
	connections := store.NewConnectionRepository(db.Conn(), nop)
	listings := store.NewListingRepository(db.Conn(), nop)

	user := testhelpers.SeedUser(t, users)
	testhelpers.SeedConnection(t, connections, user.ID, mp)
	listing := testhelpers.SeedListing(t, listings, user.ID)
	post := testhelpers.SeedPost(t, listings, listing.ID, mp, "EXT-1")

	brk := breaker.New(store.NewCircuitRepository(db.Conn(), nop), clk, events.NewBus(), nop)
	client := testhelpers.NewScriptedClient()
	eng := engine.NewMarketplaceEngine(engine.DefaultProfile(mp), client, engine.Deps{
		Connections: connections,
		Listings:    listings,
		Limiter:     ratelimit.New(store.NewRateLimitRepository(db.Conn(), nop), clk, nil, nop),
		Breaker:     brk,
		Categorizer: failure.NewCategorizer(nop),
		Clock:       clk,
		Log:         nop,
	})
	return &delistFixture{engine: eng, client: client, breaker: brk, listings: listings, post: post}, cleanup
}

func TestDelistServerErrorsTripCircuit(t *testing.T) {
	f, cleanup := newDelistFixture(t, domain.MarketplaceMercari)
	defer cleanup()

	f.client.Fail(engine.ActionDelist, &failure.CallError{
		Marketplace: domain.MarketplaceMercari,
		HTTPStatus:  500,
		Message:     "internal server error",
	})

	for i := 0; i < breaker.DefaultFailureThreshold; i++ {
		require.Error(t, f.engine.Delist(context.Background(), f.post))
	}

	rec, err := f.breaker.State(domain.MarketplaceMercari)
	require.NoError(t, err)
	assert.Equal(t, store.CircuitOpen, rec.Phase)
	assert.Equal(t, breaker.DefaultFailureThreshold, rec.FailureCount)

	// The open circuit now rejects delists before they reach the wire.
	calls := f.client.CallCount(engine.ActionDelist)
	var open *breaker.ErrOpen
	require.ErrorAs(t, f.engine.Delist(context.Background(), f.post), &open)
	assert.Equal(t, calls, f.client.CallCount(engine.ActionDelist))
}

func TestDelistValidationFailureLeavesCircuitClosed(t *testing.T) {
	f, cleanup := newDelistFixture(t, domain.MarketplaceDepop)
	defer cleanup()

	f.client.Fail(engine.ActionDelist, &failure.CallError{
		Marketplace: domain.MarketplaceDepop,
		HTTPStatus:  422,
		Message:     "listing already ended",
	})

	for i := 0; i < breaker.DefaultFailureThreshold+1; i++ {
		require.Error(t, f.engine.Delist(context.Background(), f.post))
	}

	rec, err := f.breaker.State(domain.MarketplaceDepop)
	require.NoError(t, err)
	assert.Equal(t, store.CircuitClosed, rec.Phase)
	assert.Zero(t, rec.FailureCount)
}

func TestDelistSuccessMarksPostDelisted(t *testing.T) {
	f, cleanup := newDelistFixture(t, domain.MarketplaceEbay)
	defer cleanup()

	require.NoError(t, f.engine.Delist(context.Background(), f.post))

	posts, err := f.listings.PostsByListing(f.post.ListingID)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, domain.PostDelisted, posts[0].Status)

	rec, err := f.breaker.State(domain.MarketplaceEbay)
	require.NoError(t, err)
	assert.Equal(t, store.CircuitClosed, rec.Phase)
}
