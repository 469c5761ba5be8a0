package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslist/autopilot/internal/clock"
	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/engine"
	testhelpers "github.com/crosslist/autopilot/internal/testing"
)

func newPricingEngine(t *testing.T, comps []engine.Comparable) *engine.MarketplaceEngine {
	t.Helper()
	client := testhelpers.NewScriptedClient()
	client.Comparables = comps
	return engine.NewMarketplaceEngine(
		engine.DefaultProfile(domain.MarketplaceEbay),
		client,
		engine.Deps{
			Clock: clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
			Log:   zerolog.Nop(),
		})
}

func TestSuggestPriceTightMarketPricesAtMedian(t *testing.T) {
	soldAt := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	e := newPricingEngine(t, []engine.Comparable{
		{Price: 50, SoldAt: soldAt},
		{Price: 50, SoldAt: soldAt},
		{Price: 50, SoldAt: soldAt},
		{Price: 50, SoldAt: soldAt},
	})

	s, err := e.SuggestPrice(context.Background(), "levis 501")
	require.NoError(t, err)

	assert.Equal(t, 50.0, s.Median)
	assert.Equal(t, 50.0, s.Suggested, "zero dispersion means no undercut")
	assert.Equal(t, 1.0, s.Confidence)
	assert.Equal(t, 4, s.SampleSize)
}

func TestSuggestPriceNoisyMarketUndercutsMedian(t *testing.T) {
	soldAt := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	e := newPricingEngine(t, []engine.Comparable{
		{Price: 20, SoldAt: soldAt},
		{Price: 50, SoldAt: soldAt},
		{Price: 90, SoldAt: soldAt},
		{Price: 140, SoldAt: soldAt},
	})

	s, err := e.SuggestPrice(context.Background(), "vintage tee")
	require.NoError(t, err)

	assert.Less(t, s.Suggested, s.Median)
	// The undercut never exceeds 15% of the median.
	assert.GreaterOrEqual(t, s.Suggested, s.Median*0.85)
	assert.Less(t, s.Confidence, 1.0)
}

func TestSuggestPriceIgnoresStaleAndFreeComparables(t *testing.T) {
	fresh := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	stale := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	e := newPricingEngine(t, []engine.Comparable{
		{Price: 40, SoldAt: fresh},
		{Price: 44, SoldAt: fresh},
		{Price: 48, SoldAt: fresh},
		{Price: 500, SoldAt: stale},
		{Price: 0, SoldAt: fresh},
	})

	s, err := e.SuggestPrice(context.Background(), "denim jacket")
	require.NoError(t, err)
	assert.Equal(t, 3, s.SampleSize)
	assert.Equal(t, 44.0, s.Median)
}

func TestSuggestPriceNeedsThreeComparables(t *testing.T) {
	fresh := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	e := newPricingEngine(t, []engine.Comparable{
		{Price: 40, SoldAt: fresh},
		{Price: 44, SoldAt: fresh},
	})

	_, err := e.SuggestPrice(context.Background(), "rare grail")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enough comparables")
}
