package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// PriceSuggestion is the output of market pricing analysis.
type PriceSuggestion struct {
	Suggested  float64
	Median     float64
	Mean       float64
	StdDev     float64
	SampleSize int
	Confidence float64
}

// maxComparableAge bounds how far back sold comparables count.
const maxComparableAge = 90 * 24 * time.Hour

// SuggestPrice computes a suggested price from sold comparables. The formula
// anchors on the median and discounts by dispersion: a tight market prices at
// the median, a noisy one slightly under it to sell faster.
func (e *MarketplaceEngine) SuggestPrice(ctx context.Context, query string) (*PriceSuggestion, error) {
	comps, err := e.client.GetSoldComparables(ctx, query)
	if err != nil {
		return nil, err
	}

	cutoff := e.deps.Clock.Now().Add(-maxComparableAge)
	prices := make([]float64, 0, len(comps))
	for _, c := range comps {
		if c.Price > 0 && c.SoldAt.After(cutoff) {
			prices = append(prices, c.Price)
		}
	}
	if len(prices) < 3 {
		return nil, fmt.Errorf("not enough comparables for %q: %d", query, len(prices))
	}
	sort.Float64s(prices)

	mean, std := stat.MeanStdDev(prices, nil)
	median := stat.Quantile(0.5, stat.Empirical, prices, nil)

	// Coefficient of variation drives both the undercut and the confidence.
	cv := 0.0
	if mean > 0 {
		cv = std / mean
	}
	undercut := cv * 0.25
	if undercut > 0.15 {
		undercut = 0.15
	}
	confidence := 1 - cv
	if confidence < 0 {
		confidence = 0
	}

	return &PriceSuggestion{
		Suggested:  median * (1 - undercut),
		Median:     median,
		Mean:       mean,
		StdDev:     std,
		SampleSize: len(prices),
		Confidence: confidence,
	}, nil
}
