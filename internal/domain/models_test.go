package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseMarketplace(t *testing.T) {
	for _, mp := range Marketplaces() {
		got, ok := ParseMarketplace(string(mp))
		assert.True(t, ok)
		assert.Equal(t, mp, got)
	}

	_, ok := ParseMarketplace("etsy")
	assert.False(t, ok)
	_, ok = ParseMarketplace("")
	assert.False(t, ok)
}

func TestCredentialExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := &MarketplaceConnection{}
	assert.False(t, c.CredentialExpired(now), "no expiry means never expired")

	future := now.Add(time.Hour)
	c.CredentialExpiresAt = &future
	assert.False(t, c.CredentialExpired(now))

	past := now.Add(-time.Hour)
	c.CredentialExpiresAt = &past
	assert.True(t, c.CredentialExpired(now))

	// Expiry is inclusive at the boundary.
	c.CredentialExpiresAt = &now
	assert.True(t, c.CredentialExpired(now))
}

func TestScheduleExhausted(t *testing.T) {
	s := &AutomationSchedule{ExecutionCount: 100}
	assert.False(t, s.Exhausted(), "no cap means never exhausted")

	max := int64(3)
	s.MaxExecutions = &max
	s.ExecutionCount = 2
	assert.False(t, s.Exhausted())
	s.ExecutionCount = 3
	assert.True(t, s.Exhausted())
}
