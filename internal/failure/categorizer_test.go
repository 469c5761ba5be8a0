package failure

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslist/autopilot/internal/domain"
)

func TestCategorizeByHTTPStatus(t *testing.T) {
	c := NewCategorizer(zerolog.Nop())

	tests := []struct {
		name   string
		status int
		want   Category
	}{
		{"bad request", 400, Validation},
		{"conflict", 409, Validation},
		{"unprocessable", 422, Validation},
		{"unauthorized", 401, Auth},
		{"forbidden", 403, Auth},
		{"not found", 404, Permanent},
		{"too many requests", 429, RateLimit},
		{"server error", 500, Temporary},
		{"bad gateway", 502, Temporary},
		{"teapot", 418, MarketplaceError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := c.Categorize(Context{HTTPStatus: tt.status})
			assert.Equal(t, tt.want, a.Category)
			assert.Equal(t, policies[tt.want], a.Policy)
		})
	}
}

func TestCategorizeRateLimitHeaderWinsOverStatus(t *testing.T) {
	c := NewCategorizer(zerolog.Nop())

	// A 500 with rate-limit headers is a rate limit, not a server error.
	a := c.Categorize(Context{
		HTTPStatus: 500,
		Headers:    map[string]string{"X-RateLimit-Remaining": "0"},
	})
	assert.Equal(t, RateLimit, a.Category)
	assert.GreaterOrEqual(t, a.Confidence, 0.9)
}

func TestCategorizeRetryAfterSeconds(t *testing.T) {
	c := NewCategorizer(zerolog.Nop())

	a := c.Categorize(Context{
		HTTPStatus: 429,
		Headers:    map[string]string{"Retry-After": "7"},
	})
	require.Equal(t, RateLimit, a.Category)
	require.NotNil(t, a.RetryAfter)
	assert.Equal(t, 7*time.Second, *a.RetryAfter)
}

func TestCategorizeRetryAfterCappedAtMaxDelay(t *testing.T) {
	c := NewCategorizer(zerolog.Nop())

	a := c.Categorize(Context{
		HTTPStatus: 429,
		Headers:    map[string]string{"Retry-After": "3600"},
	})
	require.NotNil(t, a.RetryAfter)
	assert.Equal(t, policies[RateLimit].MaxDelay, *a.RetryAfter)
}

func TestCategorizeRetryAfterCaseInsensitiveHeader(t *testing.T) {
	c := NewCategorizer(zerolog.Nop())

	a := c.Categorize(Context{
		HTTPStatus: 429,
		Headers:    map[string]string{"retry-after": "10"},
	})
	require.NotNil(t, a.RetryAfter)
	assert.Equal(t, 10*time.Second, *a.RetryAfter)
}

func TestCategorizeMarketplacePatterns(t *testing.T) {
	c := NewCategorizer(zerolog.Nop())

	tests := []struct {
		name    string
		mp      domain.Marketplace
		message string
		want    Category
	}{
		{"poshmark share limit", domain.MarketplacePoshmark, "Daily share limit reached", RateLimit},
		{"poshmark captcha", domain.MarketplacePoshmark, "captcha challenge presented", Auth},
		{"mercari gone", domain.MarketplaceMercari, "item not found", Permanent},
		{"ebay usage limit", domain.MarketplaceEbay, "call usage limit exceeded", RateLimit},
		{"ebay token", domain.MarketplaceEbay, "token expired", Auth},
		{"depop sold", domain.MarketplaceDepop, "this listing has been sold", Permanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := c.Categorize(Context{Marketplace: tt.mp, Message: tt.message})
			assert.Equal(t, tt.want, a.Category)
		})
	}
}

func TestCategorizeMessagePatterns(t *testing.T) {
	c := NewCategorizer(zerolog.Nop())

	tests := []struct {
		name    string
		message string
		want    Category
	}{
		{"timeout", "request timed out after 30s", Network},
		{"refused", "connection refused", Network},
		{"dial", "dial tcp 10.0.0.1:443: i/o timeout", Network},
		{"throttle", "request throttled, slow down", RateLimit},
		{"missing field", "missing field: price", Validation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := c.Categorize(Context{Message: tt.message})
			assert.Equal(t, tt.want, a.Category)
		})
	}
}

func TestCategorizeFallbackIsTemporary(t *testing.T) {
	c := NewCategorizer(zerolog.Nop())

	a := c.Categorize(Context{Message: "something odd happened"})
	assert.Equal(t, Temporary, a.Category)
	assert.True(t, a.Policy.ShouldRetry)
	assert.Equal(t, "fallback", a.Reasoning)
}

func TestPolicyTable(t *testing.T) {
	assert.False(t, PolicyFor(Permanent).ShouldRetry)
	assert.False(t, PolicyFor(Validation).ShouldRetry)
	assert.True(t, PolicyFor(Permanent).RequiresUserIntervention)
	assert.True(t, PolicyFor(Auth).RequiresUserIntervention)
	assert.Equal(t, 1, PolicyFor(Auth).MaxRetries)
	assert.Equal(t, 5, PolicyFor(RateLimit).MaxRetries)
	assert.True(t, PolicyFor(Network).CircuitBreakerEnabled)
	assert.False(t, PolicyFor(Auth).CircuitBreakerEnabled)
}

func TestContextForCallError(t *testing.T) {
	wrapped := &CallError{
		Marketplace: domain.MarketplaceEbay,
		HTTPStatus:  429,
		Headers:     map[string]string{"Retry-After": "5"},
		Code:        "RATE_LIMITED",
		Message:     "call usage limit exceeded",
	}
	err := errors.Join(errors.New("delist failed"), wrapped)

	ctx := ContextFor(err, domain.MarketplacePoshmark, 2)
	assert.Equal(t, 429, ctx.HTTPStatus)
	assert.Equal(t, "RATE_LIMITED", ctx.Code)
	assert.Equal(t, 2, ctx.AttemptNumber)
	// The call's own marketplace wins over the caller's.
	assert.Equal(t, domain.MarketplaceEbay, ctx.Marketplace)
}

func TestContextForPlainError(t *testing.T) {
	ctx := ContextFor(errors.New("connection reset by peer"), domain.MarketplaceMercari, 1)
	assert.Equal(t, domain.MarketplaceMercari, ctx.Marketplace)
	assert.Zero(t, ctx.HTTPStatus)

	a := NewCategorizer(zerolog.Nop()).Categorize(ctx)
	assert.Equal(t, Network, a.Category)
}
