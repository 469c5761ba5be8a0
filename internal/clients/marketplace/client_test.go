package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/failure"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{
		BaseURL:     srv.URL,
		Marketplace: domain.MarketplaceEbay,
		Token:       "gw-token",
	}, zerolog.Nop())
	return c, srv
}

func TestShareDecodesEnvelope(t *testing.T) {
	var gotPath, gotAuth string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"ok","message":"shared","data":null}`))
	})

	result, err := c.Share(context.Background(), "L-1")
	require.NoError(t, err)

	assert.Equal(t, "/ebay/listings/L-1/share", gotPath)
	assert.Equal(t, "Bearer gw-token", gotAuth)
	assert.Equal(t, http.StatusOK, result.HTTPStatus)
	assert.Equal(t, "ok", result.Code)
	assert.Equal(t, "shared", result.Message)
}

func TestNonSuccessStatusBecomesCallError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":"rate_limited","message":"slow down"}`))
	})

	_, err := c.Bump(context.Background(), "L-1")
	require.Error(t, err)

	var ce *failure.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, domain.MarketplaceEbay, ce.Marketplace)
	assert.Equal(t, http.StatusTooManyRequests, ce.HTTPStatus)
	assert.Equal(t, "30", ce.Headers["Retry-After"])
	assert.Equal(t, "rate_limited", ce.Code)
	assert.Equal(t, "slow down", ce.Message)
}

func TestNonJSONErrorBodyStillCategorizable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	})

	_, err := c.Delist(context.Background(), "L-1")
	require.Error(t, err)

	var ce *failure.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http.StatusBadGateway, ce.HTTPStatus)
	assert.Empty(t, ce.Code)
}

func TestUnreachableGatewayBecomesCallError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	c := New(Config{
		BaseURL:     srv.URL,
		Marketplace: domain.MarketplaceMercari,
		Timeout:     time.Second,
	}, zerolog.Nop())
	srv.Close()

	_, err := c.Share(context.Background(), "L-1")
	require.Error(t, err)

	var ce *failure.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, domain.MarketplaceMercari, ce.Marketplace)
	assert.Zero(t, ce.HTTPStatus)
	assert.Error(t, errors.Unwrap(ce))
}

func TestSendOfferPostsPriceBody(t *testing.T) {
	var gotBody map[string]float64
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"code":"ok"}`))
	})

	_, err := c.SendOffer(context.Background(), "L-9", 24.50, 2.0)
	require.NoError(t, err)
	assert.Equal(t, 24.50, gotBody["price"])
	assert.Equal(t, 2.0, gotBody["shipping_discount"])
}

func TestGetWatchersDecodesData(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ebay/listings/L-1/watchers", r.URL.Path)
		_, _ = w.Write([]byte(`{"code":"ok","data":[
			{"user_id":"u1","since":"2026-02-01T00:00:00Z","has_offer":false,"offers_sent":0},
			{"user_id":"u2","since":"2026-01-15T00:00:00Z","has_offer":true,"offers_sent":2}
		]}`))
	})

	watchers, err := c.GetWatchers(context.Background(), "L-1")
	require.NoError(t, err)
	require.Len(t, watchers, 2)
	assert.Equal(t, "u1", watchers[0].UserID)
	assert.True(t, watchers[1].HasOffer)
	assert.Equal(t, 2, watchers[1].OfferSent)
}

func TestPollSendsUserAndSinceQuery(t *testing.T) {
	var gotQuery map[string][]string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ebay/events", r.URL.Path)
		gotQuery = r.URL.Query()
		_, _ = w.Write([]byte(`{"code":"ok","data":[{"event_id":"a"},{"event_id":"b"}]}`))
	})

	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payloads, err := c.Poll(context.Background(), 42, &since)
	require.NoError(t, err)

	assert.Equal(t, []string{"42"}, gotQuery["user"])
	assert.Equal(t, []string{"2026-03-01T12:00:00Z"}, gotQuery["since"])
	require.Len(t, payloads, 2)
	assert.JSONEq(t, `{"event_id":"a"}`, string(payloads[0]))
}

func TestPollOmitsSinceOnFirstRun(t *testing.T) {
	var gotQuery map[string][]string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_, _ = w.Write([]byte(`{"code":"ok","data":[]}`))
	})

	payloads, err := c.Poll(context.Background(), 42, nil)
	require.NoError(t, err)
	assert.Empty(t, payloads)
	_, present := gotQuery["since"]
	assert.False(t, present)
}

func TestFleetRoutesPollsByMarketplace(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"ok","data":[{"event_id":"a"}]}`))
	})

	fleet := NewFleet()
	fleet.Add(domain.MarketplaceEbay, c)

	payloads, err := fleet.Poll(context.Background(), domain.MarketplaceEbay, 7, nil)
	require.NoError(t, err)
	assert.Len(t, payloads, 1)

	_, err = fleet.Poll(context.Background(), domain.MarketplaceGrailed, 7, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no client configured")
}
