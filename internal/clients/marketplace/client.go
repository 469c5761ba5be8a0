// Package marketplace provides the HTTP client for the marketplace API
// gateway. One Client instance serves one marketplace; the engine drives it
// through the engine.Client interface.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/engine"
	"github.com/crosslist/autopilot/internal/failure"
)

// Config holds gateway connection settings for one marketplace.
type Config struct {
	BaseURL     string
	Marketplace domain.Marketplace
	Token       string
	Timeout     time.Duration
}

// Client talks to the gateway over JSON. Failed calls come back as
// *failure.CallError carrying the raw HTTP status and headers.
type Client struct {
	http *http.Client
	cfg  Config
	log  zerolog.Logger
}

// New creates a gateway client for one marketplace.
func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		http: &http.Client{Timeout: cfg.Timeout},
		cfg:  cfg,
		log: log.With().
			Str("client", "marketplace").
			Str("marketplace", string(cfg.Marketplace)).
			Logger(),
	}
}

// envelope is the gateway's standard response shape.
type envelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// do issues one gateway call and decodes the envelope. Non-2xx responses
// become CallErrors with the response context preserved.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*engine.CallResult, json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	url := fmt.Sprintf("%s/%s%s", c.cfg.BaseURL, c.cfg.Marketplace, path)
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, &failure.CallError{
			Marketplace: c.cfg.Marketplace,
			Message:     "gateway unreachable",
			Err:         err,
		}
	}
	defer resp.Body.Close()

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, &failure.CallError{
			Marketplace: c.cfg.Marketplace,
			HTTPStatus:  resp.StatusCode,
			Headers:     headers,
			Message:     "failed to read response",
			Err:         err,
		}
	}

	var env envelope
	if len(raw) > 0 {
		// A non-JSON body is tolerated; status and headers still categorize.
		_ = json.Unmarshal(raw, &env)
	}

	result := &engine.CallResult{
		HTTPStatus: resp.StatusCode,
		Headers:    headers,
		Code:       env.Code,
		Message:    env.Message,
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, &failure.CallError{
			Marketplace: c.cfg.Marketplace,
			HTTPStatus:  resp.StatusCode,
			Headers:     headers,
			Code:        env.Code,
			Message:     env.Message,
		}
	}
	return result, env.Data, nil
}

// Share shares one listing to followers.
func (c *Client) Share(ctx context.Context, externalID string) (*engine.CallResult, error) {
	result, _, err := c.do(ctx, http.MethodPost, "/listings/"+externalID+"/share", nil)
	return result, err
}

// ShareToParty shares one listing into a live party.
func (c *Client) ShareToParty(ctx context.Context, externalID, partyID string) (*engine.CallResult, error) {
	result, _, err := c.do(ctx, http.MethodPost, "/listings/"+externalID+"/share",
		map[string]string{"party_id": partyID})
	return result, err
}

// Follow follows a marketplace user.
func (c *Client) Follow(ctx context.Context, userID string) (*engine.CallResult, error) {
	result, _, err := c.do(ctx, http.MethodPost, "/users/"+userID+"/follow", nil)
	return result, err
}

// Unfollow unfollows a marketplace user.
func (c *Client) Unfollow(ctx context.Context, userID string) (*engine.CallResult, error) {
	result, _, err := c.do(ctx, http.MethodDelete, "/users/"+userID+"/follow", nil)
	return result, err
}

// SendOffer sends an offer to likers of a listing.
func (c *Client) SendOffer(ctx context.Context, externalID string, price, shippingDiscount float64) (*engine.CallResult, error) {
	result, _, err := c.do(ctx, http.MethodPost, "/listings/"+externalID+"/offer", map[string]float64{
		"price":             price,
		"shipping_discount": shippingDiscount,
	})
	return result, err
}

// Bump refreshes a listing's search placement.
func (c *Client) Bump(ctx context.Context, externalID string) (*engine.CallResult, error) {
	result, _, err := c.do(ctx, http.MethodPost, "/listings/"+externalID+"/bump", nil)
	return result, err
}

// DropPrice lowers a listing's price.
func (c *Client) DropPrice(ctx context.Context, externalID string, newPrice float64) (*engine.CallResult, error) {
	result, _, err := c.do(ctx, http.MethodPost, "/listings/"+externalID+"/price",
		map[string]float64{"price": newPrice})
	return result, err
}

// Delist removes a listing from the marketplace.
func (c *Client) Delist(ctx context.Context, externalID string) (*engine.CallResult, error) {
	result, _, err := c.do(ctx, http.MethodDelete, "/listings/"+externalID, nil)
	return result, err
}

// Relist recreates a stale listing for fresh search placement.
func (c *Client) Relist(ctx context.Context, externalID string) (*engine.CallResult, error) {
	result, _, err := c.do(ctx, http.MethodPost, "/listings/"+externalID+"/relist", nil)
	return result, err
}

// GetMetrics fetches engagement metrics for a listing.
func (c *Client) GetMetrics(ctx context.Context, externalID string) ([]engine.ListingMetrics, error) {
	_, data, err := c.do(ctx, http.MethodGet, "/listings/"+externalID+"/metrics", nil)
	if err != nil {
		return nil, err
	}
	var out []engine.ListingMetrics
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode metrics: %w", err)
	}
	return out, nil
}

// GetLikers fetches users who liked a listing.
func (c *Client) GetLikers(ctx context.Context, externalID string) ([]engine.Watcher, error) {
	return c.getWatchers(ctx, "/listings/"+externalID+"/likers")
}

// GetWatchers fetches users watching a listing.
func (c *Client) GetWatchers(ctx context.Context, externalID string) ([]engine.Watcher, error) {
	return c.getWatchers(ctx, "/listings/"+externalID+"/watchers")
}

func (c *Client) getWatchers(ctx context.Context, path string) ([]engine.Watcher, error) {
	_, data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		UserID    string    `json:"user_id"`
		Since     time.Time `json:"since"`
		HasOffer  bool      `json:"has_offer"`
		OfferSent int       `json:"offers_sent"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode watchers: %w", err)
	}
	out := make([]engine.Watcher, 0, len(raw))
	for _, w := range raw {
		out = append(out, engine.Watcher{
			UserID:    w.UserID,
			Since:     w.Since,
			HasOffer:  w.HasOffer,
			OfferSent: w.OfferSent,
		})
	}
	return out, nil
}

// GetActiveParties fetches parties currently accepting shares.
func (c *Client) GetActiveParties(ctx context.Context) ([]domain.Party, error) {
	_, data, err := c.do(ctx, http.MethodGet, "/parties/active", nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		ID         string    `json:"id"`
		Name       string    `json:"name"`
		Categories []string  `json:"categories"`
		StartsAt   time.Time `json:"starts_at"`
		EndsAt     time.Time `json:"ends_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode parties: %w", err)
	}
	out := make([]domain.Party, 0, len(raw))
	for _, p := range raw {
		out = append(out, domain.Party{
			ID:         p.ID,
			Name:       p.Name,
			Categories: p.Categories,
			StartsAt:   p.StartsAt,
			EndsAt:     p.EndsAt,
		})
	}
	return out, nil
}

// GetSoldComparables fetches recent sold listings matching a query.
func (c *Client) GetSoldComparables(ctx context.Context, query string) ([]engine.Comparable, error) {
	_, data, err := c.do(ctx, http.MethodGet, "/market/sold?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Price  float64   `json:"price"`
		SoldAt time.Time `json:"sold_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode comparables: %w", err)
	}
	out := make([]engine.Comparable, 0, len(raw))
	for _, comp := range raw {
		out = append(out, engine.Comparable{Price: comp.Price, SoldAt: comp.SoldAt})
	}
	return out, nil
}

// Poll fetches events since the last poll. The Fleet exposes this as a
// webhook.Poller across marketplaces.
func (c *Client) Poll(ctx context.Context, userID int64, since *time.Time) ([][]byte, error) {
	q := url.Values{}
	q.Set("user", fmt.Sprintf("%d", userID))
	if since != nil {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	path := "/events?" + q.Encode()
	_, data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	out := make([][]byte, 0, len(raw))
	for _, m := range raw {
		out = append(out, []byte(m))
	}
	return out, nil
}
