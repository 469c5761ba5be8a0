package marketplace

import (
	"context"
	"fmt"
	"time"

	"github.com/crosslist/autopilot/internal/domain"
)

// Fleet holds one gateway client per marketplace and satisfies
// webhook.Poller for all of them.
type Fleet struct {
	clients map[domain.Marketplace]*Client
}

// NewFleet creates an empty fleet.
func NewFleet() *Fleet {
	return &Fleet{clients: make(map[domain.Marketplace]*Client)}
}

// Add registers one marketplace client.
func (f *Fleet) Add(mp domain.Marketplace, c *Client) {
	f.clients[mp] = c
}

// Get returns the client for a marketplace.
func (f *Fleet) Get(mp domain.Marketplace) (*Client, error) {
	c, ok := f.clients[mp]
	if !ok {
		return nil, fmt.Errorf("no client configured for marketplace %q", mp)
	}
	return c, nil
}

// Poll fetches events for one user on one marketplace.
func (f *Fleet) Poll(ctx context.Context, mp domain.Marketplace, userID int64, since *time.Time) ([][]byte, error) {
	c, err := f.Get(mp)
	if err != nil {
		return nil, err
	}
	return c.Poll(ctx, userID, since)
}
