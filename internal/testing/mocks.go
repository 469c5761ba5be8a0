package testing

import (
	"context"
	"sync"
	"time"

	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/engine"
	"github.com/crosslist/autopilot/internal/scheduler"
)

// ScriptedClient implements engine.Client with per-action scripted outcomes.
// Unscripted calls succeed with a 200 result. All methods are safe for
// concurrent use.
type ScriptedClient struct {
	mu sync.Mutex

	// errs fails every call of an action until cleared.
	errs map[string]error
	// failures fails the next N calls of an action, then succeeds.
	failures map[string]int

	calls []string

	Metrics     []engine.ListingMetrics
	Likers      []engine.Watcher
	Watchers    []engine.Watcher
	Parties     []domain.Party
	Comparables []engine.Comparable
}

// NewScriptedClient creates a client where every call succeeds.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{
		errs:     make(map[string]error),
		failures: make(map[string]int),
	}
}

// Fail makes every call of the action return err until cleared with a nil err.
func (c *ScriptedClient) Fail(action string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.errs, action)
		return
	}
	c.errs[action] = err
}

// FailTimes makes the next n calls of the action return err.
func (c *ScriptedClient) FailTimes(action string, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[action] = err
	c.failures[action] = n
}

// Calls returns the recorded "action:target" strings in call order.
func (c *ScriptedClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns how many calls of one action were made.
func (c *ScriptedClient) CallCount(action string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if len(call) >= len(action) && call[:len(action)] == action {
			n++
		}
	}
	return n
}

func (c *ScriptedClient) call(action, target string) (*engine.CallResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, action+":"+target)

	err, scripted := c.errs[action]
	if scripted {
		if remaining, limited := c.failures[action]; limited {
			if remaining <= 0 {
				delete(c.errs, action)
				delete(c.failures, action)
				return &engine.CallResult{HTTPStatus: 200}, nil
			}
			c.failures[action] = remaining - 1
		}
		return nil, err
	}
	return &engine.CallResult{HTTPStatus: 200}, nil
}

func (c *ScriptedClient) Share(_ context.Context, externalID string) (*engine.CallResult, error) {
	return c.call(engine.ActionShare, externalID)
}

func (c *ScriptedClient) ShareToParty(_ context.Context, externalID, partyID string) (*engine.CallResult, error) {
	return c.call(engine.ActionShareToParty, externalID+":"+partyID)
}

func (c *ScriptedClient) Follow(_ context.Context, userID string) (*engine.CallResult, error) {
	return c.call(engine.ActionFollow, userID)
}

func (c *ScriptedClient) Unfollow(_ context.Context, userID string) (*engine.CallResult, error) {
	return c.call(engine.ActionUnfollow, userID)
}

func (c *ScriptedClient) SendOffer(_ context.Context, externalID string, _, _ float64) (*engine.CallResult, error) {
	return c.call(engine.ActionSendOffer, externalID)
}

func (c *ScriptedClient) Bump(_ context.Context, externalID string) (*engine.CallResult, error) {
	return c.call(engine.ActionBump, externalID)
}

func (c *ScriptedClient) DropPrice(_ context.Context, externalID string, _ float64) (*engine.CallResult, error) {
	return c.call(engine.ActionDropPrice, externalID)
}

func (c *ScriptedClient) Delist(_ context.Context, externalID string) (*engine.CallResult, error) {
	return c.call(engine.ActionDelist, externalID)
}

func (c *ScriptedClient) Relist(_ context.Context, externalID string) (*engine.CallResult, error) {
	return c.call(engine.ActionRelist, externalID)
}

func (c *ScriptedClient) GetMetrics(_ context.Context, externalID string) ([]engine.ListingMetrics, error) {
	if _, err := c.call(engine.ActionGetMetrics, externalID); err != nil {
		return nil, err
	}
	return c.Metrics, nil
}

func (c *ScriptedClient) GetLikers(_ context.Context, externalID string) ([]engine.Watcher, error) {
	if _, err := c.call(engine.ActionGetLikers, externalID); err != nil {
		return nil, err
	}
	return c.Likers, nil
}

func (c *ScriptedClient) GetWatchers(_ context.Context, externalID string) ([]engine.Watcher, error) {
	if _, err := c.call(engine.ActionGetWatchers, externalID); err != nil {
		return nil, err
	}
	return c.Watchers, nil
}

func (c *ScriptedClient) GetActiveParties(_ context.Context) ([]domain.Party, error) {
	if _, err := c.call(engine.ActionGetParties, ""); err != nil {
		return nil, err
	}
	return c.Parties, nil
}

func (c *ScriptedClient) GetSoldComparables(_ context.Context, query string) ([]engine.Comparable, error) {
	if _, err := c.call(engine.ActionMarketAnalysis, query); err != nil {
		return nil, err
	}
	return c.Comparables, nil
}

// ScriptedPoller returns queued payload batches, one batch per poll.
type ScriptedPoller struct {
	mu      sync.Mutex
	batches [][][]byte
	err     error
	polls   int
}

// NewScriptedPoller creates an empty poller.
func NewScriptedPoller() *ScriptedPoller {
	return &ScriptedPoller{}
}

// Queue adds one batch of payloads to return on a future poll.
func (p *ScriptedPoller) Queue(payloads ...[]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, payloads)
}

// SetError makes every poll fail.
func (p *ScriptedPoller) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Polls returns how many polls were made.
func (p *ScriptedPoller) Polls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

func (p *ScriptedPoller) Poll(_ context.Context, _ domain.Marketplace, _ int64, _ *time.Time) ([][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if p.err != nil {
		return nil, p.err
	}
	if len(p.batches) == 0 {
		return nil, nil
	}
	batch := p.batches[0]
	p.batches = p.batches[1:]
	return batch, nil
}

// CaptureSink records scheduler firings. Satisfies scheduler.Sink.
type CaptureSink struct {
	mu      sync.Mutex
	firings []*scheduler.Firing
	// Reject makes SubmitFiring report a full queue.
	Reject bool
}

// NewCaptureSink creates an accepting sink.
func NewCaptureSink() *CaptureSink {
	return &CaptureSink{}
}

func (s *CaptureSink) SubmitFiring(f *scheduler.Firing) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Reject {
		return false
	}
	s.firings = append(s.firings, f)
	return true
}

// Firings returns the captured firings in submission order.
func (s *CaptureSink) Firings() []*scheduler.Firing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*scheduler.Firing, len(s.firings))
	copy(out, s.firings)
	return out
}
