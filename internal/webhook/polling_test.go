package webhook

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslist/autopilot/internal/domain"
	testhelpers "github.com/crosslist/autopilot/internal/testing"
)

func (f *ingestorFixture) seedPolling(t *testing.T, interval time.Duration) *domain.PollingSchedule {
	t.Helper()
	p := &domain.PollingSchedule{
		UserID:      f.user.ID,
		Marketplace: domain.MarketplaceGrailed,
		Interval:    interval,
		MinInterval: time.Minute,
		MaxInterval: time.Hour,
	}
	id, err := f.repo.CreatePolling(p)
	require.NoError(t, err)
	p.ID = id
	return p
}

func TestRunDuePollsSaleTightensInterval(t *testing.T) {
	f, cleanup := newTestIngestor(t)
	defer cleanup()

	f.seedPolling(t, 10*time.Minute)
	poller := testhelpers.NewScriptedPoller()
	poller.Queue([]byte(`{"event_id":"p-1","type":"item.sold","listing_id":"L-1"}`))

	require.NoError(t, f.ingestor.RunDuePolls(context.Background(), poller))
	assert.Equal(t, 1, poller.Polls())

	got, err := f.repo.GetPolling(f.user.ID, domain.MarketplaceGrailed)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 5*time.Minute, got.Interval)
	assert.Equal(t, "sales", got.LastOutcome)
	assert.Zero(t, got.ConsecutiveEmpty)
	require.NotNil(t, got.LastPollAt)
	assert.Equal(t, f.clock.Now().Unix(), got.LastPollAt.Unix())
	assert.Equal(t, 1, f.exec.QueueDepth())
}

func TestRunDuePollsIntervalNeverDropsBelowFloor(t *testing.T) {
	f, cleanup := newTestIngestor(t)
	defer cleanup()

	f.seedPolling(t, 100*time.Second)
	poller := testhelpers.NewScriptedPoller()
	poller.Queue([]byte(`{"event_id":"p-2","type":"item.sold"}`))

	require.NoError(t, f.ingestor.RunDuePolls(context.Background(), poller))

	got, err := f.repo.GetPolling(f.user.ID, domain.MarketplaceGrailed)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, got.Interval)
}

func TestRunDuePollsEmptyRelaxesInterval(t *testing.T) {
	f, cleanup := newTestIngestor(t)
	defer cleanup()

	f.seedPolling(t, 10*time.Minute)
	poller := testhelpers.NewScriptedPoller()

	require.NoError(t, f.ingestor.RunDuePolls(context.Background(), poller))

	got, err := f.repo.GetPolling(f.user.ID, domain.MarketplaceGrailed)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, got.Interval)
	assert.Equal(t, "empty", got.LastOutcome)
	assert.Equal(t, 1, got.ConsecutiveEmpty)
	assert.Zero(t, f.exec.QueueDepth())
}

func TestRunDuePollsIntervalCappedAtCeiling(t *testing.T) {
	f, cleanup := newTestIngestor(t)
	defer cleanup()

	f.seedPolling(t, 50*time.Minute)
	poller := testhelpers.NewScriptedPoller()

	require.NoError(t, f.ingestor.RunDuePolls(context.Background(), poller))

	got, err := f.repo.GetPolling(f.user.ID, domain.MarketplaceGrailed)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, got.Interval)
}

func TestRunDuePollsDisablesAfterRepeatedFailures(t *testing.T) {
	f, cleanup := newTestIngestor(t)
	defer cleanup()

	f.seedPolling(t, time.Minute)
	poller := testhelpers.NewScriptedPoller()
	poller.SetError(errors.New("marketplace unreachable"))

	for i := 0; i < maxPollFailures; i++ {
		require.NoError(t, f.ingestor.RunDuePolls(context.Background(), poller))
		f.clock.Advance(2 * time.Minute)
	}

	got, err := f.repo.GetPolling(f.user.ID, domain.MarketplaceGrailed)
	require.NoError(t, err)
	assert.True(t, got.Disabled)
	assert.Equal(t, maxPollFailures, got.ConsecutiveFailures)
	assert.Equal(t, "error", got.LastOutcome)

	// Disabled schedules never come due again.
	require.NoError(t, f.ingestor.RunDuePolls(context.Background(), poller))
	assert.Equal(t, maxPollFailures, poller.Polls())
}

func TestRunDuePollsSuccessResetsFailureStreak(t *testing.T) {
	f, cleanup := newTestIngestor(t)
	defer cleanup()

	f.seedPolling(t, time.Minute)
	poller := testhelpers.NewScriptedPoller()
	poller.SetError(errors.New("marketplace unreachable"))

	require.NoError(t, f.ingestor.RunDuePolls(context.Background(), poller))
	f.clock.Advance(2 * time.Minute)

	poller.SetError(nil)
	require.NoError(t, f.ingestor.RunDuePolls(context.Background(), poller))

	got, err := f.repo.GetPolling(f.user.ID, domain.MarketplaceGrailed)
	require.NoError(t, err)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.False(t, got.Disabled)
}

func TestRunDuePollsSkipsScheduleNotYetDue(t *testing.T) {
	f, cleanup := newTestIngestor(t)
	defer cleanup()

	f.seedPolling(t, 10*time.Minute)
	poller := testhelpers.NewScriptedPoller()

	require.NoError(t, f.ingestor.RunDuePolls(context.Background(), poller))
	require.NoError(t, f.ingestor.RunDuePolls(context.Background(), poller))
	assert.Equal(t, 1, poller.Polls())

	f.clock.Advance(16 * time.Minute)
	require.NoError(t, f.ingestor.RunDuePolls(context.Background(), poller))
	assert.Equal(t, 2, poller.Polls())
}

func TestPolledPayloadGetsSyntheticExternalID(t *testing.T) {
	f, cleanup := newTestIngestor(t)
	defer cleanup()

	f.seedPolling(t, time.Minute)
	poller := testhelpers.NewScriptedPoller()
	poller.Queue([]byte(`{"type":"item.sold","listing_id":"L-3"}`))

	require.NoError(t, f.ingestor.RunDuePolls(context.Background(), poller))

	pending, err := f.repo.ListEventsByStatus(domain.WebhookPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, strings.HasPrefix(pending[0].ExternalID, "poll-"))
	assert.Equal(t, KindSaleCompleted, pending[0].Kind)
	assert.True(t, pending[0].SignatureValid)
}

func TestPolledDuplicateNotReEnqueued(t *testing.T) {
	f, cleanup := newTestIngestor(t)
	defer cleanup()

	f.seedPolling(t, time.Minute)
	poller := testhelpers.NewScriptedPoller()
	body := []byte(`{"event_id":"p-9","type":"item.sold"}`)
	poller.Queue(body)
	poller.Queue(body)

	require.NoError(t, f.ingestor.RunDuePolls(context.Background(), poller))
	f.clock.Advance(2 * time.Minute)
	require.NoError(t, f.ingestor.RunDuePolls(context.Background(), poller))

	assert.Equal(t, 1, f.exec.QueueDepth())
}
