package store_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/store"
	testhelpers "github.com/crosslist/autopilot/internal/testing"
)

func TestSettingsSetOverwritesAndTypedGets(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "core")
	defer cleanup()
	settings := store.NewSettingsRepository(db.Conn(), zerolog.Nop())

	require.NoError(t, settings.Set("scheduler.emergency_stop", "true"))
	require.NoError(t, settings.Set("retention.webhook_days", "14"))

	v, err := settings.Get("scheduler.emergency_stop")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "true", *v)

	b, err := settings.GetBool("scheduler.emergency_stop", false)
	require.NoError(t, err)
	assert.True(t, b)

	n, err := settings.GetInt("retention.webhook_days", 30)
	require.NoError(t, err)
	assert.Equal(t, 14, n)

	// Absent keys fall back to the default.
	b, err = settings.GetBool("no.such.key", true)
	require.NoError(t, err)
	assert.True(t, b)

	require.NoError(t, settings.Set("scheduler.emergency_stop", "false"))
	b, err = settings.GetBool("scheduler.emergency_stop", true)
	require.NoError(t, err)
	assert.False(t, b)
}

func TestMarkerClaimIsFirstWriterWins(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "core")
	defer cleanup()
	markers := store.NewMarkerRepository(db.Conn(), zerolog.Nop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	won, err := markers.Claim(1, "share", 10, "attempt-a", now)
	require.NoError(t, err)
	assert.True(t, won)

	// Same action on the same listing in the same attempt: already claimed.
	won, err = markers.Claim(1, "share", 10, "attempt-a", now)
	require.NoError(t, err)
	assert.False(t, won)

	// A new attempt is a fresh claim.
	won, err = markers.Claim(1, "share", 10, "attempt-b", now)
	require.NoError(t, err)
	assert.True(t, won)

	// Only winning claims insert rows; the duplicate left nothing behind.
	pruned, err := markers.PruneBefore(now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)
}

func TestDeadLetterResolveLifecycle(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "audit")
	defer cleanup()
	dlq := store.NewDeadLetterRepository(db.Conn(), zerolog.Nop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := dlq.Insert(&domain.DeadLetter{
		JobID:          "job-1",
		JobType:        "firing",
		JobData:        []byte{0x81},
		FinalCategory:  "temporary",
		TotalAttempts:  4,
		FirstFailureAt: now.Add(-time.Hour),
		LastFailureAt:  now,
		Resolution:     "pending_review",
	})
	require.NoError(t, err)

	pending, err := dlq.ListByResolution("pending_review", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "job-1", pending[0].JobID)

	require.NoError(t, dlq.Resolve(id, "resolved"))

	pending, err = dlq.ListByResolution("pending_review", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err := dlq.Get(id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "resolved", got.Resolution)
}

func TestRetryHistoryPerJob(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "audit")
	defer cleanup()
	history := store.NewRetryHistoryRepository(db.Conn(), zerolog.Nop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for attempt := 1; attempt <= 3; attempt++ {
		next := now.Add(time.Duration(attempt) * time.Minute)
		require.NoError(t, history.Append(&domain.RetryAttempt{
			JobID:       "job-2",
			Attempt:     attempt,
			Category:    "temporary",
			Message:     "server error",
			Delay:       time.Duration(attempt) * time.Second,
			NextRetryAt: &next,
			RecordedAt:  now,
		}))
	}
	require.NoError(t, history.Append(&domain.RetryAttempt{
		JobID: "other", Attempt: 1, Category: "network", RecordedAt: now,
	}))

	attempts, err := history.ListForJob("job-2")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, 1, attempts[0].Attempt)
	assert.Equal(t, 3, attempts[2].Attempt)

	n, err := history.CountForJob("job-2")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSyncJobCreateIfAbsentEnforcesOneLiveJob(t *testing.T) {
	core, audit, cleanup := testhelpers.NewTestPair(t)
	defer cleanup()
	jobs := store.NewSyncJobRepository(core.Conn(), audit.Conn(), zerolog.Nop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	created, err := jobs.CreateIfAbsent(&domain.SyncJob{
		ID: "sync-a", ListingID: 7, TriggerEventID: 1,
		Source: domain.MarketplacePoshmark, Total: 2, StartedAt: now,
	})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = jobs.CreateIfAbsent(&domain.SyncJob{
		ID: "sync-b", ListingID: 7, TriggerEventID: 1,
		Source: domain.MarketplacePoshmark, Total: 2, StartedAt: now,
	})
	require.NoError(t, err)
	assert.False(t, created)

	// Completing the live job frees the slot for a later trigger.
	require.NoError(t, jobs.RecordOutcome("sync-a", true))
	require.NoError(t, jobs.RecordOutcome("sync-a", false))
	require.NoError(t, jobs.Complete("sync-a", domain.SyncPartial, now.Add(time.Minute)))

	got, err := jobs.Get("sync-a")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncPartial, got.Status)
	assert.Equal(t, 1, got.Done)
	assert.Equal(t, 1, got.Failed)
	require.NotNil(t, got.CompletedAt)

	created, err = jobs.CreateIfAbsent(&domain.SyncJob{
		ID: "sync-c", ListingID: 7, TriggerEventID: 2,
		Source: domain.MarketplacePoshmark, Total: 1, StartedAt: now,
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestWebhookInsertEventKeepsDuplicateOnRecord(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "core")
	defer cleanup()
	webhooks := store.NewWebhookRepository(db.Conn(), zerolog.Nop())

	first, err := webhooks.InsertEvent(&domain.WebhookEvent{
		Marketplace:    domain.MarketplaceEbay,
		ExternalID:     "evt-1",
		Kind:           "sale_completed",
		Payload:        []byte(`{}`),
		SignatureValid: true,
	})
	require.NoError(t, err)
	require.Nil(t, first.DuplicateOf)

	second, err := webhooks.InsertEvent(&domain.WebhookEvent{
		Marketplace:    domain.MarketplaceEbay,
		ExternalID:     "evt-1",
		Kind:           "sale_completed",
		Payload:        []byte(`{}`),
		SignatureValid: true,
	})
	require.NoError(t, err)
	require.NotNil(t, second.DuplicateOf)
	assert.Equal(t, first.ID, *second.DuplicateOf)
	assert.Equal(t, domain.WebhookIgnored, second.Status)

	// Same external id on another marketplace is a distinct event.
	other, err := webhooks.InsertEvent(&domain.WebhookEvent{
		Marketplace:    domain.MarketplaceDepop,
		ExternalID:     "evt-1",
		Kind:           "sale_completed",
		Payload:        []byte(`{}`),
		SignatureValid: true,
	})
	require.NoError(t, err)
	assert.Nil(t, other.DuplicateOf)
}

func TestCircuitSaveAndLoad(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "core")
	defer cleanup()
	circuits := store.NewCircuitRepository(db.Conn(), zerolog.Nop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	defaults := store.CircuitRecord{
		Phase:             store.CircuitClosed,
		FailureThreshold:  5,
		RecoveryThreshold: 3,
		HalfOpenMax:       3,
		Timeout:           time.Minute,
		BaseTimeout:       time.Minute,
	}

	// An unknown marketplace materializes with the defaults.
	rec, err := circuits.Get(domain.MarketplaceVestiare, defaults)
	require.NoError(t, err)
	assert.Equal(t, store.CircuitClosed, rec.Phase)
	assert.Equal(t, 5, rec.FailureThreshold)

	retryAt := now.Add(2 * time.Minute)
	rec.Phase = store.CircuitOpen
	rec.FailureCount = 5
	rec.OpenedAt = &now
	rec.NextRetryAt = &retryAt
	rec.Timeout = 2 * time.Minute
	require.NoError(t, circuits.Save(rec))

	got, err := circuits.Get(domain.MarketplaceVestiare, defaults)
	require.NoError(t, err)
	assert.Equal(t, store.CircuitOpen, got.Phase)
	assert.Equal(t, 5, got.FailureCount)
	assert.Equal(t, 2*time.Minute, got.Timeout)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, retryAt.Unix(), got.NextRetryAt.Unix())

	all, err := circuits.All()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
