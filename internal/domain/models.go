// Package domain contains the core entities of the automation system.
// The domain layer is pure: no database, HTTP, or logging dependencies.
package domain

import (
	"encoding/json"
	"time"
)

// Marketplace identifies a connected resale marketplace.
type Marketplace string

const (
	MarketplacePoshmark Marketplace = "poshmark"
	MarketplaceMercari  Marketplace = "mercari"
	MarketplaceDepop    Marketplace = "depop"
	MarketplaceEbay     Marketplace = "ebay"
	MarketplaceGrailed  Marketplace = "grailed"
	MarketplaceVestiare Marketplace = "vestiaire"
)

// Marketplaces lists every supported marketplace.
func Marketplaces() []Marketplace {
	return []Marketplace{
		MarketplacePoshmark,
		MarketplaceMercari,
		MarketplaceDepop,
		MarketplaceEbay,
		MarketplaceGrailed,
		MarketplaceVestiare,
	}
}

// ParseMarketplace maps a string to a known marketplace.
func ParseMarketplace(s string) (Marketplace, bool) {
	for _, mp := range Marketplaces() {
		if string(mp) == s {
			return mp, true
		}
	}
	return "", false
}

// ListingStatus is the lifecycle state of a listing.
// Transitions: draft -> active -> (sold | deleted).
type ListingStatus string

const (
	ListingDraft   ListingStatus = "draft"
	ListingActive  ListingStatus = "active"
	ListingSold    ListingStatus = "sold"
	ListingDeleted ListingStatus = "deleted"
)

// PostStatus is the per-marketplace state of a listing post.
// Delisted is a post state, never a listing state.
type PostStatus string

const (
	PostPending  PostStatus = "pending"
	PostPosted   PostStatus = "posted"
	PostFailed   PostStatus = "failed"
	PostSold     PostStatus = "sold"
	PostDelisted PostStatus = "delisted"
)

// RuleType identifies the automation behavior a rule drives.
type RuleType string

const (
	RuleAutoShare     RuleType = "auto_share"
	RulePartyShare    RuleType = "party_share"
	RuleAutoFollow    RuleType = "auto_follow"
	RuleAutoOffer     RuleType = "auto_offer"
	RuleWatcherOffers RuleType = "watcher_offers"
	RuleAutoBump      RuleType = "auto_bump"
	RuleSmartDrop     RuleType = "smart_drop"
	RuleAutoRelist    RuleType = "auto_relist"
	RuleBundleOffer   RuleType = "bundle_offer"
)

// ScheduleType identifies how a schedule computes its next run.
type ScheduleType string

const (
	ScheduleCron       ScheduleType = "cron"
	ScheduleInterval   ScheduleType = "interval"
	ScheduleContinuous ScheduleType = "continuous"
	ScheduleTimeOfDay  ScheduleType = "time_of_day"
)

// LogStatus is the outcome recorded for an automation attempt.
type LogStatus string

const (
	LogSuccess     LogStatus = "success"
	LogFailed      LogStatus = "failed"
	LogPartial     LogStatus = "partial"
	LogSkipped     LogStatus = "skipped"
	LogRateLimited LogStatus = "rate_limited"
)

// User owns listings, connections, and rules.
type User struct {
	ID       int64
	Email    string
	Timezone string // IANA zone name, e.g. "America/New_York"
	Plan     string // plan tag caps listing/action volumes
}

// MarketplaceConnection links a user to a marketplace account.
type MarketplaceConnection struct {
	ID                  int64
	UserID              int64
	Marketplace         Marketplace
	Connected           bool
	Credential          string
	CredentialExpiresAt *time.Time
	LastSyncAt          *time.Time
}

// CredentialExpired reports whether the connection's credential has lapsed.
func (c *MarketplaceConnection) CredentialExpired(now time.Time) bool {
	return c.CredentialExpiresAt != nil && !now.Before(*c.CredentialExpiresAt)
}

// Listing is a user's item for sale, posted to zero or more marketplaces.
type Listing struct {
	ID        int64
	UserID    int64
	Title     string
	Price     float64
	Quantity  int
	Category  string
	Brand     string
	Condition string
	Status    ListingStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ListingPost is a listing's representation on one marketplace.
type ListingPost struct {
	ID          int64
	ListingID   int64
	Marketplace Marketplace
	ExternalID  string
	URL         string
	Status      PostStatus
	PostedAt    *time.Time
}

// AutomationRule describes what to do on which marketplace.
// Config is an opaque structured blob keyed by Type; engines validate the
// variant via engine/ruleconfig.
type AutomationRule struct {
	ID             int64
	UserID         int64
	Marketplace    Marketplace
	Type           RuleType
	Config         json.RawMessage
	Enabled        bool
	TotalRuns      int64
	SuccessRuns    int64
	FailedRuns     int64
	LastExecutedAt *time.Time
	LastError      string
}

// AutomationSchedule describes when a rule fires.
// Exactly one of the type-specific fields is meaningful per Type.
type AutomationSchedule struct {
	ID              int64
	RuleID          int64
	Type            ScheduleType
	CronExpr        string // cron
	Timezone        string // cron + time_of_day evaluation zone
	IntervalMinutes int    // interval
	IntervalSeconds int    // continuous (lower bound 60s applied at evaluation)
	Hours           []int  // time_of_day, ascending 0-23
	Active          bool
	StartAt         *time.Time
	EndAt           *time.Time
	MaxExecutions   *int64
	ExecutionCount  int64
	LastRunAt       *time.Time
	NextRunAt       *time.Time
}

// Exhausted reports whether the schedule hit its execution cap.
func (s *AutomationSchedule) Exhausted() bool {
	return s.MaxExecutions != nil && s.ExecutionCount >= *s.MaxExecutions
}

// LogEntry is one append-only automation log record.
type LogEntry struct {
	ID          int64
	UserID      int64
	RuleID      int64
	ScheduleID  int64
	Marketplace Marketplace
	Action      string
	Status      LogStatus
	ErrorKind   string
	Reason      string
	Duration    time.Duration
	SessionID   string
	CreatedAt   time.Time
}

// WebhookEventStatus is the processing state of an inbound webhook event.
type WebhookEventStatus string

const (
	WebhookPending    WebhookEventStatus = "pending"
	WebhookProcessing WebhookEventStatus = "processing"
	WebhookCompleted  WebhookEventStatus = "completed"
	WebhookFailed     WebhookEventStatus = "failed"
	WebhookIgnored    WebhookEventStatus = "ignored"
)

// WebhookConfig is the per-(user, marketplace) webhook subscription.
type WebhookConfig struct {
	ID          int64
	UserID      int64
	Marketplace Marketplace
	Endpoint    string
	Secret      string
	Events      []string
	Verified    bool
	ErrorCount  int
}

// WebhookEvent is a raw inbound event plus processing metadata.
type WebhookEvent struct {
	ID             int64
	Marketplace    Marketplace
	ExternalID     string
	Kind           string
	Payload        []byte
	Headers        map[string]string
	SignatureValid bool
	Status         WebhookEventStatus
	DuplicateOf    *int64
	Priority       int
	ReceivedAt     time.Time
}

// PollingSchedule drives ingestion for marketplaces without push webhooks.
type PollingSchedule struct {
	ID                  int64
	UserID              int64
	Marketplace         Marketplace
	Interval            time.Duration
	MinInterval         time.Duration
	MaxInterval         time.Duration
	LastPollAt          *time.Time
	LastOutcome         string
	ConsecutiveFailures int
	ConsecutiveEmpty    int
	Disabled            bool
}

// SyncJobStatus is the terminal/in-flight state of a cross-platform sync job.
type SyncJobStatus string

const (
	SyncPending    SyncJobStatus = "pending"
	SyncProcessing SyncJobStatus = "processing"
	SyncCompleted  SyncJobStatus = "completed"
	SyncFailed     SyncJobStatus = "failed"
	SyncPartial    SyncJobStatus = "partial"
)

// SyncJob fans out delists to all other marketplaces after a sale.
// At most one job is in {pending, processing} per (listing, trigger event).
type SyncJob struct {
	ID             string
	ListingID      int64
	TriggerEventID int64
	Source         Marketplace
	Targets        []Marketplace
	Total          int
	Done           int
	Failed         int
	Status         SyncJobStatus
	StartedAt      time.Time
	CompletedAt    *time.Time
}

// DeadLetter quarantines a job that exhausted its retries.
type DeadLetter struct {
	ID             int64
	JobID          string
	JobType        string
	JobData        []byte // msgpack snapshot of the job payload
	FinalCategory  string
	TotalAttempts  int
	FirstFailureAt time.Time
	LastFailureAt  time.Time
	History        []RetryAttempt
	Resolution     string // pending_review | discarded | resolved
}

// RetryAttempt is one entry in a job's retry history.
type RetryAttempt struct {
	JobID       string
	Attempt     int
	Category    string
	Code        string
	Message     string
	Delay       time.Duration
	NextRetryAt *time.Time
	RecordedAt  time.Time
}
