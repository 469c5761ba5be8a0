// Package failure maps raw marketplace errors to a closed category set with
// an attached retry policy. Every error that reaches the executor passes
// through here exactly once per attempt.
package failure

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/domain"
)

// Category is one of the seven failure kinds.
type Category string

const (
	Permanent        Category = "permanent"
	Temporary        Category = "temporary"
	RateLimit        Category = "rate_limit"
	Auth             Category = "auth"
	Network          Category = "network"
	Validation       Category = "validation"
	MarketplaceError Category = "marketplace_error"
)

// Policy is the retry policy attached to a category.
type Policy struct {
	ShouldRetry              bool
	MaxRetries               int
	BaseDelay                time.Duration
	MaxDelay                 time.Duration
	BackoffMultiplier        float64
	JitterRange              float64
	RequiresUserIntervention bool
	CircuitBreakerEnabled    bool
}

// policies is the default per-category policy table.
var policies = map[Category]Policy{
	Permanent: {
		ShouldRetry:              false,
		MaxRetries:               0,
		BackoffMultiplier:        1.0,
		RequiresUserIntervention: true,
	},
	Validation: {
		ShouldRetry:              false,
		MaxRetries:               0,
		BackoffMultiplier:        1.0,
		RequiresUserIntervention: true,
	},
	Auth: {
		ShouldRetry:              true,
		MaxRetries:               1,
		BaseDelay:                60 * time.Second,
		MaxDelay:                 300 * time.Second,
		BackoffMultiplier:        1.0,
		RequiresUserIntervention: true,
	},
	Network: {
		ShouldRetry:           true,
		MaxRetries:            4,
		BaseDelay:             500 * time.Millisecond,
		MaxDelay:              15 * time.Second,
		BackoffMultiplier:     1.8,
		JitterRange:           0.15,
		CircuitBreakerEnabled: true,
	},
	Temporary: {
		ShouldRetry:           true,
		MaxRetries:            3,
		BaseDelay:             time.Second,
		MaxDelay:              30 * time.Second,
		BackoffMultiplier:     2.0,
		JitterRange:           0.10,
		CircuitBreakerEnabled: true,
	},
	RateLimit: {
		ShouldRetry:           true,
		MaxRetries:            5,
		BaseDelay:             5 * time.Second,
		MaxDelay:              5 * time.Minute,
		BackoffMultiplier:     2.5,
		JitterRange:           0.20,
		CircuitBreakerEnabled: true,
	},
	MarketplaceError: {
		ShouldRetry:           true,
		MaxRetries:            3,
		BaseDelay:             2 * time.Second,
		MaxDelay:              60 * time.Second,
		BackoffMultiplier:     2.2,
		JitterRange:           0.15,
		CircuitBreakerEnabled: true,
	},
}

// PolicyFor returns the default policy of a category.
func PolicyFor(c Category) Policy {
	return policies[c]
}

// Context carries everything known about a failed call.
type Context struct {
	Err           error
	ErrorType     string
	Message       string
	HTTPStatus    int
	Headers       map[string]string
	Marketplace   domain.Marketplace
	Code          string
	AttemptNumber int
}

// Analysis is the categorizer's verdict plus the policy in force.
type Analysis struct {
	Category   Category
	ErrorType  string
	Policy     Policy
	Confidence float64
	Reasoning  string

	// RetryAfter is set only when the server supplied an explicit delay.
	RetryAfter *time.Duration
}

// Categorizer classifies failures deterministically.
type Categorizer struct {
	log zerolog.Logger
}

// NewCategorizer creates a categorizer.
func NewCategorizer(log zerolog.Logger) *Categorizer {
	return &Categorizer{
		log: log.With().Str("component", "categorizer").Logger(),
	}
}

var rateLimitHeaders = []string{
	"Retry-After",
	"X-RateLimit-Remaining",
	"X-RateLimit-Reset",
	"X-Rate-Limit-Remaining",
	"RateLimit-Remaining",
}

var (
	networkPattern   = regexp.MustCompile(`(?i)(timeout|timed out|connection (refused|reset|closed)|no such host|network|EOF|broken pipe|dial tcp)`)
	rateLimitPattern = regexp.MustCompile(`(?i)(rate limit|too many requests|throttl|slow down|quota exceeded)`)
	validatePattern  = regexp.MustCompile(`(?i)(invalid|missing (field|parameter)|malformed|must be|is required|validation)`)
)

// marketplacePatterns maps per-marketplace error codes and phrasings that the
// generic rules miss. Entries are checked before message regexes.
var marketplacePatterns = map[domain.Marketplace][]struct {
	re       *regexp.Regexp
	category Category
}{
	domain.MarketplacePoshmark: {
		{regexp.MustCompile(`(?i)share limit`), RateLimit},
		{regexp.MustCompile(`(?i)captcha`), Auth},
	},
	domain.MarketplaceMercari: {
		{regexp.MustCompile(`(?i)item (not found|unavailable)`), Permanent},
	},
	domain.MarketplaceEbay: {
		{regexp.MustCompile(`(?i)call usage limit`), RateLimit},
		{regexp.MustCompile(`(?i)token (expired|invalid)`), Auth},
	},
	domain.MarketplaceDepop: {
		{regexp.MustCompile(`(?i)listing has been (sold|removed)`), Permanent},
	},
}

// Categorize maps a failure context to an analysis. Classification is ordered
// from highest-confidence signal to lowest; the first match wins.
func (c *Categorizer) Categorize(ctx Context) *Analysis {
	a := c.classify(ctx)
	a.Policy = policies[a.Category]
	if a.ErrorType == "" {
		a.ErrorType = ctx.ErrorType
	}

	if a.Category == RateLimit {
		if d, ok := retryAfter(ctx.Headers); ok {
			if d > a.Policy.MaxDelay {
				d = a.Policy.MaxDelay
			}
			a.RetryAfter = &d
		}
	}

	c.log.Debug().
		Str("category", string(a.Category)).
		Float64("confidence", a.Confidence).
		Str("reasoning", a.Reasoning).
		Int("http_status", ctx.HTTPStatus).
		Str("marketplace", string(ctx.Marketplace)).
		Msg("Failure categorized")
	return a
}

func (c *Categorizer) classify(ctx Context) *Analysis {
	// 1. Rate-limit headers are the strongest signal.
	for _, h := range rateLimitHeaders {
		if _, ok := header(ctx.Headers, h); ok {
			return &Analysis{Category: RateLimit, Confidence: 0.95, Reasoning: "rate-limit header " + h}
		}
	}

	// 2. HTTP status.
	switch s := ctx.HTTPStatus; {
	case s == 400 || s == 409 || s == 422:
		return &Analysis{Category: Validation, Confidence: 0.9, Reasoning: "http status " + strconv.Itoa(s)}
	case s == 401 || s == 403:
		return &Analysis{Category: Auth, Confidence: 0.9, Reasoning: "http status " + strconv.Itoa(s)}
	case s == 404:
		return &Analysis{Category: Permanent, Confidence: 0.9, Reasoning: "http status 404"}
	case s == 429:
		return &Analysis{Category: RateLimit, Confidence: 0.9, Reasoning: "http status 429"}
	case s >= 500 && s <= 599:
		return &Analysis{Category: Temporary, Confidence: 0.85, Reasoning: "http status " + strconv.Itoa(s)}
	case s >= 400 && s <= 499:
		return &Analysis{Category: MarketplaceError, Confidence: 0.7, Reasoning: "http status " + strconv.Itoa(s)}
	}

	msg := ctx.Message
	if msg == "" && ctx.Err != nil {
		msg = ctx.Err.Error()
	}

	// 3. Per-marketplace patterns.
	for _, p := range marketplacePatterns[ctx.Marketplace] {
		if p.re.MatchString(msg) || p.re.MatchString(ctx.Code) {
			return &Analysis{Category: p.category, Confidence: 0.8,
				Reasoning: "marketplace pattern " + string(ctx.Marketplace)}
		}
	}

	// 4. Message regexes.
	switch {
	case networkPattern.MatchString(msg):
		return &Analysis{Category: Network, Confidence: 0.7, Reasoning: "message pattern network"}
	case rateLimitPattern.MatchString(msg):
		return &Analysis{Category: RateLimit, Confidence: 0.7, Reasoning: "message pattern rate limit"}
	case validatePattern.MatchString(msg):
		return &Analysis{Category: Validation, Confidence: 0.6, Reasoning: "message pattern validation"}
	}

	// 5. Error-type name.
	switch t := strings.ToLower(ctx.ErrorType); {
	case strings.Contains(t, "timeout"), strings.Contains(t, "abort"), strings.Contains(t, "network"):
		return &Analysis{Category: Network, Confidence: 0.5, Reasoning: "error type " + t}
	case strings.Contains(t, "type"), strings.Contains(t, "reference"), strings.Contains(t, "syntax"):
		return &Analysis{Category: Permanent, Confidence: 0.5, Reasoning: "error type " + t}
	}

	// 6. Fallback.
	return &Analysis{Category: Temporary, Confidence: 0.3, Reasoning: "fallback"}
}

func header(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// retryAfter parses a Retry-After header as delta-seconds or HTTP date.
func retryAfter(headers map[string]string) (time.Duration, bool) {
	v, ok := header(headers, "Retry-After")
	if !ok || v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
