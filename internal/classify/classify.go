// Package classify inspects a failed worker's accumulated output and
// decides whether the failure was provider rate limiting, an authentication
// failure, or neither. The two outcomes are mutually exclusive: rate-limit
// detection runs first and, when it matches, auth classification is skipped
// entirely.
//
// Matching is ordered regexp work over an immutable trailing window of the
// combined stdout+stderr text, so it stays trivially unit-testable without
// any process mocking.
package classify

import (
	"regexp"
	"strings"
	"time"

	"github.com/veletrix/warden/internal/debug"
)

// TrailingWindow bounds how much accumulated output is scanned.
const TrailingWindow = 10 * 1024

// Limit scopes.
const (
	LimitWeekly  = "weekly"
	LimitSession = "session"
)

// Auth failure subtypes, in classification priority order.
const (
	AuthMissing = "missing"
	AuthExpired = "expired"
	AuthInvalid = "invalid"
	AuthUnknown = "unknown"
)

// RateLimitDetection is an immutable rate-limit classification result.
type RateLimitDetection struct {
	RateLimited      bool      `json:"rate_limited"`
	LimitType        string    `json:"limit_type,omitempty"` // weekly or session
	ResetTime        string    `json:"reset_time,omitempty"` // verbatim reset text when present
	Indicator        string    `json:"indicator,omitempty"`  // the matched pattern text
	Profile          string    `json:"profile,omitempty"`    // implicated credential profile
	SuggestedProfile string    `json:"suggested_profile,omitempty"`
	DetectedAt       time.Time `json:"detected_at"`
}

// AuthFailureDetection is an immutable auth-failure classification result.
type AuthFailureDetection struct {
	AuthFailed  bool   `json:"auth_failed"`
	FailureType string `json:"failure_type,omitempty"`
	Indicator   string `json:"indicator,omitempty"`
	Profile     string `json:"profile,omitempty"`
}

// Classification is the combined outcome; at most one of the two detections
// is set.
type Classification struct {
	RateLimit   *RateLimitDetection
	AuthFailure *AuthFailureDetection
}

// Recorder receives rate-limit events at detection time. Recording during
// classification (rather than as a separate caller step) keeps the
// per-profile history consistent with what was actually detected.
type Recorder interface {
	RecordRateLimit(profile string, det RateLimitDetection)
	// BestAlternate returns the preferred alternate profile excluding the
	// given one, or false when none is available.
	BestAlternate(exclude string) (string, bool)
}

// Classifier binds the pure pattern matching to an optional Recorder.
type Classifier struct {
	rec Recorder
}

// New creates a Classifier. rec may be nil; classification then has no
// side effects.
func New(rec Recorder) *Classifier {
	return &Classifier{rec: rec}
}

// Classify inspects output (trailing window only) for the given credential
// profile. Rate limit takes precedence; auth failure is evaluated only when
// no rate limit matched.
func (c *Classifier) Classify(output, profile string) Classification {
	window := tailWindow(output, TrailingWindow)

	if det := DetectRateLimit(window); det.RateLimited {
		det.Profile = profile
		det.DetectedAt = time.Now()
		if c.rec != nil {
			c.rec.RecordRateLimit(profile, det)
			if alt, ok := c.rec.BestAlternate(profile); ok {
				det.SuggestedProfile = alt
			}
		}
		debug.LogKV("classify", "rate limit detected",
			"profile", profile, "limit_type", det.LimitType, "reset", det.ResetTime)
		return Classification{RateLimit: &det}
	}

	if det := DetectAuthFailure(window); det.AuthFailed {
		det.Profile = profile
		debug.LogKV("classify", "auth failure detected",
			"profile", profile, "failure_type", det.FailureType)
		return Classification{AuthFailure: &det}
	}

	return Classification{}
}

// resetPattern matches the primary "limit reached, resets at <time>" form
// and captures the reset text.
var resetPattern = regexp.MustCompile(`(?i)limit reached.*?resets?\s+(?:at\s+)?(.{3,80})`)

// rateLimitIndicators are looser secondary patterns for cases without an
// explicit reset time.
var rateLimitIndicators = []*regexp.Regexp{
	regexp.MustCompile(`(?i)too many requests`),
	regexp.MustCompile(`(?i)rate.?limit`),
	regexp.MustCompile(`(?i)\b429\b`),
	regexp.MustCompile(`(?i)quota exceeded`),
	regexp.MustCompile(`(?i)overloaded_error`),
	regexp.MustCompile(`(?i)usage limit`),
}

var monthNames = []string{
	"jan", "feb", "mar", "apr", "may", "jun",
	"jul", "aug", "sep", "oct", "nov", "dec",
}

// DetectRateLimit matches output against the rate-limit patterns. Pure.
func DetectRateLimit(output string) RateLimitDetection {
	if m := resetPattern.FindStringSubmatch(output); len(m) > 1 {
		reset := strings.TrimSpace(strings.TrimRight(m[1], " .\r\n"))
		return RateLimitDetection{
			RateLimited: true,
			LimitType:   limitScope(reset),
			ResetTime:   reset,
			Indicator:   "limit reached",
		}
	}
	for _, re := range rateLimitIndicators {
		if loc := re.FindString(output); loc != "" {
			return RateLimitDetection{
				RateLimited: true,
				LimitType:   LimitSession,
				Indicator:   strings.ToLower(loc),
			}
		}
	}
	return RateLimitDetection{}
}

// limitScope classifies a reset-time text as weekly (textual date or the
// word "week" present) versus session-scoped (bare time only).
func limitScope(reset string) string {
	lower := strings.ToLower(reset)
	if strings.Contains(lower, "week") {
		return LimitWeekly
	}
	for _, m := range monthNames {
		if strings.Contains(lower, m) {
			return LimitWeekly
		}
	}
	return LimitSession
}

// authBuckets are evaluated in fixed priority order: missing wins over
// expired, expired over invalid, invalid over unknown.
var authBuckets = []struct {
	failureType string
	patterns    []*regexp.Regexp
}{
	{AuthMissing, []*regexp.Regexp{
		regexp.MustCompile(`(?i)no api key`),
		regexp.MustCompile(`(?i)api key not found`),
		regexp.MustCompile(`(?i)missing api key`),
		regexp.MustCompile(`(?i)not logged in`),
		regexp.MustCompile(`(?i)(?:credentials|credential) not found`),
		regexp.MustCompile(`(?i)no credentials`),
	}},
	{AuthExpired, []*regexp.Regexp{
		regexp.MustCompile(`(?i)token has expired`),
		regexp.MustCompile(`(?i)\bexpired\b`),
		regexp.MustCompile(`(?i)re-?authenticate`),
	}},
	{AuthInvalid, []*regexp.Regexp{
		regexp.MustCompile(`(?i)invalid api key`),
		regexp.MustCompile(`(?i)invalid_api_key`),
		regexp.MustCompile(`(?i)invalid token`),
		regexp.MustCompile(`(?i)\b401\b`),
		regexp.MustCompile(`(?i)unauthorized`),
		regexp.MustCompile(`(?i)authentication_error`),
		regexp.MustCompile(`(?i)\bforbidden\b`),
	}},
	{AuthUnknown, []*regexp.Regexp{
		regexp.MustCompile(`(?i)authentication failed`),
		regexp.MustCompile(`(?i)auth error`),
	}},
}

// DetectAuthFailure matches output against the auth-failure buckets. Pure.
func DetectAuthFailure(output string) AuthFailureDetection {
	for _, bucket := range authBuckets {
		for _, re := range bucket.patterns {
			if m := re.FindString(output); m != "" {
				return AuthFailureDetection{
					AuthFailed:  true,
					FailureType: bucket.failureType,
					Indicator:   strings.ToLower(m),
				}
			}
		}
	}
	return AuthFailureDetection{}
}

// tailWindow returns the last max bytes of s, advancing past any split
// UTF-8 rune at the cut point.
func tailWindow(s string, max int) string {
	if len(s) <= max {
		return s
	}
	start := len(s) - max
	for start < len(s) && s[start]&0xC0 == 0x80 {
		start++
	}
	return s[start:]
}
