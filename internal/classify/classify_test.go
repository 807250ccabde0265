package classify

import (
	"strings"
	"testing"
)

func TestDetectRateLimitWithResetTime(t *testing.T) {
	det := DetectRateLimit("Limit reached · resets Dec 17 at 6am (Europe/Oslo)")
	if !det.RateLimited {
		t.Fatal("RateLimited = false, want true")
	}
	if det.LimitType != LimitWeekly {
		t.Errorf("LimitType = %q, want weekly (textual date present)", det.LimitType)
	}
	if det.ResetTime != "Dec 17 at 6am (Europe/Oslo)" {
		t.Errorf("ResetTime = %q, want 'Dec 17 at 6am (Europe/Oslo)'", det.ResetTime)
	}
}

func TestDetectRateLimitSessionScope(t *testing.T) {
	det := DetectRateLimit("Limit reached · resets at 11pm")
	if !det.RateLimited {
		t.Fatal("RateLimited = false, want true")
	}
	if det.LimitType != LimitSession {
		t.Errorf("LimitType = %q, want session (bare time only)", det.LimitType)
	}
}

func TestDetectRateLimitWeeklyWord(t *testing.T) {
	det := DetectRateLimit("limit reached, resets next week")
	if det.LimitType != LimitWeekly {
		t.Errorf("LimitType = %q, want weekly", det.LimitType)
	}
}

func TestDetectRateLimitSecondaryIndicators(t *testing.T) {
	for _, output := range []string{
		"error: Too Many Requests",
		"HTTP 429 returned by API",
		"provider quota exceeded, slow down",
		"anthropic overloaded_error",
		"you have hit your usage limit",
		"rate-limit encountered",
	} {
		det := DetectRateLimit(output)
		if !det.RateLimited {
			t.Errorf("DetectRateLimit(%q).RateLimited = false, want true", output)
		}
		if det.ResetTime != "" {
			t.Errorf("DetectRateLimit(%q).ResetTime = %q, want empty", output, det.ResetTime)
		}
	}
}

func TestDetectRateLimitNoMatch(t *testing.T) {
	if det := DetectRateLimit("everything is fine, tests pass"); det.RateLimited {
		t.Fatalf("false positive: %+v", det)
	}
}

func TestDetectAuthFailureSubtypes(t *testing.T) {
	tests := []struct {
		output string
		want   string
	}{
		{"Error: No API key configured", AuthMissing},
		{"credentials not found in keychain", AuthMissing},
		{"you are not logged in", AuthMissing},
		{"OAuth token has expired, please re-authenticate", AuthExpired},
		{"session expired yesterday", AuthExpired},
		{"401 Unauthorized", AuthInvalid},
		{"invalid_api_key provided", AuthInvalid},
		{"server says: authentication failed", AuthUnknown},
	}
	for _, tt := range tests {
		det := DetectAuthFailure(tt.output)
		if !det.AuthFailed {
			t.Errorf("DetectAuthFailure(%q).AuthFailed = false", tt.output)
			continue
		}
		if det.FailureType != tt.want {
			t.Errorf("DetectAuthFailure(%q).FailureType = %q, want %q", tt.output, det.FailureType, tt.want)
		}
	}
}

func TestAuthBucketPriorityOrder(t *testing.T) {
	// Contains both "missing" and "invalid" language; missing wins.
	det := DetectAuthFailure("401 unauthorized: no api key was provided")
	if det.FailureType != AuthMissing {
		t.Errorf("FailureType = %q, want missing (highest priority bucket)", det.FailureType)
	}
}

func TestRateLimitPrecedesAuthClassification(t *testing.T) {
	c := New(nil)
	// Matches both a rate-limit indicator and an auth pattern.
	out := "429 too many requests: unauthorized until your quota resets"
	got := c.Classify(out, "default")
	if got.RateLimit == nil {
		t.Fatal("RateLimit = nil, want detection")
	}
	if got.AuthFailure != nil {
		t.Fatal("AuthFailure set alongside RateLimit; outcomes must be mutually exclusive")
	}
}

func TestClassifyAuthOnlyWhenNoRateLimit(t *testing.T) {
	c := New(nil)
	got := c.Classify("401 Unauthorized", "default")
	if got.RateLimit != nil {
		t.Fatalf("RateLimit = %+v, want nil", got.RateLimit)
	}
	if got.AuthFailure == nil || got.AuthFailure.FailureType != AuthInvalid {
		t.Fatalf("AuthFailure = %+v, want invalid", got.AuthFailure)
	}
}

func TestClassifyUnclassified(t *testing.T) {
	c := New(nil)
	got := c.Classify("panic: index out of range", "default")
	if got.RateLimit != nil || got.AuthFailure != nil {
		t.Fatalf("Classify() = %+v, want empty classification", got)
	}
}

type fakeRecorder struct {
	recorded []string
	alt      string
}

func (f *fakeRecorder) RecordRateLimit(profile string, det RateLimitDetection) {
	f.recorded = append(f.recorded, profile)
}

func (f *fakeRecorder) BestAlternate(exclude string) (string, bool) {
	if f.alt == "" || f.alt == exclude {
		return "", false
	}
	return f.alt, true
}

func TestClassifyRecordsAgainstProfile(t *testing.T) {
	rec := &fakeRecorder{alt: "backup"}
	c := New(rec)

	got := c.Classify("rate limit hit", "main")
	if len(rec.recorded) != 1 || rec.recorded[0] != "main" {
		t.Fatalf("recorded = %v, want [main]", rec.recorded)
	}
	if got.RateLimit.SuggestedProfile != "backup" {
		t.Errorf("SuggestedProfile = %q, want backup", got.RateLimit.SuggestedProfile)
	}
	if got.RateLimit.Profile != "main" {
		t.Errorf("Profile = %q, want main", got.RateLimit.Profile)
	}
}

func TestClassifyOnlyScansTrailingWindow(t *testing.T) {
	c := New(nil)
	old := "limit reached, resets at 5pm\n"
	padding := strings.Repeat("x", TrailingWindow)
	got := c.Classify(old+padding, "default")
	if got.RateLimit != nil {
		t.Fatal("matched rate-limit text outside the trailing window")
	}
}

func TestTailWindowRespectsUTF8(t *testing.T) {
	s := strings.Repeat("é", TrailingWindow) // 2-byte runes
	got := tailWindow(s, TrailingWindow)
	if len(got) > TrailingWindow {
		t.Fatalf("window len = %d, want <= %d", len(got), TrailingWindow)
	}
	for _, r := range got {
		if r != 'é' {
			t.Fatalf("window contains mangled rune %q", r)
		}
	}
}
