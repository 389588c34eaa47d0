package job

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestParseErrorCode(t *testing.T) {
	tests := []struct {
		in   string
		want ErrorCode
	}{
		{"CAPTCHA", ErrorCaptcha},
		{"rate_limit", ErrorRateLimit},
		{" BLOCKED_BY_CLOUDFLARE ", ErrorBlockedByCloudflare},
		{"SOMETHING_NEW", ErrorUnknown},
		{"", ErrorUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseErrorCode(tt.in), tt.in)
	}
}

func TestErrorCode_Policy(t *testing.T) {
	for _, code := range ErrorCodes() {
		assert.True(t, code.Policy().Retryable, code)
	}
	assert.Equal(t, EffectSolveCaptcha, ErrorCaptcha.Policy().Effect)
	assert.Equal(t, EffectRotateProxy, ErrorRateLimit.Policy().Effect)
	assert.Equal(t, EffectRotateProxy, ErrorBlockedByCloudflare.Policy().Effect)
	assert.Equal(t, EffectRouteAccount, ErrorLoginRequired.Policy().Effect)
	assert.Equal(t, EffectRouteAccount, ErrorEmailVerificationRequired.Policy().Effect)
	assert.Equal(t, EffectLowerPriority, ErrorElementNotFound.Policy().Effect)
	assert.Equal(t, EffectNone, ErrorTimeout.Policy().Effect)
	assert.Equal(t, ErrorUnknown.Policy(), ErrorCode("bogus").Policy())
}

func TestTuning_RetryDelay(t *testing.T) {
	tuning := DefaultTuning()
	assert.Equal(t, time.Minute, tuning.RetryDelay(ErrorCaptcha))
	assert.Zero(t, tuning.RetryDelay(ErrorTimeout))

	tuning.RetryDelays = map[ErrorCode]time.Duration{ErrorCaptcha: 0}
	assert.Zero(t, tuning.RetryDelay(ErrorCaptcha))
	assert.Equal(t, 5*time.Minute, tuning.RetryDelay(ErrorRateLimit))
}

func TestTruncateMessage(t *testing.T) {
	assert.Equal(t, "abc", TruncateMessage("abc", 5))
	assert.Equal(t, "ab", TruncateMessage("abc", 2))
	assert.Equal(t, "abc", TruncateMessage("abc", 0))

	long := strings.Repeat("あ", 6000)
	got := TruncateMessage(long, DefaultMessageLimit)
	assert.Equal(t, DefaultMessageLimit, utf8.RuneCountInString(got))
	assert.True(t, utf8.ValidString(got))
}

func TestJob_Claimable(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)
	fresh := now.Add(-time.Minute)
	old := now.Add(-31 * time.Minute)

	assert.True(t, (&Job{Status: StatusQueued}).Claimable(now, DefaultLeaseTTL))
	assert.False(t, (&Job{Status: StatusQueued, NextAttemptAt: &later}).Claimable(now, DefaultLeaseTTL))
	assert.False(t, (&Job{Status: StatusLeased, Lease: Lease{LeasedAt: &fresh}}).Claimable(now, DefaultLeaseTTL))
	assert.True(t, (&Job{Status: StatusRunning, Lease: Lease{LeasedAt: &old}}).Claimable(now, DefaultLeaseTTL))
	assert.False(t, (&Job{Status: StatusSuccess}).Claimable(now, DefaultLeaseTTL))
}

func TestBacklinkStatus_CanAdvance(t *testing.T) {
	assert.True(t, BacklinkPending.CanAdvance(BacklinkSubmitted))
	assert.True(t, BacklinkSubmitted.CanAdvance(BacklinkVerified))
	assert.True(t, BacklinkSubmitted.CanAdvance(BacklinkError))
	assert.False(t, BacklinkPending.CanAdvance(BacklinkVerified))
	assert.False(t, BacklinkVerified.CanAdvance(BacklinkError))
}
