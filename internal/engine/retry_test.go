package engine

import (
	"testing"
	"time"
)

func TestRetryPolicyDelayDoublesToCap(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    400 * time.Millisecond,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 400 * time.Millisecond},
		{0, 100 * time.Millisecond},
	}

	for _, tc := range cases {
		if got := policy.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestRetryPolicyJitterStaysInWindow(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		Jitter:      50 * time.Millisecond,
	}

	for i := 0; i < 200; i++ {
		delay := policy.Delay(1)
		if delay < 50*time.Millisecond || delay > 150*time.Millisecond {
			t.Fatalf("Delay(1) = %v, want within [50ms, 150ms]", delay)
		}
	}
}

func TestRetryPolicyJitterNeverNegative(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		Jitter:      10 * time.Millisecond,
	}

	for i := 0; i < 200; i++ {
		if delay := policy.Delay(1); delay < 0 {
			t.Fatalf("Delay(1) = %v, want non-negative", delay)
		}
	}
}

func TestRetryPolicyNormalizedDefaults(t *testing.T) {
	p := RetryPolicy{}.normalized()
	if p.MaxAttempts != 1 {
		t.Errorf("MaxAttempts = %d, want 1", p.MaxAttempts)
	}

	p = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}.normalized()
	if p.MaxDelay != time.Second {
		t.Errorf("MaxDelay = %v, want BaseDelay", p.MaxDelay)
	}
}
