package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/muniwatch/internal/core/errs"
)

var fastRetry = RetryConfig{
	MaxRetries:      3,
	BaseDelay:       time.Millisecond,
	MaxDelay:        5 * time.Millisecond,
	ExponentialBase: 2.0,
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err    error
		expect ErrorAction
	}{
		{errs.ClassifyStatus(429, "1"), ActionRetry},
		{errs.ClassifyStatus(503, "1"), ActionRetry},
		{errs.ClassifyStatus(404, "1"), ActionFatal},
		{errs.ClassifyStatus(401, "1"), ActionFatal},
		{errs.New(errs.KindDataFormat, "bad json"), ActionFatal},
		{errors.New("connection reset by peer"), ActionRetry},
		{errors.New("i/o timeout"), ActionRetry},
		{errors.New("unexpected"), ActionFatal},
	}

	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.expect {
			t.Errorf("ClassifyError(%q) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastRetry, func(ctx context.Context) error {
		attempts++
		return errs.ClassifyStatus(404, "99999")
	})

	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if !errs.Is(err, errs.KindInvalidStop) {
		t.Errorf("expected invalid stop error, got %v", err)
	}
}

func TestDo_RetryableExhausts(t *testing.T) {
	attempts := 0
	retries := 0
	cfg := fastRetry
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) { retries++ }

	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		return errs.ClassifyStatus(503, "1")
	})

	if attempts != 4 {
		t.Errorf("attempts = %d, want 4", attempts)
	}
	if retries != 3 {
		t.Errorf("OnRetry calls = %d, want 3", retries)
	}
	if !errs.Is(err, errs.KindServiceUnavailable) {
		t.Errorf("expected service unavailable, got %v", err)
	}
}

func TestDo_RecoversAfterTransientFailure(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastRetry, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDo_ReclassifiesUntypedError(t *testing.T) {
	cfg := fastRetry
	cfg.MaxRetries = 1
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		return errors.New("read: connection reset")
	})

	if !errs.Is(err, errs.KindConnection) {
		t.Errorf("expected connection error, got %v", err)
	}
}

func TestDo_ContextCancelDuringDelay(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour, ExponentialBase: 2}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Do(ctx, cfg, func(ctx context.Context) error {
		return errs.ClassifyStatus(503, "1")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestCalculateBackoffBounds(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: 60 * time.Second, ExponentialBase: 2}

	for attempt := 0; attempt < 10; attempt++ {
		full := time.Duration(float64(time.Second) * float64(int(1)<<attempt))
		if full > cfg.MaxDelay {
			full = cfg.MaxDelay
		}
		for i := 0; i < 50; i++ {
			d := calculateBackoff(attempt, cfg)
			if d < full/2 || d > full {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, full/2, full)
			}
		}
	}
}
