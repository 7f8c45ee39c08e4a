package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSuccess(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3

	calls := 0
	out := Do(context.Background(), config, func(attempt int) error {
		calls++
		if attempt != calls {
			t.Errorf("attempt = %d on call %d", attempt, calls)
		}
		return nil
	})

	if out.Err != nil {
		t.Errorf("expected no error, got %v", out.Err)
	}
	if out.Attempts != 1 || calls != 1 {
		t.Errorf("attempts = %d, calls = %d, want 1", out.Attempts, calls)
	}
}

func TestDoRetryThenSuccess(t *testing.T) {
	config := Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Factor:       2.0,
	}

	calls := 0
	out := Do(context.Background(), config, func(attempt int) error {
		calls++
		if calls < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	if out.Err != nil {
		t.Errorf("expected no error, got %v", out.Err)
	}
	if out.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", out.Attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	config := Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Factor:       2.0,
	}

	wantErr := errors.New("always fails")
	out := Do(context.Background(), config, func(attempt int) error {
		return wantErr
	})

	if !errors.Is(out.Err, wantErr) {
		t.Errorf("err = %v, want %v", out.Err, wantErr)
	}
	if out.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", out.Attempts)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	config := Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
	}

	calls := 0
	declined := errors.New("confirmation declined")
	out := Do(context.Background(), config, func(attempt int) error {
		calls++
		return Permanent(declined)
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1 for permanent error", calls)
	}
	if !errors.Is(out.Err, declined) {
		t.Errorf("err = %v, want wrapped %v", out.Err, declined)
	}
}

func TestDoHonorsContext(t *testing.T) {
	config := Config{
		MaxAttempts:  10,
		InitialDelay: time.Hour,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	out := Do(ctx, config, func(attempt int) error {
		return errors.New("fails once then sleeps")
	})

	if !errors.Is(out.Err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", out.Err)
	}
	if out.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", out.Attempts)
	}
}

func TestBackoffDoubles(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		got := Backoff(tt.attempt, time.Second, 30*time.Second, 2.0)
		if got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestIsPermanent(t *testing.T) {
	if IsPermanent(errors.New("plain")) {
		t.Error("plain error reported permanent")
	}
	if !IsPermanent(Permanent(errors.New("no retry"))) {
		t.Error("wrapped error not reported permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
