package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_RetriesUntilSuccess(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	err := Do(ctx, 5*time.Second, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDo_BudgetExhausted(t *testing.T) {
	ctx := context.Background()
	wantErr := errors.New("still down")
	err := Do(ctx, 200*time.Millisecond, func() error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("Do = %v, want last error", err)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	wantErr := errors.New("bad request")
	err := Do(ctx, 5*time.Second, func() error {
		attempts++
		return Permanent(wantErr)
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Do = %v, want permanent error", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestDo_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, time.Minute, func() error { return errors.New("transient") })
	if err == nil {
		t.Fatal("cancelled context should stop retrying with an error")
	}
}
