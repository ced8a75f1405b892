package poll

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUntilSucceedsOnLaterAttempt(t *testing.T) {
	t.Parallel()

	calls := 0
	ok, err := Until(context.Background(), 5, time.Millisecond, func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected condition to be met")
	}
	if calls != 3 {
		t.Fatalf("expected 3 evaluations, got %d", calls)
	}
}

func TestUntilExhaustsBudget(t *testing.T) {
	t.Parallel()

	calls := 0
	ok, err := Until(context.Background(), 4, time.Millisecond, func(context.Context) (bool, error) {
		calls++
		return false, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected exhausted budget to report false")
	}
	if calls != 4 {
		t.Fatalf("expected exactly 4 evaluations, got %d", calls)
	}
}

func TestUntilAbortsOnConditionError(t *testing.T) {
	t.Parallel()

	boom := errors.New("mirror unreachable")
	calls := 0
	ok, err := Until(context.Background(), 10, time.Millisecond, func(context.Context) (bool, error) {
		calls++
		return false, boom
	})
	if ok {
		t.Fatal("expected failure")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped condition error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single evaluation, got %d", calls)
	}
}

func TestUntilStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := Until(ctx, 100, 50*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	if ok {
		t.Fatal("expected failure after cancellation")
	}
	if err == nil {
		t.Fatal("expected a context error")
	}
}

func TestUntilWindowDerivesAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	start := time.Now()
	ok, err := UntilWindow(context.Background(), 10*time.Millisecond, 2*time.Millisecond, func(context.Context) (bool, error) {
		calls++
		return false, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected exhausted window")
	}
	if calls != 5 {
		t.Fatalf("expected 5 evaluations for a 10ms/2ms window, got %d", calls)
	}
	if elapsed := time.Since(start); elapsed < 8*time.Millisecond {
		t.Fatalf("window finished too fast: %v", elapsed)
	}
}
