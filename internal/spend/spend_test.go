package spend

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"treasury-agent/internal/state/memory"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestTrackAccumulates(t *testing.T) {
	kv := memory.New()
	tracker := NewTracker(kv, zap.NewNop())
	ctx := context.Background()

	if err := tracker.Track(ctx, "0xUser", 100.5); err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := tracker.Track(ctx, "0xUser", 49.5); err != nil {
		t.Fatalf("track: %v", err)
	}
	spent, err := tracker.DailySpent(ctx, "0xUser")
	if err != nil {
		t.Fatalf("daily spent: %v", err)
	}
	if spent != 150 {
		t.Fatalf("expected 150 spent, got %v", spent)
	}
}

func TestSpendingKeyedByUTCDay(t *testing.T) {
	kv := memory.New()
	tracker := NewTracker(kv, zap.NewNop())
	ctx := context.Background()

	day1 := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	tracker.SetClock(fixedClock(day1))
	if err := tracker.Track(ctx, "0xuser", 500); err != nil {
		t.Fatalf("track: %v", err)
	}

	tracker.SetClock(fixedClock(day1.Add(2 * time.Hour)))
	spent, err := tracker.DailySpent(ctx, "0xuser")
	if err != nil {
		t.Fatalf("daily spent: %v", err)
	}
	if spent != 0 {
		t.Fatalf("expected fresh counter on the next UTC day, got %v", spent)
	}
}

func TestDailySpentUnparseableValue(t *testing.T) {
	kv := memory.New()
	tracker := NewTracker(kv, zap.NewNop())
	ctx := context.Background()

	now := time.Now()
	if err := kv.Set(ctx, "spending:0xuser:"+DayString(now), "not-a-number"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	spent, err := tracker.DailySpent(ctx, "0xuser")
	if err != nil {
		t.Fatalf("daily spent: %v", err)
	}
	if spent != 0 {
		t.Fatalf("expected unparseable value treated as zero, got %v", spent)
	}
}

func TestCanSpend(t *testing.T) {
	kv := memory.New()
	tracker := NewTracker(kv, zap.NewNop())
	ctx := context.Background()

	if err := tracker.Track(ctx, "0xuser", 900); err != nil {
		t.Fatalf("track: %v", err)
	}

	decision, err := tracker.CanSpend(ctx, "0xuser", 100, 1000)
	if err != nil {
		t.Fatalf("can spend: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected spend at exactly the cap to be allowed")
	}
	if decision.Remaining != 100 {
		t.Fatalf("expected 100 remaining, got %v", decision.Remaining)
	}

	decision, err = tracker.CanSpend(ctx, "0xuser", 101, 1000)
	if err != nil {
		t.Fatalf("can spend: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected spend over the cap to be denied")
	}

	decision, err = tracker.CanSpend(ctx, "0xuser", 1e9, 0)
	if err != nil {
		t.Fatalf("can spend: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected zero cap to mean unlimited")
	}
}
