package spend

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"treasury-agent/internal/state"
)

// Daily counters live under spending:{user}:{utc-date} and expire via
// key TTL rather than explicit zeroing. The write path is
// read-modify-write; concurrent trades for one user are serialized by
// the evaluation cooldown, not here.
const keyTTL = 24 * time.Hour

type Decision struct {
	Allowed      bool
	CurrentSpent float64
	Remaining    float64
}

type Tracker struct {
	kv  state.Store
	log *zap.Logger
	now func() time.Time
}

func NewTracker(kv state.Store, log *zap.Logger) *Tracker {
	return &Tracker{kv: kv, log: log, now: time.Now}
}

// SetClock overrides the time source, for day-boundary tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

func DayString(at time.Time) string {
	return at.UTC().Format("2006-01-02")
}

// DailySpent returns the USD volume already executed for the user
// during the current UTC day.
func (t *Tracker) DailySpent(ctx context.Context, user string) (float64, error) {
	key := state.SpendingKey(user, DayString(t.now()))
	raw, ok, err := t.kv.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	spent, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		t.log.Warn("unparseable spending record, treating as zero",
			zap.String("key", key), zap.String("value", raw))
		return 0, nil
	}
	return spent, nil
}

// Track adds executed USD volume to the user's daily counter.
func (t *Tracker) Track(ctx context.Context, user string, amountUSD float64) error {
	spent, err := t.DailySpent(ctx, user)
	if err != nil {
		return err
	}
	key := state.SpendingKey(user, DayString(t.now()))
	value := strconv.FormatFloat(spent+amountUSD, 'f', 2, 64)
	return t.kv.SetTTL(ctx, key, value, keyTTL)
}

// CanSpend reports whether amountUSD fits under the daily cap.
// A zero cap means unlimited.
func (t *Tracker) CanSpend(ctx context.Context, user string, amountUSD, capUSD float64) (Decision, error) {
	spent, err := t.DailySpent(ctx, user)
	if err != nil {
		return Decision{}, err
	}
	if capUSD <= 0 {
		return Decision{Allowed: true, CurrentSpent: spent, Remaining: 0}, nil
	}
	remaining := capUSD - spent
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:      spent+amountUSD <= capUSD,
		CurrentSpent: spent,
		Remaining:    remaining,
	}, nil
}
