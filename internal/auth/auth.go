package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"treasury-agent/internal/spend"
	"treasury-agent/internal/state"
)

// Authorization is the user-granted permission envelope. The signature
// is opaque here; verification belongs to the collaborator that wrote
// the record.
type Authorization struct {
	Signature     string   `json:"signature"`
	Expiry        int64    `json:"expiry"` // unix ms
	MaxDailyUSD   float64  `json:"maxDailyUsd"`
	AllowedTokens []string `json:"allowedTokens,omitempty"`
	CreatedAt     int64    `json:"createdAt"`
}

// TokenAllowed reports membership in the allow-list. An empty list
// means unrestricted.
func (a *Authorization) TokenAllowed(token string) bool {
	if len(a.AllowedTokens) == 0 {
		return true
	}
	for _, allowed := range a.AllowedTokens {
		if strings.EqualFold(allowed, token) {
			return true
		}
	}
	return false
}

type Validation struct {
	Valid         bool
	Err           string
	Authorization *Authorization
}

type Validator struct {
	kv    state.Store
	spend *spend.Tracker
	now   func() time.Time
}

func NewValidator(kv state.Store, tracker *spend.Tracker) *Validator {
	return &Validator{kv: kv, spend: tracker, now: time.Now}
}

// SetClock overrides the time source, for expiry tests.
func (v *Validator) SetClock(now func() time.Time) {
	v.now = now
}

func (v *Validator) Load(ctx context.Context, user string) (*Authorization, bool, error) {
	raw, ok, err := v.kv.Get(ctx, state.AuthKey(user))
	if err != nil || !ok {
		return nil, false, err
	}
	var a Authorization
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, false, err
	}
	return &a, true, nil
}

// Validate runs the authorization checks in a fixed order so callers
// get deterministic error messages: existence, expiry, daily limit,
// then the token allow-list. The returned error is for store I/O only;
// policy outcomes are carried in the Validation.
func (v *Validator) Validate(ctx context.Context, user, tokenIn, tokenOut string, amountUSD float64) (Validation, error) {
	authz, ok, err := v.Load(ctx, user)
	if err != nil {
		return Validation{}, err
	}
	if !ok {
		return Validation{Err: "No authorization found for this address"}, nil
	}
	if authz.Expiry <= v.now().UnixMilli() {
		return Validation{Err: "Authorization has expired"}, nil
	}
	if authz.MaxDailyUSD > 0 {
		spent, err := v.spend.DailySpent(ctx, user)
		if err != nil {
			return Validation{}, err
		}
		if spent+amountUSD > authz.MaxDailyUSD {
			return Validation{Err: fmt.Sprintf(
				"Daily limit exceeded. Spent: $%.2f, Limit: $%.2f, Requested: $%.2f",
				spent, authz.MaxDailyUSD, amountUSD)}, nil
		}
	}
	for _, token := range []string{tokenIn, tokenOut} {
		if !authz.TokenAllowed(token) {
			return Validation{Err: fmt.Sprintf("Token %s is not in the allowed tokens list", token)}, nil
		}
	}
	return Validation{Valid: true, Authorization: authz}, nil
}

// HasValid is the fast path: existence and expiry only, for cheap
// gating before costlier work.
func (v *Validator) HasValid(ctx context.Context, user string) (bool, error) {
	authz, ok, err := v.Load(ctx, user)
	if err != nil || !ok {
		return false, err
	}
	return authz.Expiry > v.now().UnixMilli(), nil
}
