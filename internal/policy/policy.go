package policy

import (
	"errors"
	"fmt"
	"math"
)

type Type string

const (
	TypeStablecoinRebalance Type = "stablecoin-rebalance"
	TypeThresholdRebalance  Type = "threshold-rebalance"
	TypePeriodicRebalance   Type = "periodic-rebalance"
	TypeUnified             Type = "unified"
)

const targetSumTolerance = 0.01

type TokenAllocation struct {
	Address       string  `json:"address"`
	Symbol        string  `json:"symbol"`
	TargetPercent float64 `json:"targetPercentage"`
	Decimals      int     `json:"decimals"`
}

// Policy is the user-declared target allocation. Immutable until
// explicitly replaced; no expiry.
type Policy struct {
	Type           Type              `json:"type"`
	Allocations    []TokenAllocation `json:"allocations,omitempty"`
	DriftThreshold float64           `json:"driftThreshold"`
	MaxSlippageBps int               `json:"maxSlippageBps"`
	MaxDailyUSD    float64           `json:"maxDailyUsd,omitempty"`

	Rebalance *RebalancePolicy `json:"rebalance,omitempty"`
	FeeClaim  *FeeClaimPolicy  `json:"feeClaim,omitempty"`
	TokenExit *TokenExitPolicy `json:"tokenExit,omitempty"`

	CreatedAt int64 `json:"createdAt,omitempty"`
}

type RebalancePolicy struct {
	Enabled        bool              `json:"enabled"`
	Allocations    []TokenAllocation `json:"allocations,omitempty"`
	DriftThreshold float64           `json:"driftThreshold"`
	MaxSlippageBps int               `json:"maxSlippageBps"`
}

type FeeClaimPolicy struct {
	Enabled bool `json:"enabled"`
	// MinThresholdWeth is a WETH amount in wei, as a decimal string.
	MinThresholdWeth string   `json:"minThresholdWeth"`
	Tokens           []string `json:"tokens,omitempty"`
}

type TokenExitPolicy struct {
	Enabled bool `json:"enabled"`
	// LoserThresholdPercent is the 24h loss that triggers an exit,
	// expressed as a positive percentage.
	LoserThresholdPercent float64 `json:"loserThresholdPercent"`
}

func (p *Policy) IsUnified() bool {
	return p.Type == TypeUnified
}

// RebalanceScope returns the allocation set and drift threshold the
// drift detector should run against, honoring the unified sub-policy.
func (p *Policy) RebalanceScope() ([]TokenAllocation, float64, int, bool) {
	if p.IsUnified() {
		if p.Rebalance == nil || !p.Rebalance.Enabled {
			return nil, 0, 0, false
		}
		return p.Rebalance.Allocations, p.Rebalance.DriftThreshold, p.Rebalance.MaxSlippageBps, true
	}
	return p.Allocations, p.DriftThreshold, p.MaxSlippageBps, len(p.Allocations) > 0
}

func (p *Policy) Validate() error {
	switch p.Type {
	case TypeStablecoinRebalance, TypeThresholdRebalance, TypePeriodicRebalance:
		return validateAllocations(p.Allocations)
	case TypeUnified:
		if p.Rebalance != nil && p.Rebalance.Enabled {
			return validateAllocations(p.Rebalance.Allocations)
		}
		if (p.Rebalance == nil || !p.Rebalance.Enabled) &&
			(p.FeeClaim == nil || !p.FeeClaim.Enabled) &&
			(p.TokenExit == nil || !p.TokenExit.Enabled) {
			return errors.New("unified policy has no enabled sub-policy")
		}
		return nil
	default:
		return fmt.Errorf("unknown policy type %q", p.Type)
	}
}

func validateAllocations(allocs []TokenAllocation) error {
	if len(allocs) == 0 {
		return errors.New("policy has no token allocations")
	}
	var sum float64
	for _, a := range allocs {
		if a.Address == "" {
			return errors.New("token allocation is missing an address")
		}
		if a.TargetPercent < 0 {
			return fmt.Errorf("token %s has a negative target percentage", a.Symbol)
		}
		if a.Decimals < 0 || a.Decimals > 36 {
			return fmt.Errorf("token %s has invalid decimals %d", a.Symbol, a.Decimals)
		}
		sum += a.TargetPercent
	}
	if math.Abs(sum-100) > targetSumTolerance {
		return fmt.Errorf("target percentages sum to %.2f, expected 100", sum)
	}
	return nil
}
