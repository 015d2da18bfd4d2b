package drift

import (
	"context"
	"math"
	"math/big"

	"go.uber.org/zap"

	"treasury-agent/internal/policy"
)

// BalanceReader reads a token balance in native units for an owner.
type BalanceReader interface {
	Balance(ctx context.Context, token, owner string) (*big.Int, error)
}

type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// Item is one token whose allocation drifted past the policy threshold.
type Item struct {
	Token          string
	Symbol         string
	Decimals       int
	CurrentPercent float64
	TargetPercent  float64
	Drift          float64
	Action         Action
	// Amount is the native-unit trade size needed to reach target.
	Amount *big.Int
}

type Allocation struct {
	Token          string
	Symbol         string
	Balance        *big.Int
	CurrentPercent float64
	TargetPercent  float64
}

type Result struct {
	HasDrift        bool
	Drifts          []Item
	Allocations     []Allocation
	TotalNormalized *big.Int
}

type Detector struct {
	balances BalanceReader
	log      *zap.Logger
}

func NewDetector(balances BalanceReader, log *zap.Logger) *Detector {
	return &Detector{balances: balances, log: log}
}

// Check computes per-token drift for the policy's rebalance scope.
// Balances are normalized to a common 18-decimal scale; percentages
// use integer basis-point arithmetic against the normalized total.
// An unreadable balance degrades to zero rather than failing the check.
func (d *Detector) Check(ctx context.Context, user string, pol *policy.Policy) (Result, error) {
	allocs, threshold, _, ok := pol.RebalanceScope()
	if !ok {
		return Result{TotalNormalized: big.NewInt(0)}, nil
	}
	return d.CheckAllocations(ctx, user, allocs, threshold)
}

func (d *Detector) CheckAllocations(ctx context.Context, user string, allocs []policy.TokenAllocation, threshold float64) (Result, error) {
	normalized := make([]*big.Int, len(allocs))
	balances := make([]*big.Int, len(allocs))
	total := new(big.Int)
	for i, alloc := range allocs {
		bal, err := d.balances.Balance(ctx, alloc.Address, user)
		if err != nil {
			d.log.Warn("balance read failed, treating as zero",
				zap.String("user", user),
				zap.String("token", alloc.Address),
				zap.Error(err),
			)
			bal = big.NewInt(0)
		}
		balances[i] = bal
		normalized[i] = normalize(bal, alloc.Decimals)
		total.Add(total, normalized[i])
	}

	if total.Sign() == 0 {
		return Result{TotalNormalized: big.NewInt(0)}, nil
	}

	result := Result{TotalNormalized: total}
	for i, alloc := range allocs {
		bps := new(big.Int).Mul(normalized[i], big.NewInt(10000))
		bps.Quo(bps, total)
		current := float64(bps.Int64()) / 100

		result.Allocations = append(result.Allocations, Allocation{
			Token:          alloc.Address,
			Symbol:         alloc.Symbol,
			Balance:        balances[i],
			CurrentPercent: current,
			TargetPercent:  alloc.TargetPercent,
		})

		delta := math.Abs(current - alloc.TargetPercent)
		if delta <= threshold {
			continue
		}
		action := ActionBuy
		if current > alloc.TargetPercent {
			action = ActionSell
		}
		result.Drifts = append(result.Drifts, Item{
			Token:          alloc.Address,
			Symbol:         alloc.Symbol,
			Decimals:       alloc.Decimals,
			CurrentPercent: current,
			TargetPercent:  alloc.TargetPercent,
			Drift:          delta,
			Action:         action,
			Amount:         tradeAmount(normalized[i], total, alloc.TargetPercent, alloc.Decimals),
		})
	}
	result.HasDrift = len(result.Drifts) > 0
	return result, nil
}

// normalize scales a native-unit balance to 18 decimals.
func normalize(balance *big.Int, decimals int) *big.Int {
	if decimals == 18 {
		return new(big.Int).Set(balance)
	}
	if decimals < 18 {
		scale := pow10(18 - decimals)
		return new(big.Int).Mul(balance, scale)
	}
	scale := pow10(decimals - 18)
	return new(big.Int).Quo(balance, scale)
}

// denormalize converts an 18-decimal amount back to native units.
func denormalize(amount *big.Int, decimals int) *big.Int {
	if decimals == 18 {
		return new(big.Int).Set(amount)
	}
	if decimals < 18 {
		scale := pow10(18 - decimals)
		return new(big.Int).Quo(amount, scale)
	}
	scale := pow10(decimals - 18)
	return new(big.Int).Mul(amount, scale)
}

func tradeAmount(normalized, total *big.Int, targetPercent float64, decimals int) *big.Int {
	targetBps := big.NewInt(int64(math.Round(targetPercent * 100)))
	targetNorm := new(big.Int).Mul(total, targetBps)
	targetNorm.Quo(targetNorm, big.NewInt(10000))
	diff := new(big.Int).Sub(normalized, targetNorm)
	diff.Abs(diff)
	return denormalize(diff, decimals)
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
