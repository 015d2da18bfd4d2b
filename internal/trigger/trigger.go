package trigger

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"treasury-agent/internal/drift"
	"treasury-agent/internal/policy"
	"treasury-agent/internal/prices"
)

type ActionType string

const (
	ActionClaimFees ActionType = "claim-fees"
	ActionRebalance ActionType = "rebalance"
	ActionExitToken ActionType = "exit-token"
	ActionCompound  ActionType = "compound"
)

func (t ActionType) Priority() int {
	switch t {
	case ActionClaimFees:
		return 1
	case ActionRebalance:
		return 2
	case ActionExitToken:
		return 3
	default:
		return 4
	}
}

// Action is a tagged variant: exactly one payload field is set,
// matching Type. Dispatch is an explicit switch on Type so the
// priority ordering stays auditable.
type Action struct {
	Type      ActionType
	Priority  int
	ClaimFees *ClaimFeesParams
	Rebalance *RebalanceParams
	ExitToken *ExitTokenParams
}

type ClaimableToken struct {
	Token  string
	Agent  string
	Amount *big.Int
}

type ClaimFeesParams struct {
	Tokens         []ClaimableToken
	TotalClaimable *big.Int
}

type RebalanceParams struct {
	Drifts []drift.Item
}

type ExitCandidate struct {
	Token     string
	Symbol    string
	Change24h float64
	Reason    string
}

type ExitTokenParams struct {
	Tokens []ExitCandidate
}

type Result struct {
	Triggered bool
	Reason    string
	Actions   []Action
	Timestamp int64
}

// FeeReader reads the claimable fee balance a fee ledger holds for an
// owner in a given token.
type FeeReader interface {
	ClaimableFee(ctx context.Context, token, owner string) (*big.Int, error)
}

// Directory resolves the agent wallets and discovered tokens known for
// a user.
type Directory interface {
	AgentWallets(ctx context.Context, user string) ([]string, error)
	DiscoveredTokens(ctx context.Context, user string) ([]string, error)
}

type Checker struct {
	fees      FeeReader
	directory Directory
	detector  *drift.Detector
	prices    prices.Source
	log       *zap.Logger
	now       func() time.Time
}

func NewChecker(fees FeeReader, directory Directory, detector *drift.Detector, priceSource prices.Source, log *zap.Logger) *Checker {
	return &Checker{
		fees:      fees,
		directory: directory,
		detector:  detector,
		prices:    priceSource,
		log:       log,
		now:       time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (c *Checker) SetClock(now func() time.Time) {
	c.now = now
}

// CheckAll evaluates every enabled sub-policy in a fixed order and
// returns the accumulated actions sorted ascending by priority, ties
// keeping discovery order. Partial failures inside one family degrade
// to "not triggered" for that family.
func (c *Checker) CheckAll(ctx context.Context, user string, pol *policy.Policy) Result {
	var actions []Action
	var reasons []string

	if pol.FeeClaim != nil && pol.FeeClaim.Enabled {
		if action, reason, ok := c.checkFeeClaim(ctx, user, pol.FeeClaim); ok {
			actions = append(actions, action)
			reasons = append(reasons, reason)
		}
	}

	if action, reason, ok := c.checkRebalance(ctx, user, pol); ok {
		actions = append(actions, action)
		reasons = append(reasons, reason)
	}

	if pol.TokenExit != nil && pol.TokenExit.Enabled {
		if action, reason, ok := c.checkTokenExit(ctx, user, pol.TokenExit); ok {
			actions = append(actions, action)
			reasons = append(reasons, reason)
		}
	}

	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Priority < actions[j].Priority
	})

	return Result{
		Triggered: len(actions) > 0,
		Reason:    strings.Join(reasons, "; "),
		Actions:   actions,
		Timestamp: c.now().UnixMilli(),
	}
}

func (c *Checker) checkFeeClaim(ctx context.Context, user string, sub *policy.FeeClaimPolicy) (Action, string, bool) {
	threshold, ok := new(big.Int).SetString(sub.MinThresholdWeth, 10)
	if !ok || threshold.Sign() < 0 {
		c.log.Warn("invalid fee claim threshold", zap.String("user", user), zap.String("threshold", sub.MinThresholdWeth))
		return Action{}, "", false
	}
	agents, err := c.directory.AgentWallets(ctx, user)
	if err != nil {
		c.log.Warn("agent wallet lookup failed", zap.String("user", user), zap.Error(err))
		return Action{}, "", false
	}
	tokens := sub.Tokens
	if len(tokens) == 0 {
		tokens, err = c.directory.DiscoveredTokens(ctx, user)
		if err != nil {
			c.log.Warn("token discovery failed", zap.String("user", user), zap.Error(err))
			return Action{}, "", false
		}
	}

	total := new(big.Int)
	var claimable []ClaimableToken
	for _, agent := range agents {
		for _, token := range tokens {
			amount, err := c.fees.ClaimableFee(ctx, token, agent)
			if err != nil {
				c.log.Warn("claimable fee read failed, treating as zero",
					zap.String("agent", agent), zap.String("token", token), zap.Error(err))
				continue
			}
			if amount.Sign() <= 0 {
				continue
			}
			total.Add(total, amount)
			claimable = append(claimable, ClaimableToken{Token: token, Agent: agent, Amount: amount})
		}
	}
	if total.Cmp(threshold) < 0 {
		return Action{}, "", false
	}
	reason := fmt.Sprintf("claimable fees %s wei reached threshold %s", total.String(), threshold.String())
	return Action{
		Type:      ActionClaimFees,
		Priority:  ActionClaimFees.Priority(),
		ClaimFees: &ClaimFeesParams{Tokens: claimable, TotalClaimable: total},
	}, reason, true
}

func (c *Checker) checkRebalance(ctx context.Context, user string, pol *policy.Policy) (Action, string, bool) {
	if _, _, _, ok := pol.RebalanceScope(); !ok {
		return Action{}, "", false
	}
	result, err := c.detector.Check(ctx, user, pol)
	if err != nil {
		c.log.Warn("drift check failed", zap.String("user", user), zap.Error(err))
		return Action{}, "", false
	}
	if !result.HasDrift {
		return Action{}, "", false
	}
	reason := fmt.Sprintf("drift detected on %d token(s)", len(result.Drifts))
	return Action{
		Type:      ActionRebalance,
		Priority:  ActionRebalance.Priority(),
		Rebalance: &RebalanceParams{Drifts: result.Drifts},
	}, reason, true
}

func (c *Checker) checkTokenExit(ctx context.Context, user string, sub *policy.TokenExitPolicy) (Action, string, bool) {
	tokens, err := c.directory.DiscoveredTokens(ctx, user)
	if err != nil {
		c.log.Warn("token discovery failed", zap.String("user", user), zap.Error(err))
		return Action{}, "", false
	}
	var losers []ExitCandidate
	for _, token := range tokens {
		change, err := c.prices.Change24h(ctx, token)
		if err != nil {
			c.log.Warn("price change read failed, skipping token",
				zap.String("token", token), zap.Error(err))
			continue
		}
		if change < -sub.LoserThresholdPercent {
			losers = append(losers, ExitCandidate{
				Token:     token,
				Symbol:    token,
				Change24h: change,
				Reason:    fmt.Sprintf("down %.2f%% over 24h", -change),
			})
		}
	}
	if len(losers) == 0 {
		return Action{}, "", false
	}
	reason := fmt.Sprintf("%d token(s) below the 24h loss threshold", len(losers))
	return Action{
		Type:      ActionExitToken,
		Priority:  ActionExitToken.Priority(),
		ExitToken: &ExitTokenParams{Tokens: losers},
	}, reason, true
}
