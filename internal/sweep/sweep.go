package sweep

import (
	"context"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"treasury-agent/internal/claims"
	"treasury-agent/internal/config"
	"treasury-agent/internal/drift"
	"treasury-agent/internal/engine"
	"treasury-agent/internal/execution"
	"treasury-agent/internal/metrics"
	"treasury-agent/internal/policy"
	"treasury-agent/internal/trigger"
)

type UserResult struct {
	User       string
	Skipped    bool
	SkipReason string
	HasDrift   bool
	Executed   bool
	Error      string
	Actions    []string
}

type Report struct {
	Claims []claims.ClaimResult
	Users  []UserResult
}

// Sweeper runs the periodic pass: delegated fee-claim processing for
// every treasury, then policy evaluation for every user. Each user and
// each agent is isolated; one failure never aborts the rest.
type Sweeper struct {
	claims     *claims.Processor
	policies   *policy.Store
	engine     *engine.Engine
	checker    *trigger.Checker
	dispatcher engine.TradeDispatcher
	balances   drift.BalanceReader
	exitToken  string
	metrics    *metrics.Metrics
	log        *zap.Logger
}

func New(
	processor *claims.Processor,
	policies *policy.Store,
	eng *engine.Engine,
	checker *trigger.Checker,
	dispatcher engine.TradeDispatcher,
	balances drift.BalanceReader,
	cfg config.TreasuryConfig,
	m *metrics.Metrics,
	log *zap.Logger,
) *Sweeper {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Sweeper{
		claims:     processor,
		policies:   policies,
		engine:     eng,
		checker:    checker,
		dispatcher: dispatcher,
		balances:   balances,
		exitToken:  cfg.ExitToken,
		metrics:    m,
		log:        log,
	}
}

func (s *Sweeper) Run(ctx context.Context) Report {
	s.metrics.SweepRuns.Inc()
	report := Report{}
	report.Claims = s.claimPass(ctx)
	report.Users = s.policyPass(ctx)
	s.log.Info("sweep complete",
		zap.Int("claims", len(report.Claims)),
		zap.Int("users", len(report.Users)),
	)
	return report
}

func (s *Sweeper) claimPass(ctx context.Context) []claims.ClaimResult {
	treasuries, err := s.claims.Treasuries(ctx)
	if err != nil {
		s.log.Warn("treasury discovery failed", zap.Error(err))
	}
	var results []claims.ClaimResult
	for _, treasury := range treasuries {
		agents, err := s.claims.Agents(ctx, treasury)
		if err != nil {
			s.log.Warn("delegated agent lookup failed",
				zap.String("treasury", treasury), zap.Error(err))
			continue
		}
		for _, agent := range agents {
			result := s.processAgentSafe(ctx, treasury, agent)
			if result.Success {
				s.metrics.FeesClaimed.Inc()
			}
			results = append(results, result)
		}
	}
	return results
}

func (s *Sweeper) processAgentSafe(ctx context.Context, treasury string, agent claims.AgentRecord) (result claims.ClaimResult) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("claim processing panic",
				zap.String("agent", agent.Wallet), zap.Any("panic", r))
			result = claims.ClaimResult{
				Agent:    agent.Wallet,
				Treasury: treasury,
				Error:    fmt.Sprintf("panic: %v", r),
			}
		}
	}()
	return s.claims.ProcessAgent(ctx, treasury, agent)
}

func (s *Sweeper) policyPass(ctx context.Context) []UserResult {
	users, err := s.policies.ListUsers(ctx)
	if err != nil {
		s.log.Warn("policy listing failed", zap.Error(err))
		return nil
	}
	results := make([]UserResult, 0, len(users))
	for _, user := range users {
		results = append(results, s.evaluateUserSafe(ctx, user))
	}
	return results
}

func (s *Sweeper) evaluateUserSafe(ctx context.Context, user string) (result UserResult) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("user evaluation panic",
				zap.String("user", user), zap.Any("panic", r))
			result = UserResult{
				User:       user,
				Skipped:    true,
				SkipReason: engine.SkipError,
				Error:      fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	pol, ok, err := s.policies.Load(ctx, user)
	if err != nil {
		return UserResult{User: user, Skipped: true, SkipReason: engine.SkipError, Error: err.Error()}
	}
	if !ok {
		return UserResult{User: user, Skipped: true, SkipReason: engine.SkipNoPolicy}
	}

	if pol.IsUnified() {
		return s.runUnified(ctx, user, pol)
	}

	res := s.engine.Evaluate(ctx, user, engine.EvalContext{Trigger: engine.TriggerCron})
	return UserResult{
		User:       user,
		Skipped:    res.Skipped,
		SkipReason: res.SkipReason,
		HasDrift:   res.HasDrift,
		Executed:   res.Executed,
		Error:      res.Error,
	}
}

// runUnified dispatches each triggered action by an explicit switch on
// its type so the priority ordering stays auditable.
func (s *Sweeper) runUnified(ctx context.Context, user string, pol *policy.Policy) UserResult {
	result := UserResult{User: user}
	triggered := s.checker.CheckAll(ctx, user, pol)
	if !triggered.Triggered {
		return result
	}
	s.log.Info("triggers fired",
		zap.String("user", user),
		zap.String("reason", triggered.Reason),
		zap.Int("actions", len(triggered.Actions)),
	)
	for _, action := range triggered.Actions {
		result.Actions = append(result.Actions, string(action.Type))
		switch action.Type {
		case trigger.ActionClaimFees:
			s.runClaimAction(ctx, user, action.ClaimFees)
		case trigger.ActionRebalance:
			res := s.engine.Evaluate(ctx, user, engine.EvalContext{Trigger: engine.TriggerCron})
			result.HasDrift = res.HasDrift
			result.Executed = res.Executed
			if res.Error != "" {
				result.Error = res.Error
			}
		case trigger.ActionExitToken:
			s.runExitAction(ctx, user, pol, action.ExitToken)
		default:
			s.log.Error("unknown trigger action type",
				zap.String("user", user), zap.String("type", string(action.Type)))
		}
	}
	return result
}

func (s *Sweeper) runClaimAction(ctx context.Context, user string, params *trigger.ClaimFeesParams) {
	if params == nil {
		return
	}
	claimed := map[string]bool{}
	for _, token := range params.Tokens {
		if claimed[token.Agent] {
			continue
		}
		claimed[token.Agent] = true
		record := claims.AgentRecord{Wallet: token.Agent, Owner: user, DistributionMode: claims.DistributionManual}
		result := s.claims.ProcessAgent(ctx, user, record)
		if result.Error != "" {
			s.log.Warn("triggered fee claim failed",
				zap.String("agent", token.Agent), zap.String("error", result.Error))
			continue
		}
		s.metrics.FeesClaimed.Inc()
	}
}

// runExitAction sells each flagged loser's full balance into the
// configured exit token.
func (s *Sweeper) runExitAction(ctx context.Context, user string, pol *policy.Policy, params *trigger.ExitTokenParams) {
	if params == nil {
		return
	}
	if s.exitToken == "" {
		s.log.Warn("exit token not configured, skipping exit action", zap.String("user", user))
		return
	}
	_, _, slippageBps, _ := pol.RebalanceScope()
	for _, candidate := range params.Tokens {
		balance, err := s.balances.Balance(ctx, candidate.Token, user)
		if err != nil {
			s.log.Warn("exit balance read failed",
				zap.String("token", candidate.Token), zap.Error(err))
			continue
		}
		if balance.Sign() == 0 {
			continue
		}
		res := s.dispatcher.Dispatch(ctx, execution.Request{
			User: user,
			Sell: drift.Item{
				Token:  candidate.Token,
				Symbol: candidate.Symbol,
				Action: drift.ActionSell,
				Amount: new(big.Int).Set(balance),
			},
			Buy: drift.Item{
				Token:  s.exitToken,
				Action: drift.ActionBuy,
			},
			MaxSlippageBps: slippageBps,
		})
		if !res.Success {
			s.log.Warn("exit trade failed",
				zap.String("token", candidate.Token), zap.String("error", res.Err))
			continue
		}
		s.log.Info("exit trade executed",
			zap.String("user", user),
			zap.String("token", candidate.Token),
			zap.Float64("change_24h", candidate.Change24h),
			zap.String("tx_hash", res.TxHash),
		)
	}
}
