package engine

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"treasury-agent/internal/auth"
	"treasury-agent/internal/config"
	"treasury-agent/internal/drift"
	"treasury-agent/internal/execution"
	"treasury-agent/internal/metrics"
	"treasury-agent/internal/policy"
	"treasury-agent/internal/spend"
	"treasury-agent/internal/state"
)

// evaluationCooldown gates back-to-back evaluations of one user. The
// gate is cooperative; two process instances racing inside the window
// can both pass before either writes lastEvaluationAt.
const evaluationCooldown = 60 * time.Second

const (
	TriggerCron    = "cron"
	TriggerWebhook = "webhook"
	TriggerManual  = "manual"
)

const (
	SkipCooldown       = "cooldown"
	SkipDuplicateEvent = "duplicate_event"
	SkipNoPolicy       = "no_policy"
	SkipLocked         = "locked"
	SkipError          = "error"
)

// EvaluationState is the per-user cursor. Daily counters are zeroed on
// the first evaluation of each UTC day, never by key expiry.
type EvaluationState struct {
	LastEvaluationAt    int64   `json:"lastEvaluationAt"`
	LastExecutionAt     int64   `json:"lastExecutionAt"`
	LastEventID         string  `json:"lastEventId,omitempty"`
	DailyExecutionCount int     `json:"dailyExecutionCount"`
	DailyVolumeUSD      float64 `json:"dailyVolumeUsd"`
	DailyResetAt        int64   `json:"dailyResetAt"`
	LastExecutionTxHash string  `json:"lastExecutionTxHash,omitempty"`
}

type EvalContext struct {
	Trigger string
	EventID string
}

type EvalResult struct {
	Evaluated  bool
	Skipped    bool
	SkipReason string
	HasDrift   bool
	Executed   bool
	Error      string
	Execution  *execution.Result
}

// TradeDispatcher submits one corrective trade.
type TradeDispatcher interface {
	Dispatch(ctx context.Context, req execution.Request) execution.Result
}

type Engine struct {
	kv         state.Store
	policies   *policy.Store
	detector   *drift.Detector
	validator  *auth.Validator
	spend      *spend.Tracker
	dispatcher TradeDispatcher
	metrics    *metrics.Metrics
	cfg        config.EngineConfig
	log        *zap.Logger
	now        func() time.Time
}

func New(
	kv state.Store,
	policies *policy.Store,
	detector *drift.Detector,
	validator *auth.Validator,
	tracker *spend.Tracker,
	dispatcher TradeDispatcher,
	m *metrics.Metrics,
	cfg config.EngineConfig,
	log *zap.Logger,
) *Engine {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Engine{
		kv:         kv,
		policies:   policies,
		detector:   detector,
		validator:  validator,
		spend:      tracker,
		dispatcher: dispatcher,
		metrics:    m,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
}

// SetClock overrides the time source, for cooldown and reset tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Evaluate runs one evaluation cycle for a user: cooldown and dedup
// gating, drift detection, authorization, and at most one corrective
// trade. It never returns an error; failures are carried in the result
// so callers iterating many users keep going.
func (e *Engine) Evaluate(ctx context.Context, user string, ec EvalContext) EvalResult {
	e.metrics.EvaluationsRun.Inc()

	if e.cfg.UseLease {
		acquired, err := e.kv.SetNX(ctx, state.LockKey(user), "1", e.cfg.LeaseTTL)
		if err != nil {
			e.metrics.EvaluationsFailed.Inc()
			return EvalResult{Skipped: true, SkipReason: SkipError, Error: err.Error()}
		}
		if !acquired {
			return EvalResult{Skipped: true, SkipReason: SkipLocked}
		}
		defer func() {
			if err := e.kv.Delete(ctx, state.LockKey(user)); err != nil {
				e.log.Warn("lease release failed", zap.String("user", user), zap.Error(err))
			}
		}()
	}

	now := e.now()
	st, err := e.loadState(ctx, user)
	if err != nil {
		e.metrics.EvaluationsFailed.Inc()
		return EvalResult{Skipped: true, SkipReason: SkipError, Error: err.Error()}
	}

	if spend.DayString(now) != spend.DayString(time.UnixMilli(st.DailyResetAt).UTC()) {
		st.DailyExecutionCount = 0
		st.DailyVolumeUSD = 0
		st.DailyResetAt = now.UnixMilli()
	}

	if now.UnixMilli()-st.LastEvaluationAt < evaluationCooldown.Milliseconds() {
		e.log.Debug("evaluation skipped by cooldown", zap.String("user", user))
		return EvalResult{Skipped: true, SkipReason: SkipCooldown}
	}

	if ec.Trigger == TriggerWebhook && ec.EventID != "" && ec.EventID == st.LastEventID {
		e.log.Debug("duplicate webhook event",
			zap.String("user", user), zap.String("event_id", ec.EventID))
		return EvalResult{Skipped: true, SkipReason: SkipDuplicateEvent}
	}

	pol, ok, err := e.policies.Load(ctx, user)
	if err != nil {
		e.metrics.EvaluationsFailed.Inc()
		return EvalResult{Skipped: true, SkipReason: SkipError, Error: err.Error()}
	}
	if !ok {
		return EvalResult{Skipped: true, SkipReason: SkipNoPolicy}
	}

	result, err := e.detector.Check(ctx, user, pol)
	if err != nil {
		e.metrics.EvaluationsFailed.Inc()
		return EvalResult{Skipped: true, SkipReason: SkipError, Error: err.Error()}
	}

	// The evaluation stamp advances whether or not drift was found, so
	// the cooldown covers no-drift cycles too.
	st.LastEvaluationAt = now.UnixMilli()
	if ec.EventID != "" {
		st.LastEventID = ec.EventID
	}

	if !result.HasDrift {
		e.persistState(ctx, user, st)
		return EvalResult{Evaluated: true}
	}

	sell, buy, ok := pickPair(result.Drifts)
	if !ok {
		e.persistState(ctx, user, st)
		return EvalResult{Evaluated: true, HasDrift: true, Error: "no complementary sell/buy drift pair"}
	}

	// Daily-limit accounting values each trade at a fixed configured
	// estimate until a price oracle is wired in.
	estimate := e.cfg.TradeEstimateUSD
	validation, err := e.validator.Validate(ctx, user, sell.Token, buy.Token, estimate)
	if err != nil {
		e.metrics.EvaluationsFailed.Inc()
		e.persistState(ctx, user, st)
		return EvalResult{Evaluated: true, HasDrift: true, Error: err.Error()}
	}
	if !validation.Valid {
		e.log.Info("execution blocked by authorization",
			zap.String("user", user), zap.String("reason", validation.Err))
		e.persistState(ctx, user, st)
		return EvalResult{Evaluated: true, HasDrift: true, Error: validation.Err}
	}

	_, _, slippageBps, _ := pol.RebalanceScope()
	execRes := e.dispatcher.Dispatch(ctx, execution.Request{
		User:           user,
		Sell:           sell,
		Buy:            buy,
		MaxSlippageBps: slippageBps,
	})

	if execRes.Success {
		e.metrics.TradesExecuted.Inc()
		st.LastExecutionAt = now.UnixMilli()
		st.DailyExecutionCount++
		st.DailyVolumeUSD += estimate
		st.LastExecutionTxHash = execRes.TxHash
		if err := e.spend.Track(ctx, user, estimate); err != nil {
			e.log.Warn("spending track failed", zap.String("user", user), zap.Error(err))
		}
		e.log.Info("corrective trade executed",
			zap.String("user", user),
			zap.String("mode", string(execRes.Mode)),
			zap.String("tx_hash", execRes.TxHash),
			zap.String("sell", sell.Symbol),
			zap.String("buy", buy.Symbol),
		)
	} else {
		e.metrics.TradesFailed.Inc()
		e.log.Warn("trade dispatch failed",
			zap.String("user", user),
			zap.String("mode", string(execRes.Mode)),
			zap.String("error", execRes.Err),
		)
	}

	e.persistState(ctx, user, st)
	return EvalResult{
		Evaluated: true,
		HasDrift:  true,
		Executed:  execRes.Success,
		Error:     execRes.Err,
		Execution: &execRes,
	}
}

// State returns the stored evaluation cursor, if any.
func (e *Engine) State(ctx context.Context, user string) (*EvaluationState, bool, error) {
	raw, ok, err := e.kv.Get(ctx, state.UserStateKey(user))
	if err != nil || !ok {
		return nil, false, err
	}
	var st EvaluationState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, false, err
	}
	return &st, true, nil
}

func (e *Engine) loadState(ctx context.Context, user string) (*EvaluationState, error) {
	raw, ok, err := e.kv.Get(ctx, state.UserStateKey(user))
	if err != nil {
		return nil, err
	}
	if !ok {
		return &EvaluationState{}, nil
	}
	var st EvaluationState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		e.log.Warn("unparseable evaluation state, starting fresh",
			zap.String("user", user), zap.Error(err))
		return &EvaluationState{}, nil
	}
	return &st, nil
}

func (e *Engine) persistState(ctx context.Context, user string, st *EvaluationState) {
	data, err := json.Marshal(st)
	if err != nil {
		e.log.Warn("state marshal failed", zap.String("user", user), zap.Error(err))
		return
	}
	if err := e.kv.SetTTL(ctx, state.UserStateKey(user), string(data), e.cfg.StateTTL); err != nil {
		e.log.Warn("state persist failed", zap.String("user", user), zap.Error(err))
	}
}

// pickPair selects the first sell and first buy drift items.
func pickPair(items []drift.Item) (sell, buy drift.Item, ok bool) {
	var haveSell, haveBuy bool
	for _, item := range items {
		if item.Action == drift.ActionSell && !haveSell {
			sell = item
			haveSell = true
		}
		if item.Action == drift.ActionBuy && !haveBuy {
			buy = item
			haveBuy = true
		}
	}
	return sell, buy, haveSell && haveBuy
}
