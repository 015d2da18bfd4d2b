package claims

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"treasury-agent/internal/config"
	"treasury-agent/internal/state"
)

const (
	DistributionAuto   = "auto"
	DistributionManual = "manual"
)

// AgentRecord describes one delegated agent wallet a treasury acts
// on behalf of. Stored as JSON inside the treasury's delegation list.
type AgentRecord struct {
	Wallet               string        `json:"wallet"`
	Name                 string        `json:"name"`
	Owner                string        `json:"owner"`
	DistributionMode     string        `json:"distributionMode"`
	DistributionInterval time.Duration `json:"distributionInterval,omitempty"`
	LastDistributionTime int64         `json:"lastDistributionTime"` // unix ms
}

// ChainOps covers the on-chain side of fee-claim processing.
type ChainOps interface {
	RecordManagement(ctx context.Context, agent string) (string, error)
	ClaimFees(ctx context.Context, agent string) (*big.Int, string, error)
	Distribute(ctx context.Context, agent, deployer string, amount, serviceFee *big.Int) (string, error)
	ClaimableFee(ctx context.Context, token, owner string) (*big.Int, error)
}

type ClaimResult struct {
	Agent       string `json:"agent"`
	Treasury    string `json:"treasury"`
	Success     bool   `json:"success"`
	WethClaimed string `json:"wethClaimed"`
	ClaimTxHash string `json:"claimTxHash,omitempty"`
	Distributed bool   `json:"distributed"`
	DistTxHash  string `json:"distTxHash,omitempty"`
	Error       string `json:"error,omitempty"`
}

type claimHistoryEntry struct {
	ID          string `json:"id"`
	Agent       string `json:"agent"`
	Treasury    string `json:"treasury"`
	Claimed     string `json:"claimed"`
	ClaimTxHash string `json:"claimTxHash,omitempty"`
	Distributed bool   `json:"distributed"`
	Timestamp   int64  `json:"timestamp"`
}

type Processor struct {
	kv    state.Store
	chain ChainOps
	cfg   config.TreasuryConfig
	log   *zap.Logger
	now   func() time.Time
}

func NewProcessor(kv state.Store, chain ChainOps, cfg config.TreasuryConfig, log *zap.Logger) *Processor {
	return &Processor{kv: kv, chain: chain, cfg: cfg, log: log, now: time.Now}
}

// SetClock overrides the time source, for schedule tests.
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// Treasuries returns every treasury identity to sweep: the configured
// one plus whatever the registered-treasury index lists.
func (p *Processor) Treasuries(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	if p.cfg.Address != "" {
		addr := p.cfg.Address
		seen[addr] = true
		out = append(out, addr)
	}
	raw, ok, err := p.kv.Get(ctx, state.TreasuryIndexKey)
	if err != nil {
		return out, err
	}
	if !ok {
		return out, nil
	}
	var registered []string
	if err := json.Unmarshal([]byte(raw), &registered); err != nil {
		p.log.Warn("unparseable treasury index", zap.Error(err))
		return out, nil
	}
	for _, addr := range registered {
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out, nil
}

// Agents lists the delegated agent wallets of one treasury.
func (p *Processor) Agents(ctx context.Context, treasury string) ([]AgentRecord, error) {
	raw, ok, err := p.kv.Get(ctx, state.DelegationKey(treasury))
	if err != nil || !ok {
		return nil, err
	}
	var records []AgentRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, err
	}
	return records, nil
}

// ProcessAgent claims one delegated agent's accrued fees and, when the
// agent's distribution schedule is due, splits the proceeds between
// the deployer and the service fee. A history entry is appended
// whether or not distribution ran. Zero claimable is a successful
// no-op.
func (p *Processor) ProcessAgent(ctx context.Context, treasury string, agent AgentRecord) ClaimResult {
	result := ClaimResult{Agent: agent.Wallet, Treasury: treasury}

	// Audit-trail call; failures never block the claim itself.
	if _, err := p.chain.RecordManagement(ctx, agent.Wallet); err != nil {
		p.log.Warn("management record failed",
			zap.String("agent", agent.Wallet), zap.Error(err))
	}

	claimed, txHash, err := p.chain.ClaimFees(ctx, agent.Wallet)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	result.WethClaimed = claimed.String()
	result.ClaimTxHash = txHash

	if claimed.Sign() == 0 {
		p.appendHistory(ctx, treasury, agent, result)
		return result
	}

	if p.distributionDue(agent) {
		serviceFee := new(big.Int).Mul(claimed, big.NewInt(int64(p.cfg.ServiceFeeBps)))
		serviceFee.Quo(serviceFee, big.NewInt(10000))
		payout := new(big.Int).Sub(claimed, serviceFee)
		distTx, err := p.chain.Distribute(ctx, agent.Wallet, agent.Owner, payout, serviceFee)
		if err != nil {
			p.log.Warn("distribution failed",
				zap.String("agent", agent.Wallet), zap.Error(err))
			result.Error = err.Error()
		} else {
			result.Distributed = true
			result.DistTxHash = distTx
			p.stampDistribution(ctx, treasury, agent.Wallet)
		}
	}

	p.appendHistory(ctx, treasury, agent, result)
	return result
}

func (p *Processor) distributionDue(agent AgentRecord) bool {
	if agent.DistributionMode == DistributionManual {
		return false
	}
	interval := agent.DistributionInterval
	if interval == 0 {
		interval = p.cfg.DistributionInterval
	}
	last := time.UnixMilli(agent.LastDistributionTime)
	return p.now().Sub(last) >= interval
}

func (p *Processor) stampDistribution(ctx context.Context, treasury, wallet string) {
	records, err := p.Agents(ctx, treasury)
	if err != nil {
		p.log.Warn("delegation reload failed", zap.String("treasury", treasury), zap.Error(err))
		return
	}
	for i := range records {
		if records[i].Wallet == wallet {
			records[i].LastDistributionTime = p.now().UnixMilli()
		}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return
	}
	if err := p.kv.Set(ctx, state.DelegationKey(treasury), string(data)); err != nil {
		p.log.Warn("delegation stamp failed", zap.String("treasury", treasury), zap.Error(err))
	}
}

func (p *Processor) appendHistory(ctx context.Context, treasury string, agent AgentRecord, result ClaimResult) {
	nowMS := p.now().UnixMilli()
	entry := claimHistoryEntry{
		ID:          uuid.NewString(),
		Agent:       agent.Wallet,
		Treasury:    treasury,
		Claimed:     result.WethClaimed,
		ClaimTxHash: result.ClaimTxHash,
		Distributed: result.Distributed,
		Timestamp:   nowMS,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := p.kv.Set(ctx, state.ClaimHistoryKey(agent.Wallet, nowMS), string(data)); err != nil {
		p.log.Warn("claim history append failed",
			zap.String("agent", agent.Wallet), zap.Error(err))
	}
}
