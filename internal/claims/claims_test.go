package claims

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"go.uber.org/zap"

	"treasury-agent/internal/config"
	"treasury-agent/internal/state"
	"treasury-agent/internal/state/memory"
)

type stubChain struct {
	claimable    *big.Int
	claimErr     error
	mgmtErr      error
	distributeTx string
	distErr      error

	claimCalls int
	distCalls  int
	lastAmount *big.Int
	lastFee    *big.Int
}

func (s *stubChain) RecordManagement(_ context.Context, _ string) (string, error) {
	return "0xmgmt", s.mgmtErr
}

func (s *stubChain) ClaimFees(_ context.Context, _ string) (*big.Int, string, error) {
	s.claimCalls++
	if s.claimErr != nil {
		return nil, "", s.claimErr
	}
	if s.claimable.Sign() == 0 {
		return big.NewInt(0), "", nil
	}
	return new(big.Int).Set(s.claimable), "0xclaimtx", nil
}

func (s *stubChain) Distribute(_ context.Context, _, _ string, amount, serviceFee *big.Int) (string, error) {
	s.distCalls++
	s.lastAmount = new(big.Int).Set(amount)
	s.lastFee = new(big.Int).Set(serviceFee)
	return s.distributeTx, s.distErr
}

func (s *stubChain) ClaimableFee(_ context.Context, _, _ string) (*big.Int, error) {
	return new(big.Int).Set(s.claimable), nil
}

func newProcessor(t *testing.T, chain ChainOps) (*Processor, *memory.Store) {
	t.Helper()
	kv := memory.New()
	cfg := config.TreasuryConfig{
		Address:              "0xtreasury",
		ServiceFeeBps:        100,
		DistributionInterval: 24 * time.Hour,
	}
	return NewProcessor(kv, chain, cfg, zap.NewNop()), kv
}

func autoAgent(lastDistribution time.Time) AgentRecord {
	return AgentRecord{
		Wallet:               "0xagent",
		Name:                 "alpha",
		Owner:                "0xowner",
		DistributionMode:     DistributionAuto,
		LastDistributionTime: lastDistribution.UnixMilli(),
	}
}

func TestProcessAgentZeroClaimIsNoOp(t *testing.T) {
	chain := &stubChain{claimable: big.NewInt(0)}
	processor, kv := newProcessor(t, chain)

	result := processor.ProcessAgent(context.Background(), "0xtreasury", autoAgent(time.Now().Add(-48*time.Hour)))
	if !result.Success {
		t.Fatalf("expected success on zero claim, got %+v", result)
	}
	if result.WethClaimed != "0" {
		t.Fatalf("expected '0' claimed, got %q", result.WethClaimed)
	}
	if chain.distCalls != 0 {
		t.Fatalf("zero claim must not distribute")
	}

	// Only the history entry is written.
	keys, err := kv.List(context.Background(), "claims:")
	if err != nil || len(keys) != 1 {
		t.Fatalf("expected one history entry, got %v err=%v", keys, err)
	}
	if keys2, _ := kv.List(context.Background(), "delegation:"); len(keys2) != 0 {
		t.Fatalf("zero claim must not touch delegation state")
	}
}

func TestProcessAgentDistributesWhenDue(t *testing.T) {
	chain := &stubChain{claimable: big.NewInt(10_000), distributeTx: "0xdisttx"}
	processor, kv := newProcessor(t, chain)

	agent := autoAgent(time.Now().Add(-48 * time.Hour))
	records, _ := json.Marshal([]AgentRecord{agent})
	if err := kv.Set(context.Background(), state.DelegationKey("0xtreasury"), string(records)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	result := processor.ProcessAgent(context.Background(), "0xtreasury", agent)
	if !result.Success || !result.Distributed {
		t.Fatalf("expected distributed claim, got %+v", result)
	}
	// 100 bps service fee on 10000 wei.
	if chain.lastFee.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected 100 wei service fee, got %s", chain.lastFee)
	}
	if chain.lastAmount.Cmp(big.NewInt(9_900)) != 0 {
		t.Fatalf("expected 9900 wei payout, got %s", chain.lastAmount)
	}

	reloaded, err := processor.Agents(context.Background(), "0xtreasury")
	if err != nil || len(reloaded) != 1 {
		t.Fatalf("reload agents: %v err=%v", reloaded, err)
	}
	if reloaded[0].LastDistributionTime == agent.LastDistributionTime {
		t.Fatalf("expected distribution stamp to advance")
	}
}

func TestProcessAgentManualModeSkipsDistribution(t *testing.T) {
	chain := &stubChain{claimable: big.NewInt(10_000)}
	processor, _ := newProcessor(t, chain)

	agent := autoAgent(time.Now().Add(-48 * time.Hour))
	agent.DistributionMode = DistributionManual

	result := processor.ProcessAgent(context.Background(), "0xtreasury", agent)
	if !result.Success || result.Distributed {
		t.Fatalf("expected claim without distribution, got %+v", result)
	}
	if chain.distCalls != 0 {
		t.Fatalf("manual mode must not distribute")
	}
}

func TestProcessAgentScheduleNotDue(t *testing.T) {
	chain := &stubChain{claimable: big.NewInt(10_000)}
	processor, _ := newProcessor(t, chain)

	result := processor.ProcessAgent(context.Background(), "0xtreasury", autoAgent(time.Now().Add(-time.Hour)))
	if !result.Success || result.Distributed {
		t.Fatalf("expected claim without distribution before the interval, got %+v", result)
	}
}

func TestProcessAgentClaimError(t *testing.T) {
	chain := &stubChain{claimable: big.NewInt(10_000), claimErr: errors.New("revert")}
	processor, _ := newProcessor(t, chain)

	result := processor.ProcessAgent(context.Background(), "0xtreasury", autoAgent(time.Now()))
	if result.Success || result.Error == "" {
		t.Fatalf("expected failed claim, got %+v", result)
	}
}

func TestTreasuriesMergesConfiguredAndRegistered(t *testing.T) {
	processor, kv := newProcessor(t, &stubChain{claimable: big.NewInt(0)})
	registered, _ := json.Marshal([]string{"0xother", "0xtreasury"})
	if err := kv.Set(context.Background(), state.TreasuryIndexKey, string(registered)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	treasuries, err := processor.Treasuries(context.Background())
	if err != nil {
		t.Fatalf("treasuries: %v", err)
	}
	if len(treasuries) != 2 || treasuries[0] != "0xtreasury" || treasuries[1] != "0xother" {
		t.Fatalf("unexpected treasuries: %v", treasuries)
	}
}
