package execution

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"treasury-agent/internal/config"
	"treasury-agent/internal/drift"
	"treasury-agent/internal/state"
	"treasury-agent/internal/state/memory"
)

type stubNonces struct {
	nonce uint64
}

func (s *stubNonces) IntentNonce(_ context.Context, _ string) (uint64, error) {
	return s.nonce, nil
}

type stubSigner struct{}

func (stubSigner) SignIntent(_ Intent) (string, error) { return "0xsig", nil }
func (stubSigner) SignDigest(_ []byte) (string, error) { return "0xopsig", nil }

type stubSubmitter struct {
	lastIntent Intent
	lastPool   string
}

func (s *stubSubmitter) SubmitIntent(_ context.Context, intent Intent, _, poolRef string) (string, error) {
	s.lastIntent = intent
	s.lastPool = poolRef
	return "0xtxhash", nil
}

type stubBundler struct {
	submitted  *UserOperation
	receipt    *UserOpReceipt
	receiptErr error
}

func (s *stubBundler) SubmitUserOperation(_ context.Context, op UserOperation) (string, error) {
	s.submitted = &op
	return "0xophash", nil
}

func (s *stubBundler) UserOperationReceipt(_ context.Context, _ string) (*UserOpReceipt, error) {
	return s.receipt, s.receiptErr
}

type stubDirect struct {
	called bool
}

func (s *stubDirect) Execute(_ context.Context, _ string, _ []byte) (string, error) {
	s.called = true
	return "0xdirecttx", nil
}

func testRequest() Request {
	return Request{
		User: "0xuser",
		Sell: drift.Item{
			Token:  "0x1111111111111111111111111111111111111111",
			Symbol: "USDC",
			Action: drift.ActionSell,
			Amount: big.NewInt(400_000_000),
		},
		Buy: drift.Item{
			Token:  "0x2222222222222222222222222222222222222222",
			Symbol: "DAI",
			Action: drift.ActionBuy,
		},
		MaxSlippageBps: 50,
	}
}

func testConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		SwapTarget:          "0x3333333333333333333333333333333333333333",
		IntentTTL:           5 * time.Minute,
		StrategyID:          "stable-rebalance-v1",
		ReceiptTimeout:      50 * time.Millisecond,
		ReceiptPollInterval: 10 * time.Millisecond,
		Pools: []config.PoolConfig{{
			TokenA: "0x1111111111111111111111111111111111111111",
			TokenB: "0x2222222222222222222222222222222222222222",
			Pool:   "pool-1",
		}},
	}
}

func newTestDispatcher(kv state.Store, cfg config.ExecutorConfig, bundler Bundler, direct DirectExecutor, submitter IntentSubmitter) *Dispatcher {
	return NewDispatcher(
		kv,
		stubSigner{},
		&stubNonces{nonce: 7},
		NewStaticRegistry(cfg.Pools),
		submitter,
		bundler,
		direct,
		cfg,
		zap.NewNop(),
	)
}

func seedSessionKey(t *testing.T, kv state.Store, user string, sk SessionKey) {
	t.Helper()
	data, err := json.Marshal(sk)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := kv.Set(context.Background(), state.SessionKeyKey(user), string(data)); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func activeSessionKey(cfg config.ExecutorConfig) SessionKey {
	return SessionKey{
		Address:          "0xkey",
		Account:          "0xaccount",
		ValidAfter:       time.Now().Add(-time.Hour).UnixMilli(),
		ValidUntil:       time.Now().Add(time.Hour).UnixMilli(),
		AllowedTargets:   []string{cfg.SwapTarget},
		AllowedSelectors: []string{hexutil.Encode(swapSelector)},
	}
}

func TestDispatchIntentMode(t *testing.T) {
	kv := memory.New()
	cfg := testConfig()
	submitter := &stubSubmitter{}
	d := newTestDispatcher(kv, cfg, nil, &stubDirect{}, submitter)

	result := d.Dispatch(context.Background(), testRequest())
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Err)
	}
	if result.Mode != ModeIntent {
		t.Fatalf("expected intent mode, got %s", result.Mode)
	}
	if result.TxHash != "0xtxhash" {
		t.Fatalf("unexpected tx hash %q", result.TxHash)
	}
	if submitter.lastIntent.Nonce != 7 {
		t.Fatalf("expected on-chain nonce 7, got %d", submitter.lastIntent.Nonce)
	}
	if submitter.lastPool != "pool-1" {
		t.Fatalf("expected resolved pool, got %q", submitter.lastPool)
	}
}

func TestDispatchIntentFailsWithoutPool(t *testing.T) {
	kv := memory.New()
	cfg := testConfig()
	cfg.Pools = nil
	d := newTestDispatcher(kv, cfg, nil, &stubDirect{}, &stubSubmitter{})

	result := d.Dispatch(context.Background(), testRequest())
	if result.Success {
		t.Fatalf("expected failure without a configured pool")
	}
	if !strings.Contains(result.Err, "no pool configured") {
		t.Fatalf("unexpected error: %q", result.Err)
	}
}

func TestDispatchExpiredSessionKeyFallsBackToIntent(t *testing.T) {
	kv := memory.New()
	cfg := testConfig()
	sk := activeSessionKey(cfg)
	sk.ValidUntil = time.Now().Add(-time.Minute).UnixMilli()
	seedSessionKey(t, kv, "0xuser", sk)
	d := newTestDispatcher(kv, cfg, nil, &stubDirect{}, &stubSubmitter{})

	result := d.Dispatch(context.Background(), testRequest())
	if result.Mode != ModeIntent {
		t.Fatalf("expected intent fallback, got %s", result.Mode)
	}
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Err)
	}
}

func TestDispatchSessionKeyTargetFailClosed(t *testing.T) {
	kv := memory.New()
	cfg := testConfig()
	sk := activeSessionKey(cfg)
	sk.AllowedTargets = []string{"0x9999999999999999999999999999999999999999"}
	seedSessionKey(t, kv, "0xuser", sk)
	d := newTestDispatcher(kv, cfg, &stubBundler{}, &stubDirect{}, &stubSubmitter{})

	result := d.Dispatch(context.Background(), testRequest())
	if result.Success {
		t.Fatalf("expected fail-closed on disallowed target")
	}
	if result.Mode != ModeSessionKey {
		t.Fatalf("expected session-key mode tag, got %s", result.Mode)
	}
	if !strings.Contains(result.Err, "allow-list") {
		t.Fatalf("unexpected error: %q", result.Err)
	}
}

func TestDispatchSessionKeySelectorFailClosed(t *testing.T) {
	kv := memory.New()
	cfg := testConfig()
	sk := activeSessionKey(cfg)
	sk.AllowedSelectors = []string{"0xdeadbeef"}
	seedSessionKey(t, kv, "0xuser", sk)
	d := newTestDispatcher(kv, cfg, &stubBundler{}, &stubDirect{}, &stubSubmitter{})

	result := d.Dispatch(context.Background(), testRequest())
	if result.Success || !strings.Contains(result.Err, "selector") {
		t.Fatalf("expected selector fail-closed, got %+v", result)
	}
}

func TestDispatchSessionKeyDirectFallbackWithoutBundler(t *testing.T) {
	kv := memory.New()
	cfg := testConfig()
	seedSessionKey(t, kv, "0xuser", activeSessionKey(cfg))
	direct := &stubDirect{}
	d := newTestDispatcher(kv, cfg, nil, direct, &stubSubmitter{})

	result := d.Dispatch(context.Background(), testRequest())
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Err)
	}
	if result.Mode != ModeSessionKey {
		t.Fatalf("expected session-key mode, got %s", result.Mode)
	}
	if !direct.called {
		t.Fatalf("expected direct execution without a bundler")
	}
	if result.TxHash != "0xdirecttx" {
		t.Fatalf("unexpected tx hash %q", result.TxHash)
	}
}

func TestDispatchSessionKeyBundlerWithReceipt(t *testing.T) {
	kv := memory.New()
	cfg := testConfig()
	seedSessionKey(t, kv, "0xuser", activeSessionKey(cfg))
	bundler := &stubBundler{receipt: &UserOpReceipt{UserOpHash: "0xophash", TxHash: "0xminedtx", Success: true}}
	d := newTestDispatcher(kv, cfg, bundler, &stubDirect{}, &stubSubmitter{})

	result := d.Dispatch(context.Background(), testRequest())
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Err)
	}
	if result.UserOpHash != "0xophash" || result.TxHash != "0xminedtx" {
		t.Fatalf("unexpected hashes: %+v", result)
	}
	if bundler.submitted == nil || bundler.submitted.Signature != "0xopsig" {
		t.Fatalf("expected signed operation, got %+v", bundler.submitted)
	}
}

func TestDispatchSessionKeyReceiptTimeout(t *testing.T) {
	kv := memory.New()
	cfg := testConfig()
	seedSessionKey(t, kv, "0xuser", activeSessionKey(cfg))
	// Receipt never shows up; the dispatch still reports success with
	// the operation hash only.
	bundler := &stubBundler{}
	d := newTestDispatcher(kv, cfg, bundler, &stubDirect{}, &stubSubmitter{})

	result := d.Dispatch(context.Background(), testRequest())
	if !result.Success {
		t.Fatalf("expected success on receipt timeout, got %q", result.Err)
	}
	if result.TxHash != "" {
		t.Fatalf("expected empty tx hash on timeout, got %q", result.TxHash)
	}
	if result.UserOpHash != "0xophash" {
		t.Fatalf("expected op hash retained, got %q", result.UserOpHash)
	}
}

func TestResolvePoolOrderIndependent(t *testing.T) {
	registry := NewStaticRegistry(testConfig().Pools)
	pool, err := registry.ResolvePool(
		"0x2222222222222222222222222222222222222222",
		"0x1111111111111111111111111111111111111111",
	)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if pool != "pool-1" {
		t.Fatalf("unexpected pool %q", pool)
	}
}
