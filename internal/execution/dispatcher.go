package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"treasury-agent/internal/config"
	"treasury-agent/internal/state"
)

// Dispatcher submits exactly one corrective trade per request, in one
// of two modes: a delegated session key (ERC-4337) when a non-expired
// one exists for the user, a pre-signed intent otherwise. Failures in
// either mode come back as structured results, never as panics or
// errors escaping this boundary.
type Dispatcher struct {
	kv      state.Store
	signer  IntentSigner
	nonces  NonceSource
	pools   PoolRegistry
	intents IntentSubmitter
	bundler Bundler
	direct  DirectExecutor
	cfg     config.ExecutorConfig
	log     *zap.Logger
	now     func() time.Time
}

func NewDispatcher(
	kv state.Store,
	signer IntentSigner,
	nonces NonceSource,
	pools PoolRegistry,
	intents IntentSubmitter,
	bundler Bundler,
	direct DirectExecutor,
	cfg config.ExecutorConfig,
	log *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		kv:      kv,
		signer:  signer,
		nonces:  nonces,
		pools:   pools,
		intents: intents,
		bundler: bundler,
		direct:  direct,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	if sk, ok := d.activeSessionKey(ctx, req.User); ok {
		return d.dispatchSessionKey(ctx, req, sk)
	}
	return d.dispatchIntent(ctx, req)
}

func (d *Dispatcher) activeSessionKey(ctx context.Context, user string) (*SessionKey, bool) {
	raw, ok, err := d.kv.Get(ctx, state.SessionKeyKey(user))
	if err != nil {
		d.log.Warn("session key read failed, falling back to intent mode",
			zap.String("user", user), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var sk SessionKey
	if err := json.Unmarshal([]byte(raw), &sk); err != nil {
		d.log.Warn("unparseable session key record, falling back to intent mode",
			zap.String("user", user), zap.Error(err))
		return nil, false
	}
	if sk.ValidUntil <= d.now().UnixMilli() {
		return nil, false
	}
	return &sk, true
}

func (d *Dispatcher) dispatchIntent(ctx context.Context, req Request) Result {
	fail := func(err error) Result {
		return Result{Mode: ModeIntent, Err: err.Error()}
	}
	nonce, err := d.nonces.IntentNonce(ctx, req.User)
	if err != nil {
		return fail(fmt.Errorf("nonce fetch failed: %w", err))
	}
	strategyID := d.cfg.StrategyID
	if strategyID == "" {
		strategyID = uuid.NewString()
	}
	intent := Intent{
		User:           req.User,
		TokenIn:        req.Sell.Token,
		TokenOut:       req.Buy.Token,
		AmountIn:       req.Sell.Amount,
		MaxSlippageBps: req.MaxSlippageBps,
		Deadline:       d.now().Add(d.cfg.IntentTTL).Unix(),
		StrategyID:     strategyID,
		Nonce:          nonce,
	}
	poolRef, err := d.pools.ResolvePool(intent.TokenIn, intent.TokenOut)
	if err != nil {
		return fail(err)
	}
	signature, err := d.signer.SignIntent(intent)
	if err != nil {
		return fail(fmt.Errorf("intent signing failed: %w", err))
	}
	txHash, err := d.intents.SubmitIntent(ctx, intent, signature, poolRef)
	if err != nil {
		return fail(fmt.Errorf("intent submission failed: %w", err))
	}
	d.log.Info("intent submitted",
		zap.String("user", req.User),
		zap.String("token_in", intent.TokenIn),
		zap.String("token_out", intent.TokenOut),
		zap.String("tx_hash", txHash),
	)
	return Result{Success: true, TxHash: txHash, Mode: ModeIntent}
}

func (d *Dispatcher) dispatchSessionKey(ctx context.Context, req Request, sk *SessionKey) Result {
	fail := func(err error) Result {
		return Result{Mode: ModeSessionKey, Err: err.Error()}
	}
	nowMS := d.now().UnixMilli()
	if nowMS < sk.ValidAfter {
		return fail(fmt.Errorf("session key not yet valid until %d", sk.ValidAfter))
	}
	target := d.cfg.SwapTarget
	if !containsFold(sk.AllowedTargets, target) {
		return fail(fmt.Errorf("target contract %s is not in the session key allow-list", target))
	}
	calldata := swapCalldata(req)
	selector := hexutil.Encode(calldata[:4])
	if !containsFold(sk.AllowedSelectors, selector) {
		return fail(fmt.Errorf("function selector %s is not in the session key allow-list", selector))
	}

	if d.bundler == nil {
		txHash, err := d.direct.Execute(ctx, target, calldata)
		if err != nil {
			return fail(fmt.Errorf("direct execution failed: %w", err))
		}
		d.log.Info("session key trade executed directly",
			zap.String("user", req.User), zap.String("tx_hash", txHash))
		return Result{Success: true, TxHash: txHash, Mode: ModeSessionKey}
	}

	opNonce, err := d.nonces.IntentNonce(ctx, sk.Account)
	if err != nil {
		return fail(fmt.Errorf("operation nonce fetch failed: %w", err))
	}
	op := UserOperation{
		Sender:   sk.Account,
		Nonce:    hexutil.EncodeUint64(opNonce),
		CallData: hexutil.Encode(calldata),
	}
	signature, err := d.signer.SignDigest(packUserOpHash(op))
	if err != nil {
		return fail(fmt.Errorf("user operation signing failed: %w", err))
	}
	op.Signature = signature

	userOpHash, err := d.bundler.SubmitUserOperation(ctx, op)
	if err != nil {
		return fail(fmt.Errorf("bundler submission failed: %w", err))
	}
	txHash := d.awaitReceipt(ctx, userOpHash)
	d.log.Info("user operation submitted",
		zap.String("user", req.User),
		zap.String("user_op_hash", userOpHash),
		zap.String("tx_hash", txHash),
	)
	return Result{Success: true, TxHash: txHash, UserOpHash: userOpHash, Mode: ModeSessionKey}
}

// awaitReceipt polls for the operation receipt with a bounded wait and
// returns an empty tx hash when none shows up in time.
func (d *Dispatcher) awaitReceipt(ctx context.Context, userOpHash string) string {
	deadline := time.NewTimer(d.cfg.ReceiptTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.cfg.ReceiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := d.bundler.UserOperationReceipt(ctx, userOpHash)
		if err != nil {
			d.log.Warn("receipt lookup failed", zap.String("user_op_hash", userOpHash), zap.Error(err))
		} else if receipt != nil {
			return receipt.TxHash
		}
		select {
		case <-ctx.Done():
			return ""
		case <-deadline.C:
			d.log.Warn("receipt not found before timeout", zap.String("user_op_hash", userOpHash))
			return ""
		case <-ticker.C:
		}
	}
}

var swapSelector = crypto.Keccak256([]byte("rebalanceSwap(address,address,uint256,uint256)"))[:4]

func swapCalldata(req Request) []byte {
	data := make([]byte, 0, 4+4*32)
	data = append(data, swapSelector...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(req.Sell.Token).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(req.Buy.Token).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(req.Sell.Amount.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(big.NewInt(int64(req.MaxSlippageBps)).Bytes(), 32)...)
	return data
}

func packUserOpHash(op UserOperation) []byte {
	return crypto.Keccak256(
		[]byte(strings.ToLower(op.Sender)),
		[]byte(op.Nonce),
		[]byte(op.CallData),
	)
}

func containsFold(list []string, needle string) bool {
	for _, item := range list {
		if strings.EqualFold(item, needle) {
			return true
		}
	}
	return false
}
