package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"treasury-agent/internal/config"
)

var (
	balanceOfSelector    = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	claimableSelector    = crypto.Keccak256([]byte("claimableFees(address,address)"))[:4]
	noncesSelector       = crypto.Keccak256([]byte("nonces(address)"))[:4]
	claimFeesSelector    = crypto.Keccak256([]byte("claimFees(address)"))[:4]
	recordMgmtSelector   = crypto.Keccak256([]byte("recordManagement(address)"))[:4]
	distributeSelector   = crypto.Keccak256([]byte("distribute(address,address,uint256,uint256)"))[:4]
	fallbackGasLimit     = uint64(300_000)
	errEmptyLedger       = errors.New("fee ledger address is not configured")
	errEmptyIntentRouter = errors.New("intent router address is not configured")
)

// Client reads balances, fee-ledger state and nonces over JSON-RPC and
// submits transactions from the agent's key.
type Client struct {
	eth       *ethclient.Client
	key       *ecdsa.PrivateKey
	address   common.Address
	chainID   *big.Int
	feeLedger common.Address
	router    common.Address
	feeToken  string
	timeout   time.Duration
	log       *zap.Logger
}

func Dial(ctx context.Context, cfg config.ChainConfig, privKeyHex string, log *zap.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	clean := strings.TrimPrefix(strings.TrimSpace(privKeyHex), "0x")
	if clean == "" {
		return nil, errors.New("agent private key is required")
	}
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	return &Client{
		eth:       eth,
		key:       key,
		address:   crypto.PubkeyToAddress(key.PublicKey),
		chainID:   big.NewInt(cfg.ChainID),
		feeLedger: common.HexToAddress(cfg.FeeLedger),
		router:    common.HexToAddress(cfg.IntentRouter),
		feeToken:  cfg.FeeToken,
		timeout:   cfg.RequestTimeout,
		log:       log,
	}, nil
}

func (c *Client) Address() common.Address {
	return c.address
}

func (c *Client) Close() {
	c.eth.Close()
}

// Balance reads an ERC-20 balance in native units.
func (c *Client) Balance(ctx context.Context, token, owner string) (*big.Int, error) {
	tokenAddr := common.HexToAddress(token)
	data := packCall(balanceOfSelector, addressWord(owner))
	return c.callUint(ctx, tokenAddr, data)
}

// ClaimableFee reads the fee ledger's claimable balance for an owner.
func (c *Client) ClaimableFee(ctx context.Context, token, owner string) (*big.Int, error) {
	if c.feeLedger == (common.Address{}) {
		return nil, errEmptyLedger
	}
	data := packCall(claimableSelector, addressWord(token), addressWord(owner))
	return c.callUint(ctx, c.feeLedger, data)
}

// IntentNonce reads the user's intent nonce from the router.
func (c *Client) IntentNonce(ctx context.Context, user string) (uint64, error) {
	if c.router == (common.Address{}) {
		return 0, errEmptyIntentRouter
	}
	data := packCall(noncesSelector, addressWord(user))
	nonce, err := c.callUint(ctx, c.router, data)
	if err != nil {
		return 0, err
	}
	if !nonce.IsUint64() {
		return 0, fmt.Errorf("nonce %s out of range", nonce.String())
	}
	return nonce.Uint64(), nil
}

// ClaimFees claims the agent's accrued fees and returns the claimed
// amount together with the claim transaction hash.
func (c *Client) ClaimFees(ctx context.Context, agent string) (*big.Int, string, error) {
	if c.feeLedger == (common.Address{}) {
		return nil, "", errEmptyLedger
	}
	claimable, err := c.ClaimableFee(ctx, c.feeToken, agent)
	if err != nil {
		return nil, "", err
	}
	if claimable.Sign() == 0 {
		return big.NewInt(0), "", nil
	}
	txHash, err := c.Execute(ctx, c.feeLedger.Hex(), packCall(claimFeesSelector, addressWord(agent)))
	if err != nil {
		return nil, "", err
	}
	return claimable, txHash, nil
}

// RecordManagement emits the on-chain audit-trail event for an agent.
func (c *Client) RecordManagement(ctx context.Context, agent string) (string, error) {
	if c.feeLedger == (common.Address{}) {
		return "", errEmptyLedger
	}
	return c.Execute(ctx, c.feeLedger.Hex(), packCall(recordMgmtSelector, addressWord(agent)))
}

// Distribute splits claimed fees between the deployer and the service.
func (c *Client) Distribute(ctx context.Context, agent, deployer string, amount, serviceFee *big.Int) (string, error) {
	if c.feeLedger == (common.Address{}) {
		return "", errEmptyLedger
	}
	data := packCall(distributeSelector,
		addressWord(agent),
		addressWord(deployer),
		common.LeftPadBytes(amount.Bytes(), 32),
		common.LeftPadBytes(serviceFee.Bytes(), 32),
	)
	return c.Execute(ctx, c.feeLedger.Hex(), data)
}

// Execute signs and sends a call from the agent's key, retrying
// transient submission failures with exponential backoff.
func (c *Client) Execute(ctx context.Context, target string, calldata []byte) (string, error) {
	to := common.HexToAddress(target)
	var txHash string
	err := c.retry(ctx, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		nonce, err := c.eth.PendingNonceAt(reqCtx, c.address)
		if err != nil {
			return err
		}
		gasPrice, err := c.eth.SuggestGasPrice(reqCtx)
		if err != nil {
			return err
		}
		gasLimit, err := c.eth.EstimateGas(reqCtx, ethereum.CallMsg{
			From: c.address,
			To:   &to,
			Data: calldata,
		})
		if err != nil {
			c.log.Warn("gas estimation failed, using fallback limit", zap.Error(err))
			gasLimit = fallbackGasLimit
		}
		tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, calldata)
		signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
		if err != nil {
			return err
		}
		if err := c.eth.SendTransaction(reqCtx, signed); err != nil {
			return err
		}
		txHash = signed.Hash().Hex()
		return nil
	})
	if err != nil {
		return "", err
	}
	return txHash, nil
}

func (c *Client) retry(ctx context.Context, fn func() error) error {
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt == 2 {
			return fmt.Errorf("retry failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func (c *Client) callUint(ctx context.Context, to common.Address, data []byte) (*big.Int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.eth.CallContract(reqCtx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(out), nil
}

func packCall(selector []byte, words ...[]byte) []byte {
	data := make([]byte, 0, 4+32*len(words))
	data = append(data, selector...)
	for _, word := range words {
		data = append(data, word...)
	}
	return data
}

func addressWord(addr string) []byte {
	return common.LeftPadBytes(common.HexToAddress(addr).Bytes(), 32)
}
