package execution

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer holds the agent's key and produces EIP-712 signatures over
// rebalance intents, scoped to the configured router contract.
type Signer struct {
	privKey *ecdsa.PrivateKey
	address common.Address
	chainID int64
	router  string
}

func NewSigner(hexKey string, chainID int64, router string) (*Signer, error) {
	clean := strings.TrimSpace(hexKey)
	if clean == "" {
		return nil, errors.New("private key is required")
	}
	clean = strings.TrimPrefix(clean, "0x")
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	if chainID <= 0 {
		return nil, errors.New("chain id must be > 0")
	}
	if router == "" {
		return nil, errors.New("intent router address is required")
	}
	return &Signer{
		privKey: key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		router:  router,
	}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

func (s *Signer) SignIntent(intent Intent) (string, error) {
	digest, err := intentTypedDataHash(intent, s.chainID, s.router)
	if err != nil {
		return "", err
	}
	return s.SignDigest(digest)
}

func (s *Signer) SignDigest(digest []byte) (string, error) {
	sig, err := crypto.Sign(digest, s.privKey)
	if err != nil {
		return "", err
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("unexpected signature length %d", len(sig))
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

func intentTypedDataHash(intent Intent, chainID int64, router string) ([]byte, error) {
	if intent.AmountIn == nil {
		return nil, errors.New("intent amount is required")
	}
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"RebalanceIntent": {
				{Name: "user", Type: "address"},
				{Name: "tokenIn", Type: "address"},
				{Name: "tokenOut", Type: "address"},
				{Name: "amountIn", Type: "uint256"},
				{Name: "maxSlippageBps", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
				{Name: "strategyId", Type: "string"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "RebalanceIntent",
		Domain: apitypes.TypedDataDomain{
			Name:              "TreasuryAgent",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: router,
		},
		Message: apitypes.TypedDataMessage{
			"user":           intent.User,
			"tokenIn":        intent.TokenIn,
			"tokenOut":       intent.TokenOut,
			"amountIn":       intent.AmountIn.String(),
			"maxSlippageBps": strconv.Itoa(intent.MaxSlippageBps),
			"deadline":       strconv.FormatInt(intent.Deadline, 10),
			"strategyId":     intent.StrategyID,
			"nonce":          strconv.FormatUint(intent.Nonce, 10),
		},
	}
	domainHash, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, err
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256([]byte("\x19\x01"), domainHash, messageHash), nil
}
