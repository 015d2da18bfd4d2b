package execution

import (
	"context"
	"math/big"

	"treasury-agent/internal/drift"
)

type Mode string

const (
	ModeIntent     Mode = "intent"
	ModeSessionKey Mode = "session-key"
)

// Request is one corrective trade: sell the overweight token into the
// underweight one.
type Request struct {
	User           string
	Sell           drift.Item
	Buy            drift.Item
	MaxSlippageBps int
}

type Result struct {
	Success    bool
	TxHash     string
	UserOpHash string
	Mode       Mode
	Err        string
}

// Intent is the EIP-712 structure authorizing a specific swap.
type Intent struct {
	User           string
	TokenIn        string
	TokenOut       string
	AmountIn       *big.Int
	MaxSlippageBps int
	Deadline       int64
	StrategyID     string
	Nonce          uint64
}

// SessionKey is a time-bounded, scope-limited delegated signing
// capability persisted at session:{user}.
type SessionKey struct {
	Address          string   `json:"address"`
	Account          string   `json:"account"`
	ValidAfter       int64    `json:"validAfter"` // unix ms
	ValidUntil       int64    `json:"validUntil"` // unix ms
	AllowedTargets   []string `json:"allowedTargets"`
	AllowedSelectors []string `json:"allowedSelectors"`
}

type UserOperation struct {
	Sender   string `json:"sender"`
	Nonce    string `json:"nonce"`
	CallData string `json:"callData"`
	// Signature covers the packed operation hash; gas fields are left
	// to the bundler's estimation endpoint.
	Signature string `json:"signature"`
}

type UserOpReceipt struct {
	UserOpHash string
	TxHash     string
	Success    bool
}

// NonceSource reads the user's on-chain intent nonce.
type NonceSource interface {
	IntentNonce(ctx context.Context, user string) (uint64, error)
}

// IntentSigner produces the EIP-712 signature over an intent and signs
// raw operation digests for the session-key path.
type IntentSigner interface {
	SignIntent(intent Intent) (string, error)
	SignDigest(digest []byte) (string, error)
}

// IntentSubmitter hands a signed intent to the executor service.
type IntentSubmitter interface {
	SubmitIntent(ctx context.Context, intent Intent, signature, poolRef string) (string, error)
}

// Bundler submits ERC-4337 user operations and looks up receipts. A
// nil receipt with nil error means the operation is not yet mined.
type Bundler interface {
	SubmitUserOperation(ctx context.Context, op UserOperation) (string, error)
	UserOperationReceipt(ctx context.Context, userOpHash string) (*UserOpReceipt, error)
}

// DirectExecutor sends a call from the agent's own key, the fallback
// when no bundler endpoint is configured.
type DirectExecutor interface {
	Execute(ctx context.Context, target string, calldata []byte) (string, error)
}

// PoolRegistry resolves the liquidity pool for a token pair.
type PoolRegistry interface {
	ResolvePool(tokenA, tokenB string) (string, error)
}
