package execution

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/rpc"
)

// RPCBundler talks to an ERC-4337 bundler over JSON-RPC.
type RPCBundler struct {
	client     *rpc.Client
	entryPoint string
}

func DialBundler(ctx context.Context, url, entryPoint string) (*RPCBundler, error) {
	if url == "" {
		return nil, errors.New("bundler url is required")
	}
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return &RPCBundler{client: client, entryPoint: entryPoint}, nil
}

func (b *RPCBundler) SubmitUserOperation(ctx context.Context, op UserOperation) (string, error) {
	var hash string
	if err := b.client.CallContext(ctx, &hash, "eth_sendUserOperation", op, b.entryPoint); err != nil {
		return "", err
	}
	if hash == "" {
		return "", errors.New("bundler returned an empty user operation hash")
	}
	return hash, nil
}

func (b *RPCBundler) UserOperationReceipt(ctx context.Context, userOpHash string) (*UserOpReceipt, error) {
	var raw *struct {
		UserOpHash string `json:"userOpHash"`
		Success    bool   `json:"success"`
		Receipt    struct {
			TransactionHash string `json:"transactionHash"`
		} `json:"receipt"`
	}
	if err := b.client.CallContext(ctx, &raw, "eth_getUserOperationReceipt", userOpHash); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return &UserOpReceipt{
		UserOpHash: raw.UserOpHash,
		TxHash:     raw.Receipt.TransactionHash,
		Success:    raw.Success,
	}, nil
}

func (b *RPCBundler) Close() {
	b.client.Close()
}
