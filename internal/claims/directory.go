package claims

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"treasury-agent/internal/state"
)

// StoreDirectory resolves agent wallets and discovered tokens from the
// key-value store. A user with no delegation record acts through their
// own wallet only.
type StoreDirectory struct {
	kv  state.Store
	log *zap.Logger
}

func NewStoreDirectory(kv state.Store, log *zap.Logger) *StoreDirectory {
	return &StoreDirectory{kv: kv, log: log}
}

func (d *StoreDirectory) AgentWallets(ctx context.Context, user string) ([]string, error) {
	wallets := []string{user}
	raw, ok, err := d.kv.Get(ctx, state.DelegationKey(user))
	if err != nil {
		return nil, err
	}
	if !ok {
		return wallets, nil
	}
	var records []AgentRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		d.log.Warn("unparseable delegation record", zap.String("user", user), zap.Error(err))
		return wallets, nil
	}
	for _, record := range records {
		wallets = append(wallets, record.Wallet)
	}
	return wallets, nil
}

func (d *StoreDirectory) DiscoveredTokens(ctx context.Context, user string) ([]string, error) {
	raw, ok, err := d.kv.Get(ctx, state.DiscoveredTokensKey(user))
	if err != nil || !ok {
		return nil, err
	}
	var tokens []string
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		d.log.Warn("unparseable token list", zap.String("user", user), zap.Error(err))
		return nil, nil
	}
	return tokens, nil
}
