package execution

import (
	"errors"
	"fmt"
	"strings"

	"treasury-agent/internal/config"
)

var ErrNoPoolConfigured = errors.New("no pool configured for token pair")

// StaticRegistry resolves pools from configuration. Pairs are keyed
// order-independently; a pair with no entry fails resolution rather
// than guessing a pool.
type StaticRegistry struct {
	pools map[string]string
}

func NewStaticRegistry(configs []config.PoolConfig) *StaticRegistry {
	pools := make(map[string]string, len(configs))
	for _, p := range configs {
		pools[pairKey(p.TokenA, p.TokenB)] = p.Pool
	}
	return &StaticRegistry{pools: pools}
}

func (r *StaticRegistry) ResolvePool(tokenA, tokenB string) (string, error) {
	pool, ok := r.pools[pairKey(tokenA, tokenB)]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrNoPoolConfigured, tokenA, tokenB)
	}
	return pool, nil
}

func pairKey(tokenA, tokenB string) string {
	a := strings.ToLower(tokenA)
	b := strings.ToLower(tokenB)
	if a > b {
		a, b = b, a
	}
	return a + "/" + b
}
