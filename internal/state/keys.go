package state

import (
	"strconv"
	"strings"
)

// Persisted key layout. Addresses are lowercased so lookups stay
// case-insensitive across callers.

const (
	PolicyPrefix     = "policy:"
	TreasuryIndexKey = "treasury:agents"
)

func UserStateKey(user string) string {
	return "state:" + strings.ToLower(user)
}

func PolicyKey(user string) string {
	return PolicyPrefix + strings.ToLower(user)
}

func AuthKey(user string) string {
	return "auth:" + strings.ToLower(user)
}

func SpendingKey(user, day string) string {
	return "spending:" + strings.ToLower(user) + ":" + day
}

func SessionKeyKey(user string) string {
	return "session:" + strings.ToLower(user)
}

func LockKey(user string) string {
	return "lock:" + strings.ToLower(user)
}

func DiscoveredTokensKey(user string) string {
	return "tokens:" + strings.ToLower(user)
}

func DelegationKey(treasury string) string {
	return "delegation:" + strings.ToLower(treasury)
}

func ClaimHistoryKey(agent string, unixMS int64) string {
	return "claims:" + strings.ToLower(agent) + ":" + strconv.FormatInt(unixMS, 10)
}
