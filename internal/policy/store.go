package policy

import (
	"context"
	"encoding/json"
	"strings"

	"treasury-agent/internal/state"
)

type Store struct {
	kv state.Store
}

func NewStore(kv state.Store) *Store {
	return &Store{kv: kv}
}

func (s *Store) Save(ctx context.Context, user string, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, state.PolicyKey(user), string(data))
}

func (s *Store) Load(ctx context.Context, user string) (*Policy, bool, error) {
	raw, ok, err := s.kv.Get(ctx, state.PolicyKey(user))
	if err != nil || !ok {
		return nil, false, err
	}
	var p Policy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, false, err
	}
	return &p, true, nil
}

func (s *Store) Delete(ctx context.Context, user string) error {
	return s.kv.Delete(ctx, state.PolicyKey(user))
}

// ListUsers returns every address with a stored policy.
func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	keys, err := s.kv.List(ctx, state.PolicyPrefix)
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(keys))
	for _, key := range keys {
		users = append(users, strings.TrimPrefix(key, state.PolicyPrefix))
	}
	return users, nil
}
