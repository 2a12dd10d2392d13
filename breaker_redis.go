package txn

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// NewRedisBreakerStore returns a BreakerStore sharing circuit state across
// process instances through redis. Keys are prefixed "txn:breaker:".
func NewRedisBreakerStore(client *redis.Client) BreakerStore {
	return &redisBreakerStore{client: client}
}

const breakerKeyPrefix = "txn:breaker:"

type redisBreakerStore struct {
	client *redis.Client
}

func (s *redisBreakerStore) Get(ctx context.Context, name string) (BreakerState, error) {
	raw, err := s.client.Get(ctx, breakerKeyPrefix+name).Result()
	if err == redis.Nil {
		return BreakerState{}, nil
	}
	if err != nil {
		return BreakerState{}, err
	}
	var state BreakerState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return BreakerState{}, err
	}
	return state, nil
}

func (s *redisBreakerStore) Set(ctx context.Context, name string, state BreakerState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, breakerKeyPrefix+name, b, 0).Err()
}
