package state

import (
	"context"
	"fmt"
	"time"

	"github.com/inkclash/inkclash/pkg/config"

	"github.com/go-redis/redis/v9"
)

const (
	KEY_QUEUE       = "matchmaking-queue"
	KEY_QUEUE_NAMES = "matchmaking-names"
	KEY_ROOM        = "room-%s"
	KEY_ROOMS       = "rooms"

	TOURNAMENT_PREFIX   = "tournament-"
	KEY_WEEK_COUNT      = TOURNAMENT_PREFIX + "week-%d-count"
	KEY_WEEK_ROOM       = TOURNAMENT_PREFIX + "week-%d-room-%d"
	KEY_WEEK_LOCATION   = TOURNAMENT_PREFIX + "week-%d-wallet-%s"
	KEY_WEEK_BOARD      = "leaderboard-week-%d"
	KEY_WEEK_ROOM_BOARD = "leaderboard-week-%d-room-%d"
	KEY_GLOBAL_BOARD    = "leaderboard-global"

	KEY_PROFILE = "profile-%s"
)

const Nil = redis.Nil

type StateService struct {
	client *redis.Client
}

func NewStateService(settings config.RedisSettings) *StateService {
	return &StateService{
		client: redis.NewClient(&redis.Options{
			Addr:     settings.Address,
			Password: settings.Password,
			DB:       settings.DB,
		}),
	}
}

func (r *StateService) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// QueuedPlayer is a matchmaking queue entry. Entries are scored by
// enqueue time so the two longest-waiting players always pair first.
type QueuedPlayer struct {
	Wallet string
	Name   string
}

func (r *StateService) QueueAdd(ctx context.Context, player QueuedPlayer) error {
	pipe := r.client.Pipeline()
	pipe.ZAddNX(ctx, KEY_QUEUE, redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: player.Wallet,
	})
	pipe.HSet(ctx, KEY_QUEUE_NAMES, player.Wallet, player.Name)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *StateService) QueueRemove(ctx context.Context, wallet string) error {
	pipe := r.client.Pipeline()
	pipe.ZRem(ctx, KEY_QUEUE, wallet)
	pipe.HDel(ctx, KEY_QUEUE_NAMES, wallet)
	_, err := pipe.Exec(ctx)
	return err
}

// Pops the two longest-waiting players atomically, or nobody at all.
// The guard runs server-side so that two processes pairing at once can
// never pop the same player twice or strand a lone player.
var popPairScript = redis.NewScript(`
if redis.call('ZCARD', KEYS[1]) < 2 then
  return {}
end
local popped = redis.call('ZPOPMIN', KEYS[1], 2)
return {popped[1], popped[3]}
`)

func (r *StateService) QueuePopPair(ctx context.Context) ([]QueuedPlayer, error) {
	result, err := popPairScript.Run(ctx, r.client, []string{KEY_QUEUE}).Slice()
	if err != nil {
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}

	players := make([]QueuedPlayer, 0, 2)
	for _, member := range result {
		wallet, ok := member.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected queue member type %T", member)
		}

		name, err := r.client.HGet(ctx, KEY_QUEUE_NAMES, wallet).Result()
		if err != nil && err != Nil {
			return nil, err
		}
		r.client.HDel(ctx, KEY_QUEUE_NAMES, wallet)

		players = append(players, QueuedPlayer{
			Wallet: wallet,
			Name:   name,
		})
	}

	return players, nil
}

func (r *StateService) QueueLength(ctx context.Context) (int64, error) {
	return r.client.ZCard(ctx, KEY_QUEUE).Result()
}
