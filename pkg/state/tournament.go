package state

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-redis/redis/v9"
)

// RoomEntry is one element of a tournament room's append-only join
// list.
type RoomEntry struct {
	Wallet   string
	JoinedAt time.Time
	TxHash   string
}

// PlayerLocation maps a wallet to its tournament room for one week.
type PlayerLocation struct {
	Week   int
	RoomID int
}

type BoardEntry struct {
	Wallet string
	Score  int64
}

// Room assignment is a pure function of join order, so the counter
// increment and the join-list append have to land together or not at
// all. Running both inside one script gives us that.
var joinWeekScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local bucket = tonumber(ARGV[1])
local room = math.floor((count - 1) / bucket) + 1
redis.call('RPUSH', KEYS[2] .. room, ARGV[2])
return {count, room}
`)

// JoinWeek atomically increments the week's join counter and appends
// the entry to the derived room's join list, returning the assigned
// room.
func (r *StateService) JoinWeek(ctx context.Context, week int, bucketSize int, entry RoomEntry) (int, error) {
	bytes, err := cbor.Marshal(&entry)
	if err != nil {
		return 0, err
	}

	countKey := fmt.Sprintf(KEY_WEEK_COUNT, week)
	// The script appends the room id it derives from the counter.
	listPrefix := fmt.Sprintf(TOURNAMENT_PREFIX+"week-%d-room-", week)

	result, err := joinWeekScript.Run(
		ctx,
		r.client,
		[]string{countKey, listPrefix},
		bucketSize,
		bytes,
	).Int64Slice()
	if err != nil {
		return 0, err
	}
	if len(result) != 2 {
		return 0, fmt.Errorf("unexpected join result %v", result)
	}

	return int(result[1]), nil
}

func (r *StateService) WeekCount(ctx context.Context, week int) (int64, error) {
	count, err := r.client.Get(ctx, fmt.Sprintf(KEY_WEEK_COUNT, week)).Int64()
	if err == Nil {
		return 0, nil
	}
	return count, err
}

func (r *StateService) RoomEntries(ctx context.Context, week int, roomID int) ([]RoomEntry, error) {
	values, err := r.client.LRange(
		ctx,
		fmt.Sprintf(KEY_WEEK_ROOM, week, roomID),
		0,
		-1,
	).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]RoomEntry, 0, len(values))
	for _, value := range values {
		entry := RoomEntry{}
		if err := cbor.Unmarshal([]byte(value), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SaveLocation records a wallet's room for the week. The first write
// wins; a replay of the same join leaves the original mapping intact.
func (r *StateService) SaveLocation(ctx context.Context, wallet string, location PlayerLocation) error {
	bytes, err := cbor.Marshal(&location)
	if err != nil {
		return err
	}

	return r.client.SetNX(
		ctx,
		fmt.Sprintf(KEY_WEEK_LOCATION, location.Week, wallet),
		bytes,
		0,
	).Err()
}

func (r *StateService) GetLocation(ctx context.Context, week int, wallet string) (*PlayerLocation, error) {
	bytes, err := r.client.Get(
		ctx,
		fmt.Sprintf(KEY_WEEK_LOCATION, week, wallet),
	).Bytes()
	if err == Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	location := PlayerLocation{}
	if err := cbor.Unmarshal(bytes, &location); err != nil {
		return nil, err
	}
	return &location, nil
}

func (r *StateService) IncrScore(ctx context.Context, week int, roomID int, wallet string, delta int64) error {
	pipe := r.client.Pipeline()
	pipe.ZIncrBy(ctx, fmt.Sprintf(KEY_WEEK_ROOM_BOARD, week, roomID), float64(delta), wallet)
	pipe.ZIncrBy(ctx, fmt.Sprintf(KEY_WEEK_BOARD, week), float64(delta), wallet)
	pipe.ZIncrBy(ctx, KEY_GLOBAL_BOARD, float64(delta), wallet)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *StateService) RoomBoard(ctx context.Context, week int, roomID int, limit int64) ([]BoardEntry, error) {
	return r.board(ctx, fmt.Sprintf(KEY_WEEK_ROOM_BOARD, week, roomID), limit)
}

func (r *StateService) WeekBoard(ctx context.Context, week int, limit int64) ([]BoardEntry, error) {
	return r.board(ctx, fmt.Sprintf(KEY_WEEK_BOARD, week), limit)
}

func (r *StateService) GlobalBoard(ctx context.Context, limit int64) ([]BoardEntry, error) {
	return r.board(ctx, KEY_GLOBAL_BOARD, limit)
}

func (r *StateService) board(ctx context.Context, key string, limit int64) ([]BoardEntry, error) {
	values, err := r.client.ZRevRangeWithScores(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]BoardEntry, 0, len(values))
	for _, value := range values {
		wallet, ok := value.Member.(string)
		if !ok {
			continue
		}
		entries = append(entries, BoardEntry{
			Wallet: wallet,
			Score:  int64(value.Score),
		})
	}
	return entries, nil
}

// Rank is the zero-based position of a wallet on a week's board, or
// -1 when the wallet has not scored.
func (r *StateService) Rank(ctx context.Context, week int, wallet string) (int64, error) {
	rank, err := r.client.ZRevRank(ctx, fmt.Sprintf(KEY_WEEK_BOARD, week), wallet).Result()
	if err == Nil {
		return -1, nil
	}
	return rank, err
}

// PlayerProfile is the durable per-wallet record outside any single
// week: how many tournaments they have won and when.
type PlayerProfile struct {
	Trophies       int64
	LastTrophyWeek int
}

// AwardTrophy bumps a wallet's profile when they win their room.
func (r *StateService) AwardTrophy(ctx context.Context, wallet string, week int) error {
	key := fmt.Sprintf(KEY_PROFILE, wallet)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, "trophies", 1)
		pipe.HSet(ctx, key, "lastweek", week)
		return nil
	})
	return err
}

func (r *StateService) Profile(ctx context.Context, wallet string) (*PlayerProfile, error) {
	values, err := r.client.HGetAll(ctx, fmt.Sprintf(KEY_PROFILE, wallet)).Result()
	if err != nil {
		return nil, err
	}

	profile := PlayerProfile{}
	if trophies, ok := values["trophies"]; ok {
		fmt.Sscanf(trophies, "%d", &profile.Trophies)
	}
	if week, ok := values["lastweek"]; ok {
		fmt.Sscanf(week, "%d", &profile.LastTrophyWeek)
	}
	return &profile, nil
}
