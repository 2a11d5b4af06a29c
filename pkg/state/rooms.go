package state

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

type RoomStatus string

const (
	StatusWaiting        RoomStatus = "waiting"
	StatusPendingPayment RoomStatus = "pending_payment"
	StatusCountdown      RoomStatus = "countdown"
	StatusPlaying        RoomStatus = "playing"
	StatusEnded          RoomStatus = "ended"
	StatusCancelled      RoomStatus = "cancelled"
)

type SlotRecord struct {
	Wallet string
	Name   string
	Team   byte
	Paid   bool
}

// RoomRecord is the persisted shape of a room. The in-memory room in
// pkg/cluster is the working copy; this is what survives a process
// restart and what other instances can read.
type RoomRecord struct {
	Code            string
	Slots           [2]SlotRecord
	Status          RoomStatus
	PaymentDeadline time.Time
	OnChainID       string
	CreatedAt       time.Time
	LastActive      time.Time
}

func (r *StateService) SaveRoom(ctx context.Context, record *RoomRecord) error {
	bytes, err := cbor.Marshal(record)
	if err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, fmt.Sprintf(KEY_ROOM, record.Code), bytes, 0)
	pipe.SAdd(ctx, KEY_ROOMS, record.Code)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *StateService) LoadRoom(ctx context.Context, code string) (*RoomRecord, error) {
	bytes, err := r.client.Get(ctx, fmt.Sprintf(KEY_ROOM, code)).Bytes()
	if err != nil {
		return nil, err
	}

	record := RoomRecord{}
	err = cbor.Unmarshal(bytes, &record)
	if err != nil {
		return nil, err
	}

	return &record, nil
}

func (r *StateService) DeleteRoom(ctx context.Context, code string) error {
	pipe := r.client.Pipeline()
	pipe.Del(ctx, fmt.Sprintf(KEY_ROOM, code))
	pipe.SRem(ctx, KEY_ROOMS, code)
	_, err := pipe.Exec(ctx)
	return err
}

// ActiveRooms lists the codes of every persisted room, used to sweep
// rooms orphaned by a process restart.
func (r *StateService) ActiveRooms(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, KEY_ROOMS).Result()
}
