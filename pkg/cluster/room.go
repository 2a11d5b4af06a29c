package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/inkclash/inkclash/pkg/game"
	"github.com/inkclash/inkclash/pkg/state"
	"github.com/inkclash/inkclash/pkg/utils"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"
)

// Event is a room-scoped notification. An empty To broadcasts to both
// players.
type Event struct {
	To      string
	Message interface{}
}

type Slot struct {
	Wallet string
	Name   string
	Team   game.Team
	Paid   bool

	// Set while a confirmation for this slot is out on the chain, so a
	// second confirm cannot slip past the paid check and create the
	// match twice.
	confirming bool
}

// Room is a single match's session record from pairing through
// settlement. Matchmaking and the payment machine own it until it is
// playing; from then on the engine is the sole owner of the simulation
// state and the room only tracks lifecycle.
type Room struct {
	Code string

	mutex  deadlock.Mutex
	slots  [2]*Slot
	status state.RoomStatus

	paymentDeadline time.Time
	onChainID       string
	createdAt       time.Time
	lastActive      time.Time

	session utils.Session
	events  *utils.Topic[Event]
	engine  *game.Engine

	deadlineTimer *time.Timer
	cleanupOnce   sync.Once
}

func NewRoom(ctx context.Context, code string, first *Slot, second *Slot) *Room {
	now := time.Now()
	return &Room{
		Code:       code,
		slots:      [2]*Slot{first, second},
		status:     state.StatusWaiting,
		createdAt:  now,
		lastActive: now,
		session:    utils.NewSession(ctx),
		events:     utils.NewTopic[Event](),
	}
}

func (r *Room) Logger() zerolog.Logger {
	r.mutex.Lock()
	logger := log.With().
		Str("room", r.Code).
		Str("blue", r.slots[0].Wallet).
		Str("red", r.slots[1].Wallet).
		Str("status", string(r.status)).
		Logger()
	r.mutex.Unlock()
	return logger
}

func (r *Room) Events() *utils.Topic[Event] {
	return r.events
}

func (r *Room) Status() state.RoomStatus {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.status
}

func (r *Room) setStatus(status state.RoomStatus) {
	r.mutex.Lock()
	r.status = status
	r.lastActive = time.Now()
	r.mutex.Unlock()
}

func (r *Room) SessionCtx() context.Context {
	return r.session.Ctx()
}

func (r *Room) PaymentDeadline() time.Time {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.paymentDeadline
}

func (r *Room) OnChainID() string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.onChainID
}

// Slot returns the slot occupied by a wallet, or nil.
func (r *Room) Slot(wallet string) *Slot {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, slot := range r.slots {
		if slot.Wallet == wallet {
			return slot
		}
	}
	return nil
}

// Opponent returns the other player's slot, or nil if the wallet is
// not in the room.
func (r *Room) Opponent(wallet string) *Slot {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for i, slot := range r.slots {
		if slot.Wallet == wallet {
			return r.slots[1-i]
		}
	}
	return nil
}

func (r *Room) Engine() *game.Engine {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.engine
}

func (r *Room) bothPaid() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.slots[0].Paid && r.slots[1].Paid
}

// installEngine hands the simulation over to a fresh engine. Any
// previous engine for the room is stopped first; without that a
// re-armed room would tick twice as fast.
func (r *Room) installEngine(engine *game.Engine) {
	r.mutex.Lock()
	previous := r.engine
	r.engine = engine
	r.mutex.Unlock()

	if previous != nil {
		previous.Stop()
	}
}

func (r *Room) broadcast(message interface{}) {
	r.events.Publish(Event{Message: message})
}

func (r *Room) send(wallet string, message interface{}) {
	r.events.Publish(Event{To: wallet, Message: message})
}

// Record converts the room to its persisted shape.
func (r *Room) Record() *state.RoomRecord {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	record := &state.RoomRecord{
		Code:            r.Code,
		Status:          r.status,
		PaymentDeadline: r.paymentDeadline,
		OnChainID:       r.onChainID,
		CreatedAt:       r.createdAt,
		LastActive:      r.lastActive,
	}
	for i, slot := range r.slots {
		record.Slots[i] = state.SlotRecord{
			Wallet: slot.Wallet,
			Name:   slot.Name,
			Team:   byte(slot.Team),
			Paid:   slot.Paid,
		}
	}
	return record
}

// cleanup tears the room down exactly once: the engine and the room
// session are cancelled together, and the deadline timer with them.
// Re-entrant calls are no-ops.
func (r *Room) cleanup(onFirst func()) {
	r.cleanupOnce.Do(func() {
		r.mutex.Lock()
		engine := r.engine
		timer := r.deadlineTimer
		r.mutex.Unlock()

		if engine != nil {
			engine.Stop()
		}
		if timer != nil {
			timer.Stop()
		}
		r.session.Cancel()

		if onFirst != nil {
			onFirst()
		}
	})
}
