package cluster

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/inkclash/inkclash/pkg/chain"
	"github.com/inkclash/inkclash/pkg/config"
	"github.com/inkclash/inkclash/pkg/game"
	"github.com/inkclash/inkclash/pkg/ledger"
	"github.com/inkclash/inkclash/pkg/protocol"
	"github.com/inkclash/inkclash/pkg/state"

	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"
)

// Store is the slice of the session store matchmaking needs. Queue and
// room mutations go through the store's atomic primitives so multiple
// instances can share it safely.
type Store interface {
	QueueAdd(ctx context.Context, player state.QueuedPlayer) error
	QueueRemove(ctx context.Context, wallet string) error
	QueuePopPair(ctx context.Context) ([]state.QueuedPlayer, error)
	QueueLength(ctx context.Context) (int64, error)
	SaveRoom(ctx context.Context, record *state.RoomRecord) error
	LoadRoom(ctx context.Context, code string) (*state.RoomRecord, error)
	DeleteRoom(ctx context.Context, code string) error
	ActiveRooms(ctx context.Context) ([]string, error)
}

// Scorer receives a player's points when a match settles. The
// tournament service implements it; a nil scorer is fine outside
// tournaments.
type Scorer interface {
	RecordMatchPoints(ctx context.Context, wallet string, points int64)
}

// Cluster ties matchmaking, the payment state machine, and room
// lifecycle together. Rooms and grace timers are in-process state;
// everything shared across instances lives in the store.
type Cluster struct {
	settings config.Config

	store  Store
	chain  chain.Gateway
	ledger *ledger.Ledger
	scorer Scorer

	mutex       deadlock.Mutex
	rooms       map[string]*Room
	byWallet    map[string]*Room
	graceTimers map[string]*time.Timer

	queueEvent chan bool
}

func NewCluster(
	settings config.Config,
	store Store,
	gateway chain.Gateway,
	auditLog *ledger.Ledger,
	scorer Scorer,
) *Cluster {
	return &Cluster{
		settings:    settings,
		store:       store,
		chain:       gateway,
		ledger:      auditLog,
		scorer:      scorer,
		rooms:       make(map[string]*Room),
		byWallet:    make(map[string]*Room),
		graceTimers: make(map[string]*time.Timer),
		queueEvent:  make(chan bool, 1),
	}
}

const roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ"

func generateRoomCode() string {
	code := make([]byte, 5)
	for i := range code {
		index, _ := rand.Int(rand.Reader, big.NewInt(int64(len(roomCodeAlphabet))))
		code[i] = roomCodeAlphabet[index.Int64()]
	}
	return string(code)
}

func (c *Cluster) StakeAmount() int64 {
	return c.settings.Matchmaking.StakeAmount
}

func (c *Cluster) GetRoom(code string) *Room {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.rooms[code]
}

func (c *Cluster) RoomForWallet(wallet string) *Room {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.byWallet[wallet]
}

// Enqueue adds a player to the matchmaking queue and nudges the
// pairing loop.
func (c *Cluster) Enqueue(ctx context.Context, wallet string, name string) error {
	if room := c.RoomForWallet(wallet); room != nil {
		return ErrAlreadyInRoom
	}

	err := c.store.QueueAdd(ctx, state.QueuedPlayer{
		Wallet: wallet,
		Name:   name,
	})
	if err != nil {
		return err
	}

	depth, err := c.store.QueueLength(ctx)
	if err != nil {
		depth = -1
	}
	log.Info().Str("wallet", wallet).Int64("depth", depth).Msg("queued for matchmaking")

	select {
	case c.queueEvent <- true:
	default:
	}
	return nil
}

// LeaveQueue removes a player who has not been matched yet. No side
// effects for players already in a room.
func (c *Cluster) LeaveQueue(ctx context.Context, wallet string) error {
	err := c.store.QueueRemove(ctx, wallet)
	if err != nil {
		return err
	}
	log.Info().Str("wallet", wallet).Msg("left matchmaking queue")
	return nil
}

// Poll pairs queued players as they arrive. A slow ticker backstops
// the event channel so pairs queued by another instance still match.
func (c *Cluster) Poll(ctx context.Context) {
	tick := time.NewTicker(2 * time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.queueEvent:
			c.pairMatches(ctx)
		case <-tick.C:
			c.pairMatches(ctx)
		}
	}
}

// Recover sweeps rooms persisted by a previous run. The in-memory half
// of a room (timers, engine, sessions) did not survive the restart, so
// anything still live is cancelled on chain and evicted rather than
// resumed.
func (c *Cluster) Recover(ctx context.Context) error {
	codes, err := c.store.ActiveRooms(ctx)
	if err != nil {
		return err
	}

	for _, code := range codes {
		record, err := c.store.LoadRoom(ctx, code)
		if err != nil {
			log.Error().Err(err).Str("room", code).Msg("could not load persisted room")
			continue
		}

		logger := log.With().
			Str("room", record.Code).
			Str("status", string(record.Status)).
			Logger()

		switch record.Status {
		case state.StatusEnded, state.StatusCancelled:
		default:
			if record.OnChainID != "" && c.chain.Enabled() {
				txHash, err := c.chain.CancelMatch(ctx, record.OnChainID)
				if err != nil {
					logger.Error().Err(err).
						Str("onChainID", record.OnChainID).
						Msg("on-chain cancel of orphaned match failed")
					continue
				}
				c.ledger.Record(ledger.Entry{
					Kind:     ledger.KindRefund,
					RoomCode: record.Code,
					TxHash:   txHash,
					Memo:     "orphaned by restart",
				})
			}
			logger.Info().Msg("orphaned room cancelled")
		}

		if err := c.store.DeleteRoom(ctx, code); err != nil {
			logger.Error().Err(err).Msg("room eviction failed")
		}
	}

	return nil
}

func (c *Cluster) pairMatches(ctx context.Context) {
	for {
		players, err := c.store.QueuePopPair(ctx)
		if err != nil {
			log.Error().Err(err).Msg("queue pop failed")
			return
		}
		if players == nil {
			return
		}

		c.createRoom(ctx, players[0], players[1])
	}
}

// createRoom promotes a popped pair into a room in pending_payment.
// The first popped player (the longest waiting) is blue and moves
// first on chain.
func (c *Cluster) createRoom(ctx context.Context, first state.QueuedPlayer, second state.QueuedPlayer) *Room {
	code := generateRoomCode()

	room := NewRoom(
		ctx,
		code,
		&Slot{Wallet: first.Wallet, Name: first.Name, Team: game.TeamBlue},
		&Slot{Wallet: second.Wallet, Name: second.Name, Team: game.TeamRed},
	)

	c.mutex.Lock()
	c.rooms[code] = room
	c.byWallet[first.Wallet] = room
	c.byWallet[second.Wallet] = room
	c.mutex.Unlock()

	logger := room.Logger()
	logger.Info().Msg("room created")

	room.send(first.Wallet, protocol.MatchFoundMessage{
		Op:       protocol.MatchFoundOp,
		Room:     code,
		Team:     byte(game.TeamBlue),
		Opponent: second.Name,
	})
	room.send(second.Wallet, protocol.MatchFoundMessage{
		Op:       protocol.MatchFoundOp,
		Room:     code,
		Team:     byte(game.TeamRed),
		Opponent: first.Name,
	})

	c.enterPendingPayment(ctx, room)
	return room
}

// OnDisconnect arms the reconnection grace timer for a player whose
// room has not started playing yet. The timer is keyed by wallet, not
// by transport session, so a reconnect under a new connection still
// counts.
func (c *Cluster) OnDisconnect(ctx context.Context, wallet string) {
	room := c.RoomForWallet(wallet)
	if room == nil {
		// Not in a room; just drop them from the queue.
		if err := c.store.QueueRemove(ctx, wallet); err != nil {
			log.Error().Err(err).Str("wallet", wallet).Msg("queue cleanup failed")
		}
		return
	}

	switch room.Status() {
	case state.StatusWaiting, state.StatusPendingPayment, state.StatusCountdown:
	default:
		// Mid-game disconnects keep the simulation running; the
		// client can reattach to the broadcast.
		return
	}

	grace := time.Duration(c.settings.Matchmaking.GraceSeconds) * time.Second

	c.mutex.Lock()
	if previous, ok := c.graceTimers[wallet]; ok {
		previous.Stop()
	}
	c.graceTimers[wallet] = time.AfterFunc(grace, func() {
		c.onGraceExpired(ctx, wallet, room)
	})
	c.mutex.Unlock()

	logger := room.Logger()
	logger.Info().Str("wallet", wallet).Dur("grace", grace).Msg("player disconnected, grace timer armed")
}

// OnReconnect cancels a pending grace timer and returns the player's
// room, if any, with no state lost.
func (c *Cluster) OnReconnect(wallet string) *Room {
	c.mutex.Lock()
	if timer, ok := c.graceTimers[wallet]; ok {
		timer.Stop()
		delete(c.graceTimers, wallet)
	}
	room := c.byWallet[wallet]
	c.mutex.Unlock()

	if room != nil {
		logger := room.Logger()
		logger.Info().Str("wallet", wallet).Msg("player reconnected in grace window")
	}
	return room
}

func (c *Cluster) onGraceExpired(ctx context.Context, wallet string, room *Room) {
	c.mutex.Lock()
	delete(c.graceTimers, wallet)
	c.mutex.Unlock()

	switch room.Status() {
	case state.StatusWaiting, state.StatusPendingPayment, state.StatusCountdown:
	default:
		return
	}

	logger := room.Logger()
	logger.Info().Str("wallet", wallet).Msg("grace expired, cancelling match")

	opponent := room.Opponent(wallet)
	c.cancelRoom(ctx, room, CancelReasonDisconnect, wallet)

	// The opponent did nothing wrong; put them back in the queue.
	if opponent != nil {
		err := c.Enqueue(ctx, opponent.Wallet, opponent.Name)
		if err != nil && err != ErrAlreadyInRoom {
			log.Error().Err(err).Str("wallet", opponent.Wallet).Msg("requeue failed")
		}
	}
}

// cleanupRoom evicts a room and its timers exactly once. The store
// delete runs on a fresh context because the room session is already
// cancelled by this point.
func (c *Cluster) cleanupRoom(room *Room) {
	room.cleanup(func() {
		c.mutex.Lock()
		delete(c.rooms, room.Code)
		for _, slot := range room.slots {
			if c.byWallet[slot.Wallet] == room {
				delete(c.byWallet, slot.Wallet)
			}
			if timer, ok := c.graceTimers[slot.Wallet]; ok {
				timer.Stop()
				delete(c.graceTimers, slot.Wallet)
			}
		}
		c.mutex.Unlock()

		if err := c.store.DeleteRoom(context.Background(), room.Code); err != nil {
			log.Error().Err(err).Str("room", room.Code).Msg("room eviction failed")
		}

		logger := room.Logger()
		logger.Info().
			Dur("lifetime", time.Since(room.session.Started())).
			Msg("room cleaned up")
	})
}

func (c *Cluster) persistRoom(ctx context.Context, room *Room) {
	if err := c.store.SaveRoom(ctx, room.Record()); err != nil {
		log.Error().Err(err).Str("room", room.Code).Msg("room persist failed")
	}
}
