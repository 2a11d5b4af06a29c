package cluster

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/inkclash/inkclash/pkg/chain"
	"github.com/inkclash/inkclash/pkg/game"
	"github.com/inkclash/inkclash/pkg/ledger"
	"github.com/inkclash/inkclash/pkg/protocol"
	"github.com/inkclash/inkclash/pkg/state"

	"github.com/rs/zerolog/log"
)

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrNotInRoom         = errors.New("player is not in this room")
	ErrAlreadyInRoom     = errors.New("player is already in a room")
	ErrNotAwaitingPay    = errors.New("room is not awaiting payment")
	ErrWaitForFirstMover = errors.New("wait for the first player to create the match")
	ErrPaymentRejected   = errors.New("payment could not be verified")
)

type CancelReason string

const (
	CancelReasonTimeout    CancelReason = "timeout"
	CancelReasonCancelled  CancelReason = "cancelled"
	CancelReasonDisconnect CancelReason = "disconnect"
)

// enterPendingPayment moves a freshly paired room into the payment
// gate. Without a chain gateway there is nothing to pay; the room
// skips straight to the countdown.
func (c *Cluster) enterPendingPayment(ctx context.Context, room *Room) {
	if !c.chain.Enabled() {
		room.mutex.Lock()
		room.slots[0].Paid = true
		room.slots[1].Paid = true
		room.mutex.Unlock()
		room.setStatus(state.StatusPendingPayment)
		c.persistRoom(ctx, room)
		c.startCountdown(room)
		return
	}

	deadline := time.Now().Add(
		time.Duration(c.settings.Matchmaking.PaymentDeadlineSeconds) * time.Second,
	)

	room.mutex.Lock()
	room.status = state.StatusPendingPayment
	room.paymentDeadline = deadline
	room.deadlineTimer = time.AfterFunc(time.Until(deadline), func() {
		c.onPaymentDeadline(ctx, room)
	})
	room.mutex.Unlock()

	c.persistRoom(ctx, room)

	room.broadcast(protocol.PendingPaymentMessage{
		Op:       protocol.PendingPaymentOp,
		Room:     room.Code,
		Deadline: deadline,
		Amount:   c.settings.Matchmaking.StakeAmount,
	})
}

// ConfirmPayment handles one player's stake payment. The first slot
// creates the on-chain match; the second joins it and is told to wait
// if the match id is not known yet. Confirming an already-paid slot is
// a no-op.
func (c *Cluster) ConfirmPayment(ctx context.Context, roomCode string, wallet string, txHash string) error {
	room := c.GetRoom(roomCode)
	if room == nil {
		return ErrRoomNotFound
	}
	if room.Status() != state.StatusPendingPayment {
		return ErrNotAwaitingPay
	}

	slot := room.Slot(wallet)
	if slot == nil {
		return ErrNotInRoom
	}

	room.mutex.Lock()
	alreadyPaid := slot.Paid
	inFlight := slot.confirming
	firstMover := slot == room.slots[0]
	onChainID := room.onChainID
	if !alreadyPaid && !inFlight {
		slot.confirming = true
	}
	room.mutex.Unlock()

	// A confirm for a slot that already paid, or whose payment is
	// still being verified, is a no-op.
	if alreadyPaid || inFlight {
		return nil
	}

	defer func() {
		room.mutex.Lock()
		slot.confirming = false
		room.mutex.Unlock()
	}()

	if !firstMover && onChainID == "" {
		room.send(wallet, protocol.PaymentStatusMessage{
			Op:     protocol.PaymentStatusOp,
			Room:   room.Code,
			Reason: ErrWaitForFirstMover.Error(),
		})
		return ErrWaitForFirstMover
	}

	logger := room.Logger()

	stake := big.NewInt(c.settings.Matchmaking.StakeAmount)
	verified, err := c.chain.VerifyIncomingTx(
		ctx,
		txHash,
		wallet,
		c.settings.Chain.TreasuryAddress,
		stake,
	)
	if err != nil {
		logger.Error().Err(err).Str("tx", txHash).Msg("payment verification failed")
		return err
	}
	if !verified {
		room.send(wallet, protocol.PaymentStatusMessage{
			Op:     protocol.PaymentStatusOp,
			Room:   room.Code,
			Reason: ErrPaymentRejected.Error(),
		})
		return ErrPaymentRejected
	}

	if firstMover {
		createTx, created, err := c.chain.CreateMatch(ctx, "wager")
		if err != nil {
			logger.Error().Err(err).Msg("on-chain match creation failed")
			return err
		}

		room.mutex.Lock()
		room.onChainID = created
		room.mutex.Unlock()

		logger.Info().
			Str("onChainID", created).
			Str("tx", createTx).
			Msg("on-chain match created")
	} else {
		joinTx, err := c.chain.JoinMatch(ctx, onChainID)
		if err != nil {
			logger.Error().Err(err).Msg("on-chain match join failed")
			return err
		}

		timeout := time.Duration(c.settings.Chain.ConfirmTimeoutSeconds) * time.Second
		status, err := c.chain.AwaitConfirmation(ctx, joinTx, timeout)
		if err != nil {
			return err
		}
		if status != chain.Confirmed {
			logger.Warn().Str("status", status.String()).Msg("join transaction did not confirm")
			return ErrPaymentRejected
		}
	}

	room.mutex.Lock()
	slot.Paid = true
	room.mutex.Unlock()

	c.ledger.Record(ledger.Entry{
		Kind:          ledger.KindStake,
		DebitAccount:  wallet,
		CreditAccount: ledger.AccountPot,
		Amount:        c.settings.Matchmaking.StakeAmount,
		Wallet:        wallet,
		RoomCode:      room.Code,
		TxHash:        txHash,
	})

	c.notifyPaymentStatus(room)
	c.persistRoom(ctx, room)

	if room.bothPaid() {
		room.mutex.Lock()
		if room.deadlineTimer != nil {
			room.deadlineTimer.Stop()
		}
		room.mutex.Unlock()
		c.startCountdown(room)
	}

	return nil
}

func (c *Cluster) notifyPaymentStatus(room *Room) {
	room.mutex.Lock()
	first, second := room.slots[0], room.slots[1]
	onChainID := room.onChainID
	deadline := room.paymentDeadline
	room.mutex.Unlock()

	room.send(first.Wallet, protocol.PaymentStatusMessage{
		Op:       protocol.PaymentStatusOp,
		Room:     room.Code,
		YouPaid:  first.Paid,
		TheyPaid: second.Paid,
	})
	room.send(second.Wallet, protocol.PaymentStatusMessage{
		Op:       protocol.PaymentStatusOp,
		Room:     room.Code,
		YouPaid:  second.Paid,
		TheyPaid: first.Paid,
	})

	// Once the first mover has created the match, the second player
	// needs the id to join.
	if onChainID != "" && !second.Paid {
		room.send(second.Wallet, protocol.PendingPaymentMessage{
			Op:        protocol.PendingPaymentOp,
			Room:      room.Code,
			Deadline:  deadline,
			Amount:    c.settings.Matchmaking.StakeAmount,
			OnChainID: onChainID,
		})
	}
}

func (c *Cluster) onPaymentDeadline(ctx context.Context, room *Room) {
	if room.Status() != state.StatusPendingPayment {
		return
	}

	logger := room.Logger()
	logger.Info().Msg("payment deadline elapsed")
	c.cancelRoom(ctx, room, CancelReasonTimeout, "")
}

// Cancel is an explicit player cancellation, only valid while the room
// is gated on payment.
func (c *Cluster) Cancel(ctx context.Context, roomCode string, wallet string) error {
	room := c.GetRoom(roomCode)
	if room == nil {
		return ErrRoomNotFound
	}
	if room.Slot(wallet) == nil {
		return ErrNotInRoom
	}
	if room.Status() != state.StatusPendingPayment {
		return ErrNotAwaitingPay
	}

	c.cancelRoom(ctx, room, CancelReasonCancelled, wallet)
	return nil
}

// cancelRoom drives the room to its terminal cancelled state. Both
// players learn the distinguishable reason; any match already created
// on chain is cancelled so no funds are stranded.
func (c *Cluster) cancelRoom(ctx context.Context, room *Room, reason CancelReason, byWallet string) {
	// The deadline timer and a player's explicit cancel can race to
	// this point; only the first transition wins.
	room.mutex.Lock()
	if room.status == state.StatusCancelled || room.status == state.StatusEnded {
		room.mutex.Unlock()
		return
	}
	room.status = state.StatusCancelled
	room.lastActive = time.Now()
	room.mutex.Unlock()

	onChainID := room.OnChainID()
	if onChainID != "" && c.chain.Enabled() {
		txHash, err := c.chain.CancelMatch(ctx, onChainID)
		if err != nil {
			log.Error().Err(err).
				Str("room", room.Code).
				Str("onChainID", onChainID).
				Msg("on-chain cancel failed, match remains cancellable")
		} else {
			c.ledger.Record(ledger.Entry{
				Kind:     ledger.KindRefund,
				RoomCode: room.Code,
				TxHash:   txHash,
				Memo:     string(reason),
			})
		}
	}

	room.mutex.Lock()
	slots := room.slots
	room.mutex.Unlock()

	for _, slot := range slots {
		playerReason := string(reason)
		if reason == CancelReasonCancelled && slot.Wallet != byWallet {
			playerReason = "opponent cancelled"
		}
		if reason == CancelReasonDisconnect && slot.Wallet != byWallet {
			playerReason = "opponent disconnected"
		}
		room.send(slot.Wallet, protocol.ErrorMessage{
			Op:     protocol.ErrorOp,
			Reason: playerReason,
		})
	}

	c.persistRoom(ctx, room)
	c.cleanupRoom(room)
}

// startCountdown ticks the pre-game countdown down at 1Hz before the
// hand-off to the engine. Everything from here on runs on the room's
// own session, not the context of whichever request got us here.
func (c *Cluster) startCountdown(room *Room) {
	ctx := room.session.Ctx()

	room.setStatus(state.StatusCountdown)
	c.persistRoom(ctx, room)

	seconds := int(c.settings.Matchmaking.CountdownSeconds)

	go func() {
		tick := time.NewTicker(1 * time.Second)
		defer tick.Stop()

		count := seconds
		for {
			select {
			case <-room.session.Ctx().Done():
				return
			case <-tick.C:
				if count <= 0 {
					c.startPlaying(room)
					return
				}
				room.broadcast(protocol.CountdownMessage{
					Op:    protocol.CountdownOp,
					Count: count,
				})
				count--
			}
		}
	}()
}

// startPlaying transfers ownership of the room to a fresh simulation
// engine.
func (c *Cluster) startPlaying(room *Room) {
	ctx := room.session.Ctx()

	room.setStatus(state.StatusPlaying)
	c.persistRoom(ctx, room)

	options := game.Options{
		GridWidth:    c.settings.Game.GridWidth,
		GridHeight:   c.settings.Game.GridHeight,
		TickInterval: time.Duration(c.settings.Game.TickMillis) * time.Millisecond,
		MatchSeconds: int(c.settings.Game.MatchSeconds),
	}

	engine := game.NewEngine(ctx, room.Code, options, func(result game.Result) {
		c.settle(room, result)
	})

	room.installEngine(engine)
	engine.Run()

	logger := room.Logger()
	logger.Info().Msg("match started")
}

// settle records the outcome: chain finalization, ledger entries,
// tournament points, and the game-over broadcast.
func (c *Cluster) settle(room *Room, result game.Result) {
	ctx := room.session.Ctx()

	room.setStatus(state.StatusEnded)

	room.mutex.Lock()
	var winner, loser *Slot
	for _, slot := range room.slots {
		if slot.Team == result.Winner {
			winner = slot
		} else {
			loser = slot
		}
	}
	onChainID := room.onChainID
	room.mutex.Unlock()

	logger := room.Logger()
	logger.Info().
		Int("blue", result.Scores.Blue).
		Int("red", result.Scores.Red).
		Bool("draw", result.Draw).
		Msg("settling match")

	room.broadcast(protocol.GameOverMessage{
		Op:        protocol.GameOverOp,
		ScoreBlue: result.Scores.Blue,
		ScoreRed:  result.Scores.Red,
		Winner:    byte(result.Winner),
		Draw:      result.Draw,
	})

	settlement := protocol.SettlementMessage{
		Op:      protocol.SettlementOp,
		Success: true,
	}

	if c.chain.Enabled() && onChainID != "" {
		winnerWallet := winner.Wallet
		if result.Draw {
			// The contract splits the pot on a zero winner.
			winnerWallet = ""
		}

		txHash, err := c.chain.FinalizeMatch(ctx, onChainID, winnerWallet)
		if err != nil {
			logger.Error().Err(err).Msg("finalize failed")
			settlement.Success = false
			settlement.Reason = "settlement failed, contact support"
		} else {
			settlement.TxHash = txHash

			if !result.Draw {
				c.ledger.Record(ledger.Entry{
					Kind:          ledger.KindPayout,
					DebitAccount:  ledger.AccountPot,
					CreditAccount: winner.Wallet,
					Amount:        2 * c.settings.Matchmaking.StakeAmount,
					Wallet:        winner.Wallet,
					RoomCode:      room.Code,
					TxHash:        txHash,
				})
			}
		}
	}

	room.broadcast(settlement)

	// Tournament points: each side banks its own territory share.
	if c.scorer != nil {
		if winner != nil {
			winnerScore, loserScore := result.Scores.Blue, result.Scores.Red
			if winner.Team == game.TeamRed {
				winnerScore, loserScore = loserScore, winnerScore
			}
			c.scorer.RecordMatchPoints(ctx, winner.Wallet, int64(winnerScore))
			if loser != nil {
				c.scorer.RecordMatchPoints(ctx, loser.Wallet, int64(loserScore))
			}
		}
	}

	c.cleanupRoom(room)
}
