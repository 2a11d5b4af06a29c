package tournament

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/inkclash/inkclash/pkg/ledger"
	"github.com/inkclash/inkclash/pkg/state"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
)

// Monitor starts the phase poller. The job only observes the clock;
// all the work happens in checkAndTransition when the week ends.
func (s *Service) Monitor(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	poll := time.Duration(s.settings.PollSeconds) * time.Second
	_, err = scheduler.NewJob(
		gocron.DurationJob(poll),
		gocron.NewTask(func() {
			s.checkAndTransition(ctx)
		}),
	)
	if err != nil {
		return err
	}

	scheduler.Start()
	log.Info().Dur("poll", poll).Msg("tournament monitor started")

	go func() {
		<-ctx.Done()
		_ = scheduler.Shutdown()
	}()

	return nil
}

// checkAndTransition runs once per poll. Observing a fresh
// registration phase re-arms the transition; observing the ended
// phase with the transition still pending fires it. TryLock makes
// overlapping attempts impossible without ever blocking the poller.
func (s *Service) checkAndTransition(ctx context.Context) {
	week, phase := s.schedule.At(time.Now())

	s.mutex.Lock()
	if phase == PhaseRegistration && s.lastPhase != PhaseRegistration {
		s.weekTransitionDone = false
	}
	s.lastPhase = phase
	s.lastWeek = week
	pending := phase == PhaseEnded && !s.weekTransitionDone
	s.mutex.Unlock()

	if !pending {
		return
	}

	if !s.transition.TryLock() {
		return
	}
	defer s.transition.Unlock()

	if err := s.runTransition(ctx, week); err != nil {
		// The flag stays clear; the next poll retries.
		log.Error().Err(err).Int("week", week).Msg("week transition failed")
		return
	}

	s.mutex.Lock()
	s.weekTransitionDone = true
	s.mutex.Unlock()
}

// ManualWeekTransition is the administrative trigger. It shares the
// poller's mutex, so the two paths can never both roll the same week.
func (s *Service) ManualWeekTransition(ctx context.Context) error {
	if !s.transition.TryLock() {
		return ErrTransitionInProgress
	}
	defer s.transition.Unlock()

	week, _ := s.schedule.At(time.Now())
	if err := s.runTransition(ctx, week); err != nil {
		return err
	}

	s.mutex.Lock()
	s.weekTransitionDone = true
	s.mutex.Unlock()
	return nil
}

// runTransition syncs scores, rolls the contract's week over, and
// settles prizes. A score sync failure is reported but never blocks
// the rollover; only a rollover failure makes the transition retry.
func (s *Service) runTransition(ctx context.Context, week int) error {
	logger := log.With().Int("week", week).Logger()
	logger.Info().Msg("starting week transition")

	rooms, err := s.roomsForWeek(ctx, week)
	if err != nil {
		return err
	}

	if s.chain.Enabled() {
		if err := s.syncScores(ctx, week, rooms); err != nil {
			logger.Error().Err(err).Msg("score sync incomplete")
		}

		txHash, err := s.chain.RolloverWeek(ctx)
		if err != nil {
			return fmt.Errorf("rollover failed: %w", err)
		}
		logger.Info().Str("tx", txHash).Msg("week rolled over")
	}

	for _, roomID := range rooms {
		s.settleRoom(ctx, week, roomID)
	}

	return nil
}

// roomsForWeek derives the room ids from the join counter. A zero
// counter does not prove the week was empty: the counter write can
// fail independently of the room-list append, so the fallback probes
// room boards directly until it finds an empty one.
func (s *Service) roomsForWeek(ctx context.Context, week int) ([]int, error) {
	count, err := s.store.WeekCount(ctx, week)
	if err != nil {
		return nil, err
	}

	if count > 0 {
		last := (int(count)-1)/s.settings.BucketSize + 1
		rooms := make([]int, 0, last)
		for roomID := 1; roomID <= last; roomID++ {
			rooms = append(rooms, roomID)
		}
		return rooms, nil
	}

	var rooms []int
	for roomID := 1; ; roomID++ {
		board, err := s.store.RoomBoard(ctx, week, roomID, 0)
		if err != nil {
			return nil, err
		}
		if len(board) == 0 {
			break
		}
		rooms = append(rooms, roomID)
	}

	if len(rooms) > 0 {
		log.Warn().
			Int("week", week).
			Int("rooms", len(rooms)).
			Msg("join counter reads zero but room boards have entries")
	}
	return rooms, nil
}

// syncScores pools every room's wallet/score pairs and pushes them on
// chain in bounded batches. Each batch is attempted independently; a
// failed batch fails the sync but the rest still go out.
func (s *Service) syncScores(ctx context.Context, week int, rooms []int) error {
	var wallets []string
	var scores []int64

	for _, roomID := range rooms {
		board, err := s.store.RoomBoard(ctx, week, roomID, 0)
		if err != nil {
			return err
		}
		for _, entry := range board {
			wallets = append(wallets, entry.Wallet)
			scores = append(scores, entry.Score)
		}
	}

	batchSize := s.settings.ScoreBatchSize
	var failed int
	for start := 0; start < len(wallets); start += batchSize {
		end := start + batchSize
		if end > len(wallets) {
			end = len(wallets)
		}

		txHash, err := s.chain.SubmitScoreBatch(ctx, wallets[start:end], scores[start:end])
		if err != nil {
			log.Error().Err(err).
				Int("week", week).
				Int("from", start).
				Int("to", end).
				Msg("score batch submission failed")
			failed++
			continue
		}
		log.Info().
			Str("tx", txHash).
			Int("count", end-start).
			Msg("score batch submitted")
	}

	if failed > 0 {
		return fmt.Errorf("%d score batches failed", failed)
	}
	return nil
}

// settleRoom awards a room's podium. Ties rank the earlier joiner
// first, so the join list is the sort's secondary key. Second and
// third place payouts are attempted independently of each other.
func (s *Service) settleRoom(ctx context.Context, week int, roomID int) {
	logger := log.With().Int("week", week).Int("room", roomID).Logger()

	entries, err := s.store.RoomEntries(ctx, week, roomID)
	if err != nil {
		logger.Error().Err(err).Msg("settlement read failed")
		return
	}
	if len(entries) == 0 {
		return
	}

	board, err := s.store.RoomBoard(ctx, week, roomID, 0)
	if err != nil {
		logger.Error().Err(err).Msg("settlement read failed")
		return
	}

	points := make(map[string]int64, len(board))
	for _, entry := range board {
		points[entry.Wallet] = entry.Score
	}

	ranked := make([]state.RoomEntry, len(entries))
	copy(ranked, entries)
	sort.SliceStable(ranked, func(i int, j int) bool {
		return points[ranked[i].Wallet] > points[ranked[j].Wallet]
	})

	champion := ranked[0]
	s.ledger.Record(ledger.Entry{
		Kind:   ledger.KindTrophy,
		Wallet: champion.Wallet,
		Week:   week,
		Memo:   fmt.Sprintf("week %d room %d champion", week, roomID),
	})
	if err := s.store.AwardTrophy(ctx, champion.Wallet, week); err != nil {
		logger.Error().Err(err).
			Str("wallet", champion.Wallet).
			Msg("profile update failed")
	}
	logger.Info().
		Str("wallet", champion.Wallet).
		Int64("score", points[champion.Wallet]).
		Msg("trophy awarded")

	podium := []struct {
		place  int
		amount int64
	}{
		{2, s.settings.SecondPrize},
		{3, s.settings.ThirdPrize},
	}

	for _, prize := range podium {
		if len(ranked) < prize.place || prize.amount <= 0 {
			continue
		}
		if !s.chain.Enabled() {
			continue
		}

		wallet := ranked[prize.place-1].Wallet
		txHash, err := s.chain.SendPrize(ctx, wallet, prize.amount)
		if err != nil {
			logger.Error().Err(err).
				Int("place", prize.place).
				Str("wallet", wallet).
				Msg("prize transfer failed")
			continue
		}

		s.ledger.Record(ledger.Entry{
			Kind:          ledger.KindPrize,
			DebitAccount:  ledger.AccountTreasury,
			CreditAccount: wallet,
			Amount:        prize.amount,
			Wallet:        wallet,
			Week:          week,
			TxHash:        txHash,
		})
	}
}
