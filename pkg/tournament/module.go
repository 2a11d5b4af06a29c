package tournament

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/inkclash/inkclash/pkg/chain"
	"github.com/inkclash/inkclash/pkg/config"
	"github.com/inkclash/inkclash/pkg/ledger"
	"github.com/inkclash/inkclash/pkg/state"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"
)

var (
	ErrRegistrationClosed   = errors.New("registration is closed for this week")
	ErrTransitionInProgress = errors.New("a week transition is already running")
)

// Store is the slice of the session store the tournament needs. Room
// assignment and score writes go through the store's atomic
// primitives.
type Store interface {
	JoinWeek(ctx context.Context, week int, bucketSize int, entry state.RoomEntry) (int, error)
	WeekCount(ctx context.Context, week int) (int64, error)
	RoomEntries(ctx context.Context, week int, roomID int) ([]state.RoomEntry, error)
	SaveLocation(ctx context.Context, wallet string, location state.PlayerLocation) error
	GetLocation(ctx context.Context, week int, wallet string) (*state.PlayerLocation, error)
	IncrScore(ctx context.Context, week int, roomID int, wallet string, delta int64) error
	RoomBoard(ctx context.Context, week int, roomID int, limit int64) ([]state.BoardEntry, error)
	WeekBoard(ctx context.Context, week int, limit int64) ([]state.BoardEntry, error)
	GlobalBoard(ctx context.Context, limit int64) ([]state.BoardEntry, error)
	Rank(ctx context.Context, week int, wallet string) (int64, error)
	AwardTrophy(ctx context.Context, wallet string, week int) error
	Profile(ctx context.Context, wallet string) (*state.PlayerProfile, error)
}

// Status is a snapshot of the scheduler's view of the world. The
// transition flag resets whenever a new registration phase is
// observed.
type Status struct {
	Week               int
	Phase              Phase
	WeekTransitionDone bool
}

// Service assigns players into tournament rooms, accumulates match
// points, and drives the end-of-week transition.
type Service struct {
	settings config.TournamentSettings
	schedule Schedule

	store  Store
	chain  chain.Gateway
	ledger *ledger.Ledger

	// transition is the single-flight guard shared by the poller and
	// the manual trigger. TryLock keeps a slow transition from piling
	// up behind itself.
	transition sync.Mutex

	// joins serializes Join so the existing-assignment check and the
	// counter increment cannot interleave for the same wallet.
	joins deadlock.Mutex

	mutex              deadlock.Mutex
	lastPhase          Phase
	lastWeek           int
	weekTransitionDone bool
}

func NewService(
	settings config.TournamentSettings,
	store Store,
	gateway chain.Gateway,
	auditLog *ledger.Ledger,
) (*Service, error) {
	schedule, err := NewSchedule(
		settings.WeekZero,
		settings.RegistrationHours,
		settings.PointCollectionHours,
	)
	if err != nil {
		return nil, err
	}

	return &Service{
		settings:  settings,
		schedule:  schedule,
		store:     store,
		chain:     gateway,
		ledger:    auditLog,
		lastPhase: -1,
	}, nil
}

func (s *Service) Logger() zerolog.Logger {
	week, phase := s.schedule.At(time.Now())
	return log.With().
		Int("week", week).
		Str("phase", phase.String()).
		Logger()
}

// Join assigns a wallet to a room for the current week. A wallet that
// already has an assignment gets it back unchanged; the counter is
// never touched twice for the same wallet.
func (s *Service) Join(ctx context.Context, wallet string, txHash string) (*state.PlayerLocation, error) {
	week, phase := s.schedule.At(time.Now())
	if phase != PhaseRegistration {
		return nil, ErrRegistrationClosed
	}

	s.joins.Lock()
	defer s.joins.Unlock()

	existing, err := s.store.GetLocation(ctx, week, wallet)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	roomID, err := s.store.JoinWeek(ctx, week, s.settings.BucketSize, state.RoomEntry{
		Wallet:   wallet,
		JoinedAt: time.Now(),
		TxHash:   txHash,
	})
	if err != nil {
		return nil, err
	}

	location := state.PlayerLocation{Week: week, RoomID: roomID}
	if err := s.store.SaveLocation(ctx, wallet, location); err != nil {
		return nil, err
	}

	s.ledger.Record(ledger.Entry{
		Kind:   ledger.KindStake,
		Wallet: wallet,
		Week:   week,
		TxHash: txHash,
		Memo:   "tournament entry",
	})

	log.Info().
		Str("wallet", wallet).
		Int("week", week).
		Int("room", roomID).
		Msg("joined tournament")

	return &location, nil
}

// RecordMatchPoints banks a player's points onto their tournament
// room's leaderboard. Players without an assignment this week, or
// matches outside the point collection window, score nothing.
func (s *Service) RecordMatchPoints(ctx context.Context, wallet string, points int64) {
	week, phase := s.schedule.At(time.Now())
	if phase != PhasePointCollection {
		return
	}

	location, err := s.store.GetLocation(ctx, week, wallet)
	if err != nil {
		log.Error().Err(err).Str("wallet", wallet).Msg("location lookup failed")
		return
	}
	if location == nil {
		return
	}

	err = s.store.IncrScore(ctx, week, location.RoomID, wallet, points)
	if err != nil {
		log.Error().Err(err).Str("wallet", wallet).Msg("score write failed")
	}
}

// Leaderboard returns the ranked board for a week, defaulting to the
// current one. A negative week asks for the all-time global board.
func (s *Service) Leaderboard(ctx context.Context, week int, limit int64) (int, []state.BoardEntry, error) {
	if week < 0 {
		board, err := s.store.GlobalBoard(ctx, limit)
		return 0, board, err
	}
	if week == 0 {
		week, _ = s.schedule.At(time.Now())
	}
	board, err := s.store.WeekBoard(ctx, week, limit)
	return week, board, err
}

func (s *Service) Location(ctx context.Context, wallet string) (*state.PlayerLocation, error) {
	week, _ := s.schedule.At(time.Now())
	return s.store.GetLocation(ctx, week, wallet)
}

// Rank is the wallet's zero-based position on a week's board, -1 when
// unscored.
func (s *Service) Rank(ctx context.Context, week int, wallet string) (int64, error) {
	if week <= 0 {
		week, _ = s.schedule.At(time.Now())
	}
	return s.store.Rank(ctx, week, wallet)
}

func (s *Service) Profile(ctx context.Context, wallet string) (*state.PlayerProfile, error) {
	return s.store.Profile(ctx, wallet)
}

func (s *Service) Status() Status {
	week, phase := s.schedule.At(time.Now())

	s.mutex.Lock()
	defer s.mutex.Unlock()
	return Status{
		Week:               week,
		Phase:              phase,
		WeekTransitionDone: s.weekTransitionDone,
	}
}
