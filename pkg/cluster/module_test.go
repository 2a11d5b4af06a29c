package cluster

import (
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/inkclash/inkclash/pkg/chain"
	"github.com/inkclash/inkclash/pkg/config"
	"github.com/inkclash/inkclash/pkg/game"
	"github.com/inkclash/inkclash/pkg/ledger"
	"github.com/inkclash/inkclash/pkg/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mutex   sync.Mutex
	queue   []state.QueuedPlayer
	saved   map[string]*state.RoomRecord
	deleted []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		saved: make(map[string]*state.RoomRecord),
	}
}

func (f *fakeStore) QueueAdd(ctx context.Context, player state.QueuedPlayer) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	for _, queued := range f.queue {
		if queued.Wallet == player.Wallet {
			return nil
		}
	}
	f.queue = append(f.queue, player)
	return nil
}

func (f *fakeStore) QueueRemove(ctx context.Context, wallet string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	for i, queued := range f.queue {
		if queued.Wallet == wallet {
			f.queue = append(f.queue[:i], f.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeStore) QueuePopPair(ctx context.Context) ([]state.QueuedPlayer, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if len(f.queue) < 2 {
		return nil, nil
	}
	pair := []state.QueuedPlayer{f.queue[0], f.queue[1]}
	f.queue = f.queue[2:]
	return pair, nil
}

func (f *fakeStore) QueueLength(ctx context.Context) (int64, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return int64(len(f.queue)), nil
}

func (f *fakeStore) SaveRoom(ctx context.Context, record *state.RoomRecord) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.saved[record.Code] = record
	return nil
}

func (f *fakeStore) LoadRoom(ctx context.Context, code string) (*state.RoomRecord, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	record, ok := f.saved[code]
	if !ok {
		return nil, state.Nil
	}
	return record, nil
}

func (f *fakeStore) DeleteRoom(ctx context.Context, code string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	delete(f.saved, code)
	f.deleted = append(f.deleted, code)
	return nil
}

func (f *fakeStore) ActiveRooms(ctx context.Context) ([]string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	codes := make([]string, 0, len(f.saved))
	for code := range f.saved {
		codes = append(codes, code)
	}
	return codes, nil
}

func (f *fakeStore) queued() []state.QueuedPlayer {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]state.QueuedPlayer{}, f.queue...)
}

type fakeGateway struct {
	mutex sync.Mutex

	verify      bool
	confirm     chain.ConfirmationStatus
	createDelay time.Duration

	created   int
	joined    []string
	cancelled []string
	finalized []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{verify: true, confirm: chain.Confirmed}
}

func (g *fakeGateway) Enabled() bool { return true }

func (g *fakeGateway) CreateMatch(ctx context.Context, mode string) (string, string, error) {
	time.Sleep(g.createDelay)
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.created++
	return "0xcreate", "42", nil
}

func (g *fakeGateway) JoinMatch(ctx context.Context, onChainID string) (string, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.joined = append(g.joined, onChainID)
	return "0xjoin", nil
}

func (g *fakeGateway) FinalizeMatch(ctx context.Context, onChainID string, winner string) (string, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.finalized = append(g.finalized, onChainID)
	return "0xfinal", nil
}

func (g *fakeGateway) CancelMatch(ctx context.Context, onChainID string) (string, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.cancelled = append(g.cancelled, onChainID)
	return "0xcancel", nil
}

func (g *fakeGateway) SubmitScoreBatch(ctx context.Context, wallets []string, scores []int64) (string, error) {
	return "0xbatch", nil
}

func (g *fakeGateway) RolloverWeek(ctx context.Context) (string, error) {
	return "0xroll", nil
}

func (g *fakeGateway) SendPrize(ctx context.Context, to string, amount int64) (string, error) {
	return "0xprize", nil
}

func (g *fakeGateway) AwaitConfirmation(ctx context.Context, txHash string, timeout time.Duration) (chain.ConfirmationStatus, error) {
	return g.confirm, nil
}

func (g *fakeGateway) VerifyIncomingTx(ctx context.Context, txHash string, expectedSender string, expectedRecipient string, minValue *big.Int) (bool, error) {
	return g.verify, nil
}

func (g *fakeGateway) cancels() []string {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return append([]string{}, g.cancelled...)
}

func testSettings() config.Config {
	var settings config.Config
	settings.Matchmaking.PaymentDeadlineSeconds = 90
	settings.Matchmaking.GraceSeconds = 10
	settings.Matchmaking.CountdownSeconds = 3
	settings.Matchmaking.StakeAmount = 100
	settings.Chain.TreasuryAddress = "0xtreasury"
	settings.Chain.ConfirmTimeoutSeconds = 1
	settings.Game.GridWidth = 16
	settings.Game.GridHeight = 12
	settings.Game.TickMillis = 33
	settings.Game.MatchSeconds = 60
	return settings
}

func testLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	auditLog, err := ledger.NewLedger(config.LedgerSettings{
		Path:      filepath.Join(t.TempDir(), "ledger.db"),
		QueueSize: 32,
	})
	require.NoError(t, err)
	return auditLog
}

func newTestCluster(t *testing.T, settings config.Config, gateway chain.Gateway) (*Cluster, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	return NewCluster(settings, store, gateway, testLedger(t), nil), store
}

func pairRoom(ctx context.Context, cluster *Cluster) *Room {
	return cluster.createRoom(
		ctx,
		state.QueuedPlayer{Wallet: "0xaaa", Name: "alice"},
		state.QueuedPlayer{Wallet: "0xbbb", Name: "bob"},
	)
}

func TestPairingAssignsTeams(t *testing.T) {
	ctx := context.Background()
	cluster, _ := newTestCluster(t, testSettings(), newFakeGateway())

	room := pairRoom(ctx, cluster)
	require.NotNil(t, room)

	first := room.Slot("0xaaa")
	second := room.Slot("0xbbb")
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, game.TeamBlue, first.Team)
	assert.Equal(t, game.TeamRed, second.Team)

	assert.Equal(t, state.StatusPendingPayment, room.Status())
	assert.Same(t, room, cluster.RoomForWallet("0xaaa"))
	assert.Same(t, room, cluster.RoomForWallet("0xbbb"))
}

func TestPairingWithoutChainSkipsPayment(t *testing.T) {
	ctx := context.Background()
	cluster, _ := newTestCluster(t, testSettings(), &chain.DisabledGateway{})

	room := pairRoom(ctx, cluster)
	require.NotNil(t, room)

	assert.Equal(t, state.StatusCountdown, room.Status())
	assert.True(t, room.bothPaid())
}

func TestPlayerInRoomCannotQueue(t *testing.T) {
	ctx := context.Background()
	cluster, _ := newTestCluster(t, testSettings(), newFakeGateway())

	pairRoom(ctx, cluster)
	err := cluster.Enqueue(ctx, "0xaaa", "alice")
	assert.ErrorIs(t, err, ErrAlreadyInRoom)
}

func TestFirstMoverCreatesMatch(t *testing.T) {
	ctx := context.Background()
	gateway := newFakeGateway()
	cluster, _ := newTestCluster(t, testSettings(), gateway)

	room := pairRoom(ctx, cluster)

	err := cluster.ConfirmPayment(ctx, room.Code, "0xaaa", "0xstake1")
	require.NoError(t, err)

	assert.Equal(t, "42", room.OnChainID())
	assert.True(t, room.Slot("0xaaa").Paid)
	assert.Equal(t, 1, gateway.created)

	// Confirming an already-paid slot is a no-op, not a second
	// on-chain match.
	err = cluster.ConfirmPayment(ctx, room.Code, "0xaaa", "0xstake1")
	require.NoError(t, err)
	assert.Equal(t, 1, gateway.created)
}

func TestConcurrentConfirmsCreateOneMatch(t *testing.T) {
	ctx := context.Background()
	gateway := newFakeGateway()
	gateway.createDelay = 50 * time.Millisecond
	cluster, _ := newTestCluster(t, testSettings(), gateway)

	room := pairRoom(ctx, cluster)

	// A client retrying while the first confirm is still verifying on
	// chain must not create a second on-chain match.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := cluster.ConfirmPayment(ctx, room.Code, "0xaaa", "0xstake1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, gateway.created)
	assert.True(t, room.Slot("0xaaa").Paid)
	assert.Equal(t, "42", room.OnChainID())
}

func TestSecondMoverWaitsForMatchID(t *testing.T) {
	ctx := context.Background()
	gateway := newFakeGateway()
	cluster, _ := newTestCluster(t, testSettings(), gateway)

	room := pairRoom(ctx, cluster)

	err := cluster.ConfirmPayment(ctx, room.Code, "0xbbb", "0xstake2")
	assert.ErrorIs(t, err, ErrWaitForFirstMover)
	assert.False(t, room.Slot("0xbbb").Paid)
	assert.Empty(t, gateway.joined)
}

func TestBothPaidStartsCountdown(t *testing.T) {
	ctx := context.Background()
	gateway := newFakeGateway()
	cluster, _ := newTestCluster(t, testSettings(), gateway)

	room := pairRoom(ctx, cluster)

	require.NoError(t, cluster.ConfirmPayment(ctx, room.Code, "0xaaa", "0xstake1"))
	require.NoError(t, cluster.ConfirmPayment(ctx, room.Code, "0xbbb", "0xstake2"))

	assert.Equal(t, []string{"42"}, gateway.joined)
	assert.Equal(t, state.StatusCountdown, room.Status())
}

func TestRejectedPaymentLeavesSlotUnpaid(t *testing.T) {
	ctx := context.Background()
	gateway := newFakeGateway()
	gateway.verify = false
	cluster, _ := newTestCluster(t, testSettings(), gateway)

	room := pairRoom(ctx, cluster)

	err := cluster.ConfirmPayment(ctx, room.Code, "0xaaa", "0xbogus")
	assert.ErrorIs(t, err, ErrPaymentRejected)
	assert.False(t, room.Slot("0xaaa").Paid)
	assert.Equal(t, state.StatusPendingPayment, room.Status())
}

func TestPaymentDeadlineCancelsRoom(t *testing.T) {
	ctx := context.Background()
	gateway := newFakeGateway()

	settings := testSettings()
	settings.Matchmaking.PaymentDeadlineSeconds = 1
	cluster, store := newTestCluster(t, settings, gateway)

	room := pairRoom(ctx, cluster)
	require.NoError(t, cluster.ConfirmPayment(ctx, room.Code, "0xaaa", "0xstake1"))

	require.Eventually(t, func() bool {
		return cluster.GetRoom(room.Code) == nil
	}, 3*time.Second, 50*time.Millisecond)

	assert.Equal(t, state.StatusCancelled, room.Status())
	// The match the first mover already created gets cancelled so
	// their stake is not stranded.
	assert.Equal(t, []string{"42"}, gateway.cancels())
	assert.Contains(t, store.deleted, room.Code)
	assert.Nil(t, cluster.RoomForWallet("0xaaa"))
}

func TestExplicitCancelDuringPendingPayment(t *testing.T) {
	ctx := context.Background()
	cluster, _ := newTestCluster(t, testSettings(), newFakeGateway())

	room := pairRoom(ctx, cluster)

	require.NoError(t, cluster.Cancel(ctx, room.Code, "0xbbb"))
	assert.Equal(t, state.StatusCancelled, room.Status())
	assert.Nil(t, cluster.GetRoom(room.Code))
}

func TestCancelRunsOnce(t *testing.T) {
	ctx := context.Background()
	gateway := newFakeGateway()
	cluster, _ := newTestCluster(t, testSettings(), gateway)

	room := pairRoom(ctx, cluster)
	require.NoError(t, cluster.ConfirmPayment(ctx, room.Code, "0xaaa", "0xstake1"))

	// The deadline timer and an explicit cancel can race; only the
	// first transition may reach the chain.
	cluster.cancelRoom(ctx, room, CancelReasonCancelled, "0xbbb")
	cluster.cancelRoom(ctx, room, CancelReasonTimeout, "")

	assert.Equal(t, state.StatusCancelled, room.Status())
	assert.Equal(t, []string{"42"}, gateway.cancels())
}

func TestRecoverSweepsOrphanedRooms(t *testing.T) {
	ctx := context.Background()
	gateway := newFakeGateway()
	cluster, store := newTestCluster(t, testSettings(), gateway)

	// Rooms left behind by a previous process: one still gated on
	// payment with a live on-chain match, one already finished.
	require.NoError(t, store.SaveRoom(ctx, &state.RoomRecord{
		Code:      "QQQQQ",
		Status:    state.StatusPendingPayment,
		OnChainID: "77",
	}))
	require.NoError(t, store.SaveRoom(ctx, &state.RoomRecord{
		Code:   "ZZZZZ",
		Status: state.StatusEnded,
	}))

	require.NoError(t, cluster.Recover(ctx))

	assert.Equal(t, []string{"77"}, gateway.cancels())
	assert.ElementsMatch(t, []string{"QQQQQ", "ZZZZZ"}, store.deleted)
	assert.Empty(t, store.saved)
}

func TestReconnectInGraceWindow(t *testing.T) {
	ctx := context.Background()
	cluster, _ := newTestCluster(t, testSettings(), newFakeGateway())

	room := pairRoom(ctx, cluster)

	cluster.OnDisconnect(ctx, "0xaaa")

	cluster.mutex.Lock()
	_, armed := cluster.graceTimers["0xaaa"]
	cluster.mutex.Unlock()
	require.True(t, armed)

	recovered := cluster.OnReconnect("0xaaa")
	assert.Same(t, room, recovered)

	cluster.mutex.Lock()
	_, armed = cluster.graceTimers["0xaaa"]
	cluster.mutex.Unlock()
	assert.False(t, armed)
}

func TestGraceExpiryRequeuesOpponent(t *testing.T) {
	ctx := context.Background()

	settings := testSettings()
	settings.Matchmaking.GraceSeconds = 0
	cluster, store := newTestCluster(t, settings, newFakeGateway())

	room := pairRoom(ctx, cluster)

	cluster.OnDisconnect(ctx, "0xaaa")

	require.Eventually(t, func() bool {
		return cluster.GetRoom(room.Code) == nil
	}, 3*time.Second, 50*time.Millisecond)

	assert.Equal(t, state.StatusCancelled, room.Status())

	queued := store.queued()
	require.Len(t, queued, 1)
	assert.Equal(t, "0xbbb", queued[0].Wallet)
}
