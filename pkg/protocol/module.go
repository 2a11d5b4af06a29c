package protocol

import "time"

const (
	// Client -> server
	QueueJoinOp int = iota
	QueueLeaveOp
	PaymentTxOp
	CancelMatchOp
	InputOp
	SelectWeaponOp
	TournamentJoinOp
	LeaderboardOp
	// Server -> client
	QueueStatusOp
	MatchFoundOp
	PendingPaymentOp
	PaymentStatusOp
	CountdownOp
	StateUpdateOp
	GameOverOp
	SettlementOp
	TournamentJoinedOp
	LeaderboardUpdateOp
	ErrorOp
)

type GenericMessage struct {
	Op int
}

// Enter the matchmaking queue.
type QueueJoinMessage struct {
	Op     int // QueueJoinOp
	Wallet string
	Name   string
}

type QueueLeaveMessage struct {
	Op     int // QueueLeaveOp
	Wallet string
}

// The player reports the hash of their stake payment.
type PaymentTxMessage struct {
	Op     int // PaymentTxOp
	Room   string
	TxHash string
}

type CancelMatchMessage struct {
	Op   int // CancelMatchOp
	Room string
}

// Aim and trigger state for the player's cannon.
type InputMessage struct {
	Op     int // InputOp
	Angle  float64
	Firing bool
}

type SelectWeaponMessage struct {
	Op     int // SelectWeaponOp
	Weapon byte
}

type TournamentJoinMessage struct {
	Op     int // TournamentJoinOp
	Wallet string
	TxHash string
}

type LeaderboardMessage struct {
	Op   int // LeaderboardOp
	Week int
}

type QueueStatusMessage struct {
	Op      int // QueueStatusOp
	Queued  bool
	Waiting time.Duration
}

type MatchFoundMessage struct {
	Op       int // MatchFoundOp
	Room     string
	Team     byte
	Opponent string
}

type PendingPaymentMessage struct {
	Op       int // PendingPaymentOp
	Room     string
	Deadline time.Time
	Amount   int64
	// Set once the first mover has created the on-chain match; the
	// second player joins with it.
	OnChainID string
}

type PaymentStatusMessage struct {
	Op       int // PaymentStatusOp
	Room     string
	YouPaid  bool
	TheyPaid bool
	// Non-empty when the payment was rejected or the opponent has to
	// move first.
	Reason string
}

type CountdownMessage struct {
	Op    int // CountdownOp
	Count int
}

// A full cbor-encoded game snapshot.
type StateUpdateMessage struct {
	Op    int // StateUpdateOp
	Frame []byte
}

type GameOverMessage struct {
	Op        int // GameOverOp
	ScoreBlue int
	ScoreRed  int
	Winner    byte
	Draw      bool
}

type SettlementMessage struct {
	Op      int // SettlementOp
	Success bool
	TxHash  string
	Reason  string
}

type TournamentJoinedMessage struct {
	Op     int // TournamentJoinedOp
	Week   int
	RoomID int
	// Lifetime tournament wins from the player's profile.
	Trophies int64
}

type LeaderboardEntry struct {
	Wallet string
	Score  int64
}

type LeaderboardUpdateMessage struct {
	Op      int // LeaderboardUpdateOp
	Week    int
	Entries []LeaderboardEntry
	// The requesting player's own zero-based rank, -1 when unscored.
	YourRank int64
}

type ErrorMessage struct {
	Op     int // ErrorOp
	Reason string
}
