package ledger

import (
	"context"
	"time"

	"github.com/inkclash/inkclash/pkg/config"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	KindStake  = "stake"
	KindPayout = "payout"
	KindPrize  = "prize"
	KindTrophy = "trophy"
	KindRefund = "refund"

	// The game's pooled wager account.
	AccountPot = "pot"
	// The tournament prize treasury.
	AccountTreasury = "treasury"
)

// Entry is one double-entry record of value movement. The ledger is an
// audit trail, not the source of truth for balances; the chain is.
type Entry struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	Kind          string `gorm:"size:16;index"`
	DebitAccount  string `gorm:"size:64"`
	CreditAccount string `gorm:"size:64"`
	Amount        int64

	Wallet   string `gorm:"size:64;index"`
	RoomCode string `gorm:"size:16"`
	Week     int    `gorm:"index"`
	TxHash   string `gorm:"size:80"`
	Memo     string `gorm:"size:128"`
}

// Ledger writes entries from a background queue so a slow or failing
// disk never delays a player-facing response. Record never blocks.
type Ledger struct {
	db    *gorm.DB
	queue chan Entry
}

func NewLedger(settings config.LedgerSettings) (*Ledger, error) {
	db, err := gorm.Open(sqlite.Open(settings.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(&Entry{})
	if err != nil {
		return nil, err
	}

	queueSize := settings.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	return &Ledger{
		db:    db,
		queue: make(chan Entry, queueSize),
	}, nil
}

// Record enqueues an entry for the background writer. If the queue is
// full the entry is dropped with a log line; gameplay is never held up
// by the audit trail.
func (l *Ledger) Record(entry Entry) {
	select {
	case l.queue <- entry:
	default:
		log.Warn().
			Str("kind", entry.Kind).
			Str("wallet", entry.Wallet).
			Msg("ledger queue full, dropping entry")
	}
}

func (l *Ledger) Run(ctx context.Context) {
	go l.poll(ctx)
}

func (l *Ledger) poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.drain()
			return
		case entry := <-l.queue:
			l.write(entry)
		}
	}
}

// drain flushes whatever is still queued at shutdown.
func (l *Ledger) drain() {
	for {
		select {
		case entry := <-l.queue:
			l.write(entry)
		default:
			return
		}
	}
}

func (l *Ledger) write(entry Entry) {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = l.db.Create(&entry).Error
		if err == nil {
			return
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}

	log.Error().
		Err(err).
		Str("kind", entry.Kind).
		Str("wallet", entry.Wallet).
		Int64("amount", entry.Amount).
		Msg("failed to write ledger entry")
}

// Entries returns the most recent entries for a wallet, newest first.
func (l *Ledger) Entries(wallet string, limit int) ([]Entry, error) {
	entries := make([]Entry, 0, limit)
	err := l.db.
		Where("wallet = ?", wallet).
		Order("id desc").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// Trophies lists a wallet's tournament trophies.
func (l *Ledger) Trophies(wallet string) ([]Entry, error) {
	var entries []Entry
	err := l.db.
		Where("wallet = ? AND kind = ?", wallet, KindTrophy).
		Order("id asc").
		Find(&entries).Error
	return entries, err
}
