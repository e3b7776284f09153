// Package audit mirrors the fund's economic trail into a relational archive.
// The archive is append-only and strictly best-effort: a write failure is
// logged and counted but never surfaces into the engines feeding it.
package audit

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"aicf/native/settlement"
	"aicf/native/sla"
	"aicf/native/treasury"
)

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("audit: archive path must be configured")

// JournalRow is one mirrored treasury journal entry.
type JournalRow struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Seq       uint64 `gorm:"uniqueIndex"`
	Op        string `gorm:"size:32;index"`
	Provider  string `gorm:"size:128;index"`
	Amount    string `gorm:"size:80"`
	Height    uint64 `gorm:"index"`
	Ref       string `gorm:"size:255"`
	Available string `gorm:"size:80"`
	Escrowed  string `gorm:"size:80"`
	Staked    string `gorm:"size:80"`
	CreatedAt time.Time
}

// CreditRow is one mirrored reward credit.
type CreditRow struct {
	CreditID     string `gorm:"primaryKey;size:66"`
	SettlementID string `gorm:"size:128;index"`
	PayoutID     string `gorm:"size:128;index"`
	Provider     string `gorm:"size:128;index"`
	Amount       string `gorm:"size:80"`
	Height       uint64 `gorm:"index"`
	CreatedAt    time.Time
}

// WithdrawalRow snapshots a withdrawal request transition.
type WithdrawalRow struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	RequestID      uint64 `gorm:"index"`
	Provider       string `gorm:"size:128;index"`
	Amount         string `gorm:"size:80"`
	Status         string `gorm:"size:16;index"`
	RequestHeight  uint64
	ExecutedHeight uint64
	CreatedAt      time.Time
}

// PenaltyRow records one applied SLA penalty.
type PenaltyRow struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	Provider   string `gorm:"size:128;index"`
	Reason     string `gorm:"size:64;index"`
	Amount     string `gorm:"size:80"`
	Jailed     bool
	Violations int
	Height     uint64 `gorm:"index"`
	CreatedAt  time.Time
}

// Archive wraps the sqlite-backed mirror.
type Archive struct {
	db       *gorm.DB
	log      *slog.Logger
	failures atomic.Uint64
}

// Open initialises the archive at the supplied sqlite DSN and migrates the
// schema.
func Open(path string, log *slog.Logger) (*Archive, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := gorm.Open(sqlite.Open(trimmed), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: open archive: %w", err)
	}
	if err := db.AutoMigrate(&JournalRow{}, &CreditRow{}, &WithdrawalRow{}, &PenaltyRow{}); err != nil {
		return nil, fmt.Errorf("audit: migrate schema: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Archive{db: db, log: log.With(slog.String("component", "audit"))}, nil
}

// Close releases the underlying database handle.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Failures reports how many mirror writes have been dropped.
func (a *Archive) Failures() uint64 {
	if a == nil {
		return 0
	}
	return a.failures.Load()
}

func (a *Archive) record(kind string, row any) {
	if a == nil || a.db == nil {
		return
	}
	if err := a.db.Create(row).Error; err != nil {
		a.failures.Add(1)
		a.log.Warn("archive write dropped", slog.String("table", kind), slog.String("error", err.Error()))
	}
}

func amountString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

// JournalSink adapts the archive to the treasury ledger's mirror hook.
func (a *Archive) JournalSink() treasury.JournalSink {
	return func(entry treasury.JournalEntry) {
		a.record("journal", &JournalRow{
			Seq:       entry.Seq,
			Op:        entry.Op,
			Provider:  string(entry.Provider),
			Amount:    amountString(entry.Amount),
			Height:    entry.Height,
			Ref:       entry.Ref,
			Available: amountString(entry.Available),
			Escrowed:  amountString(entry.Escrowed),
			Staked:    amountString(entry.Staked),
		})
	}
}

// CreditSink adapts the archive to the settlement auditor's mirror hook.
func (a *Archive) CreditSink() settlement.CreditSink {
	return func(credit settlement.CreditRecord) {
		a.record("credit", &CreditRow{
			CreditID:     credit.CreditID,
			SettlementID: credit.SettlementID,
			PayoutID:     credit.PayoutID,
			Provider:     string(credit.Provider),
			Amount:       amountString(credit.Amount),
			Height:       credit.Height,
		})
	}
}

// RecordWithdrawal snapshots a withdrawal transition.
func (a *Archive) RecordWithdrawal(req *treasury.WithdrawalRequest) {
	if req == nil {
		return
	}
	a.record("withdrawal", &WithdrawalRow{
		RequestID:      req.ID,
		Provider:       string(req.Provider),
		Amount:         amountString(req.Amount),
		Status:         string(req.Status),
		RequestHeight:  req.RequestHeight,
		ExecutedHeight: req.ExecutedHeight,
	})
}

// RecordPenalty mirrors one applied SLA penalty.
func (a *Archive) RecordPenalty(provider, reason string, outcome *sla.SlashOutcome, height uint64) {
	if outcome == nil {
		return
	}
	a.record("penalty", &PenaltyRow{
		Provider:   provider,
		Reason:     reason,
		Amount:     amountString(outcome.Amount),
		Jailed:     outcome.Jailed,
		Violations: outcome.ViolationsInWindow,
		Height:     height,
	})
}

// Journal returns mirrored journal rows after the supplied sequence, capped
// at limit when positive.
func (a *Archive) Journal(afterSeq uint64, limit int) ([]JournalRow, error) {
	if a == nil || a.db == nil {
		return nil, errors.New("audit: archive not configured")
	}
	query := a.db.Where("seq > ?", afterSeq).Order("seq ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []JournalRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("audit: query journal: %w", err)
	}
	return rows, nil
}

// CreditsForProvider returns mirrored credits for one provider in insertion
// order.
func (a *Archive) CreditsForProvider(provider string) ([]CreditRow, error) {
	if a == nil || a.db == nil {
		return nil, errors.New("audit: archive not configured")
	}
	var rows []CreditRow
	if err := a.db.Where("provider = ?", provider).Order("created_at ASC, credit_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("audit: query credits: %w", err)
	}
	return rows, nil
}

// PenaltiesSince returns penalties applied at or above the height.
func (a *Archive) PenaltiesSince(height uint64) ([]PenaltyRow, error) {
	if a == nil || a.db == nil {
		return nil, errors.New("audit: archive not configured")
	}
	var rows []PenaltyRow
	if err := a.db.Where("height >= ?", height).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("audit: query penalties: %w", err)
	}
	return rows, nil
}
