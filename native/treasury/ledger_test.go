package treasury

import (
	"errors"
	"math/big"
	"testing"
)

func TestCreditDebit(t *testing.T) {
	ledger := NewLedger()
	if err := ledger.Credit("0aa1", big.NewInt(500), 1, "seed"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := ledger.Debit("0aa1", big.NewInt(200), 2, "spend"); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if err := ledger.Debit("0aa1", big.NewInt(301), 3, "over"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("overdraft must fail, got %v", err)
	}
	account := ledger.Balance("0aa1")
	if account.Available.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("expected 300 available, got %s", account.Available)
	}
	if err := ledger.Credit("0aa1", big.NewInt(0), 4, ""); !errors.Is(err, ErrBadAmount) {
		t.Fatalf("zero credit must fail, got %v", err)
	}
}

func TestEscrowLifecycle(t *testing.T) {
	ledger := NewLedger()
	if err := ledger.Credit("0aa1", big.NewInt(1_000), 1, "seed"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := ledger.HoldEscrow("0aa1", "0001", "esc-1", big.NewInt(400), 2); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if err := ledger.HoldEscrow("0aa1", "0002", "esc-1", big.NewInt(100), 3); !errors.Is(err, ErrEscrowExists) {
		t.Fatalf("open escrow id reuse must fail, got %v", err)
	}
	account := ledger.Balance("0aa1")
	if account.Available.Cmp(big.NewInt(600)) != 0 || account.Escrowed.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("escrow balances wrong: %s/%s", account.Available, account.Escrowed)
	}
	if err := ledger.SettleJobToProvider("0aa1", "esc-1", 4); err != nil {
		t.Fatalf("settle: %v", err)
	}
	account = ledger.Balance("0aa1")
	if account.Available.Cmp(big.NewInt(1_000)) != 0 || account.Escrowed.Sign() != 0 {
		t.Fatalf("settle should return funds: %s/%s", account.Available, account.Escrowed)
	}
	// A settled escrow id can be reused for a fresh hold.
	if err := ledger.HoldEscrow("0aa1", "0003", "esc-1", big.NewInt(100), 5); err != nil {
		t.Fatalf("rehold: %v", err)
	}
	if err := ledger.ReleaseEscrow("0aa1", "esc-1", false, 6); err != nil {
		t.Fatalf("release: %v", err)
	}
	account = ledger.Balance("0aa1")
	// Released without to_available: the funds left the system.
	if account.Available.Cmp(big.NewInt(900)) != 0 || account.Escrowed.Sign() != 0 {
		t.Fatalf("outbound release wrong: %s/%s", account.Available, account.Escrowed)
	}
	if err := ledger.ReleaseEscrow("0aa1", "esc-1", true, 7); !errors.Is(err, ErrEscrowNotOpen) {
		t.Fatalf("double release must fail, got %v", err)
	}
}

func TestSlashPrefersStake(t *testing.T) {
	ledger := NewLedger()
	if err := ledger.Credit("0aa1", big.NewInt(1_000), 1, "seed"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := ledger.StakeLock("0aa1", big.NewInt(600), 2); err != nil {
		t.Fatalf("stake: %v", err)
	}
	// Slash 700: 600 from stake, 100 spills to available.
	if err := ledger.Slash("0aa1", big.NewInt(700), 3, "sla"); err != nil {
		t.Fatalf("slash: %v", err)
	}
	account := ledger.Balance("0aa1")
	if account.Staked.Sign() != 0 || account.Available.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("slash spill wrong: staked=%s available=%s", account.Staked, account.Available)
	}
	if err := ledger.Slash("0aa1", big.NewInt(301), 4, "sla"); !errors.Is(err, ErrInsufficientStake) {
		t.Fatalf("uncoverable slash must fail, got %v", err)
	}
}

func TestStakeUnlock(t *testing.T) {
	ledger := NewLedger()
	if err := ledger.Credit("0aa1", big.NewInt(500), 1, "seed"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := ledger.StakeLock("0aa1", big.NewInt(500), 2); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := ledger.StakeUnlock("0aa1", big.NewInt(501), 3); !errors.Is(err, ErrInsufficientStake) {
		t.Fatalf("over-unlock must fail, got %v", err)
	}
	if err := ledger.StakeUnlock("0aa1", big.NewInt(500), 4); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	account := ledger.Balance("0aa1")
	if account.Available.Cmp(big.NewInt(500)) != 0 || account.Staked.Sign() != 0 {
		t.Fatalf("unlock balances wrong: %s/%s", account.Available, account.Staked)
	}
}

func TestJournalSequencesAndSink(t *testing.T) {
	ledger := NewLedger()
	var sunk []JournalEntry
	ledger.SetJournalSink(func(entry JournalEntry) { sunk = append(sunk, entry) })
	_ = ledger.Credit("0aa1", big.NewInt(100), 1, "a")
	_ = ledger.Debit("0aa1", big.NewInt(40), 2, "b")
	_ = ledger.Credit("0bb2", big.NewInt(10), 3, "c")

	entries := ledger.Journal(0, 0)
	if len(entries) != 3 {
		t.Fatalf("expected 3 journal entries, got %d", len(entries))
	}
	for i, entry := range entries {
		if entry.Seq != uint64(i+1) {
			t.Fatalf("sequence gap at %d: %d", i, entry.Seq)
		}
	}
	if entries[1].Op != OpDebit || entries[1].Available.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("journal must carry resulting balances: %+v", entries[1])
	}
	if len(sunk) != 3 {
		t.Fatalf("sink must see every entry, got %d", len(sunk))
	}
	tail := ledger.Journal(2, 0)
	if len(tail) != 1 || tail[0].Seq != 3 {
		t.Fatalf("afterSeq filter wrong: %+v", tail)
	}
}

func TestWithdrawalLifecycle(t *testing.T) {
	ledger := NewLedger()
	_ = ledger.Credit("0aa1", big.NewInt(100_000), 1, "seed")
	queue, err := NewWithdrawals(WithdrawalParams{
		MinAmount:             big.NewInt(1_000),
		CooldownBlocks:        10,
		DelayBlocks:           50,
		MaxPendingPerProvider: 2,
	}, ledger)
	if err != nil {
		t.Fatalf("withdrawals: %v", err)
	}

	if _, err := queue.Request("0aa1", big.NewInt(999), 100); !errors.Is(err, ErrWithdrawalTooSmall) {
		t.Fatalf("below-minimum must fail, got %v", err)
	}
	req, err := queue.Request("0aa1", big.NewInt(10_000), 100)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.EarliestExecHeight != 150 {
		t.Fatalf("expected exec height 150, got %d", req.EarliestExecHeight)
	}
	if ledger.Balance("0aa1").Available.Cmp(big.NewInt(90_000)) != 0 {
		t.Fatalf("request must debit immediately")
	}
	if _, err := queue.Request("0aa1", big.NewInt(5_000), 105); !errors.Is(err, ErrWithdrawalCooldown) {
		t.Fatalf("cooldown must apply, got %v", err)
	}
	if err := queue.Execute(req.ID, 149); !errors.Is(err, ErrWithdrawalNotReady) {
		t.Fatalf("early execute must fail, got %v", err)
	}
	if err := queue.Execute(req.ID, 150); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := queue.Execute(req.ID, 151); !errors.Is(err, ErrWithdrawalFinalized) {
		t.Fatalf("double execute must fail, got %v", err)
	}
}

func TestWithdrawalCancelRefunds(t *testing.T) {
	ledger := NewLedger()
	_ = ledger.Credit("0aa1", big.NewInt(50_000), 1, "seed")
	queue, _ := NewWithdrawals(DefaultWithdrawalParams(), ledger)
	req, err := queue.Request("0aa1", big.NewInt(20_000), 100)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := queue.Cancel(req.ID, "0bb2", 101); !errors.Is(err, ErrWithdrawalNotOwner) {
		t.Fatalf("non-owner cancel must fail, got %v", err)
	}
	if err := queue.Cancel(req.ID, "0aa1", 101); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ledger.Balance("0aa1").Available.Cmp(big.NewInt(50_000)) != 0 {
		t.Fatalf("cancel must refund the debit")
	}
	if err := queue.Cancel(req.ID, "0aa1", 102); !errors.Is(err, ErrWithdrawalFinalized) {
		t.Fatalf("double cancel must fail, got %v", err)
	}
}

func TestFinalizeDueRespectsBudget(t *testing.T) {
	ledger := NewLedger()
	_ = ledger.Credit("0aa1", big.NewInt(1_000_000), 1, "seed")
	queue, err := NewWithdrawals(WithdrawalParams{
		MinAmount:             big.NewInt(100),
		CooldownBlocks:        0,
		DelayBlocks:           10,
		MaxPendingPerProvider: 10,
		MaxPerBlockExecute:    big.NewInt(5_000),
	}, ledger)
	if err != nil {
		t.Fatalf("withdrawals: %v", err)
	}
	r1, _ := queue.Request("0aa1", big.NewInt(3_000), 100)
	r2, _ := queue.Request("0aa1", big.NewInt(4_000), 100)
	r3, _ := queue.Request("0aa1", big.NewInt(2_000), 100)

	executed := queue.FinalizeDue(110)
	// r1 (3000) fits, r2 (4000) exceeds the 2000 left and is skipped, r3
	// (2000) fits exactly.
	if len(executed) != 2 || executed[0] != r1.ID || executed[1] != r3.ID {
		t.Fatalf("unexpected execution order %v", executed)
	}
	pending, _ := queue.Get(r2.ID)
	if pending.Status != WithdrawalPending {
		t.Fatalf("skipped request must stay pending")
	}
	// Next block the skipped request goes through.
	executed = queue.FinalizeDue(111)
	if len(executed) != 1 || executed[0] != r2.ID {
		t.Fatalf("carryover execution failed: %v", executed)
	}
}
