package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"aicf/config"
	"aicf/core/events"
	"aicf/native/completion"
	"aicf/native/jobs"
	"aicf/native/proofs"
	"aicf/native/settlement"
	"aicf/native/treasury"
)

func newTestNode(t *testing.T, mutate func(*config.Config)) *Node {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	node, err := NewNode(cfg, logger)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(node.Stop)
	return node
}

func registerProvider(t *testing.T, n *Node, id string, stake int64) {
	t.Helper()
	_, err := n.RegisterProvider(id, []string{"AI"}, []string{"https://" + id + ".example"}, true, big.NewInt(stake), "eu-west", "addr-"+id, nil)
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	// Warm the health score past the eligibility floor.
	for i := 0; i < 8; i++ {
		if _, err := n.Heartbeat(id, true, 80); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
	}
}

func aiProof(nullifier, provider string, units uint64) []byte {
	return []byte(fmt.Sprintf(`{"AIProof":{"task_id":"task-1","nullifier":%q,"provider_id":%q,"height":5,"units":%d}}`,
		nullifier, provider, units))
}

const (
	testNullifier = "aa11223344556677889900aabbccddeeff00112233445566778899aabbccddee"
	testDigest    = "0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f"
)

func TestRegisterProviderRequiresPayoutAddress(t *testing.T) {
	n := newTestNode(t, nil)
	_, err := n.RegisterProvider("0abc", []string{"AI"}, nil, true, big.NewInt(5_000), "", "", nil)
	if err != ErrNoPayoutAddress {
		t.Fatalf("expected ErrNoPayoutAddress, got %v", err)
	}
}

func TestRegisterProviderBondsStake(t *testing.T) {
	n := newTestNode(t, nil)
	registerProvider(t, n, "0abc", 5_000)

	provider, err := n.GetProvider("0abc")
	if err != nil {
		t.Fatalf("get provider: %v", err)
	}
	if provider.StakeTotal.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("registry stake: %s", provider.StakeTotal)
	}
	account, err := n.Balance("0abc")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if account.Staked.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("treasury staked: %s", account.Staked)
	}
	if account.Available.Sign() != 0 {
		t.Fatalf("available should be empty after bonding: %s", account.Available)
	}
}

func TestSubmitJobRejectsUnknownKind(t *testing.T) {
	n := newTestNode(t, nil)
	if _, err := n.SubmitJob("FPGA", "alice", nil, 0, "", 0, 0, nil); err == nil {
		t.Fatal("unknown kind should be rejected")
	}
	if _, err := n.SubmitJob("AI", "   ", nil, 0, "", 0, 0, nil); err == nil {
		t.Fatal("blank requester should be rejected")
	}
}

func TestAssignAndCompleteLifecycle(t *testing.T) {
	n := newTestNode(t, nil)
	registerProvider(t, n, "0abc", 5_000)

	id, err := n.SubmitJob("AI", "alice", big.NewInt(50), 1_024, "premium", 600, 0, json.RawMessage(`{"model":"m1"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	assignments, err := n.engine.AssignOnce(time.Now())
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(assignments) != 1 || assignments[0].JobID != id {
		t.Fatalf("unexpected assignments: %+v", assignments)
	}
	job, err := n.GetJob(string(id))
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != jobs.StatusAssigned {
		t.Fatalf("status: %s", job.Status)
	}

	ack, err := n.SubmitCompletion(completion.Submission{
		JobID:        string(id),
		ProviderID:   "0abc",
		OutputDigest: testDigest,
	})
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	if !ack.Accepted || ack.Idempotent {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	job, err = n.GetJob(string(id))
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("status after completion: %s", job.Status)
	}
}

func TestSubmitProofQueuesSplitPayout(t *testing.T) {
	n := newTestNode(t, nil)
	registerProvider(t, n, "0abc", 5_000)

	record, err := n.SubmitProof(aiProof(testNullifier, "0abc", 100))
	if err != nil {
		t.Fatalf("submit proof: %v", err)
	}
	// 100 units at rate 2 pay 200, split 85/10/5.
	if record.ProviderAmount.Cmp(big.NewInt(170)) != 0 {
		t.Fatalf("provider share: %s", record.ProviderAmount)
	}
	if record.TreasuryAmount.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("treasury share: %s", record.TreasuryAmount)
	}
	if record.MinerAmount.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("miner share: %s", record.MinerAmount)
	}
	if record.PayoutID != testNullifier {
		t.Fatalf("payout id: %s", record.PayoutID)
	}
	if got := n.PendingPayouts(); len(got) != 1 {
		t.Fatalf("pending payouts: %d", len(got))
	}
}

func TestSettleEpochCreditsProvider(t *testing.T) {
	n := newTestNode(t, nil)
	registerProvider(t, n, "0abc", 5_000)

	if _, err := n.SubmitProof(aiProof(testNullifier, "0abc", 100)); err != nil {
		t.Fatalf("submit proof: %v", err)
	}
	plan, err := n.SettleEpoch(10)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(plan.Accepted) != 1 || len(plan.Rejected) != 0 {
		t.Fatalf("plan shape: accepted=%d rejected=%d", len(plan.Accepted), len(plan.Rejected))
	}
	account, err := n.Balance("0abc")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if account.Available.Cmp(big.NewInt(170)) != 0 {
		t.Fatalf("available after settlement: %s", account.Available)
	}
	total, err := n.RewardTotal("0abc")
	if err != nil {
		t.Fatalf("reward total: %v", err)
	}
	if total.Cmp(big.NewInt(170)) != 0 {
		t.Fatalf("lifetime rewards: %s", total)
	}
	state := n.EpochState()
	if state == nil {
		t.Fatal("epoch state missing")
	}
	if state.Remaining().Cmp(big.NewInt(999_830)) != 0 {
		t.Fatalf("remaining budget: %s", state.Remaining())
	}
	if len(n.PendingPayouts()) != 0 {
		t.Fatal("pending queue should drain")
	}
}

func TestSettleEpochDuplicateProofCreditsOnce(t *testing.T) {
	n := newTestNode(t, nil)
	registerProvider(t, n, "0abc", 5_000)

	if _, err := n.SubmitProof(aiProof(testNullifier, "0abc", 100)); err != nil {
		t.Fatalf("first proof: %v", err)
	}
	if _, err := n.SettleEpoch(10); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	// The nullifier is spent: a replayed envelope is rejected at submission
	// and never reaches the settlement queue.
	if _, err := n.SubmitProof(aiProof(testNullifier, "0abc", 100)); !errors.Is(err, settlement.ErrDuplicatePayout) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	if len(n.PendingPayouts()) != 0 {
		t.Fatal("replay must not queue a payout")
	}
	if _, err := n.SettleEpoch(20); err != nil {
		t.Fatalf("second settle: %v", err)
	}
	account, err := n.Balance("0abc")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if account.Available.Cmp(big.NewInt(170)) != 0 {
		t.Fatalf("duplicate should not double-credit: %s", account.Available)
	}
}

func TestSettleEpochSplitsClaimAtBudgetBoundary(t *testing.T) {
	n := newTestNode(t, func(cfg *config.Config) {
		cfg.Epoch.BaseBudget = "100"
	})
	registerProvider(t, n, "0abc", 5_000)

	if _, err := n.SubmitProof(aiProof(testNullifier, "0abc", 100)); err != nil {
		t.Fatalf("submit proof: %v", err)
	}
	// The 170 provider share exceeds the 100 budget: 100 pays now and the 70
	// remainder waits in the deferral queue.
	plan, err := n.SettleEpoch(10)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if plan.TotalAccepted.Cmp(big.NewInt(100)) != 0 || plan.TotalRejected.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("boundary split wrong: accepted=%s rejected=%s", plan.TotalAccepted, plan.TotalRejected)
	}
	if len(plan.Payments) != 1 || !plan.Payments[0].Partial {
		t.Fatalf("expected one partial payment, got %+v", plan.Payments)
	}
	account, err := n.Balance("0abc")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if account.Available.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("paid part should settle now: %s", account.Available)
	}
	if len(n.PendingPayouts()) != 0 {
		t.Fatal("the remainder lives in the deferral queue, not the proof queue")
	}

	// Next epoch's budget pays the remainder first, under its own credit id.
	plan, err = n.SettleEpoch(110)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if plan.TotalAccepted.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("remainder should pay: %s", plan.TotalAccepted)
	}
	account, err = n.Balance("0abc")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if account.Available.Cmp(big.NewInt(170)) != 0 {
		t.Fatalf("full share should settle across epochs: %s", account.Available)
	}
	total, err := n.RewardTotal("0abc")
	if err != nil {
		t.Fatalf("reward total: %v", err)
	}
	if total.Cmp(big.NewInt(170)) != 0 {
		t.Fatalf("audited total: %s", total)
	}
}

func TestClaimPayoutReportsSettledCredits(t *testing.T) {
	n := newTestNode(t, func(cfg *config.Config) {
		cfg.Epoch.BaseBudget = "100"
	})
	registerProvider(t, n, "0abc", 5_000)

	if _, err := n.SubmitProof(aiProof(testNullifier, "0abc", 100)); err != nil {
		t.Fatalf("submit proof: %v", err)
	}
	if _, err := n.SettleEpoch(10); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := n.SettleEpoch(110); err != nil {
		t.Fatalf("second settle: %v", err)
	}

	claim, err := n.ClaimPayout("0abc", nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.Total.Cmp(big.NewInt(170)) != 0 || len(claim.Entries) != 2 {
		t.Fatalf("claim shape: total=%s entries=%d", claim.Total, len(claim.Entries))
	}

	epochZero := uint64(0)
	bounded, err := n.ClaimPayout("0abc", &epochZero)
	if err != nil {
		t.Fatalf("bounded claim: %v", err)
	}
	if bounded.Total.Cmp(big.NewInt(100)) != 0 || len(bounded.Entries) != 1 {
		t.Fatalf("bounded claim shape: total=%s entries=%d", bounded.Total, len(bounded.Entries))
	}
	if bounded.Entries[0].Epoch != 0 {
		t.Fatalf("entry epoch: %d", bounded.Entries[0].Epoch)
	}
}

func TestSubmitProofRoutesMinerShare(t *testing.T) {
	n := newTestNode(t, func(cfg *config.Config) {
		cfg.Split.MinerAddress = "miner-pool"
	})
	registerProvider(t, n, "0abc", 5_000)

	record, err := n.SubmitProof(aiProof(testNullifier, "0abc", 100))
	if err != nil {
		t.Fatalf("submit proof: %v", err)
	}
	if record.MinerAddress != "miner-pool" {
		t.Fatalf("miner address: %q", record.MinerAddress)
	}
	plan, err := n.SettleEpoch(10)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	// 200 splits 170/10/20: the miner share pays out instead of folding into
	// the treasury accrual.
	if plan.TreasuryAccrued.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("treasury accrual: %s", plan.TreasuryAccrued)
	}
	foundMiner := false
	for _, transfer := range plan.Accepted {
		if transfer.Class == settlement.TransferMiner && transfer.Address == "miner-pool" {
			foundMiner = transfer.Amount.Cmp(big.NewInt(10)) == 0
		}
	}
	if !foundMiner {
		t.Fatalf("miner transfer missing: %+v", plan.Accepted)
	}
}

func TestWithdrawalLifecycle(t *testing.T) {
	n := newTestNode(t, nil)
	registerProvider(t, n, "0abc", 5_000)
	if err := n.ledger.Credit("0abc", big.NewInt(1_000), 0, "reward"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	req, err := n.RequestWithdrawal("0abc", big.NewInt(500))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Status != treasury.WithdrawalPending {
		t.Fatalf("status: %s", req.Status)
	}
	account, err := n.Balance("0abc")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if account.Available.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("available after request: %s", account.Available)
	}

	for n.Height() < req.EarliestExecHeight {
		n.AdvanceHeight()
	}
	got, err := n.withdrawals.Get(req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != treasury.WithdrawalExecuted {
		t.Fatalf("status after delay: %s", got.Status)
	}
	list, err := n.ListWithdrawals("0abc")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("history length: %d", len(list))
	}
}

func TestEvaluateProvidersSlashesFailedWindow(t *testing.T) {
	n := newTestNode(t, nil)
	registerProvider(t, n, "0abc", 5_000)

	bad := 0.4
	for i := 0; i < 5; i++ {
		n.observeProof("0abc", proofs.ProofMetrics{TrapsRatio: &bad, QoS: &bad})
	}
	verdicts := n.EvaluateProviders(10)
	verdict, ok := verdicts["0abc"]
	if !ok {
		t.Fatal("provider should be evaluated")
	}
	if verdict.Pass {
		t.Fatal("window should fail the traps gate")
	}
	stake, err := n.registry.StakeOf("0abc", 10)
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	if stake.Cmp(big.NewInt(5_000)) >= 0 {
		t.Fatalf("stake should shrink, got %s", stake)
	}
	if len(n.EvaluateProviders(11)) != 0 {
		t.Fatal("window should reset after evaluation")
	}
}

func TestSubscribeReceivesEnqueueEvents(t *testing.T) {
	n := newTestNode(t, nil)
	ch, cancel := n.Subscribe()
	defer cancel()

	if _, err := n.SubmitJob("AI", "alice", nil, 0, "", 0, 0, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case evt := <-ch:
		if evt.Type != events.TypeJobEnqueued {
			t.Fatalf("event type: %s", evt.Type)
		}
		if !strings.EqualFold(evt.Attributes["requester"], "alice") {
			t.Fatalf("attributes: %+v", evt.Attributes)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	cancel()
	if n.hub.Subscribers() != 0 {
		t.Fatal("cancel should detach the subscriber")
	}
}
