package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"aicf/audit"
	"aicf/config"
	"aicf/core/events"
	"aicf/core/types"
	"aicf/native/completion"
	"aicf/native/epoch"
	"aicf/native/heartbeat"
	"aicf/native/jobs"
	"aicf/native/pricing"
	"aicf/native/proofs"
	"aicf/native/registry"
	"aicf/native/sched"
	"aicf/native/settlement"
	"aicf/native/sla"
	"aicf/native/treasury"
	"aicf/observability/metrics"
	"aicf/storage"
)

// ErrNoPayoutAddress marks providers that registered without one.
var ErrNoPayoutAddress = errors.New("core: provider has no payout address")

// emitterFunc adapts a closure to events.Emitter.
type emitterFunc func(events.Typed)

func (f emitterFunc) Emit(evt events.Typed) { f(evt) }

// slaWindow accumulates per-provider proof observations between SLA
// evaluations.
type slaWindow struct {
	total      uint64
	trapsOK    uint64
	qosOK      uint64
	latencyEMA float64
}

// Node wires every fund engine behind one façade. The RPC surface and the
// daemon loops talk to the node only.
type Node struct {
	cfg *config.Config
	log *slog.Logger

	db    storage.Database
	store jobs.Store

	registry   *registry.Registry
	monitor    *heartbeat.Monitor
	quotas     *sched.QuotaTracker
	engine     *sched.Engine
	retry      *sched.RetryEngine
	gc         *sched.GC
	dispatcher *sched.Dispatcher
	receiver   *completion.Receiver

	pricingAI      pricing.Params
	pricingQuantum pricing.Params
	splitAI        pricing.SplitRule
	splitQuantum   pricing.SplitRule
	surge          *big.Rat

	epochParams epoch.Params
	ledger      *treasury.Ledger
	withdrawals *treasury.Withdrawals
	auditor     *settlement.Auditor
	thresholds  sla.Thresholds
	evaluator   *sla.Evaluator
	slasher     *sla.Engine
	archive     *audit.Archive
	fund        *metrics.FundMetrics
	hub         *EventHub

	height atomic.Uint64

	mu         sync.Mutex
	epochState *epoch.Accounting
	addresses  settlement.MapAddressBook
	pending    []settlement.PayoutRecord
	seen       map[string]struct{}
	deferrer   *settlement.Deferrer
	windows    map[types.ProviderID]*slaWindow

	runOnce  sync.Once
	stopOnce sync.Once
	cancel   context.CancelFunc
}

// NewNode builds the full engine graph from the supplied configuration.
func NewNode(cfg *config.Config, log *slog.Logger) (*Node, error) {
	if cfg == nil {
		return nil, errors.New("core: config required")
	}
	if log == nil {
		log = slog.Default()
	}

	var db storage.Database
	dataDir := strings.TrimSpace(cfg.Node.DataDir)
	if dataDir == "" || dataDir == ":memory:" {
		db = storage.NewMemDB()
	} else {
		ldb, err := storage.NewLevelDB(filepath.Join(dataDir, "jobs"))
		if err != nil {
			return nil, fmt.Errorf("core: open job store: %w", err)
		}
		db = ldb
	}
	store := jobs.NewKVStore(db)

	var policy *registry.Policy
	if path := strings.TrimSpace(cfg.Node.PolicyFile); path != "" {
		loaded, err := registry.LoadPolicy(path)
		if err != nil {
			return nil, err
		}
		policy = loaded
	}
	regCfg, err := cfg.RegistryConfig()
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(regCfg, policy)
	if err != nil {
		return nil, err
	}
	monitor, err := heartbeat.NewMonitor(heartbeat.DefaultParams())
	if err != nil {
		return nil, err
	}
	filter, err := sched.NewFilter(sched.DefaultFilterParams(), reg, monitor)
	if err != nil {
		return nil, err
	}
	quotas := sched.NewQuotaTracker(cfg.QuotaLimits())
	engineCfg, err := cfg.SchedulerConfig()
	if err != nil {
		return nil, err
	}
	engine, err := sched.NewEngine(engineCfg, store, reg, filter, quotas)
	if err != nil {
		return nil, err
	}
	retryPolicy, err := cfg.RetryPolicy()
	if err != nil {
		return nil, err
	}
	retry, err := sched.NewRetryEngine(store, retryPolicy)
	if err != nil {
		return nil, err
	}
	gc, err := sched.NewGC(store, sched.DefaultTTLPolicy(), log)
	if err != nil {
		return nil, err
	}
	dispatcher, err := sched.NewDispatcher(sched.DefaultDispatcherConfig(), engine, retry, gc, store, log)
	if err != nil {
		return nil, err
	}
	receiver, err := completion.NewReceiver(store, reg, engine)
	if err != nil {
		return nil, err
	}

	pricingAI, err := cfg.PricingParams(true)
	if err != nil {
		return nil, err
	}
	pricingQuantum, err := cfg.PricingParams(false)
	if err != nil {
		return nil, err
	}
	epochParams, err := cfg.EpochParams()
	if err != nil {
		return nil, err
	}
	thresholds, err := cfg.Thresholds()
	if err != nil {
		return nil, err
	}
	evaluator, err := sla.NewEvaluator(thresholds, sla.DefaultSoftWeights())
	if err != nil {
		return nil, err
	}
	slashParams, err := cfg.SlashParams()
	if err != nil {
		return nil, err
	}
	slasher, err := sla.NewEngine(slashParams, reg, reg)
	if err != nil {
		return nil, err
	}
	ledger := treasury.NewLedger()
	withdrawalParams, err := cfg.WithdrawalParams()
	if err != nil {
		return nil, err
	}
	withdrawals, err := treasury.NewWithdrawals(withdrawalParams, ledger)
	if err != nil {
		return nil, err
	}
	auditor, err := settlement.NewAuditor(ledger, true)
	if err != nil {
		return nil, err
	}

	node := &Node{
		cfg:            cfg,
		log:            log.With(slog.String("component", "node")),
		db:             db,
		store:          store,
		registry:       reg,
		monitor:        monitor,
		quotas:         quotas,
		engine:         engine,
		retry:          retry,
		gc:             gc,
		dispatcher:     dispatcher,
		receiver:       receiver,
		pricingAI:      pricingAI,
		pricingQuantum: pricingQuantum,
		splitAI:        cfg.Split.AI,
		splitQuantum:   cfg.Split.Quantum,
		surge:          big.NewRat(1, 1),
		epochParams:    epochParams,
		ledger:         ledger,
		withdrawals:    withdrawals,
		auditor:        auditor,
		thresholds:     thresholds,
		evaluator:      evaluator,
		slasher:        slasher,
		fund:           metrics.Fund(),
		hub:            NewEventHub(cfg.RPC.WebsocketBuffer),
		addresses:      settlement.MapAddressBook{},
		seen:           make(map[string]struct{}),
		deferrer:       settlement.NewDeferrer(),
		windows:        make(map[types.ProviderID]*slaWindow),
	}

	if path := strings.TrimSpace(cfg.Node.ArchivePath); path != "" {
		archive, err := audit.Open(path, log)
		if err != nil {
			return nil, err
		}
		node.archive = archive
		ledger.SetJournalSink(archive.JournalSink())
		auditor.SetCreditSink(archive.CreditSink())
	}

	emitter := emitterFunc(node.emit)
	engine.SetEmitter(emitter)
	engine.SetHeightFunc(node.Height)
	receiver.SetEmitter(emitter)
	receiver.SetHeightFunc(node.Height)
	receiver.SetLatencyObserver(func(kind types.Kind, seconds float64) {
		node.fund.ObserveJobCompleted(string(kind), seconds)
	})
	slasher.SetEmitter(emitter)

	return node, nil
}

// emit fans each engine event to subscribers and the metric registry.
func (n *Node) emit(evt events.Typed) {
	switch typed := evt.(type) {
	case events.JobAssigned:
		kind := "unknown"
		if job, err := n.store.GetJob(typed.JobID); err == nil {
			kind = string(job.Kind)
		}
		n.fund.ObserveJobAssigned(kind)
	case events.ProviderSlashed:
		n.fund.ObserveSlash(typed.Reason)
	}
	n.hub.Emit(evt)
}

// Start launches the dispatcher loop. It is idempotent.
func (n *Node) Start(ctx context.Context) {
	n.runOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		n.cancel = cancel
		go n.dispatcher.Run(loopCtx)
	})
}

// Stop drains the loops and closes the archive.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		if n.cancel != nil {
			n.cancel()
			n.dispatcher.Stop()
		}
		if n.archive != nil {
			_ = n.archive.Close()
		}
		n.db.Close()
	})
}

// PauseScheduling suspends new assignments without stopping the loop.
func (n *Node) PauseScheduling() { n.dispatcher.Pause() }

// ResumeScheduling re-enables assignments.
func (n *Node) ResumeScheduling() { n.dispatcher.Resume() }

// SchedulingPaused reports whether the operator has paused assignment.
func (n *Node) SchedulingPaused() bool { return n.dispatcher.Paused() }

// Height returns the current chain height.
func (n *Node) Height() uint64 { return n.height.Load() }

// SetHeight fast-forwards the height source.
func (n *Node) SetHeight(h uint64) { n.height.Store(h) }

// AdvanceHeight moves one block forward, maturing stake unlocks and due
// withdrawals on the way.
func (n *Node) AdvanceHeight() uint64 {
	h := n.height.Add(1)
	n.registry.ProcessUnlocks(h)
	executed := n.withdrawals.FinalizeDue(h)
	for range executed {
		n.fund.ObserveWithdrawalExecuted()
	}
	if n.archive != nil {
		for _, id := range executed {
			if req, err := n.withdrawals.Get(id); err == nil {
				n.archive.RecordWithdrawal(req)
			}
		}
	}
	return h
}

// Subscribe attaches an event listener for the WS surface.
func (n *Node) Subscribe() (<-chan *types.Event, func()) {
	return n.hub.Subscribe()
}

// --- Jobs ---

// SubmitJob validates and enqueues a compute request, returning the job id.
func (n *Node) SubmitJob(kindRaw, requester string, fee *big.Int, sizeBytes uint64, tierRaw string, ttlSeconds uint64, priority int64, spec json.RawMessage) (types.JobID, error) {
	kind, err := types.ParseKind(kindRaw)
	if err != nil {
		return "", err
	}
	tier, err := types.ParseTier(tierRaw)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(requester) == "" {
		return "", errors.New("core: requester required")
	}
	if ttlSeconds == 0 {
		ttlSeconds = 3_600
	}
	now := time.Now()
	id := types.JobID(strings.ReplaceAll(uuid.NewString(), "-", ""))
	job := &jobs.Job{
		ID:          id,
		Kind:        kind,
		Requester:   requester,
		Fee:         types.CopyAmount(fee),
		SizeBytes:   sizeBytes,
		Tier:        tier,
		Spec:        spec,
		TTLSeconds:  ttlSeconds,
		CreatedAt:   now.Unix(),
		Priority:    priority,
		MaxAttempts: n.cfg.Retry.AttemptsCap,
	}
	if err := n.store.Enqueue(job); err != nil {
		return "", err
	}
	n.emit(events.JobEnqueued{
		JobID:     id,
		Kind:      kind,
		Requester: requester,
		Fee:       types.CopyAmount(fee),
		TsMillis:  types.NowMillis(now),
	})
	return id, nil
}

// GetJob returns a copy of the job record.
func (n *Node) GetJob(raw string) (*jobs.Job, error) {
	id, err := types.ParseJobID(raw)
	if err != nil {
		return nil, err
	}
	return n.store.GetJob(id)
}

// ListJobs pages through the job table.
func (n *Node) ListJobs(filter jobs.ListFilter) ([]*jobs.Job, error) {
	return n.store.ListJobs(filter)
}

// CancelJob withdraws a queued or leased job on behalf of its requester.
func (n *Node) CancelJob(raw, requester string) error {
	id, err := types.ParseJobID(raw)
	if err != nil {
		return err
	}
	return n.store.Cancel(id, requester, time.Now())
}

// RenewLease extends the active lease for its holder.
func (n *Node) RenewLease(jobRaw, providerRaw string, extendSecs uint64) (*jobs.Lease, error) {
	jobID, err := types.ParseJobID(jobRaw)
	if err != nil {
		return nil, err
	}
	providerID, err := types.ParseProviderID(providerRaw)
	if err != nil {
		return nil, err
	}
	return n.engine.Renew(jobID, providerID, extendSecs, time.Now())
}

// FailJob records a provider-reported failure and schedules the retry policy.
func (n *Node) FailJob(jobRaw, code string) error {
	jobID, err := types.ParseJobID(jobRaw)
	if err != nil {
		return err
	}
	if err := n.retry.OnFailure(jobID, code, time.Now()); err != nil {
		return err
	}
	if job, err := n.store.GetJob(jobID); err == nil && job.Status == jobs.StatusTombstoned {
		n.fund.ObserveJobTombstoned(code)
	}
	return nil
}

// --- Providers ---

func capabilityFor(kinds []string) (registry.Capability, error) {
	var caps registry.Capability
	for _, raw := range kinds {
		kind, err := types.ParseKind(raw)
		if err != nil {
			return 0, err
		}
		if kind == types.KindQuantum {
			caps |= registry.CapQuantum
		} else {
			caps |= registry.CapAI
		}
	}
	if caps == 0 {
		return 0, errors.New("core: at least one capability required")
	}
	return caps, nil
}

// RegisterProvider admits a provider, bonds its stake, and records the payout
// address used at settlement.
func (n *Node) RegisterProvider(idRaw string, kinds []string, endpoints []string, attested bool, stake *big.Int, region, payoutAddress string, algorithms []string) (*registry.Provider, error) {
	id, err := types.ParseProviderID(idRaw)
	if err != nil {
		return nil, err
	}
	caps, err := capabilityFor(kinds)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(payoutAddress) == "" {
		return nil, ErrNoPayoutAddress
	}
	provider, err := n.registry.Register(id, caps, endpoints, attested, stake, region, algorithms)
	if err != nil {
		return nil, err
	}
	if err := n.registry.EnsureMinimum(id, caps, n.Height()); err != nil {
		_ = n.registry.SetStatus(id, registry.StatusRetired)
		return nil, err
	}
	if stake != nil && stake.Sign() > 0 {
		// The bond arrives from outside the fund, so it is credited before
		// it can be locked.
		height := n.Height()
		if err := n.ledger.Credit(id, stake, height, "stake-deposit"); err != nil {
			return nil, err
		}
		if err := n.ledger.StakeLock(id, stake, height); err != nil {
			return nil, err
		}
	}
	n.mu.Lock()
	n.addresses[id] = strings.TrimSpace(payoutAddress)
	n.mu.Unlock()
	return provider, nil
}

// Heartbeat folds a liveness probe into the health model.
func (n *Node) Heartbeat(idRaw string, ok bool, latencyMs float64) (heartbeat.Health, error) {
	id, err := types.ParseProviderID(idRaw)
	if err != nil {
		return "", err
	}
	health := n.monitor.Ping(id, ok, latencyMs)
	_ = n.registry.RecordHeartbeat(id, time.Now().Unix(), n.monitor.Score(id))
	return health, nil
}

// GetProvider returns a copy of the provider record.
func (n *Node) GetProvider(raw string) (*registry.Provider, error) {
	id, err := types.ParseProviderID(raw)
	if err != nil {
		return nil, err
	}
	return n.registry.Get(id)
}

// SetProviderStatus is the operator override for a provider's lifecycle
// state.
func (n *Node) SetProviderStatus(id types.ProviderID, status registry.Status) error {
	return n.registry.SetStatus(id, status)
}

// ListProviders pages through the registry ordered by id.
func (n *Node) ListProviders(offset, limit int) []*registry.Provider {
	return n.registry.List(offset, limit)
}

// --- Completion and proofs ---

// SubmitCompletion validates a completion claim against the active lease.
func (n *Node) SubmitCompletion(sub completion.Submission) (*completion.Ack, error) {
	return n.receiver.Receive(sub, time.Now())
}

func (n *Node) paramsFor(kind types.Kind) (pricing.Params, pricing.SplitRule) {
	if kind == types.KindQuantum {
		return n.pricingQuantum, n.splitQuantum
	}
	return n.pricingAI, n.splitAI
}

// SubmitProof decodes a work envelope, prices the claimed units, splits the
// reward, and queues the payout for the next settlement. The returned record
// mirrors what settlement will apply.
func (n *Node) SubmitProof(raw []byte) (*settlement.PayoutRecord, error) {
	proofMetrics, claim, err := proofs.Bridge(raw)
	if err != nil {
		return nil, err
	}
	params, rule := n.paramsFor(claim.Kind)

	quality := big.NewRat(1, 1)
	if proofMetrics.QoS != nil && *proofMetrics.QoS > 0 && *proofMetrics.QoS <= 1 {
		// Quality scales the reward down towards the configured floor of half
		// the base rate.
		quality = new(big.Rat).SetFloat64(0.5 + 0.5**proofMetrics.QoS)
	}
	reward, err := pricing.Reward(params, claim.WorkUnits, n.surge, quality)
	if err != nil {
		return nil, err
	}
	shares, err := pricing.Split(rule, reward)
	if err != nil {
		return nil, err
	}

	record := settlement.PayoutRecord{
		PayoutID:       string(claim.Nullifier),
		Provider:       claim.ProviderID,
		MinerAddress:   strings.TrimSpace(n.cfg.Split.MinerAddress),
		ProviderAmount: shares.Provider,
		MinerAmount:    shares.Miner,
		TreasuryAmount: shares.Treasury,
	}

	n.observeProof(claim.ProviderID, proofMetrics)

	// The nullifier is the replay barrier: a re-submitted envelope is rejected
	// here, before it can ever reach the settlement queue.
	n.mu.Lock()
	if _, dup := n.seen[record.PayoutID]; dup {
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", settlement.ErrDuplicatePayout, record.PayoutID)
	}
	n.seen[record.PayoutID] = struct{}{}
	n.pending = append(n.pending, record)
	n.mu.Unlock()
	return &record, nil
}

// observeProof folds the proof's quality telemetry into the provider's SLA
// window.
func (n *Node) observeProof(id types.ProviderID, m proofs.ProofMetrics) {
	n.mu.Lock()
	defer n.mu.Unlock()
	window, ok := n.windows[id]
	if !ok {
		window = &slaWindow{}
		n.windows[id] = window
	}
	window.total++
	if m.TrapsRatio == nil || *m.TrapsRatio >= n.thresholds.TrapsMin {
		window.trapsOK++
	}
	if m.QoS == nil || *m.QoS >= n.thresholds.QoSMin {
		window.qosOK++
	}
	if m.LatencyMs != nil {
		const alpha = 0.2
		if window.latencyEMA == 0 {
			window.latencyEMA = *m.LatencyMs
		} else {
			window.latencyEMA = window.latencyEMA*(1-alpha) + *m.LatencyMs*alpha
		}
	}
}

// --- SLA ---

// EvaluateProviders gates every accumulated SLA window, slashing failures and
// feeding passes into jail recovery. Windows reset after evaluation.
func (n *Node) EvaluateProviders(height uint64) map[types.ProviderID]sla.Verdict {
	n.mu.Lock()
	windows := n.windows
	n.windows = make(map[types.ProviderID]*slaWindow)
	n.mu.Unlock()

	now := time.Now()
	verdicts := make(map[types.ProviderID]sla.Verdict, len(windows))
	for id, window := range windows {
		measurements := sla.Measurements{
			Total:        window.total,
			TrapsOK:      window.trapsOK,
			QoSOK:        window.qosOK,
			LatencyMs:    window.latencyEMA,
			Availability: n.monitor.Score(id),
		}
		verdict := n.evaluator.Evaluate(measurements)
		verdicts[id] = verdict
		if verdict.Pass {
			if _, err := n.slasher.RecordPass(id, height); err != nil {
				n.log.Warn("sla recovery failed", "provider", string(id), "error", err)
			}
			continue
		}
		severity := 1 - verdict.SoftScore
		outcome, err := n.slasher.RecordViolation(id, slaReason(verdict), severity, height, now)
		if err != nil {
			n.log.Warn("sla slash failed", "provider", string(id), "error", err)
			continue
		}
		if n.archive != nil {
			n.archive.RecordPenalty(string(id), slaReason(verdict), outcome, height)
		}
	}
	return verdicts
}

func slaReason(v sla.Verdict) string {
	switch {
	case !v.TrapsPass:
		return "sla/traps"
	case !v.QoSPass:
		return "sla/qos"
	case !v.LatencyPass:
		return "sla/latency"
	default:
		return "sla/availability"
	}
}

// --- Settlement ---

// PendingPayouts returns a snapshot of the queue awaiting settlement.
func (n *Node) PendingPayouts() []settlement.PayoutRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]settlement.PayoutRecord, len(n.pending))
	copy(out, n.pending)
	return out
}

// SettleEpoch drains the pending payouts into a deterministic plan at the
// supplied height, applies the paid amounts to the treasury, and rolls the
// epoch budget forward. What the budget cannot cover stays in the deferral
// queue and pays first in a later epoch; the claim at the boundary is split
// rather than bumped whole.
func (n *Node) SettleEpoch(height uint64) (*settlement.Plan, error) {
	n.mu.Lock()
	records := n.pending
	n.pending = nil
	prev := n.epochState
	book := n.addresses
	n.mu.Unlock()

	state, err := n.epochParams.StartForHeight(prev, height)
	if err != nil {
		return nil, err
	}
	if prev != nil && prev.Idx == state.Idx {
		state = *prev
	}

	plan, next, err := settlement.BuildPlan(settlement.DefaultPlannerParams(), records, book, state, n.deferrer)
	if err != nil {
		n.mu.Lock()
		n.pending = append(records, n.pending...)
		n.mu.Unlock()
		return nil, err
	}

	settlementID := fmt.Sprintf("epoch-%d-h%d", plan.EpochIdx, height)
	applied := 0
	for _, payment := range plan.Payments {
		// Miner-share payments carry no provider id and settle at address
		// level only; they never touch the provider ledger.
		if payment.Provider == "" {
			continue
		}
		fresh, err := n.auditor.Apply(settlementID, payment.ID, payment.Provider, payment.Amount, height)
		if err != nil {
			return nil, err
		}
		if fresh {
			applied++
		}
	}

	n.mu.Lock()
	n.epochState = &next
	n.mu.Unlock()

	n.fund.ObserveSettlement(len(plan.Accepted), len(plan.Rejected))
	n.fund.SetEpochBudget(next.Idx, amountFloat(next.Remaining()))
	n.emit(events.EpochSettled{
		Epoch:    plan.EpochIdx,
		Payouts:  applied,
		Amount:   types.CopyAmount(plan.TotalAccepted),
		Deferred: types.CopyAmount(plan.TotalRejected),
		Height:   height,
		TsMillis: types.NowMillis(time.Now()),
	})
	return plan, nil
}

func amountFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

// EpochState returns the current budget accounting, if an epoch has settled.
func (n *Node) EpochState() *epoch.Accounting {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.epochState == nil {
		return nil
	}
	state := *n.epochState
	return &state
}

// --- Treasury ---

// Balance returns the treasury view of a participant.
func (n *Node) Balance(raw string) (*treasury.Account, error) {
	id, err := types.ParseProviderID(raw)
	if err != nil {
		return nil, err
	}
	return n.ledger.Balance(id), nil
}

// RewardTotal reports the lifetime credited rewards for a provider.
func (n *Node) RewardTotal(raw string) (*big.Int, error) {
	id, err := types.ParseProviderID(raw)
	if err != nil {
		return nil, err
	}
	return n.auditor.ProviderTotal(id), nil
}

// PayoutClaimEntry is one settled credit inside a claim statement.
type PayoutClaimEntry struct {
	PayoutID string
	Amount   *big.Int
	Epoch    uint64
}

// PayoutClaim is the audited statement of everything settlement has credited
// to a provider.
type PayoutClaim struct {
	Provider types.ProviderID
	Total    *big.Int
	Entries  []PayoutClaimEntry
}

// ClaimPayout assembles the provider's settled credits up to and including
// uptoEpoch. A nil bound covers the full credit history. Funds move via the
// withdrawal queue; the claim is the audited view a provider reconciles
// against before requesting one.
func (n *Node) ClaimPayout(raw string, uptoEpoch *uint64) (*PayoutClaim, error) {
	id, err := types.ParseProviderID(raw)
	if err != nil {
		return nil, err
	}
	claim := &PayoutClaim{Provider: id, Total: big.NewInt(0)}
	for _, credit := range n.auditor.Credits() {
		if credit.Provider != id {
			continue
		}
		idx, err := n.epochParams.Index(credit.Height)
		if err != nil {
			continue
		}
		if uptoEpoch != nil && idx > *uptoEpoch {
			continue
		}
		claim.Entries = append(claim.Entries, PayoutClaimEntry{
			PayoutID: credit.PayoutID,
			Amount:   types.CopyAmount(credit.Amount),
			Epoch:    idx,
		})
		claim.Total.Add(claim.Total, credit.Amount)
	}
	return claim, nil
}

// RequestWithdrawal opens a delayed withdrawal against the available balance.
func (n *Node) RequestWithdrawal(raw string, amount *big.Int) (*treasury.WithdrawalRequest, error) {
	id, err := types.ParseProviderID(raw)
	if err != nil {
		return nil, err
	}
	req, err := n.withdrawals.Request(id, amount, n.Height())
	if err != nil {
		return nil, err
	}
	if n.archive != nil {
		n.archive.RecordWithdrawal(req)
	}
	n.refreshPendingGauge()
	return req, nil
}

// CancelWithdrawal refunds a pending withdrawal back to its owner.
func (n *Node) CancelWithdrawal(reqID uint64, raw string) error {
	id, err := types.ParseProviderID(raw)
	if err != nil {
		return err
	}
	if err := n.withdrawals.Cancel(reqID, id, n.Height()); err != nil {
		return err
	}
	if n.archive != nil {
		if req, err := n.withdrawals.Get(reqID); err == nil {
			n.archive.RecordWithdrawal(req)
		}
	}
	n.refreshPendingGauge()
	return nil
}

// ListWithdrawals returns the provider's withdrawal history.
func (n *Node) ListWithdrawals(raw string) ([]*treasury.WithdrawalRequest, error) {
	id, err := types.ParseProviderID(raw)
	if err != nil {
		return nil, err
	}
	return n.withdrawals.List(id), nil
}

func (n *Node) refreshPendingGauge() {
	// The gauge tracks pending requests across all providers; List per
	// provider is the only view, so recount lazily from the journal side.
	n.fund.SetWithdrawalsPending(n.pendingWithdrawals())
}

func (n *Node) pendingWithdrawals() int {
	count := 0
	n.mu.Lock()
	providers := make([]types.ProviderID, 0, len(n.addresses))
	for id := range n.addresses {
		providers = append(providers, id)
	}
	n.mu.Unlock()
	for _, id := range providers {
		for _, req := range n.withdrawals.List(id) {
			if req.Status == treasury.WithdrawalPending {
				count++
			}
		}
	}
	return count
}
