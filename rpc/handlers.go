package rpc

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strings"

	"aicf/core/types"
	"aicf/native/completion"
	"aicf/native/jobs"
	"aicf/native/registry"
	"aicf/native/settlement"
	"aicf/native/sla"
	"aicf/native/treasury"
)

func parseAmountParam(raw string) (*big.Int, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, true
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 {
		return nil, false
	}
	return value, true
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

type SubmitJobParams struct {
	Kind       string          `json:"kind"`
	Requester  string          `json:"requester"`
	Fee        string          `json:"fee,omitempty"`
	SizeBytes  uint64          `json:"sizeBytes,omitempty"`
	Tier       string          `json:"tier,omitempty"`
	TTLSeconds uint64          `json:"ttlSeconds,omitempty"`
	Priority   int64           `json:"priority,omitempty"`
	Spec       json.RawMessage `json:"spec,omitempty"`
}

type SubmitJobResult struct {
	JobID string `json:"jobId"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, req *RPCRequest) {
	var params SubmitJobParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	fee, ok := parseAmountParam(params.Fee)
	if !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "fee must be a non-negative base-10 amount", nil)
		return
	}
	id, err := s.node.SubmitJob(params.Kind, params.Requester, fee, params.SizeBytes, params.Tier, params.TTLSeconds, params.Priority, params.Spec)
	if err != nil {
		s.writeMapped(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, SubmitJobResult{JobID: string(id)})
}

type jobIDParams struct {
	ID string `json:"id"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, req *RPCRequest) {
	var params jobIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	job, err := s.node.GetJob(params.ID)
	if err != nil {
		s.writeMapped(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, job)
}

type ListJobsParams struct {
	Kind      string `json:"kind,omitempty"`
	Status    string `json:"status,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Requester string `json:"requester,omitempty"`
	Offset    int    `json:"offset,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, req *RPCRequest) {
	params := ListJobsParams{Limit: 50}
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
			return
		}
	}
	filter := jobs.ListFilter{
		Requester: params.Requester,
		Offset:    params.Offset,
		Limit:     params.Limit,
	}
	if params.Kind != "" {
		kind, err := types.ParseKind(params.Kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
		filter.Kind = &kind
	}
	if params.Status != "" {
		status := jobs.JobStatus(strings.ToUpper(strings.TrimSpace(params.Status)))
		filter.Status = &status
	}
	if params.Provider != "" {
		provider, err := types.ParseProviderID(params.Provider)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
		filter.Provider = &provider
	}
	list, err := s.node.ListJobs(filter)
	if err != nil {
		s.writeMapped(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, list)
}

type CancelJobParams struct {
	ID        string `json:"id"`
	Requester string `json:"requester"`
}

func (s *Server) handleCancelJob(w http.ResponseWriter, req *RPCRequest) {
	var params CancelJobParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	if err := s.node.CancelJob(params.ID, params.Requester); err != nil {
		s.writeMapped(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"cancelled": true})
}

type RenewLeaseParams struct {
	JobID         string `json:"jobId"`
	ProviderID    string `json:"providerId"`
	ExtendSeconds uint64 `json:"extendSeconds,omitempty"`
}

func (s *Server) handleRenewLease(w http.ResponseWriter, req *RPCRequest) {
	var params RenewLeaseParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	lease, err := s.node.RenewLease(params.JobID, params.ProviderID, params.ExtendSeconds)
	if err != nil {
		s.writeMapped(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, lease)
}

type FailJobParams struct {
	JobID string `json:"jobId"`
	Code  string `json:"code"`
}

func (s *Server) handleFailJob(w http.ResponseWriter, req *RPCRequest) {
	var params FailJobParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	if err := s.node.FailJob(params.JobID, params.Code); err != nil {
		s.writeMapped(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"recorded": true})
}

type RegisterProviderParams struct {
	ID            string   `json:"id"`
	Kinds         []string `json:"kinds"`
	Endpoints     []string `json:"endpoints,omitempty"`
	Attested      bool     `json:"attested,omitempty"`
	Stake         string   `json:"stake,omitempty"`
	Region        string   `json:"region,omitempty"`
	PayoutAddress string   `json:"payoutAddress"`
	Algorithms    []string `json:"algorithms,omitempty"`
}

func (s *Server) handleRegisterProvider(w http.ResponseWriter, req *RPCRequest) {
	var params RegisterProviderParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	stake, ok := parseAmountParam(params.Stake)
	if !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "stake must be a non-negative base-10 amount", nil)
		return
	}
	provider, err := s.node.RegisterProvider(params.ID, params.Kinds, params.Endpoints, params.Attested, stake, params.Region, params.PayoutAddress, params.Algorithms)
	if err != nil {
		s.writeMapped(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, provider)
}

type providerIDParams struct {
	ID string `json:"id"`
}

func (s *Server) handleGetProvider(w http.ResponseWriter, req *RPCRequest) {
	var params providerIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	provider, err := s.node.GetProvider(params.ID)
	if err != nil {
		s.writeMapped(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, provider)
}

type ListProvidersParams struct {
	Offset int `json:"offset,omitempty"`
	Limit  int `json:"limit,omitempty"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, req *RPCRequest) {
	params := ListProvidersParams{Limit: 50}
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
			return
		}
	}
	writeResult(w, req.ID, s.node.ListProviders(params.Offset, params.Limit))
}

type HeartbeatParams struct {
	ID        string  `json:"id"`
	OK        bool    `json:"ok"`
	LatencyMs float64 `json:"latencyMs,omitempty"`
}

type HeartbeatResult struct {
	Health string `json:"health"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, req *RPCRequest) {
	var params HeartbeatParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	health, err := s.node.Heartbeat(params.ID, params.OK, params.LatencyMs)
	if err != nil {
		s.writeMapped(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, HeartbeatResult{Health: string(health)})
}

func (s *Server) handleSubmitCompletion(w http.ResponseWriter, req *RPCRequest) {
	var sub completion.Submission
	if err := decodeParams(req, &sub); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	ack, err := s.node.SubmitCompletion(sub)
	if err != nil {
		s.writeMapped(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, ack)
}

type PayoutResult struct {
	PayoutID       string `json:"payoutId"`
	Provider       string `json:"provider"`
	ProviderAmount string `json:"providerAmount"`
	MinerAmount    string `json:"minerAmount"`
	TreasuryAmount string `json:"treasuryAmount"`
}

func payoutResultFrom(record settlement.PayoutRecord) PayoutResult {
	return PayoutResult{
		PayoutID:       record.PayoutID,
		Provider:       string(record.Provider),
		ProviderAmount: amountString(record.ProviderAmount),
		MinerAmount:    amountString(record.MinerAmount),
		TreasuryAmount: amountString(record.TreasuryAmount),
	}
}

func (s *Server) handleSubmitProof(w http.ResponseWriter, req *RPCRequest) {
	if len(req.Params) == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "proof envelope required", nil)
		return
	}
	record, err := s.node.SubmitProof(req.Params[0])
	if err != nil {
		s.writeMapped(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, payoutResultFrom(*record))
}

type BalanceResult struct {
	Provider  string `json:"provider"`
	Available string `json:"available"`
	Escrowed  string `json:"escrowed"`
	Staked    string `json:"staked"`
}

func (s *Server) handleGetBalance(w http.ResponseWriter, req *RPCRequest) {
	var params providerIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	account, err := s.node.Balance(params.ID)
	if err != nil {
		s.writeMapped(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, BalanceResult{
		Provider:  params.ID,
		Available: amountString(account.Available),
		Escrowed:  amountString(account.Escrowed),
		Staked:    amountString(account.Staked),
	})
}

type RewardTotalResult struct {
	Provider string `json:"provider"`
	Total    string `json:"total"`
}

func (s *Server) handleRewardTotal(w http.ResponseWriter, req *RPCRequest) {
	var params providerIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	total, err := s.node.RewardTotal(params.ID)
	if err != nil {
		s.writeMapped(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, RewardTotalResult{Provider: params.ID, Total: amountString(total)})
}

type ClaimPayoutParams struct {
	ProviderID string  `json:"providerId"`
	UptoEpoch  *uint64 `json:"uptoEpoch,omitempty"`
}

type ClaimPayoutEntry struct {
	PayoutID string `json:"payoutId"`
	Amount   string `json:"amount"`
	Epoch    uint64 `json:"epoch"`
}

type ClaimPayoutResult struct {
	ProviderID string             `json:"providerId"`
	TotalPaid  string             `json:"totalPaid"`
	Payouts    []ClaimPayoutEntry `json:"payouts"`
}

func (s *Server) handleClaimPayout(w http.ResponseWriter, req *RPCRequest) {
	var params ClaimPayoutParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	claim, err := s.node.ClaimPayout(params.ProviderID, params.UptoEpoch)
	if err != nil {
		s.writeMapped(w, req.ID, err)
		return
	}
	result := ClaimPayoutResult{
		ProviderID: string(claim.Provider),
		TotalPaid:  amountString(claim.Total),
		Payouts:    make([]ClaimPayoutEntry, 0, len(claim.Entries)),
	}
	for _, entry := range claim.Entries {
		result.Payouts = append(result.Payouts, ClaimPayoutEntry{
			PayoutID: entry.PayoutID,
			Amount:   amountString(entry.Amount),
			Epoch:    entry.Epoch,
		})
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handlePendingPayouts(w http.ResponseWriter, req *RPCRequest) {
	pending := s.node.PendingPayouts()
	out := make([]PayoutResult, 0, len(pending))
	for _, record := range pending {
		out = append(out, payoutResultFrom(record))
	}
	writeResult(w, req.ID, out)
}

type EpochStateResult struct {
	Epoch     uint64 `json:"epoch"`
	Budget    string `json:"budget"`
	Spent     string `json:"spent"`
	Remaining string `json:"remaining"`
}

func (s *Server) handleEpochState(w http.ResponseWriter, req *RPCRequest) {
	state := s.node.EpochState()
	if state == nil {
		writeResult(w, req.ID, nil)
		return
	}
	writeResult(w, req.ID, EpochStateResult{
		Epoch:     state.Idx,
		Budget:    amountString(state.BudgetTotal),
		Spent:     amountString(state.BudgetSpent),
		Remaining: amountString(state.Remaining()),
	})
}

type WithdrawalResult struct {
	ID                 uint64 `json:"id"`
	Provider           string `json:"provider"`
	Amount             string `json:"amount"`
	Status             string `json:"status"`
	RequestHeight      uint64 `json:"requestHeight"`
	EarliestExecHeight uint64 `json:"earliestExecHeight"`
	ExecutedHeight     uint64 `json:"executedHeight,omitempty"`
}

func withdrawalResultFrom(req *treasury.WithdrawalRequest) WithdrawalResult {
	return WithdrawalResult{
		ID:                 req.ID,
		Provider:           string(req.Provider),
		Amount:             amountString(req.Amount),
		Status:             string(req.Status),
		RequestHeight:      req.RequestHeight,
		EarliestExecHeight: req.EarliestExecHeight,
		ExecutedHeight:     req.ExecutedHeight,
	}
}

type RequestWithdrawalParams struct {
	ID     string `json:"id"`
	Amount string `json:"amount"`
}

func (s *Server) handleRequestWithdrawal(w http.ResponseWriter, req *RPCRequest) {
	var params RequestWithdrawalParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	amount, ok := parseAmountParam(params.Amount)
	if !ok || amount == nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "amount must be a positive base-10 value", nil)
		return
	}
	request, err := s.node.RequestWithdrawal(params.ID, amount)
	if err != nil {
		s.writeMapped(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, withdrawalResultFrom(request))
}

type CancelWithdrawalParams struct {
	RequestID uint64 `json:"requestId"`
	ID        string `json:"id"`
}

func (s *Server) handleCancelWithdrawal(w http.ResponseWriter, req *RPCRequest) {
	var params CancelWithdrawalParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	if err := s.node.CancelWithdrawal(params.RequestID, params.ID); err != nil {
		s.writeMapped(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"cancelled": true})
}

func (s *Server) handleListWithdrawals(w http.ResponseWriter, req *RPCRequest) {
	var params providerIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	list, err := s.node.ListWithdrawals(params.ID)
	if err != nil {
		s.writeMapped(w, req.ID, err)
		return
	}
	out := make([]WithdrawalResult, 0, len(list))
	for _, request := range list {
		out = append(out, withdrawalResultFrom(request))
	}
	writeResult(w, req.ID, out)
}

type heightParams struct {
	Height uint64 `json:"height"`
}

type TransferResult struct {
	Class   string `json:"class"`
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type SettleEpochResult struct {
	Epoch           uint64           `json:"epoch"`
	Accepted        []TransferResult `json:"accepted"`
	Rejected        []TransferResult `json:"rejected"`
	TreasuryAccrued string           `json:"treasuryAccrued"`
	TotalAccepted   string           `json:"totalAccepted"`
	TotalRejected   string           `json:"totalRejected"`
}

func transferResults(in []settlement.Transfer) []TransferResult {
	out := make([]TransferResult, 0, len(in))
	for _, transfer := range in {
		out = append(out, TransferResult{
			Class:   string(transfer.Class),
			Address: transfer.Address,
			Amount:  amountString(transfer.Amount),
		})
	}
	return out
}

func (s *Server) handleSettleEpoch(w http.ResponseWriter, req *RPCRequest) {
	params := heightParams{Height: s.node.Height()}
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
			return
		}
	}
	plan, err := s.node.SettleEpoch(params.Height)
	if err != nil {
		s.writeMapped(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, SettleEpochResult{
		Epoch:           plan.EpochIdx,
		Accepted:        transferResults(plan.Accepted),
		Rejected:        transferResults(plan.Rejected),
		TreasuryAccrued: amountString(plan.TreasuryAccrued),
		TotalAccepted:   amountString(plan.TotalAccepted),
		TotalRejected:   amountString(plan.TotalRejected),
	})
}

type VerdictResult struct {
	Provider  string  `json:"provider"`
	Pass      bool    `json:"pass"`
	SoftScore float64 `json:"softScore"`
}

func (s *Server) handleEvaluateProviders(w http.ResponseWriter, req *RPCRequest) {
	params := heightParams{Height: s.node.Height()}
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
			return
		}
	}
	verdicts := s.node.EvaluateProviders(params.Height)
	out := make([]VerdictResult, 0, len(verdicts))
	for id, verdict := range verdicts {
		out = append(out, verdictResult(id, verdict))
	}
	writeResult(w, req.ID, out)
}

func verdictResult(id types.ProviderID, verdict sla.Verdict) VerdictResult {
	return VerdictResult{Provider: string(id), Pass: verdict.Pass, SoftScore: verdict.SoftScore}
}

type SetProviderStatusParams struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Server) handleSetProviderStatus(w http.ResponseWriter, req *RPCRequest) {
	var params SetProviderStatusParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	id, err := types.ParseProviderID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	status, err := registry.ParseStatus(params.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.node.SetProviderStatus(id, status); err != nil {
		s.writeMapped(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"updated": true})
}

func (s *Server) handlePause(w http.ResponseWriter, req *RPCRequest) {
	s.node.PauseScheduling()
	writeResult(w, req.ID, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, req *RPCRequest) {
	s.node.ResumeScheduling()
	writeResult(w, req.ID, map[string]bool{"paused": false})
}

func (s *Server) handleSetHeight(w http.ResponseWriter, req *RPCRequest) {
	var params heightParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	s.node.SetHeight(params.Height)
	writeResult(w, req.ID, map[string]uint64{"height": params.Height})
}

func (s *Server) handleAdvanceHeight(w http.ResponseWriter, req *RPCRequest) {
	writeResult(w, req.ID, map[string]uint64{"height": s.node.AdvanceHeight()})
}
