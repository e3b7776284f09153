package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"aicf/config"
	"aicf/core"
	"aicf/core/types"
	"aicf/native/completion"
	"aicf/native/jobs"
	"aicf/native/registry"
	"aicf/native/settlement"
	"aicf/native/treasury"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	adminScope      = "aicf.admin"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeDuplicate      = -32010
	codeRateLimited    = -32020

	codeInsufficientStake = -32030
	codeJobExpired        = -32031
	codeLeaseLost         = -32032
	codeRegistryDenied    = -32033
)

// Server exposes the fund over JSON-RPC and a websocket event stream.
type Server struct {
	node *core.Node
	cfg  config.RPC
	log  *slog.Logger

	jwtSecret []byte

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer wires the RPC surface. The admin signing secret is read from the
// environment variable named by the configuration.
func NewServer(node *core.Node, cfg config.RPC, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	var secret []byte
	if env := strings.TrimSpace(cfg.JWTSecretEnv); env != "" {
		if raw := strings.TrimSpace(os.Getenv(env)); raw != "" {
			secret = []byte(raw)
		}
	}
	return &Server{
		node:      node,
		cfg:       cfg,
		log:       log.With(slog.String("component", "rpc")),
		jwtSecret: secret,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Router builds the HTTP mux.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ws", s.handleEvents)
	r.Post("/", s.handle)
	return r
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// errorFor maps engine failures onto RPC error codes.
func errorFor(err error) (int, int) {
	var insufficient *registry.InsufficientStakeError
	switch {
	case errors.As(err, &insufficient):
		return http.StatusUnprocessableEntity, codeInsufficientStake
	case errors.Is(err, jobs.ErrJobExpired):
		return http.StatusGone, codeJobExpired
	case errors.Is(err, jobs.ErrLeaseLost):
		return http.StatusConflict, codeLeaseLost
	case errors.Is(err, registry.ErrRegistryDenied), errors.Is(err, registry.ErrAttestationInvalid):
		return http.StatusForbidden, codeRegistryDenied
	case errors.Is(err, completion.ErrDigestConflict), errors.Is(err, settlement.ErrDuplicatePayout):
		return http.StatusConflict, codeDuplicate
	case errors.Is(err, types.ErrInvalidHexID):
		return http.StatusBadRequest, codeInvalidParams
	case errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, registry.ErrProviderNotFound),
		errors.Is(err, treasury.ErrWithdrawalNotFound):
		return http.StatusNotFound, codeInvalidParams
	case errors.Is(err, treasury.ErrInsufficientFunds),
		errors.Is(err, treasury.ErrWithdrawalTooSmall),
		errors.Is(err, treasury.ErrWithdrawalCooldown),
		errors.Is(err, treasury.ErrTooManyPending),
		errors.Is(err, treasury.ErrBadAmount):
		return http.StatusUnprocessableEntity, codeInvalidParams
	default:
		return http.StatusInternalServerError, codeServerError
	}
}

func (s *Server) writeMapped(w http.ResponseWriter, id interface{}, err error) {
	status, code := errorFor(err)
	writeError(w, status, id, code, err.Error(), nil)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return host
}

func (s *Server) limiterFor(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimitPerSec), s.cfg.RateLimitBurst)
		s.limiters[key] = limiter
	}
	return limiter
}

func (s *Server) allowWrite(r *http.Request) bool {
	if s.cfg.RateLimitPerSec <= 0 {
		return true
	}
	return s.limiterFor(clientKey(r)).Allow()
}

// authScopes parses the bearer token and returns the granted scopes. A
// missing header yields an empty set rather than an error so read paths can
// stay anonymous.
func (s *Server) authScopes(r *http.Request) ([]string, *RPCError) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return nil, nil
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if raw == "" {
		return nil, &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if len(s.jwtSecret) == 0 {
		return nil, &RPCError{Code: codeUnauthorized, Message: "RPC authentication not configured"}
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, &RPCError{Code: codeUnauthorized, Message: "invalid token", Data: err.Error()}
	}
	return scopesFromClaims(claims), nil
}

func scopesFromClaims(claims jwt.MapClaims) []string {
	switch v := claims["scope"].(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func (s *Server) requireAdmin(r *http.Request) *RPCError {
	scopes, authErr := s.authScopes(r)
	if authErr != nil {
		return authErr
	}
	for _, scope := range scopes {
		if scope == adminScope {
			return nil
		}
	}
	return &RPCError{Code: codeUnauthorized, Message: "admin scope required"}
}

func (s *Server) requireRead(r *http.Request) *RPCError {
	if s.cfg.AllowAnonReads {
		return nil
	}
	scopes, authErr := s.authScopes(r)
	if authErr != nil {
		return authErr
	}
	if len(scopes) == 0 {
		return &RPCError{Code: codeUnauthorized, Message: "authenticated token required"}
	}
	return nil
}

type methodClass int

const (
	classRead methodClass = iota
	classWrite
	classAdmin
)

// handle routes one JSON-RPC request.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	handler, class, ok := s.route(req.Method)
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method), nil)
		return
	}
	switch class {
	case classAdmin:
		if authErr := s.requireAdmin(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
	case classWrite:
		if !s.allowWrite(r) {
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded", nil)
			return
		}
	default:
		if authErr := s.requireRead(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
	}
	handler(w, req)
}

func (s *Server) route(method string) (func(http.ResponseWriter, *RPCRequest), methodClass, bool) {
	// Both namespace spellings are accepted: aicf.submitJob and
	// aicf_submitJob route identically.
	if strings.HasPrefix(method, "aicf.") {
		method = "aicf_" + strings.TrimPrefix(method, "aicf.")
	}
	switch method {
	case "aicf_submitJob":
		return s.handleSubmitJob, classWrite, true
	case "aicf_getJob":
		return s.handleGetJob, classRead, true
	case "aicf_listJobs":
		return s.handleListJobs, classRead, true
	case "aicf_cancelJob":
		return s.handleCancelJob, classWrite, true
	case "aicf_renewLease":
		return s.handleRenewLease, classWrite, true
	case "aicf_failJob":
		return s.handleFailJob, classWrite, true
	case "aicf_registerProvider":
		return s.handleRegisterProvider, classWrite, true
	case "aicf_getProvider":
		return s.handleGetProvider, classRead, true
	case "aicf_listProviders":
		return s.handleListProviders, classRead, true
	case "aicf_heartbeat":
		return s.handleHeartbeat, classWrite, true
	case "aicf_submitCompletion":
		return s.handleSubmitCompletion, classWrite, true
	case "aicf_submitProof":
		return s.handleSubmitProof, classWrite, true
	case "aicf_getBalance":
		return s.handleGetBalance, classRead, true
	case "aicf_rewardTotal":
		return s.handleRewardTotal, classRead, true
	case "aicf_claimPayout":
		return s.handleClaimPayout, classRead, true
	case "aicf_pendingPayouts":
		return s.handlePendingPayouts, classRead, true
	case "aicf_epochState":
		return s.handleEpochState, classRead, true
	case "aicf_requestWithdrawal":
		return s.handleRequestWithdrawal, classAdmin, true
	case "aicf_cancelWithdrawal":
		return s.handleCancelWithdrawal, classAdmin, true
	case "aicf_listWithdrawals":
		return s.handleListWithdrawals, classRead, true
	case "aicf_settleEpoch":
		return s.handleSettleEpoch, classAdmin, true
	case "aicf_evaluateProviders":
		return s.handleEvaluateProviders, classAdmin, true
	case "aicf_setProviderStatus":
		return s.handleSetProviderStatus, classAdmin, true
	case "aicf_pause":
		return s.handlePause, classAdmin, true
	case "aicf_resume":
		return s.handleResume, classAdmin, true
	case "aicf_setHeight":
		return s.handleSetHeight, classAdmin, true
	case "aicf_advanceHeight":
		return s.handleAdvanceHeight, classAdmin, true
	default:
		return nil, classRead, false
	}
}

// decodeParams unmarshals the first positional parameter into dst.
func decodeParams(req *RPCRequest, dst interface{}) error {
	if len(req.Params) == 0 {
		return errors.New("params required")
	}
	return json.Unmarshal(req.Params[0], dst)
}
