package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/emperorhan/wallet-monitor/internal/chain"
	"github.com/emperorhan/wallet-monitor/internal/chain/explorer"
	"github.com/emperorhan/wallet-monitor/internal/domain/model"
	"github.com/emperorhan/wallet-monitor/internal/notify"
	"github.com/emperorhan/wallet-monitor/internal/orchestrator"
	"github.com/emperorhan/wallet-monitor/internal/scheduler"
	"github.com/emperorhan/wallet-monitor/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// Controller is the monitoring lifecycle. In production this is
// *orchestrator.Service.
type Controller interface {
	Initialize(ctx context.Context) error
	StartMonitoring(ctx context.Context) error
	StopMonitoring(ctx context.Context)
	RediscoverTokens(ctx context.Context) ([]model.TokenInfo, error)
	ForceRefreshBalances(ctx context.Context) (int, error)
	GetSettings(ctx context.Context) (model.NotificationSettings, error)
	UpdateSettings(ctx context.Context, patch model.SettingsPatch) (model.NotificationSettings, error)
	GetStatus() orchestrator.Status
	TestNotification(ctx context.Context) error
}

// TrackedState exposes the persisted token list and snapshots.
type TrackedState interface {
	GetDiscoveredTokens(ctx context.Context, wallet string) ([]model.TokenInfo, error)
	GetBalanceSnapshots(ctx context.Context, wallet string) ([]model.BalanceSnapshot, error)
}

type TransactionHistory interface {
	ListTransactions(ctx context.Context, wallet, cursor string) (model.TransactionPage, error)
	GetTransaction(ctx context.Context, chainID model.ChainID, hash string) (model.Transaction, error)
}

// Server provides the HTTP control surface of the monitor.
type Server struct {
	ctrl    Controller
	wallets store.WalletRepository
	tracked TrackedState
	history TransactionHistory
	logger  *slog.Logger
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

func WithTrackedState(ts TrackedState) ServerOption {
	return func(s *Server) { s.tracked = ts }
}

func WithHistory(h TransactionHistory) ServerOption {
	return func(s *Server) { s.history = h }
}

func NewServer(ctrl Controller, wallets store.WalletRepository, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		ctrl:    ctrl,
		wallets: wallets,
		logger:  logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/initialize", s.handleInitialize)
	mux.HandleFunc("POST /api/v1/monitoring/start", s.handleStart)
	mux.HandleFunc("POST /api/v1/monitoring/stop", s.handleStop)
	mux.HandleFunc("POST /api/v1/tokens/rediscover", s.handleRediscover)
	mux.HandleFunc("POST /api/v1/balances/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/v1/settings", s.handleGetSettings)
	mux.HandleFunc("PATCH /api/v1/settings", s.handleUpdateSettings)
	mux.HandleFunc("POST /api/v1/notifications/test", s.handleTestNotification)
	mux.HandleFunc("GET /api/v1/tokens", s.handleTokens)
	mux.HandleFunc("GET /api/v1/snapshots", s.handleSnapshots)
	mux.HandleFunc("GET /api/v1/transactions", s.handleListTransactions)
	mux.HandleFunc("GET /api/v1/transactions/{chainID}/{hash}", s.handleGetTransaction)
	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps lifecycle errors to HTTP codes. Expected refusals are
// conflicts rather than server faults.
func statusFor(err error) int {
	switch {
	case errors.Is(err, explorer.ErrInvalidCursor):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNoWallet),
		errors.Is(err, orchestrator.ErrMonitoringDisabled),
		errors.Is(err, scheduler.ErrUnsupported),
		errors.Is(err, notify.ErrPermissionDenied),
		errors.Is(err, notify.ErrUnavailable),
		errors.Is(err, notify.ErrNotInitialized):
		return http.StatusConflict
	case errors.Is(err, chain.ErrUnsupportedChain), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("admin request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		s.logger.Warn("failed to write health response", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.GetStatus())
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Initialize(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": s.ctrl.GetStatus()})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StartMonitoring(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": s.ctrl.GetStatus()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.StopMonitoring(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": s.ctrl.GetStatus()})
}

func (s *Server) handleRediscover(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.ctrl.RediscoverTokens(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "tokens": tokens})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	n, err := s.ctrl.ForceRefreshBalances(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "refreshed": n})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.ctrl.GetSettings(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

var allowedNotificationTypes = map[model.NotificationType]bool{
	model.NotifyIncrease: true,
	model.NotifyDecrease: true,
	model.NotifyAll:      true,
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch model.SettingsPatch
	if !decodeJSONBody(w, r, &patch) {
		return
	}
	if patch.Frequency != nil && *patch.Frequency <= 0 {
		http.Error(w, `{"error":"frequency must be positive"}`, http.StatusBadRequest)
		return
	}
	for _, t := range patch.Types {
		if !allowedNotificationTypes[t] {
			http.Error(w, `{"error":"invalid notification type"}`, http.StatusBadRequest)
			return
		}
	}

	settings, err := s.ctrl.UpdateSettings(r.Context(), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.TestNotification(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) wallet(w http.ResponseWriter, r *http.Request) (string, bool) {
	wallet, err := s.wallets.GetWallet(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return "", false
	}
	if wallet == nil || wallet.Address == "" {
		s.fail(w, r, orchestrator.ErrNoWallet)
		return "", false
	}
	return wallet.Address, true
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	if s.tracked == nil {
		http.Error(w, `{"error":"tracked state not configured"}`, http.StatusServiceUnavailable)
		return
	}
	wallet, ok := s.wallet(w, r)
	if !ok {
		return
	}
	tokens, err := s.tracked.GetDiscoveredTokens(r.Context(), wallet)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tokens == nil {
		tokens = []model.TokenInfo{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.tracked == nil {
		http.Error(w, `{"error":"tracked state not configured"}`, http.StatusServiceUnavailable)
		return
	}
	wallet, ok := s.wallet(w, r)
	if !ok {
		return
	}
	snaps, err := s.tracked.GetBalanceSnapshots(r.Context(), wallet)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []model.BalanceSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, `{"error":"transaction history not configured"}`, http.StatusServiceUnavailable)
		return
	}
	wallet, ok := s.wallet(w, r)
	if !ok {
		return
	}
	cursor := r.URL.Query().Get("cursor")
	if cursor != "" {
		if n, err := strconv.Atoi(cursor); err != nil || n < 1 {
			http.Error(w, `{"error":"cursor must be a positive integer"}`, http.StatusBadRequest)
			return
		}
	}
	page, err := s.history.ListTransactions(r.Context(), wallet, cursor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, `{"error":"transaction history not configured"}`, http.StatusServiceUnavailable)
		return
	}
	id, err := strconv.ParseInt(r.PathValue("chainID"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, `{"error":"invalid chain id"}`, http.StatusBadRequest)
		return
	}
	tx, err := s.history.GetTransaction(r.Context(), model.ChainID(id), r.PathValue("hash"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}
