package server

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"launchpad/internal/algo"
	"launchpad/internal/backend"
	"launchpad/internal/config"
	"launchpad/internal/deposit"
	"launchpad/internal/hmacauth"
	"launchpad/internal/ledger"
	"launchpad/internal/statusfeed"
)

const (
	defaultListLimit   = 50
	defaultLatestLimit = 10
	operationTimeout   = 60 * time.Second
)

// DepositLister is the indexer view used by /api/deposits/latest.
type DepositLister interface {
	LatestDeposits(ctx context.Context, escrow string, limit int) ([]algo.EscrowDeposit, error)
}

// Deps are the collaborators the HTTP surface is built from. Indexer, Feed
// and Health are optional.
type Deps struct {
	Config     *config.AppConfig
	Controller *deposit.Controller
	Ledger     ledger.Store
	Indexer    DepositLister
	Feed       *statusfeed.Hub
	Health     algo.HealthChecker
	Metrics    *Metrics
	Logger     *zap.Logger
}

type Server struct {
	cfg        *config.AppConfig
	controller *deposit.Controller
	store      ledger.Store
	indexer    DepositLister
	feed       *statusfeed.Hub
	hmac       *hmacauth.Verifier
	metrics    *Metrics
	logger     *zap.Logger
	router     chi.Router
	httpServer *http.Server
	now        func() time.Time

	rpcHealthFn func(context.Context) error
}

func NewServer(deps Deps) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	s := &Server{
		cfg:        deps.Config,
		controller: deps.Controller,
		store:      deps.Ledger,
		indexer:    deps.Indexer,
		feed:       deps.Feed,
		hmac: &hmacauth.Verifier{
			Secret:          deps.Config.Service.HMACSecret,
			MaxSkew:         deps.Config.Service.HMACClockSkew,
			SignatureHeader: deps.Config.Service.HMACSignatureHeader,
			TimestampHeader: deps.Config.Service.HMACTimestampHeader,
		},
		metrics: metrics,
		logger:  logger.Named("api"),
		now:     time.Now,
	}

	if deps.Health != nil {
		s.rpcHealthFn = deps.Health.Ping
	}
	if r, ok := deps.Indexer.(interface{ OnRetry(func()) }); ok {
		r.OnRetry(metrics.incIndexerRetry)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api/deposits", func(r chi.Router) {
		r.With(s.hmac.Middleware).Post("/deposit", s.handleStubDeposit)
		r.With(s.hmac.Middleware).Post("/", s.handleRecordDeposit)
		r.Get("/", s.handleListDeposits)
		r.Get("/latest", s.handleLatestDeposits)
		r.Get("/{txid}", s.handleGetDeposit)
	})
	r.Route("/api/wallet", func(r chi.Router) {
		r.Get("/session", s.handleSession)
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)
		r.Post("/deposit", s.handleWalletDeposit)
	})
	if s.feed != nil {
		r.Get("/api/status/ws", s.feed.HandleConnection)
	}
	r.Handle("/api/v1/metrics", metrics.handler())
	r.Get("/api/v1/health", s.handleHealth)
	s.router = r

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(deps.Config.Service.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleStubDeposit fakes a deposit for test mode: it returns a deterministic
// txid for (amount, escrow, idempotency key) and records it.
func (s *Server) handleStubDeposit(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(backend.HeaderIdempotencyKey))
	if key == "" {
		s.metrics.incStub("rejected")
		writeError(w, http.StatusBadRequest, "missing "+backend.HeaderIdempotencyKey+" header")
		return
	}

	ctx := r.Context()

	if existing, err := s.store.GetByIdempotencyKey(ctx, key); err != nil {
		s.logger.Error("idempotency lookup failed", zap.Error(err))
	} else if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.metrics.incStub("cached")
		return
	}

	var payload backend.DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.metrics.incStub("rejected")
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	amount, err := deposit.ParseAmount(payload.Amount.String(), s.controller.MinAmount())
	if err != nil {
		s.metrics.incStub("rejected")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	escrow := strings.TrimSpace(payload.EscrowAddress)
	if escrow == "" {
		s.metrics.incStub("rejected")
		writeError(w, http.StatusBadRequest, "escrow_address is required")
		return
	}

	txid := stubTxID(amount.String(), escrow, key)
	body, _ := json.Marshal(backend.DepositResponse{TxID: txid})

	now := s.now()
	err = s.store.Save(ctx, ledger.Record{
		TxID:           txid,
		Mode:           string(deposit.ModeTest),
		Receiver:       escrow,
		MicroAlgos:     deposit.MicroAlgos(amount),
		IdempotencyKey: key,
		StatusCode:     http.StatusCreated,
		Response:       body,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.Service.IdempotencyWindow),
	})
	if err != nil {
		s.logger.Error("failed to record stub deposit", zap.String("txid", txid), zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
	s.metrics.incStub("created")
}

// stubTxID mimics an Algorand txid: unpadded base32 of a 32-byte digest.
func stubTxID(amount, escrow, key string) string {
	sum := sha256.Sum256([]byte(amount + "|" + escrow + "|" + key))
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:])
}

// recordDepositRequest reports a deposit settled outside this service.
type recordDepositRequest struct {
	TxID   string `json:"txid"`
	Sender string `json:"sender"`
	Amount uint64 `json:"amount"`
	Round  uint64 `json:"round"`
}

// ModeManual marks ledger records reported through POST /api/deposits.
const ModeManual = "manual"

func (s *Server) handleRecordDeposit(w http.ResponseWriter, r *http.Request) {
	var payload recordDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	payload.TxID = strings.TrimSpace(payload.TxID)
	payload.Sender = strings.TrimSpace(payload.Sender)
	if payload.TxID == "" {
		writeError(w, http.StatusBadRequest, "txid is required")
		return
	}
	if _, err := types.DecodeAddress(payload.Sender); err != nil {
		writeError(w, http.StatusBadRequest, "sender must be a valid address")
		return
	}
	if payload.Amount == 0 {
		writeError(w, http.StatusBadRequest, "amount must be a positive number of microAlgos")
		return
	}

	rec := ledger.Record{
		TxID:       payload.TxID,
		Mode:       ModeManual,
		Sender:     payload.Sender,
		Receiver:   s.cfg.Deposit.EscrowAddress,
		MicroAlgos: payload.Amount,
		Round:      payload.Round,
		CreatedAt:  s.now(),
	}
	if err := s.store.Save(r.Context(), rec); err != nil {
		s.logger.Error("failed to record reported deposit", zap.String("txid", rec.TxID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to record deposit")
		return
	}
	stored, err := s.store.Get(r.Context(), rec.TxID)
	if err != nil || stored == nil {
		stored = &rec
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleListDeposits(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.store.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("list deposits failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list deposits")
		return
	}
	if len(records) == 0 {
		writeError(w, http.StatusNotFound, "no deposits recorded")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	txid := chi.URLParam(r, "txid")
	rec, err := s.store.Get(r.Context(), txid)
	if err != nil {
		s.logger.Error("get deposit failed", zap.String("txid", txid), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load deposit")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "deposit not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLatestDeposits(w http.ResponseWriter, r *http.Request) {
	if s.indexer == nil {
		writeError(w, http.StatusServiceUnavailable, "indexer not configured")
		return
	}
	limit, err := queryLimit(r, defaultLatestLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	escrow := strings.TrimSpace(r.URL.Query().Get("escrow"))
	if escrow == "" {
		escrow = s.cfg.Deposit.EscrowAddress
	}

	deposits, err := s.indexer.LatestDeposits(r.Context(), escrow, limit)
	if err != nil {
		s.logger.Warn("indexer query failed", zap.String("escrow", escrow), zap.Error(err))
		writeError(w, http.StatusBadGateway, "indexer query failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deposits)
}

// queryLimit reads ?limit=, which must be a positive integer when present.
func queryLimit(r *http.Request, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", raw)
	}
	return n, nil
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.operationContext(r)
	defer cancel()
	if _, err := s.controller.Connect(ctx); err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.operationContext(r)
	defer cancel()
	if err := s.controller.Disconnect(ctx); err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

type walletDepositRequest struct {
	Amount json.RawMessage `json:"amount"`
}

func (s *Server) handleWalletDeposit(w http.ResponseWriter, r *http.Request) {
	var payload walletDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}

	ctx, cancel := s.operationContext(r)
	defer cancel()
	receipt, err := s.controller.SubmitDeposit(ctx, amountInput(payload.Amount), s.cfg.Deposit.EscrowAddress, s.cfg.Deposit.TestMode)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// amountInput accepts the amount as either a JSON number or a JSON string.
func amountInput(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return strings.TrimSpace(string(raw))
}

// operationContext detaches controller calls from the client connection so a
// dropped request cannot abandon a signed transaction halfway.
func (s *Server) operationContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), operationTimeout)
}

func (s *Server) writeControllerError(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err.Error())
}

func statusForError(err error) int {
	switch errorKind(err) {
	case "precondition":
		return http.StatusConflict
	case "validation":
		return http.StatusBadRequest
	case "busy":
		return http.StatusTooManyRequests
	case "network", "signing", "broadcast", "backend", "connect":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.store.Ping(dbCtx); err != nil {
		dbInfo.Connected = false
		dbInfo.Error = err.Error()
		overallHealthy = false
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string           `json:"status"`
		Algod    any              `json:"algod"`
		Ledger   any              `json:"ledger"`
		Session  deposit.Snapshot `json:"session"`
		Subs     int              `json:"status_subscribers"`
		TestMode bool             `json:"test_mode"`
	}{
		Status:   status,
		Algod:    rpcInfo,
		Ledger:   dbInfo,
		Session:  s.controller.Snapshot(),
		TestMode: s.cfg.Deposit.TestMode,
	}
	if s.feed != nil {
		resp.Subs = s.feed.ClientCount()
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (d Deps) validate() error {
	if d.Config == nil {
		return errors.New("config is required")
	}
	if d.Controller == nil {
		return errors.New("controller is required")
	}
	if d.Ledger == nil {
		return errors.New("ledger store is required")
	}
	return nil
}
