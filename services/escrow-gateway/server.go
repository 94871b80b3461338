package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowcoord/core/mirror"
	"escrowcoord/core/pricing"
	"escrowcoord/integrations/evm"
	"escrowcoord/native/escrow"
	"escrowcoord/observability"
)

const (
	headerRequestID = "X-Request-ID"
	maxRequestBody  = 1 << 16
	priceDigits     = 18
)

// PhaseChecker derives phases and gate decisions from fresh snapshots.
type PhaseChecker interface {
	Phase(ctx context.Context, kind escrow.Kind, addr common.Address) (*escrow.Instance, escrow.Phase, error)
	Check(ctx context.Context, kind escrow.Kind, addr common.Address, req escrow.Request) (escrow.Decision, error)
}

// PriceSource resolves market prices for configured pairs.
type PriceSource interface {
	MarketPrice(ctx context.Context, base, quote string) (*big.Rat, pricing.Source, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Coordinator PhaseChecker
	Mirror      *mirror.Mirror
	Watcher     PollScheduler
	Prices      PriceSource
	Auth        *Authenticator
	Limiter     *RateLimiter
	Logger      *slog.Logger
	Metrics     *observability.GatewayMetrics
	Stream      *observability.StreamMetrics
}

// Server is the HTTP front-end of the coordination engine.
type Server struct {
	coordinator PhaseChecker
	mirror      *mirror.Mirror
	prices      PriceSource
	auth        *Authenticator
	limiter     *RateLimiter
	views       *streamViews
	logger      *slog.Logger
	metrics     *observability.GatewayMetrics
	stream      *observability.StreamMetrics

	router http.Handler
}

// NewServer wires the router. Coordinator and Mirror are required.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Coordinator == nil {
		return nil, errors.New("coordinator required")
	}
	if cfg.Mirror == nil {
		return nil, errors.New("mirror required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth == nil {
		cfg.Auth = NewAuthenticator(AuthConfig{}, cfg.Logger)
	}
	s := &Server{
		coordinator: cfg.Coordinator,
		mirror:      cfg.Mirror,
		prices:      cfg.Prices,
		auth:        cfg.Auth,
		limiter:     cfg.Limiter,
		logger:      cfg.Logger.With(slog.String("component", "gateway")),
		metrics:     cfg.Metrics,
		stream:      cfg.Stream,
	}
	if cfg.Watcher != nil {
		s.views = newStreamViews(cfg.Watcher)
	}
	s.router = s.buildRouter()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		if s.limiter != nil {
			api.Use(s.limiter.Middleware)
		}
		api.Get("/escrows/{address}", s.handleRecord)
		api.Get("/escrows/{address}/phase", s.handlePhase)
		api.Post("/escrows/{address}/check", s.handleCheck)
		api.Get("/escrows/{address}/stream", s.handleStream)
		api.With(s.auth.Middleware).Post("/escrows/{address}/history", s.handleHistory)
		api.Get("/participants/{address}/escrows", s.handleParticipant)
		api.Get("/prices/{base}/{quote}", s.handlePrice)
	})
	return r
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	rec, err := s.mirror.Read(r.Context(), addr)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// PhaseResponse is the body of the phase endpoint.
type PhaseResponse struct {
	Address     string       `json:"address"`
	BlockNumber uint64       `json:"blockNumber"`
	Phase       escrow.Phase `json:"phase"`
}

func (s *Server) handlePhase(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	kind, err := s.resolveKind(r.Context(), r.URL.Query().Get("kind"), addr)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	inst, phase, err := s.coordinator.Phase(r.Context(), kind, addr)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PhaseResponse{
		Address:     addr.Hex(),
		BlockNumber: inst.BlockNumber,
		Phase:       phase,
	})
}

// CheckRequest is the body of the check endpoint.
type CheckRequest struct {
	Kind        string `json:"kind"`
	Action      string `json:"action"`
	Actor       string `json:"actor"`
	MilestoneID uint64 `json:"milestoneId"`
	// Allowance is a base-10 integer; omitted allowances are read from the
	// ledger.
	Allowance string `json:"allowance,omitempty"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	var body CheckRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kind, err := s.resolveKind(r.Context(), body.Kind, addr)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if !common.IsHexAddress(body.Actor) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid actor %q", body.Actor))
		return
	}
	req := escrow.Request{
		Action:      escrow.Action(strings.TrimSpace(body.Action)),
		Actor:       common.HexToAddress(body.Actor),
		MilestoneID: body.MilestoneID,
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, errors.New("action required"))
		return
	}
	if raw := strings.TrimSpace(body.Allowance); raw != "" {
		allowance, ok := new(big.Int).SetString(raw, 10)
		if !ok || allowance.Sign() < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid allowance %q", raw))
			return
		}
		req.Allowance = allowance
	}
	decision, err := s.coordinator.Check(r.Context(), kind, addr, req)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// HistoryRequest records a transaction submitted outside the gateway.
type HistoryRequest struct {
	Step        string `json:"step"`
	TxHash      string `json:"txHash"`
	MilestoneID uint64 `json:"milestoneId"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	var body HistoryRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	txHash, err := parseTxHash(body.TxHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key := mirror.Key{Address: addr, Milestone: body.MilestoneID}
	rec, err := s.mirror.RecordOptimistic(r.Context(), key, strings.TrimSpace(body.Step), txHash)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.logger.Info("history recorded",
		slog.String("address", addr.Hex()),
		slog.String("step", body.Step),
		slog.String("tx", txHash.Hex()),
		logSubject(r.Context()))
	writeJSON(w, http.StatusOK, rec)
}

// parseTxHash accepts only a 0x-prefixed 32-byte hex string.
func parseTxHash(raw string) (common.Hash, error) {
	b, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid tx hash %q", raw)
	}
	return common.BytesToHash(b), nil
}

func (s *Server) handleParticipant(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	records, err := s.mirror.ByParticipant(r.Context(), addr)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrows": records})
}

// PriceResponse is the body of the price endpoint.
type PriceResponse struct {
	Base    string         `json:"base"`
	Quote   string         `json:"quote"`
	Price   string         `json:"price"`
	Source  pricing.Source `json:"source"`
	Warning string         `json:"warning,omitempty"`
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	if s.prices == nil {
		writeError(w, http.StatusServiceUnavailable, pricing.ErrOracleUnavailable)
		return
	}
	base := chi.URLParam(r, "base")
	quote := chi.URLParam(r, "quote")
	price, source, err := s.prices.MarketPrice(r.Context(), base, quote)
	if price == nil {
		s.writeFailure(w, r, err)
		return
	}
	resp := PriceResponse{
		Base:   strings.ToUpper(base),
		Quote:  strings.ToUpper(quote),
		Price:  price.FloatString(priceDigits),
		Source: source,
	}
	if err != nil {
		resp.Warning = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// resolveKind parses raw or falls back to the kind the mirror already knows.
func (s *Server) resolveKind(ctx context.Context, raw string, addr common.Address) (escrow.Kind, error) {
	if strings.TrimSpace(raw) != "" {
		return escrow.ParseKind(raw)
	}
	rec, err := s.mirror.Read(ctx, addr)
	if err == nil && rec.Kind.Valid() {
		return rec.Kind, nil
	}
	return 0, fmt.Errorf("%w: kind required for %s", escrow.ErrUnknownKind, addr.Hex())
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", w.Header().Get(headerRequestID)),
			slog.Any("error", err))
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.Is(err, escrow.ErrUnknownKind),
		errors.Is(err, mirror.ErrInvalidHistory),
		errors.Is(err, escrow.ErrMilestoneNotFound):
		return http.StatusBadRequest
	case errors.Is(err, mirror.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pricing.ErrOracleUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, evm.ErrLedgerRead),
		errors.Is(err, escrow.ErrUnrecognizedStatus),
		errors.Is(err, escrow.ErrInconsistentSnapshot):
		return http.StatusBadGateway
	case errors.Is(err, mirror.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func addressParam(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid address %q", raw))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

// requestID tags every request with a uuid unless the caller supplied one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.Observe(route, r.Method, status, time.Since(started))
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
