// Package server exposes the settlement engine over HTTP: the client-facing
// v1 API, the rail webhook endpoints, and the operational surface.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stablerail/bankverify"
	"stablerail/ledger"
	"stablerail/preflight"
	"stablerail/rates"
	"stablerail/settle"
)

// Config carries the server's own settings; everything else arrives through
// the engine.
type Config struct {
	CollectorSecret string
	DisburserSecret string
	WebhookPerSec   float64
	WebhookBurst    int
}

// Server routes HTTP traffic to the settlement engine.
type Server struct {
	cfg      Config
	engine   *settle.Engine
	verifier bankverify.Verifier
	log      *slog.Logger
	router   chi.Router
}

// New constructs the HTTP server.
func New(cfg Config, engine *settle.Engine, verifier bankverify.Verifier) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		verifier: verifier,
		log:      slog.Default(),
	}
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/quotes", s.handleQuote)
		r.Post("/transactions", s.handleInitiate)
		r.Get("/transactions/{reference}", s.handleStatus)
		r.Post("/transactions/{reference}/cancel", s.handleCancel)
		r.Post("/beneficiaries", s.handleCreateBeneficiary)
		r.Get("/beneficiaries", s.handleListBeneficiaries)
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(webhookRateLimit(cfg.WebhookPerSec, cfg.WebhookBurst))
		r.Post("/collector", s.handleCollectorWebhook)
		r.Post("/disburser", s.handleDisburserWebhook)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type quoteRequest struct {
	Direction string `json:"direction"`
	Amount    string `json:"amount"`
}

type quoteResponse struct {
	Direction     string `json:"direction"`
	Amount        string `json:"amount"`
	Fee           string `json:"fee"`
	NetAmount     string `json:"netAmount"`
	CounterAmount string `json:"counterAmount"`
	BaseRate      string `json:"baseRate"`
	EffectiveRate string `json:"effectiveRate"`
	Source        string `json:"source"`
	Cached        bool   `json:"cached"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	direction, ok := parseDirection(req.Direction)
	if !ok {
		writeError(w, http.StatusBadRequest, "direction must be ONRAMP or OFFRAMP")
		return
	}
	amount, err := rates.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	quote, err := s.engine.Quote(r.Context(), amount, direction)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	sourcePrecision, counterPrecision := settle.FiatPrecision, settle.StablePrecision
	if direction == ledger.DirectionOfframp {
		sourcePrecision, counterPrecision = settle.StablePrecision, settle.FiatPrecision
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		Direction:     string(direction),
		Amount:        rates.FormatAmount(amount, sourcePrecision),
		Fee:           rates.FormatAmount(quote.Fee, sourcePrecision),
		NetAmount:     rates.FormatAmount(quote.NetAmount, sourcePrecision),
		CounterAmount: rates.FormatAmount(quote.CounterAmount, counterPrecision),
		BaseRate:      rates.FormatAmount(quote.BaseRate, settle.RatePrecision),
		EffectiveRate: rates.FormatAmount(quote.EffectiveRate, settle.RatePrecision),
		Source:        string(quote.Source),
		Cached:        quote.Source == rates.SourceCache,
	})
}

type initiateRequest struct {
	Direction      string `json:"direction"`
	Reference      string `json:"reference"`
	UserID         string `json:"userId"`
	Amount         string `json:"amount"`
	Email          string `json:"email"`
	DepositAddress string `json:"depositAddress"`
	SenderAddress  string `json:"senderAddress"`
	BankCode       string `json:"bankCode"`
	AccountNumber  string `json:"accountNumber"`
	AccountName    string `json:"accountName"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	direction, ok := parseDirection(req.Direction)
	if !ok {
		writeError(w, http.StatusBadRequest, "direction must be ONRAMP or OFFRAMP")
		return
	}
	// The reference may arrive in the body, the Idempotency-Key header, or
	// both; when both are present they must agree.
	if headerRef := strings.TrimSpace(r.Header.Get("Idempotency-Key")); headerRef != "" {
		if req.Reference != "" && req.Reference != headerRef {
			writeError(w, http.StatusBadRequest, "reference and Idempotency-Key disagree")
			return
		}
		if req.Reference == "" {
			req.Reference = headerRef
		}
	}
	switch direction {
	case ledger.DirectionOnramp:
		session, err := s.engine.InitiateOnramp(r.Context(), settle.OnrampRequest{
			Reference:      req.Reference,
			UserID:         req.UserID,
			Amount:         req.Amount,
			Email:          req.Email,
			DepositAddress: req.DepositAddress,
		})
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		resp := transactionView(session.Transaction)
		if session.CheckoutURL != "" {
			resp["checkoutUrl"] = session.CheckoutURL
		}
		writeJSON(w, http.StatusCreated, resp)
	case ledger.DirectionOfframp:
		row, err := s.engine.InitiateOfframp(r.Context(), settle.OfframpRequest{
			Reference:     req.Reference,
			UserID:        req.UserID,
			Amount:        req.Amount,
			SenderAddress: req.SenderAddress,
			BankCode:      req.BankCode,
			AccountNumber: req.AccountNumber,
			AccountName:   req.AccountName,
		})
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, transactionView(row))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	row, err := s.engine.Ledger().FindByReference(r.Context(), reference)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown reference")
			return
		}
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionView(row))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	row, err := s.engine.Cancel(r.Context(), reference)
	if err != nil {
		switch {
		case errors.Is(err, settle.ErrUnknownReference):
			writeError(w, http.StatusNotFound, "unknown reference")
		case errors.Is(err, settle.ErrNotCancellable):
			writeError(w, http.StatusConflict, "transaction can no longer be cancelled")
		default:
			s.writeEngineError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, transactionView(row))
}

type beneficiaryRequest struct {
	UserID        string `json:"userId"`
	BankCode      string `json:"bankCode"`
	AccountNumber string `json:"accountNumber"`
}

func (s *Server) handleCreateBeneficiary(w http.ResponseWriter, r *http.Request) {
	var req beneficiaryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.BankCode) == "" || strings.TrimSpace(req.AccountNumber) == "" {
		writeError(w, http.StatusBadRequest, "userId, bankCode and accountNumber are required")
		return
	}
	account, err := s.verifier.VerifyAccount(r.Context(), req.BankCode, req.AccountNumber)
	if err != nil {
		if errors.Is(err, bankverify.ErrVerificationFailed) {
			writeError(w, http.StatusBadRequest, "account could not be verified")
			return
		}
		s.writeEngineError(w, err)
		return
	}
	beneficiary := &ledger.Beneficiary{
		UserID:        strings.TrimSpace(req.UserID),
		BankCode:      strings.TrimSpace(req.BankCode),
		AccountNumber: strings.TrimSpace(req.AccountNumber),
		AccountName:   account.AccountName,
		BankName:      account.BankName,
	}
	if err := s.engine.Ledger().CreateBeneficiary(r.Context(), beneficiary); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":            beneficiary.ID,
		"bankCode":      beneficiary.BankCode,
		"accountNumber": beneficiary.AccountNumber,
		"accountName":   beneficiary.AccountName,
		"bankName":      beneficiary.BankName,
	})
}

func (s *Server) handleListBeneficiaries(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	rows, err := s.engine.Ledger().ListBeneficiaries(r.Context(), userID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, b := range rows {
		out = append(out, map[string]any{
			"id":            b.ID,
			"bankCode":      b.BankCode,
			"accountNumber": b.AccountNumber,
			"accountName":   b.AccountName,
			"bankName":      b.BankName,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"beneficiaries": out})
}

// transactionView shapes a ledger row for API responses. Bank account numbers
// are always masked on the way out.
func transactionView(row *ledger.SettlementTransaction) map[string]any {
	view := map[string]any{
		"reference":     row.Reference,
		"direction":     row.Direction,
		"status":        row.Status,
		"sourceAmount":  row.SourceAmount,
		"fee":           row.FeeAmount,
		"netAmount":     row.NetAmount,
		"counterAmount": row.CounterAmount,
		"appliedRate":   row.AppliedRate,
		"createdAt":     row.CreatedAt,
		"updatedAt":     row.UpdatedAt,
	}
	if row.TransactionHash != "" {
		view["transactionHash"] = row.TransactionHash
	}
	if row.AccountNumber != "" {
		view["accountNumber"] = row.MaskedAccount()
		view["bankCode"] = row.BankCode
		view["accountName"] = row.AccountName
	}
	if row.FailureCode != "" {
		view["failureCode"] = row.FailureCode
		view["failureReason"] = row.FailureMessage
	}
	if row.NeedsReview {
		view["needsReview"] = true
	}
	if row.CompletedAt != nil {
		view["completedAt"] = row.CompletedAt
	}
	return view
}

// writeEngineError maps engine errors onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rates.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, rates.ErrQuoteUnavailable):
		writeError(w, http.StatusServiceUnavailable, "no exchange rate available")
	case errors.Is(err, preflight.ErrLiquidityInsufficient), errors.Is(err, preflight.ErrGasInsufficient):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, bankverify.ErrVerificationFailed):
		writeError(w, http.StatusBadRequest, "account could not be verified")
	case errors.Is(err, settle.ErrUnknownReference):
		writeError(w, http.StatusNotFound, "unknown reference")
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseDirection(raw string) (ledger.Direction, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(ledger.DirectionOnramp):
		return ledger.DirectionOnramp, true
	case string(ledger.DirectionOfframp):
		return ledger.DirectionOfframp, true
	}
	return "", false
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
