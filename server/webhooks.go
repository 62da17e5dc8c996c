package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"stablerail/observability"
	"stablerail/settle"
)

const maxWebhookBody = 1 << 20

// Webhook payloads use the rails' own field names. Either the rail's id or
// our reference may identify the transaction.
type collectorWebhook struct {
	Event string `json:"event"`
	Data  struct {
		ID         string `json:"id"`
		Reference  string `json:"reference"`
		Status     string `json:"status"`
		AmountPaid string `json:"amount_paid"`
	} `json:"data"`
}

type disburserWebhook struct {
	Event string `json:"event"`
	Data  struct {
		ID        string `json:"id"`
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Reason    string `json:"reason"`
	} `json:"data"`
}

func (s *Server) handleCollectorWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSignedBody(w, r, s.cfg.CollectorSecret, "collector")
	if !ok {
		return
	}
	var payload collectorWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		observability.Settlement().RecordWebhook("collector", "malformed")
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	store := s.engine.Ledger()
	reference := s.webhookReference(r.Context(), payload.Data.Reference, payload.Data.ID)
	_ = store.SaveWebhookEvent(r.Context(), "collector", reference, payload.Event, string(body))
	if reference != "" {
		_ = store.RecordWebhookAttempt(r.Context(), reference)
	}

	outcome, err := s.engine.ApplyCollectorEvent(r.Context(), settle.CollectorEvent{
		Reference:     payload.Data.Reference,
		RailReference: payload.Data.ID,
		Status:        payload.Data.Status,
		AmountPaid:    payload.Data.AmountPaid,
		Event:         payload.Event,
	})
	s.finishWebhook(w, "collector", outcome, err)
}

func (s *Server) handleDisburserWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSignedBody(w, r, s.cfg.DisburserSecret, "disburser")
	if !ok {
		return
	}
	var payload disburserWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		observability.Settlement().RecordWebhook("disburser", "malformed")
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	store := s.engine.Ledger()
	reference := s.webhookReference(r.Context(), payload.Data.Reference, payload.Data.ID)
	_ = store.SaveWebhookEvent(r.Context(), "disburser", reference, payload.Event, string(body))
	if reference != "" {
		_ = store.RecordWebhookAttempt(r.Context(), reference)
	}

	outcome, err := s.engine.ApplyDisburserEvent(r.Context(), settle.DisburserEvent{
		Reference:     payload.Data.Reference,
		RailReference: payload.Data.ID,
		Status:        payload.Data.Status,
		Reason:        payload.Data.Reason,
		Event:         payload.Event,
	})
	s.finishWebhook(w, "disburser", outcome, err)
}

// webhookReference prefers the reference the payload carries. Rails that only
// echo their own transaction id still get their deliveries counted against the
// row they resolve to.
func (s *Server) webhookReference(ctx context.Context, reference, railRef string) string {
	if reference != "" {
		return reference
	}
	if railRef == "" {
		return ""
	}
	row, err := s.engine.Ledger().FindByRailReference(ctx, railRef)
	if err != nil {
		return ""
	}
	return row.Reference
}

// readSignedBody enforces the body cap and the HMAC signature before any
// payload parsing happens.
func (s *Server) readSignedBody(w http.ResponseWriter, r *http.Request, secret, rail string) ([]byte, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		observability.Settlement().RecordWebhook(rail, "oversized")
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return nil, false
	}
	if !verifyWebhook(secret, body, r.Header.Get("X-Webhook-Signature")) {
		observability.Settlement().RecordWebhook(rail, "rejected")
		s.log.Warn("webhook signature rejected", "rail", rail, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return nil, false
	}
	return body, true
}

// finishWebhook acknowledges a verified delivery. Unknown references still get
// a 200 so the rail stops retrying an event we will reconcile by polling.
func (s *Server) finishWebhook(w http.ResponseWriter, rail string, outcome settle.Outcome, err error) {
	if err != nil {
		if errors.Is(err, settle.ErrUnknownReference) {
			observability.Settlement().RecordWebhook(rail, "unknown")
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		observability.Settlement().RecordWebhook(rail, "error")
		s.log.Error("webhook reconciliation failed", "rail", rail, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	observability.Settlement().RecordWebhook(rail, string(outcome))
	writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}
