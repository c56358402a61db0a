package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ispcore/internal/models"
	"ispcore/internal/service"
)

// ReplayCache stores webhook responses so a provider retry is answered
// without touching the database.
type ReplayCache interface {
	SetIdempotentResult(ctx context.Context, tenantID, key string, result []byte, ttl time.Duration) (bool, error)
	GetIdempotentResult(ctx context.Context, tenantID, key string) ([]byte, error)
}

// PaymentHandler handles payment provider webhooks.
type PaymentHandler struct {
	svc    *service.Service
	replay ReplayCache
	ttl    time.Duration
	logger *zap.Logger
}

// NewPaymentHandler creates a new payment handler. replay may be nil.
func NewPaymentHandler(svc *service.Service, replay ReplayCache, ttl time.Duration, logger *zap.Logger) *PaymentHandler {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &PaymentHandler{svc: svc, replay: replay, ttl: ttl, logger: logger}
}

// PaymentWebhookRequest is a confirmed payment from the provider.
type PaymentWebhookRequest struct {
	TenantID        uuid.UUID    `json:"tenant_id" validate:"required"`
	ClientID        uuid.UUID    `json:"client_id" validate:"required"`
	Amount          models.Money `json:"amount"`
	ReferenceNumber string       `json:"reference_number" validate:"required,max=128"`
	Method          string       `json:"method" validate:"max=64"`
}

// Webhook credits a confirmed payment and evaluates renewal.
// POST /api/v1/webhooks/payments
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	var req PaymentWebhookRequest
	if !decode(w, r, &req) {
		return
	}
	key := req.ClientID.String() + ":" + strings.TrimSpace(req.ReferenceNumber)

	if cached := h.cached(r.Context(), req.TenantID, key); cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replay", "true")
		w.WriteHeader(http.StatusOK)
		w.Write(cached)
		return
	}

	res, err := h.svc.HandlePayment(r.Context(), service.PaymentConfirmation{
		TenantID:        req.TenantID,
		ClientID:        req.ClientID,
		Amount:          req.Amount,
		ReferenceNumber: req.ReferenceNumber,
		Method:          req.Method,
	})
	if err != nil {
		logFailure(h.logger, r, err)
		Fail(w, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	h.store(r.Context(), req.TenantID, key, res)

	JSON(w, status, res)
}

func (h *PaymentHandler) cached(ctx context.Context, tenantID uuid.UUID, key string) []byte {
	if h.replay == nil {
		return nil
	}
	b, err := h.replay.GetIdempotentResult(ctx, tenantID.String(), key)
	if err != nil {
		h.logger.Warn("payment replay lookup failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	return b
}

func (h *PaymentHandler) store(ctx context.Context, tenantID uuid.UUID, key string, res *service.Result) {
	if h.replay == nil {
		return
	}
	b, err := json.Marshal(Response{Success: true, Data: res})
	if err != nil {
		return
	}
	if _, err := h.replay.SetIdempotentResult(ctx, tenantID.String(), key, b, h.ttl); err != nil {
		h.logger.Warn("payment replay store failed", zap.String("key", key), zap.Error(err))
	}
}
