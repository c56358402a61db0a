package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ispcore/internal/models"
	"ispcore/internal/service"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// ClientHandler handles subscriber endpoints.
type ClientHandler struct {
	svc    *service.Service
	logger *zap.Logger
}

// NewClientHandler creates a new client handler.
func NewClientHandler(svc *service.Service, logger *zap.Logger) *ClientHandler {
	return &ClientHandler{svc: svc, logger: logger}
}

// AdminActionRequest represents an operator state change.
type AdminActionRequest struct {
	TargetState models.ClientStatus `json:"target_state" validate:"required,oneof=pending approved active suspended disconnected rejected"`
	Reason      string              `json:"reason" validate:"max=500"`
}

// RenewalRequest represents a manual renewal trigger.
type RenewalRequest struct {
	Force bool `json:"force"`
}

// CreditRequest represents a manual wallet adjustment.
type CreditRequest struct {
	Amount          models.Money           `json:"amount"`
	Type            models.TransactionType `json:"type" validate:"omitempty,oneof=credit refund"`
	ReferenceNumber string                 `json:"reference_number" validate:"max=128"`
	Method          string                 `json:"method" validate:"max=64"`
}

// Get returns a client.
// GET /api/v1/clients/{id}
func (h *ClientHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := clientID(w, r)
	if !ok {
		return
	}

	c, err := h.svc.GetClient(r.Context(), TenantIDFromContext(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	JSON(w, http.StatusOK, c.View())
}

// ListTransactions returns the client's wallet history, newest first.
// GET /api/v1/clients/{id}/transactions?limit=50&offset=0
func (h *ClientHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := clientID(w, r)
	if !ok {
		return
	}
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}

	txns, err := h.svc.ListTransactions(r.Context(), TenantIDFromContext(r.Context()), id, limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if txns == nil {
		txns = []*models.WalletTransaction{}
	}

	JSON(w, http.StatusOK, txns)
}

// ListSyncRecords returns the client's recent enforcement commands.
// GET /api/v1/clients/{id}/sync-records?limit=50
func (h *ClientHandler) ListSyncRecords(w http.ResponseWriter, r *http.Request) {
	id, ok := clientID(w, r)
	if !ok {
		return
	}
	limit, _, ok := pagination(w, r)
	if !ok {
		return
	}

	records, err := h.svc.ListSyncRecords(r.Context(), TenantIDFromContext(r.Context()), id, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if records == nil {
		records = []*models.SyncRecord{}
	}

	JSON(w, http.StatusOK, records)
}

// Reconciliation compares the stored balance with the transaction history.
// GET /api/v1/clients/{id}/reconciliation
func (h *ClientHandler) Reconciliation(w http.ResponseWriter, r *http.Request) {
	id, ok := clientID(w, r)
	if !ok {
		return
	}

	rec, err := h.svc.Reconcile(r.Context(), TenantIDFromContext(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	JSON(w, http.StatusOK, rec)
}

// Action applies an operator state change.
// POST /api/v1/clients/{id}/actions
func (h *ClientHandler) Action(w http.ResponseWriter, r *http.Request) {
	id, ok := clientID(w, r)
	if !ok {
		return
	}
	var req AdminActionRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.svc.ApplyAdminAction(r.Context(), service.AdminAction{
		TenantID:    TenantIDFromContext(r.Context()),
		ClientID:    id,
		TargetState: req.TargetState,
		Reason:      req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	JSON(w, http.StatusOK, res)
}

// Renew evaluates renewal now. An empty body means force=false.
// POST /api/v1/clients/{id}/renewals
func (h *ClientHandler) Renew(w http.ResponseWriter, r *http.Request) {
	id, ok := clientID(w, r)
	if !ok {
		return
	}
	var req RenewalRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	res, err := h.svc.EvaluateRenewal(r.Context(), TenantIDFromContext(r.Context()), id, req.Force)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	JSON(w, http.StatusOK, res)
}

// Credit posts a manual credit or refund.
// POST /api/v1/clients/{id}/credits
func (h *ClientHandler) Credit(w http.ResponseWriter, r *http.Request) {
	id, ok := clientID(w, r)
	if !ok {
		return
	}
	var req CreditRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.svc.CreditWallet(r.Context(), service.CreditRequest{
		TenantID:        TenantIDFromContext(r.Context()),
		ClientID:        id,
		Amount:          req.Amount,
		Type:            req.Type,
		ReferenceNumber: req.ReferenceNumber,
		Method:          req.Method,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	JSON(w, http.StatusCreated, res)
}

// Sync re-sends the command the client's status calls for with a fresh
// retry budget.
// POST /api/v1/clients/{id}/sync
func (h *ClientHandler) Sync(w http.ResponseWriter, r *http.Request) {
	id, ok := clientID(w, r)
	if !ok {
		return
	}

	rec, err := h.svc.RetrySync(r.Context(), TenantIDFromContext(r.Context()), id, true)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	JSON(w, http.StatusOK, rec)
}

func (h *ClientHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	logFailure(h.logger, r, err)
	Fail(w, err)
}

func clientID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid client ID")
		return uuid.Nil, false
	}
	return id, true
}

func pagination(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit = defaultPageSize
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			BadRequest(w, "limit must be a positive integer")
			return 0, 0, false
		}
		limit = min(n, maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			BadRequest(w, "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}
