package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ispcore/internal/models"
	"ispcore/internal/service"
)

// PackageHandler handles service package endpoints.
type PackageHandler struct {
	svc    *service.Service
	logger *zap.Logger
}

// NewPackageHandler creates a new package handler.
func NewPackageHandler(svc *service.Service, logger *zap.Logger) *PackageHandler {
	return &PackageHandler{svc: svc, logger: logger}
}

// UpdatePackageRequest represents a partial package update. Omitted fields
// are left unchanged.
type UpdatePackageRequest struct {
	Name           *string       `json:"name" validate:"omitempty,min=1,max=100"`
	DownloadSpeed  *int          `json:"download_speed" validate:"omitempty,gt=0"`
	UploadSpeed    *int          `json:"upload_speed" validate:"omitempty,gt=0"`
	SessionTimeout *int          `json:"session_timeout" validate:"omitempty,gte=0"`
	IdleTimeout    *int          `json:"idle_timeout" validate:"omitempty,gte=0"`
	GroupName      *string       `json:"groupname" validate:"omitempty,max=64"`
	Price          *models.Money `json:"price" validate:"omitempty,gte=0"`
}

// Get returns a service package.
// GET /api/v1/packages/{id}
func (h *PackageHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid package ID")
		return
	}

	p, err := h.svc.GetServicePackage(r.Context(), TenantIDFromContext(r.Context()), id)
	if err != nil {
		logFailure(h.logger, r, err)
		Fail(w, err)
		return
	}

	JSON(w, http.StatusOK, p)
}

// Update changes a package and re-syncs its active subscribers when a
// network-enforced field changed.
// PATCH /api/v1/packages/{id}
func (h *PackageHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid package ID")
		return
	}
	var req UpdatePackageRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.svc.UpdateServicePackage(r.Context(), TenantIDFromContext(r.Context()), id, models.UpdateServicePackageParams{
		Name:           req.Name,
		DownloadSpeed:  req.DownloadSpeed,
		UploadSpeed:    req.UploadSpeed,
		SessionTimeout: req.SessionTimeout,
		IdleTimeout:    req.IdleTimeout,
		GroupName:      req.GroupName,
		Price:          req.Price,
	})
	if err != nil {
		logFailure(h.logger, r, err)
		Fail(w, err)
		return
	}

	JSON(w, http.StatusOK, res)
}
