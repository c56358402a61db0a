package models

import (
	"time"

	"github.com/google/uuid"
)

// ServicePackage is a tenant-defined speed tier.
type ServicePackage struct {
	ID             uuid.UUID `json:"id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	Name           string    `json:"name"`
	DownloadSpeed  int       `json:"download_speed"` // Mbps
	UploadSpeed    int       `json:"upload_speed"`   // Mbps
	SessionTimeout int       `json:"session_timeout"`
	IdleTimeout    int       `json:"idle_timeout"`
	GroupName      string    `json:"groupname"`
	Price          Money     `json:"price"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DownloadSpeedKbps returns the download limit as sent to the enforcement endpoint.
func (p *ServicePackage) DownloadSpeedKbps() int {
	return p.DownloadSpeed * 1000
}

// UploadSpeedKbps returns the upload limit as sent to the enforcement endpoint.
func (p *ServicePackage) UploadSpeedKbps() int {
	return p.UploadSpeed * 1000
}

// UpdateServicePackageParams contains parameters for updating a package.
// Nil fields are left unchanged.
type UpdateServicePackageParams struct {
	Name           *string
	DownloadSpeed  *int
	UploadSpeed    *int
	SessionTimeout *int
	IdleTimeout    *int
	GroupName      *string
	Price          *Money
}

// Apply mutates p and reports whether any field the network enforces changed.
func (params UpdateServicePackageParams) Apply(p *ServicePackage) (networkChanged bool) {
	if params.Name != nil {
		p.Name = *params.Name
	}
	if params.Price != nil {
		p.Price = *params.Price
	}
	if params.DownloadSpeed != nil && *params.DownloadSpeed != p.DownloadSpeed {
		p.DownloadSpeed = *params.DownloadSpeed
		networkChanged = true
	}
	if params.UploadSpeed != nil && *params.UploadSpeed != p.UploadSpeed {
		p.UploadSpeed = *params.UploadSpeed
		networkChanged = true
	}
	if params.SessionTimeout != nil && *params.SessionTimeout != p.SessionTimeout {
		p.SessionTimeout = *params.SessionTimeout
		networkChanged = true
	}
	if params.IdleTimeout != nil && *params.IdleTimeout != p.IdleTimeout {
		p.IdleTimeout = *params.IdleTimeout
		networkChanged = true
	}
	if params.GroupName != nil && *params.GroupName != p.GroupName {
		p.GroupName = *params.GroupName
		networkChanged = true
	}
	return networkChanged
}
