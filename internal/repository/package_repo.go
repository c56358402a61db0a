package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"ispcore/internal/apperr"
	"ispcore/internal/models"
)

const packageColumns = `
	id, tenant_id, name, download_speed, upload_speed, session_timeout, idle_timeout,
	groupname, price, created_at, updated_at`

// ServicePackageRepository handles service package data access.
type ServicePackageRepository struct {
	q Querier
}

// NewServicePackageRepository creates a new service package repository.
func NewServicePackageRepository(q Querier) *ServicePackageRepository {
	return &ServicePackageRepository{q: q}
}

// Create inserts a package.
func (r *ServicePackageRepository) Create(ctx context.Context, p *models.ServicePackage) (*models.ServicePackage, error) {
	query := `
		INSERT INTO service_packages (tenant_id, name, download_speed, upload_speed, session_timeout, idle_timeout, groupname, price)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + packageColumns

	row := r.q.QueryRow(ctx, query,
		p.TenantID,
		p.Name,
		p.DownloadSpeed,
		p.UploadSpeed,
		p.SessionTimeout,
		p.IdleTimeout,
		p.GroupName,
		int64(p.Price),
	)
	return r.scan(row)
}

// GetByID retrieves a package by ID.
func (r *ServicePackageRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ServicePackage, error) {
	query := `SELECT ` + packageColumns + ` FROM service_packages WHERE id = $1`

	p, err := r.scan(r.q.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// GetByIDForUpdate retrieves a package and locks its row.
func (r *ServicePackageRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.ServicePackage, error) {
	query := `SELECT ` + packageColumns + ` FROM service_packages WHERE id = $1 FOR UPDATE`

	p, err := r.scan(r.q.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// Update writes the mutable package fields.
func (r *ServicePackageRepository) Update(ctx context.Context, p *models.ServicePackage) error {
	query := `
		UPDATE service_packages
		SET name = $2, download_speed = $3, upload_speed = $4, session_timeout = $5,
		    idle_timeout = $6, groupname = $7, price = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`

	err := r.q.QueryRow(ctx, query,
		p.ID,
		p.Name,
		p.DownloadSpeed,
		p.UploadSpeed,
		p.SessionTimeout,
		p.IdleTimeout,
		p.GroupName,
		int64(p.Price),
	).Scan(&p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return apperr.Newf(apperr.ErrNotFound, "service package %s not found", p.ID)
	}
	if err != nil {
		return fmt.Errorf("update service package: %w", err)
	}
	return nil
}

func (r *ServicePackageRepository) scan(s scanner) (*models.ServicePackage, error) {
	var p models.ServicePackage
	var price int64

	err := s.Scan(
		&p.ID,
		&p.TenantID,
		&p.Name,
		&p.DownloadSpeed,
		&p.UploadSpeed,
		&p.SessionTimeout,
		&p.IdleTimeout,
		&p.GroupName,
		&price,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Price = models.Money(price)
	return &p, nil
}
