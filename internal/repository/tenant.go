package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/kiosk-pairing-go/internal/model"
)

type TenantRepository interface {
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.Tenant, error)
	Create(ctx context.Context, id, name, tokenHash string) (*model.Tenant, error)
}

type tenantRepo struct {
	db *sqlx.DB
}

func NewTenantRepository(db *sqlx.DB) TenantRepository {
	return &tenantRepo{db: db}
}

func (r *tenantRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Tenant, error) {
	var t model.Tenant
	err := r.db.GetContext(ctx, &t, `
		SELECT id, name, api_token_hash, created_at, disabled_at FROM tenants
		WHERE api_token_hash = $1 AND disabled_at IS NULL
	`, tokenHash)
	return HandleNotFound(&t, err)
}

func (r *tenantRepo) Create(ctx context.Context, id, name, tokenHash string) (*model.Tenant, error) {
	var t model.Tenant
	err := r.db.GetContext(ctx, &t, `
		INSERT INTO tenants (id, name, api_token_hash)
		VALUES ($1, $2, $3)
		RETURNING id, name, api_token_hash, created_at, disabled_at
	`, id, name, tokenHash)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
