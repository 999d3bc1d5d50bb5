package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/openclaw/kiosk-pairing-go/internal/database"
	"github.com/openclaw/kiosk-pairing-go/internal/model"
)

// InventoryLookup resolves inventory records by tag or serial number.
type InventoryLookup interface {
	FindByTag(ctx context.Context, tenantID, assetTag string) (*model.Asset, error)
	FindBySerial(ctx context.Context, tenantID, serialNumber string) (*model.Asset, error)
}

// LinkOutcome describes what a Link call changed.
type LinkOutcome struct {
	Link     *model.AssetLink
	Previous *model.AssetLink
	Changed  bool
}

type AssetLinkRepository interface {
	FindByKiosk(ctx context.Context, tenantID, kioskID string) (*model.AssetLink, error)
	Link(ctx context.Context, tenantID, kioskID string, asset *model.Asset, now time.Time) (*LinkOutcome, error)
	Unlink(ctx context.Context, tenantID, kioskID string, now time.Time) (*model.AssetLink, error)
	History(ctx context.Context, tenantID, kioskID string) ([]model.AssetLinkChange, error)
}

const assetColumns = `id, tenant_id, asset_tag, serial_number, name, created_at`

type inventoryRepo struct {
	db *sqlx.DB
}

func NewInventoryRepository(db *sqlx.DB) InventoryLookup {
	return &inventoryRepo{db: db}
}

func (r *inventoryRepo) FindByTag(ctx context.Context, tenantID, assetTag string) (*model.Asset, error) {
	var a model.Asset
	err := r.db.GetContext(ctx, &a, `
		SELECT `+assetColumns+` FROM inventory_assets
		WHERE tenant_id = $1 AND asset_tag = $2
	`, tenantID, assetTag)
	return HandleNotFound(&a, err)
}

func (r *inventoryRepo) FindBySerial(ctx context.Context, tenantID, serialNumber string) (*model.Asset, error) {
	var a model.Asset
	err := r.db.GetContext(ctx, &a, `
		SELECT `+assetColumns+` FROM inventory_assets
		WHERE tenant_id = $1 AND serial_number = $2
	`, tenantID, serialNumber)
	return HandleNotFound(&a, err)
}

type assetLinkRepo struct {
	db *sqlx.DB
}

func NewAssetLinkRepository(db *sqlx.DB) AssetLinkRepository {
	return &assetLinkRepo{db: db}
}

const linkSelect = `
	SELECT l.tenant_id, l.kiosk_id, l.asset_id, a.asset_tag, a.serial_number, l.linked_at
	FROM asset_links l
	JOIN inventory_assets a ON a.id = l.asset_id
	WHERE l.tenant_id = $1 AND l.kiosk_id = $2`

func (r *assetLinkRepo) FindByKiosk(ctx context.Context, tenantID, kioskID string) (*model.AssetLink, error) {
	var link model.AssetLink
	err := r.db.GetContext(ctx, &link, linkSelect, tenantID, kioskID)
	return HandleNotFound(&link, err)
}

func (r *assetLinkRepo) Link(ctx context.Context, tenantID, kioskID string, asset *model.Asset, now time.Time) (*LinkOutcome, error) {
	outcome := &LinkOutcome{}

	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := lockKioskLink(ctx, tx, tenantID, kioskID); err != nil {
			return err
		}

		var current model.AssetLink
		prev, err := HandleNotFound(&current, tx.GetContext(ctx, &current, linkSelect, tenantID, kioskID))
		if err != nil {
			return fmt.Errorf("load current link: %w", err)
		}

		if prev != nil && prev.AssetID == asset.ID {
			outcome.Link = prev
			outcome.Previous = prev
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO asset_links (tenant_id, kiosk_id, asset_id, linked_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, kiosk_id) DO UPDATE SET
				asset_id = EXCLUDED.asset_id,
				linked_at = EXCLUDED.linked_at
		`, tenantID, kioskID, asset.ID, now)
		if err != nil {
			return fmt.Errorf("upsert link: %w", err)
		}

		var previousID *string
		if prev != nil {
			previousID = &prev.AssetID
		}
		if err := insertLinkChange(ctx, tx, tenantID, kioskID, previousID, &asset.ID, now); err != nil {
			return err
		}

		outcome.Previous = prev
		outcome.Changed = true
		outcome.Link = &model.AssetLink{
			TenantID:     tenantID,
			KioskID:      kioskID,
			AssetID:      asset.ID,
			AssetTag:     asset.AssetTag,
			SerialNumber: asset.SerialNumber,
			LinkedAt:     now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (r *assetLinkRepo) Unlink(ctx context.Context, tenantID, kioskID string, now time.Time) (*model.AssetLink, error) {
	var removed *model.AssetLink

	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := lockKioskLink(ctx, tx, tenantID, kioskID); err != nil {
			return err
		}

		var current model.AssetLink
		prev, err := HandleNotFound(&current, tx.GetContext(ctx, &current, linkSelect, tenantID, kioskID))
		if err != nil {
			return fmt.Errorf("load current link: %w", err)
		}
		if prev == nil {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM asset_links WHERE tenant_id = $1 AND kiosk_id = $2
		`, tenantID, kioskID); err != nil {
			return fmt.Errorf("delete link: %w", err)
		}
		if err := insertLinkChange(ctx, tx, tenantID, kioskID, &prev.AssetID, nil, now); err != nil {
			return err
		}
		removed = prev
		return nil
	})
	return removed, err
}

func (r *assetLinkRepo) History(ctx context.Context, tenantID, kioskID string) ([]model.AssetLinkChange, error) {
	var changes []model.AssetLinkChange
	err := r.db.SelectContext(ctx, &changes, `
		SELECT id, tenant_id, kiosk_id, previous_asset_id, new_asset_id, changed_at
		FROM asset_link_history
		WHERE tenant_id = $1 AND kiosk_id = $2
		ORDER BY changed_at
	`, tenantID, kioskID)
	return changes, err
}

// lockKioskLink serializes link changes for one kiosk until the transaction
// ends. A row lock is not enough since a kiosk without a link has no row.
func lockKioskLink(ctx context.Context, tx *sqlx.Tx, tenantID, kioskID string) error {
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1::text || ':' || $2::text))`,
		tenantID, kioskID,
	); err != nil {
		return fmt.Errorf("lock kiosk link: %w", err)
	}
	return nil
}

func insertLinkChange(ctx context.Context, tx *sqlx.Tx, tenantID, kioskID string, previousID, newID *string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO asset_link_history (id, tenant_id, kiosk_id, previous_asset_id, new_asset_id, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), tenantID, kioskID, previousID, newID, at)
	if err != nil {
		return fmt.Errorf("record link change: %w", err)
	}
	return nil
}
