package model

import "time"

type Asset struct {
	ID           string    `db:"id" json:"id"`
	TenantID     string    `db:"tenant_id" json:"tenantId"`
	AssetTag     *string   `db:"asset_tag" json:"assetTag,omitempty"`
	SerialNumber *string   `db:"serial_number" json:"serialNumber,omitempty"`
	Name         string    `db:"name" json:"name"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

type AssetLink struct {
	TenantID     string    `db:"tenant_id" json:"-"`
	KioskID      string    `db:"kiosk_id" json:"kioskId"`
	AssetID      string    `db:"asset_id" json:"assetId"`
	AssetTag     *string   `db:"asset_tag" json:"assetTag,omitempty"`
	SerialNumber *string   `db:"serial_number" json:"serialNumber,omitempty"`
	LinkedAt     time.Time `db:"linked_at" json:"linkedAt"`
}

// AssetLinkChange records every overwrite or removal of a kiosk's link.
type AssetLinkChange struct {
	ID              string    `db:"id" json:"id"`
	TenantID        string    `db:"tenant_id" json:"-"`
	KioskID         string    `db:"kiosk_id" json:"kioskId"`
	PreviousAssetID *string   `db:"previous_asset_id" json:"previousAssetId,omitempty"`
	NewAssetID      *string   `db:"new_asset_id" json:"newAssetId,omitempty"`
	ChangedAt       time.Time `db:"changed_at" json:"changedAt"`
}
