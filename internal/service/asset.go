package service

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/kiosk-pairing-go/internal/audit"
	"github.com/openclaw/kiosk-pairing-go/internal/clock"
	apperrors "github.com/openclaw/kiosk-pairing-go/internal/errors"
	"github.com/openclaw/kiosk-pairing-go/internal/metrics"
	"github.com/openclaw/kiosk-pairing-go/internal/model"
	"github.com/openclaw/kiosk-pairing-go/internal/repository"
	"github.com/openclaw/kiosk-pairing-go/internal/util"
)

type LinkResult struct {
	Asset    *model.Asset     `json:"asset"`
	Link     *model.AssetLink `json:"link"`
	Previous *model.AssetLink `json:"previous,omitempty"`
	Changed  bool             `json:"changed"`
}

// AssetLinker associates kiosks with inventory assets. A kiosk holds at
// most one link; relinking overwrites it and records the change.
type AssetLinker struct {
	codes     repository.ActivationStore
	inventory repository.InventoryLookup
	links     repository.AssetLinkRepository
	clock     clock.Clock
}

func NewAssetLinker(
	codes repository.ActivationStore,
	inventory repository.InventoryLookup,
	links repository.AssetLinkRepository,
	clk clock.Clock,
) *AssetLinker {
	return &AssetLinker{
		codes:     codes,
		inventory: inventory,
		links:     links,
		clock:     clk,
	}
}

func (l *AssetLinker) Link(ctx context.Context, tenantID, kioskID, assetTag, serialNumber string) (*LinkResult, error) {
	assetTag = strings.TrimSpace(assetTag)
	serialNumber = strings.TrimSpace(serialNumber)
	if assetTag == "" && serialNumber == "" {
		return nil, apperrors.ValidationError("assetTag or serialNumber is required")
	}
	if err := l.requireKiosk(ctx, tenantID, kioskID); err != nil {
		return nil, err
	}

	asset, err := l.resolve(ctx, tenantID, assetTag, serialNumber)
	if err != nil {
		return nil, err
	}

	outcome, err := l.links.Link(ctx, tenantID, kioskID, asset, l.clock.Now())
	if err != nil {
		return nil, storeError(err)
	}

	result := &LinkResult{
		Asset:    asset,
		Link:     outcome.Link,
		Previous: outcome.Previous,
		Changed:  outcome.Changed,
	}

	switch {
	case !outcome.Changed:
		metrics.AssetLinks.WithLabelValues("unchanged").Inc()
	case outcome.Previous != nil:
		metrics.AssetLinks.WithLabelValues("relinked").Inc()
		log.Info().
			Str("kioskId", kioskID).
			Str("tenantId", tenantID).
			Str("previousAssetId", outcome.Previous.AssetID).
			Str("assetId", asset.ID).
			Msg("kiosk relinked to a different asset")
		audit.Log(ctx, audit.Event{
			Type:     audit.EventAssetRelink,
			TenantID: tenantID,
			KioskID:  kioskID,
			Details: map[string]interface{}{
				"previous_asset_id": outcome.Previous.AssetID,
				"asset_id":          asset.ID,
			},
		})
	default:
		metrics.AssetLinks.WithLabelValues("linked").Inc()
		log.Info().
			Str("kioskId", kioskID).
			Str("tenantId", tenantID).
			Str("assetId", asset.ID).
			Msg("kiosk linked to asset")
		audit.Log(ctx, audit.Event{
			Type:     audit.EventAssetLink,
			TenantID: tenantID,
			KioskID:  kioskID,
			Details:  map[string]interface{}{"asset_id": asset.ID},
		})
	}
	return result, nil
}

// resolve looks the asset up by every identifier given. One match is
// enough; two matches must agree.
func (l *AssetLinker) resolve(ctx context.Context, tenantID, assetTag, serialNumber string) (*model.Asset, error) {
	var byTag, bySerial *model.Asset
	var err error

	if assetTag != "" {
		byTag, err = l.inventory.FindByTag(ctx, tenantID, assetTag)
		if err != nil {
			return nil, storeError(err)
		}
	}
	if serialNumber != "" {
		bySerial, err = l.inventory.FindBySerial(ctx, tenantID, serialNumber)
		if err != nil {
			return nil, storeError(err)
		}
	}

	switch {
	case byTag != nil && bySerial != nil && byTag.ID != bySerial.ID:
		return nil, apperrors.ValidationError("assetTag and serialNumber identify different assets")
	case byTag != nil:
		return byTag, nil
	case bySerial != nil:
		return bySerial, nil
	default:
		return nil, apperrors.AssetNotFound()
	}
}

func (l *AssetLinker) GetLink(ctx context.Context, tenantID, kioskID string) (*model.AssetLink, error) {
	if !util.IsValidKioskID(kioskID) {
		return nil, apperrors.InvalidInput("kioskId", "malformed kiosk id")
	}
	link, err := l.links.FindByKiosk(ctx, tenantID, kioskID)
	if err != nil {
		return nil, storeError(err)
	}
	if link == nil {
		return nil, apperrors.NotFound("Asset link")
	}
	return link, nil
}

func (l *AssetLinker) Unlink(ctx context.Context, tenantID, kioskID string) (*model.AssetLink, error) {
	if !util.IsValidKioskID(kioskID) {
		return nil, apperrors.InvalidInput("kioskId", "malformed kiosk id")
	}
	removed, err := l.links.Unlink(ctx, tenantID, kioskID, l.clock.Now())
	if err != nil {
		return nil, storeError(err)
	}
	if removed == nil {
		return nil, apperrors.NotFound("Asset link")
	}

	metrics.AssetLinks.WithLabelValues("unlinked").Inc()
	audit.Log(ctx, audit.Event{
		Type:     audit.EventAssetUnlink,
		TenantID: tenantID,
		KioskID:  kioskID,
		Details:  map[string]interface{}{"asset_id": removed.AssetID},
	})
	return removed, nil
}

func (l *AssetLinker) History(ctx context.Context, tenantID, kioskID string) ([]model.AssetLinkChange, error) {
	changes, err := l.links.History(ctx, tenantID, kioskID)
	if err != nil {
		return nil, storeError(err)
	}
	return changes, nil
}

func (l *AssetLinker) requireKiosk(ctx context.Context, tenantID, kioskID string) error {
	if !util.IsValidKioskID(kioskID) {
		return apperrors.InvalidInput("kioskId", "malformed kiosk id")
	}
	latest, err := l.codes.FindLatestByKiosk(ctx, tenantID, kioskID)
	if err != nil {
		return storeError(err)
	}
	if latest == nil {
		return apperrors.NotFound("Kiosk")
	}
	return nil
}
