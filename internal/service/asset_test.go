package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/kiosk-pairing-go/internal/clock"
	apperrors "github.com/openclaw/kiosk-pairing-go/internal/errors"
	"github.com/openclaw/kiosk-pairing-go/internal/model"
	"github.com/openclaw/kiosk-pairing-go/internal/repository"
)

func strPtr(s string) *string { return &s }

func newLinker(t *testing.T) (*AssetLinker, *repository.MemoryActivationStore, *repository.MemoryAssetLinks, *clock.Fake) {
	t.Helper()
	store := repository.NewMemoryActivationStore()
	links := repository.NewMemoryAssetLinks()
	inventory := repository.NewMemoryInventory(
		model.Asset{ID: "asset-a", TenantID: "tenant-a", AssetTag: strPtr("AT-001"), SerialNumber: strPtr("SN-001")},
		model.Asset{ID: "asset-b", TenantID: "tenant-a", AssetTag: strPtr("AT-002"), SerialNumber: strPtr("SN-002")},
	)
	clk := clock.NewFake(t0)

	_, err := store.Create(context.Background(), model.CreateActivationCodeParams{
		Code: "ABCD-EFGH", TenantID: "tenant-a", KioskID: "kiosk-1",
		CreatedAt: t0, ExpiresAt: t0.Add(10 * time.Minute),
	})
	require.NoError(t, err)

	return NewAssetLinker(store, inventory, links, clk), store, links, clk
}

// Linking a second asset overwrites the first and records it.
func TestAssetLinker_RelinkOverwrites(t *testing.T) {
	ctx := context.Background()
	linker, _, links, clk := newLinker(t)

	first, err := linker.Link(ctx, "tenant-a", "kiosk-1", "AT-001", "")
	require.NoError(t, err)
	assert.True(t, first.Changed)
	assert.Nil(t, first.Previous)
	assert.Equal(t, "asset-a", first.Link.AssetID)

	clk.Advance(time.Minute)
	second, err := linker.Link(ctx, "tenant-a", "kiosk-1", "", "SN-002")
	require.NoError(t, err)
	assert.True(t, second.Changed)
	require.NotNil(t, second.Previous)
	assert.Equal(t, "asset-a", second.Previous.AssetID)
	assert.Equal(t, "asset-b", second.Link.AssetID)

	current, err := linker.GetLink(ctx, "tenant-a", "kiosk-1")
	require.NoError(t, err)
	assert.Equal(t, "asset-b", current.AssetID)

	history, err := links.History(ctx, "tenant-a", "kiosk-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestAssetLinker_Link(t *testing.T) {
	ctx := context.Background()

	t.Run("requires an identifier", func(t *testing.T) {
		linker, _, _, _ := newLinker(t)
		_, err := linker.Link(ctx, "tenant-a", "kiosk-1", " ", "")
		requireAppCode(t, err, apperrors.ErrCodeValidation)
	})

	t.Run("unknown kiosk", func(t *testing.T) {
		linker, _, _, _ := newLinker(t)
		_, err := linker.Link(ctx, "tenant-a", "kiosk-404", "AT-001", "")
		requireAppCode(t, err, apperrors.ErrCodeNotFound)
	})

	t.Run("unknown asset", func(t *testing.T) {
		linker, _, _, _ := newLinker(t)
		_, err := linker.Link(ctx, "tenant-a", "kiosk-1", "AT-999", "")
		requireAppCode(t, err, apperrors.ErrCodeAssetNotFound)

		_, err = linker.Link(ctx, "tenant-a", "kiosk-1", "AT-999", "SN-999")
		requireAppCode(t, err, apperrors.ErrCodeAssetNotFound)
	})

	t.Run("one resolving identifier is enough", func(t *testing.T) {
		linker, _, _, _ := newLinker(t)
		res, err := linker.Link(ctx, "tenant-a", "kiosk-1", "AT-999", "SN-002")
		require.NoError(t, err)
		assert.Equal(t, "asset-b", res.Asset.ID)
	})

	t.Run("assets are tenant scoped", func(t *testing.T) {
		linker, store, _, _ := newLinker(t)
		_, err := store.Create(ctx, model.CreateActivationCodeParams{
			Code: "JKLM-NPQR", TenantID: "tenant-b", KioskID: "kiosk-1",
			CreatedAt: t0, ExpiresAt: t0.Add(time.Minute),
		})
		require.NoError(t, err)

		_, err = linker.Link(ctx, "tenant-b", "kiosk-1", "AT-001", "")
		requireAppCode(t, err, apperrors.ErrCodeAssetNotFound)
	})

	t.Run("mismatched identifiers", func(t *testing.T) {
		linker, _, _, _ := newLinker(t)
		_, err := linker.Link(ctx, "tenant-a", "kiosk-1", "AT-001", "SN-002")
		requireAppCode(t, err, apperrors.ErrCodeValidation)
	})

	t.Run("same asset twice is a no-op", func(t *testing.T) {
		linker, _, links, _ := newLinker(t)
		_, err := linker.Link(ctx, "tenant-a", "kiosk-1", "AT-001", "SN-001")
		require.NoError(t, err)

		again, err := linker.Link(ctx, "tenant-a", "kiosk-1", "", "SN-001")
		require.NoError(t, err)
		assert.False(t, again.Changed)

		history, err := links.History(ctx, "tenant-a", "kiosk-1")
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})
}

func TestAssetLinker_Unlink(t *testing.T) {
	ctx := context.Background()
	linker, _, _, _ := newLinker(t)

	_, err := linker.Unlink(ctx, "tenant-a", "kiosk-1")
	requireAppCode(t, err, apperrors.ErrCodeNotFound)

	_, err = linker.Link(ctx, "tenant-a", "kiosk-1", "AT-001", "")
	require.NoError(t, err)

	removed, err := linker.Unlink(ctx, "tenant-a", "kiosk-1")
	require.NoError(t, err)
	assert.Equal(t, "asset-a", removed.AssetID)

	_, err = linker.GetLink(ctx, "tenant-a", "kiosk-1")
	requireAppCode(t, err, apperrors.ErrCodeNotFound)

	history, err := linker.History(ctx, "tenant-a", "kiosk-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Nil(t, history[1].NewAssetID)
}
