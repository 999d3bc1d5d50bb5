package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/kiosk-pairing-go/internal/clock"
	"github.com/openclaw/kiosk-pairing-go/internal/codegen"
	"github.com/openclaw/kiosk-pairing-go/internal/middleware"
	"github.com/openclaw/kiosk-pairing-go/internal/model"
	"github.com/openclaw/kiosk-pairing-go/internal/repository"
	"github.com/openclaw/kiosk-pairing-go/internal/service"
	"github.com/openclaw/kiosk-pairing-go/internal/sse"
	"github.com/openclaw/kiosk-pairing-go/internal/util"
)

const (
	tokenA = "token-tenant-a"
	tokenB = "token-tenant-b"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	router chi.Router
	store  *repository.MemoryActivationStore
	bus    *sse.LocalBus
	clock  *clock.Fake
}

func sequence(codes ...string) codegen.Generator {
	i := 0
	return codegen.GeneratorFunc(func() (string, error) {
		if i >= len(codes) {
			return "", errors.New("sequence exhausted")
		}
		code := codes[i]
		i++
		return code, nil
	})
}

func newTestServer(t *testing.T, codes ...string) *testServer {
	t.Helper()
	ctx := context.Background()

	tenants := repository.NewMemoryTenants()
	_, err := tenants.Create(ctx, "tenant-a", "Lobby", util.HashToken(tokenA))
	require.NoError(t, err)
	_, err = tenants.Create(ctx, "tenant-b", "Warehouse", util.HashToken(tokenB))
	require.NoError(t, err)

	tag, serial := "AT-001", "SN-001"
	tag2 := "AT-002"
	inventory := repository.NewMemoryInventory(
		model.Asset{ID: "asset-1", TenantID: "tenant-a", AssetTag: &tag, SerialNumber: &serial, Name: "Lobby kiosk"},
		model.Asset{ID: "asset-2", TenantID: "tenant-a", AssetTag: &tag2, Name: "Spare kiosk"},
	)

	store := repository.NewMemoryActivationStore()
	links := repository.NewMemoryAssetLinks()
	bus := sse.NewLocalBus()
	clk := clock.NewFake(t0)

	var gen codegen.Generator = codegen.NewRandomGenerator()
	if len(codes) > 0 {
		gen = sequence(codes...)
	}

	pairing := service.NewPairingService(store, links, gen, bus, clk, service.PairingConfig{
		CodeTTL:        10 * time.Minute,
		RedeemTimeout:  time.Second,
		QRBaseURL:      "kiosk://activate",
		RetryAttempts:  2,
		RetryBaseDelay: time.Millisecond,
	})
	linker := service.NewAssetLinker(store, inventory, links, clk)

	router := NewRouter(RouterDeps{
		Pairing:           pairing,
		Linker:            linker,
		Bus:               bus,
		Tenants:           tenants,
		Limiter:           middleware.NewLocalLimiter(),
		Health:            NewHealthHandler(map[string]HealthCheck{"store": func(context.Context) error { return nil }}),
		RedeemLimitPerMin: 20,
		IssueLimitPerMin:  100,

		RedeemMaxFailures:   5,
		RedeemLockoutWindow: time.Minute,
	})

	return &testServer{router: router, store: store, bus: bus, clock: clk}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) issue(t *testing.T, kioskID string) map[string]any {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/activation-codes", tokenA, map[string]string{"kioskId": kioskID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode(t, rec)
}

func TestIssue(t *testing.T) {
	s := newTestServer(t, "ABCD-EFGH", "JKLM-NPQR")

	t.Run("creates a pending code", func(t *testing.T) {
		body := s.issue(t, "K1")
		assert.Equal(t, "ABCD-EFGH", body["code"])
		assert.Equal(t, "K1", body["kioskId"])
		assert.Equal(t, "pending", body["state"])
		assert.Equal(t, "kiosk://activate?code=ABCD-EFGH", body["qr"])
		assert.NotEmpty(t, body["expiresAt"])
	})

	t.Run("re-issue revokes the previous code", func(t *testing.T) {
		body := s.issue(t, "K1")
		assert.Equal(t, "JKLM-NPQR", body["code"])
		assert.Equal(t, []any{"ABCD-EFGH"}, body["revoked"])
	})

	t.Run("requires a token", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/activation-codes", "", map[string]string{"kioskId": "K1"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects a malformed kiosk id", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/activation-codes", tokenA, map[string]string{"kioskId": "bad kiosk/id"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION_ERROR", decode(t, rec)["code"])
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/activation-codes", tokenA, map[string]string{"kiosk": "K1"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestIssue_EmptyBodyGeneratesKioskID(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/activation-codes", nil)
	req.Header.Set("Authorization", "Bearer "+tokenA)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Regexp(t, `^kiosk-[0-9a-f]{8}$`, body["kioskId"])
	assert.True(t, codegen.Valid(body["code"].(string)))
}

func TestRedeem(t *testing.T) {
	s := newTestServer(t, "ABCD-EFGH", "WXYZ-2345")
	s.issue(t, "K1")

	redeem := func(code, fingerprint string) *httptest.ResponseRecorder {
		return s.do(t, http.MethodPost, "/v1/activation-codes/"+code+"/redeem", "", map[string]string{"deviceFingerprint": fingerprint})
	}

	rec := redeem("abcd-efgh", "F1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "K1", body["kioskId"])
	assert.Equal(t, false, body["replayed"])

	t.Run("same device replay is idempotent", func(t *testing.T) {
		rec := redeem("ABCD-EFGH", "F1")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, decode(t, rec)["replayed"])
	})

	t.Run("another device conflicts", func(t *testing.T) {
		rec := redeem("ABCD-EFGH", "F2")
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "CONFLICT", decode(t, rec)["code"])
	})

	t.Run("unknown code", func(t *testing.T) {
		rec := redeem("QQQQ-QQQQ", "F1")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("expired code", func(t *testing.T) {
		s.issue(t, "K2")
		s.clock.Advance(11 * time.Minute)

		rec := redeem("WXYZ-2345", "F9")
		assert.Equal(t, http.StatusGone, rec.Code)
		assert.Equal(t, "CODE_EXPIRED", decode(t, rec)["code"])
	})
}

func TestRedeem_Validation(t *testing.T) {
	s := newTestServer(t, "ABCD-EFGH")
	s.issue(t, "K1")

	rec := s.do(t, http.MethodPost, "/v1/activation-codes/ABCD-EFGH/redeem", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "deviceFingerprint")

	req := httptest.NewRequest(http.MethodPost, "/v1/activation-codes/ABCD-EFGH/redeem", nil)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRedeem_ChunkedBodyTooLarge(t *testing.T) {
	s := newTestServer(t, "ABCD-EFGH")
	s.issue(t, "K1")

	payload := append([]byte(`{"deviceFingerprint":"`), bytes.Repeat([]byte("F"), middleware.DefaultMaxBodySize)...)
	payload = append(payload, []byte(`"}`)...)
	req := httptest.NewRequest(http.MethodPost, "/v1/activation-codes/ABCD-EFGH/redeem", bytes.NewReader(payload))
	// No declared length, so only the reader limit can catch it.
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", decode(t, rec)["code"])
}

func TestRedeem_RateLimitedPerIP(t *testing.T) {
	s := newTestServer(t)

	var last *httptest.ResponseRecorder
	for i := 0; i < 21; i++ {
		last = s.do(t, http.MethodPost, "/v1/activation-codes/QQQQ-QQQQ/redeem", "", map[string]string{"deviceFingerprint": "F1"})
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
}

func TestRedeem_LockoutAfterFailedAttempts(t *testing.T) {
	s := newTestServer(t, "ABCD-EFGH")
	s.issue(t, "K1")

	for i := 0; i < 5; i++ {
		rec := s.do(t, http.MethodPost, "/v1/activation-codes/QQQQ-QQQQ/redeem", "", map[string]string{"deviceFingerprint": "F1"})
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	// A correct guess after the lockout is still refused.
	rec := s.do(t, http.MethodPost, "/v1/activation-codes/ABCD-EFGH/redeem", "", map[string]string{"deviceFingerprint": "F1"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestQR(t *testing.T) {
	s := newTestServer(t, "ABCD-EFGH")
	s.issue(t, "K1")

	rec := s.do(t, http.MethodGet, "/v1/activation-codes/ABCD-EFGH/qr.png?size=128", tokenA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	rec = s.do(t, http.MethodGet, "/v1/activation-codes/ABCD-EFGH/qr.png?size=abc", tokenA, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/activation-codes/ABCD-EFGH/qr.png", tokenB, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "codes are tenant scoped")
}

func TestCodeHistory(t *testing.T) {
	s := newTestServer(t, "ABCD-EFGH")
	s.issue(t, "K1")
	s.do(t, http.MethodPost, "/v1/activation-codes/ABCD-EFGH/redeem", "", map[string]string{"deviceFingerprint": "F1"})

	rec := s.do(t, http.MethodGet, "/v1/activation-codes/ABCD-EFGH/history", tokenA, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Code        string                 `json:"code"`
		Transitions []model.CodeTransition `json:"transitions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Transitions, 2)
	assert.Equal(t, model.CodeStateRedeemed, body.Transitions[1].ToState)
}

func TestKioskStatusAndRevoke(t *testing.T) {
	s := newTestServer(t, "ABCD-EFGH", "JKLM-NPQR")

	rec := s.do(t, http.MethodGet, "/v1/kiosks/K1", tokenA, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s.issue(t, "K1")
	rec = s.do(t, http.MethodGet, "/v1/kiosks/K1", tokenA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "waiting", decode(t, rec)["state"])

	rec = s.do(t, http.MethodDelete, "/v1/kiosks/K1/activation-code", tokenA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "revoked", decode(t, rec)["state"])

	rec = s.do(t, http.MethodDelete, "/v1/kiosks/K1/activation-code", tokenA, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/activation-codes/ABCD-EFGH/redeem", "", map[string]string{"deviceFingerprint": "F1"})
	assert.Equal(t, http.StatusConflict, rec.Code, "revoked codes cannot be redeemed")

	s.clock.Advance(time.Second)
	s.issue(t, "K1")
	rec = s.do(t, http.MethodGet, "/v1/kiosks/K1/activation-codes?limit=5", tokenA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	codes := decode(t, rec)["codes"].([]any)
	require.Len(t, codes, 2)
	assert.Equal(t, "JKLM-NPQR", codes[0].(map[string]any)["code"])
}

func TestAssetLink(t *testing.T) {
	s := newTestServer(t, "ABCD-EFGH")
	s.issue(t, "K9")

	link := func(body map[string]string) *httptest.ResponseRecorder {
		return s.do(t, http.MethodPost, "/v1/kiosks/K9/asset-link", tokenA, body)
	}

	rec := link(map[string]string{"assetTag": "AT-001"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["changed"])

	rec = link(map[string]string{"assetTag": "AT-002"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "asset-2", body["link"].(map[string]any)["assetId"])
	assert.Equal(t, "asset-1", body["previous"].(map[string]any)["assetId"])

	t.Run("requires an identifier", func(t *testing.T) {
		rec := link(map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION_ERROR", decode(t, rec)["code"])
	})

	t.Run("unknown asset", func(t *testing.T) {
		rec := link(map[string]string{"serialNumber": "SN-404"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "ASSET_NOT_FOUND", decode(t, rec)["code"])
	})

	t.Run("unknown kiosk", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/kiosks/K404/asset-link", tokenA, map[string]string{"assetTag": "AT-001"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "NOT_FOUND", decode(t, rec)["code"])
	})

	rec = s.do(t, http.MethodGet, "/v1/kiosks/K9/asset-link", tokenA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "asset-2", decode(t, rec)["assetId"])

	rec = s.do(t, http.MethodGet, "/v1/kiosks/K9/asset-link/history", tokenA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["changes"], 2)

	rec = s.do(t, http.MethodDelete, "/v1/kiosks/K9/asset-link", tokenA, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/kiosks/K9/asset-link", tokenA, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	h := NewHealthHandler(map[string]HealthCheck{
		"postgres": func(context.Context) error { return errors.New("down") },
		"redis":    func(context.Context) error { return nil },
	})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "unavailable", body["checks"].(map[string]any)["postgres"])
}
