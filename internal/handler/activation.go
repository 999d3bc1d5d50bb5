package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/kiosk-pairing-go/internal/codegen"
	"github.com/openclaw/kiosk-pairing-go/internal/config"
	apperrors "github.com/openclaw/kiosk-pairing-go/internal/errors"
	"github.com/openclaw/kiosk-pairing-go/internal/service"
)

type ActivationHandler struct {
	pairing *service.PairingService
}

func NewActivationHandler(pairing *service.PairingService) *ActivationHandler {
	return &ActivationHandler{pairing: pairing}
}

// Issue handles POST /v1/activation-codes.
func (h *ActivationHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.pairing.Issue(r.Context(), tenantID(r), req.KioskID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// Redeem handles POST /v1/activation-codes/{code}/redeem from a device. It
// is unauthenticated; possession of the code is the credential.
func (h *ActivationHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.pairing.Redeem(r.Context(), chi.URLParam(r, "code"), req.DeviceFingerprint)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// QR handles GET /v1/activation-codes/{code}/qr.png.
func (h *ActivationHandler) QR(w http.ResponseWriter, r *http.Request) {
	size := config.QRDefaultSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, apperrors.InvalidInput("size", "must be a positive integer"))
			return
		}
		size = max(config.QRMinSize, min(n, config.QRMaxSize))
	}

	ac, err := h.pairing.Lookup(r.Context(), tenantID(r), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}

	png, err := codegen.RenderQRPNG(h.pairing.QRPayload(ac.Code), size)
	if err != nil {
		log.Error().Err(err).Int("size", size).Msg("failed to render qr code")
		writeError(w, apperrors.Internal("Failed to render QR code"))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// History handles GET /v1/activation-codes/{code}/history.
func (h *ActivationHandler) History(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	rows, err := h.pairing.History(r.Context(), tenantID(r), code)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"code":        codegen.Normalize(code),
		"transitions": rows,
	})
}
