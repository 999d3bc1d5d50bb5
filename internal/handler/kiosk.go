package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/kiosk-pairing-go/internal/service"
)

type KioskHandler struct {
	pairing *service.PairingService
	linker  *service.AssetLinker
}

func NewKioskHandler(pairing *service.PairingService, linker *service.AssetLinker) *KioskHandler {
	return &KioskHandler{pairing: pairing, linker: linker}
}

func (h *KioskHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{id}", h.Status)
	r.Get("/{id}/activation-codes", h.ListCodes)
	r.Delete("/{id}/activation-code", h.Revoke)
	r.Post("/{id}/asset-link", h.Link)
	r.Get("/{id}/asset-link", h.GetLink)
	r.Delete("/{id}/asset-link", h.Unlink)
	r.Get("/{id}/asset-link/history", h.LinkHistory)

	return r
}

// Status is the admin poll fallback when the event stream is unavailable.
func (h *KioskHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.pairing.KioskStatus(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *KioskHandler) ListCodes(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "id")
	codes, err := h.pairing.ListCodes(r.Context(), tenantID(r), kioskID, parseLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]map[string]any, 0, len(codes))
	for i := range codes {
		items = append(items, formatCode(&codes[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kioskId": kioskID,
		"codes":   items,
	})
}

func (h *KioskHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ac, err := h.pairing.Revoke(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, formatCode(ac))
}

func (h *KioskHandler) Link(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.linker.Link(r.Context(), tenantID(r), chi.URLParam(r, "id"), req.AssetTag, req.SerialNumber)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *KioskHandler) GetLink(w http.ResponseWriter, r *http.Request) {
	link, err := h.linker.GetLink(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (h *KioskHandler) Unlink(w http.ResponseWriter, r *http.Request) {
	removed, err := h.linker.Unlink(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unlinked": removed})
}

func (h *KioskHandler) LinkHistory(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "id")
	changes, err := h.linker.History(r.Context(), tenantID(r), kioskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kioskId": kioskID,
		"changes": changes,
	})
}
