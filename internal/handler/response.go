package handler

import (
	"net/http"

	"github.com/openclaw/kiosk-pairing-go/internal/httputil"
	"github.com/openclaw/kiosk-pairing-go/internal/middleware"
	"github.com/openclaw/kiosk-pairing-go/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

// tenantID returns the authenticated tenant. Admin routes always run
// behind TenantAuth, so a missing tenant is a wiring bug.
func tenantID(r *http.Request) string {
	if tenant := middleware.GetTenant(r.Context()); tenant != nil {
		return tenant.ID
	}
	return ""
}

func formatCode(ac *model.ActivationCode) map[string]any {
	return map[string]any{
		"code":      ac.Code,
		"kioskId":   ac.KioskID,
		"state":     ac.State,
		"expiresAt": ac.ExpiresAt,
	}
}
