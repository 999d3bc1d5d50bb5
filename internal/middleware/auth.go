package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/kiosk-pairing-go/internal/audit"
	apperrors "github.com/openclaw/kiosk-pairing-go/internal/errors"
	"github.com/openclaw/kiosk-pairing-go/internal/model"
	"github.com/openclaw/kiosk-pairing-go/internal/repository"
	"github.com/openclaw/kiosk-pairing-go/internal/util"
)

type contextKey string

const TenantContextKey contextKey = "tenant"

func GetTenant(ctx context.Context) *model.Tenant {
	if tenant, ok := ctx.Value(TenantContextKey).(*model.Tenant); ok {
		return tenant
	}
	return nil
}

// WithTenant returns ctx carrying tenant, as TenantAuth would.
func WithTenant(ctx context.Context, tenant *model.Tenant) context.Context {
	return context.WithValue(ctx, TenantContextKey, tenant)
}

// TenantAuthMiddleware resolves the admin API token to a tenant. Tokens are
// stored only as SHA-256 hashes.
type TenantAuthMiddleware struct {
	tenants repository.TenantRepository
}

func NewTenantAuthMiddleware(tenants repository.TenantRepository) *TenantAuthMiddleware {
	return &TenantAuthMiddleware{tenants: tenants}
}

func (m *TenantAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, apperrors.Unauthorized("Missing authentication token"))
			return
		}

		tenant, err := m.tenants.FindByTokenHash(r.Context(), util.HashToken(token))
		if err != nil {
			log.Error().Err(err).Msg("auth middleware: database error")
			writeError(w, apperrors.Internal("Authentication failed"))
			return
		}

		if tenant == nil {
			log.Warn().Msg("auth middleware: invalid token attempt")
			audit.LogFromRequest(r, audit.Event{Type: audit.EventAuthFailure})
			writeError(w, apperrors.Unauthorized("Invalid token"))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenant)))
	})
}

// extractToken accepts ?token= because EventSource cannot set headers.
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return r.URL.Query().Get("token")
}
