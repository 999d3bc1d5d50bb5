package middleware

import (
	"net/http"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/kiosk-pairing-go/internal/errors"
	"github.com/openclaw/kiosk-pairing-go/internal/util"
)

// BasicAuthMiddleware guards operational endpoints such as /metrics with a
// bcrypt password hash. An empty hash disables the check.
type BasicAuthMiddleware struct {
	user         string
	passwordHash string
}

func NewBasicAuthMiddleware(user, passwordHash string) *BasicAuthMiddleware {
	return &BasicAuthMiddleware{user: user, passwordHash: passwordHash}
}

func (m *BasicAuthMiddleware) Handler(next http.Handler) http.Handler {
	if m.passwordHash == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok || !util.ConstantTimeEqual(user, m.user) || !util.CheckPasswordHash(password, m.passwordHash) {
			log.Warn().Str("path", r.URL.Path).Msg("basic auth failed")
			w.Header().Set("WWW-Authenticate", `Basic realm="kiosk-pairing"`)
			writeError(w, apperrors.Unauthorized("Invalid credentials"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
