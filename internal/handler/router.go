package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openclaw/kiosk-pairing-go/internal/config"
	"github.com/openclaw/kiosk-pairing-go/internal/middleware"
	"github.com/openclaw/kiosk-pairing-go/internal/repository"
	"github.com/openclaw/kiosk-pairing-go/internal/service"
	"github.com/openclaw/kiosk-pairing-go/internal/sse"
)

type RouterDeps struct {
	Pairing *service.PairingService
	Linker  *service.AssetLinker
	Bus     sse.Bus
	Tenants repository.TenantRepository
	Limiter service.Limiter
	Health  *HealthHandler

	RedeemLimitPerMin int
	IssueLimitPerMin  int
	IsProduction      bool

	// RedeemMaxFailures locks an IP out of redemption after that many
	// failed attempts within RedeemLockoutWindow. Zero disables it.
	RedeemMaxFailures   int
	RedeemLockoutWindow time.Duration

	MetricsUser         string
	MetricsPasswordHash string
}

// NewRouter assembles the HTTP surface. The event stream is kept out of the
// request timeout so long-lived subscribers are not cut off.
func NewRouter(d RouterDeps) chi.Router {
	tenantAuth := middleware.NewTenantAuthMiddleware(d.Tenants)
	redeemLimit := middleware.NewRateLimitMiddleware(d.Limiter, d.RedeemLimitPerMin, time.Minute, "redeem", middleware.ByIP)
	issueLimit := middleware.NewRateLimitMiddleware(d.Limiter, d.IssueLimitPerMin, time.Minute, "issue", middleware.ByTenant)
	bodyLimit := middleware.NewBodyLimitMiddleware(0)
	securityHeaders := middleware.NewSecurityHeadersMiddleware(d.IsProduction)
	metricsAuth := middleware.NewBasicAuthMiddleware(d.MetricsUser, d.MetricsPasswordHash)
	timeout := chimiddleware.Timeout(config.ServerRequestTimeout)

	activation := NewActivationHandler(d.Pairing)
	kiosks := NewKioskHandler(d.Pairing, d.Linker)
	events := NewEventsHandler(d.Bus, d.Pairing)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.Metrics)
	r.Use(chimiddleware.Recoverer)
	r.Use(bodyLimit.Handler)
	r.Use(securityHeaders.Handler)

	if d.Health != nil {
		r.Method(http.MethodGet, "/health", d.Health)
	}
	r.With(metricsAuth.Handler).Method(http.MethodGet, "/metrics", promhttp.Handler())

	redeemChain := []func(http.Handler) http.Handler{redeemLimit.Handler}
	if d.RedeemMaxFailures > 0 {
		redeemChain = append(redeemChain, middleware.NewFailureLockout(d.RedeemMaxFailures, d.RedeemLockoutWindow).Handler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(timeout)
			r.With(redeemChain...).Post("/activation-codes/{code}/redeem", activation.Redeem)
		})

		r.Group(func(r chi.Router) {
			r.Use(tenantAuth.Handler)
			r.Get("/events", events.ServeHTTP)

			r.Group(func(r chi.Router) {
				r.Use(timeout)
				r.With(issueLimit.Handler).Post("/activation-codes", activation.Issue)
				r.Get("/activation-codes/{code}/qr.png", activation.QR)
				r.Get("/activation-codes/{code}/history", activation.History)
				r.Mount("/kiosks", kiosks.Routes())
			})
		})
	})

	return r
}
