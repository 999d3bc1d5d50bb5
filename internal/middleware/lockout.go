package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/openclaw/kiosk-pairing-go/internal/audit"
	apperrors "github.com/openclaw/kiosk-pairing-go/internal/errors"
)

const lockoutCleanupPeriod = 5 * time.Minute

type failureWindow struct {
	count       int
	windowStart time.Time
}

// FailureLockout blocks a client IP after too many failed redemptions
// within a window. Only 404, 409 and 410 responses count as failures, so
// malformed requests and rate limiting do not lock anyone out. State is
// per replica.
type FailureLockout struct {
	mu          sync.Mutex
	failures    map[string]*failureWindow
	maxFailures int
	window      time.Duration
	lastCleanup time.Time
	now         func() time.Time
}

func NewFailureLockout(maxFailures int, window time.Duration) *FailureLockout {
	return &FailureLockout{
		failures:    make(map[string]*failureWindow),
		maxFailures: maxFailures,
		window:      window,
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

func (l *FailureLockout) cleanup(now time.Time) {
	if now.Sub(l.lastCleanup) < lockoutCleanupPeriod {
		return
	}
	l.lastCleanup = now

	for ip, f := range l.failures {
		if now.Sub(f.windowStart) > l.window {
			delete(l.failures, ip)
		}
	}
}

// locked reports whether ip is blocked and, if so, when the block lifts.
func (l *FailureLockout) locked(ip string) (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.cleanup(now)

	f, ok := l.failures[ip]
	if !ok || now.Sub(f.windowStart) > l.window {
		return false, time.Time{}
	}
	return f.count >= l.maxFailures, f.windowStart.Add(l.window)
}

func (l *FailureLockout) recordFailure(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	f, ok := l.failures[ip]
	if !ok || now.Sub(f.windowStart) > l.window {
		l.failures[ip] = &failureWindow{count: 1, windowStart: now}
		return
	}
	f.count++
}

func isRedeemFailure(status int) bool {
	switch status {
	case http.StatusNotFound, http.StatusConflict, http.StatusGone:
		return true
	}
	return false
}

func (l *FailureLockout) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := audit.ClientIP(r)

		if blocked, until := l.locked(ip); blocked {
			retryAfter := int(until.Sub(l.now()).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventRateLimitExceed,
				Details: map[string]interface{}{"scope": "redeem_lockout"},
			})
			writeError(w, apperrors.New(apperrors.ErrCodeRateLimitExceeded, "Too many failed activation attempts, try again later"))
			return
		}

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if isRedeemFailure(ww.Status()) {
			l.recordFailure(ip)
		}
	})
}
