package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func statusHandler(status *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(*status)
	})
}

func redeemFrom(h http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/activation-codes/ABCD-EFGH/redeem", nil)
	req.RemoteAddr = ip + ":4000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestFailureLockout(t *testing.T) {
	t.Run("locks after max failures", func(t *testing.T) {
		status := http.StatusNotFound
		lockout := NewFailureLockout(3, time.Minute)
		h := lockout.Handler(statusHandler(&status))

		for i := 0; i < 3; i++ {
			assert.Equal(t, http.StatusNotFound, redeemFrom(h, "10.0.0.1").Code)
		}

		rec := redeemFrom(h, "10.0.0.1")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		assert.Contains(t, rec.Body.String(), "RATE_LIMIT_EXCEEDED")

		assert.Equal(t, http.StatusNotFound, redeemFrom(h, "10.0.0.2").Code, "other clients are unaffected")
	})

	t.Run("only counts redemption failures", func(t *testing.T) {
		status := http.StatusBadRequest
		lockout := NewFailureLockout(2, time.Minute)
		h := lockout.Handler(statusHandler(&status))

		for i := 0; i < 5; i++ {
			assert.Equal(t, http.StatusBadRequest, redeemFrom(h, "10.0.0.3").Code)
		}

		status = http.StatusOK
		assert.Equal(t, http.StatusOK, redeemFrom(h, "10.0.0.3").Code)
	})

	t.Run("conflict and gone count", func(t *testing.T) {
		status := http.StatusConflict
		lockout := NewFailureLockout(2, time.Minute)
		h := lockout.Handler(statusHandler(&status))

		redeemFrom(h, "10.0.0.4")
		status = http.StatusGone
		redeemFrom(h, "10.0.0.4")

		assert.Equal(t, http.StatusTooManyRequests, redeemFrom(h, "10.0.0.4").Code)
	})

	t.Run("lock lifts after window", func(t *testing.T) {
		status := http.StatusNotFound
		lockout := NewFailureLockout(1, time.Minute)
		now := time.Now()
		lockout.now = func() time.Time { return now }
		h := lockout.Handler(statusHandler(&status))

		redeemFrom(h, "10.0.0.5")
		assert.Equal(t, http.StatusTooManyRequests, redeemFrom(h, "10.0.0.5").Code)

		now = now.Add(time.Minute + time.Second)
		assert.Equal(t, http.StatusNotFound, redeemFrom(h, "10.0.0.5").Code)
	})
}
