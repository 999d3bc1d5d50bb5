package audit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/kiosk-pairing-go/internal/util"
)

type EventType string

const (
	EventCodeIssue       EventType = "code_issue"
	EventCodeRedeem      EventType = "code_redeem"
	EventCodeReject      EventType = "code_redeem_rejected"
	EventCodeRevoke      EventType = "code_revoke"
	EventCodeExpire      EventType = "code_expire"
	EventAssetLink       EventType = "asset_link"
	EventAssetRelink     EventType = "asset_relink"
	EventAssetUnlink     EventType = "asset_unlink"
	EventAuthFailure     EventType = "auth_failure"
	EventRateLimitExceed EventType = "rate_limit_exceeded"
)

type Event struct {
	Type      EventType
	TenantID  string
	KioskID   string
	Code      string
	IP        string
	UserAgent string
	Details   map[string]interface{}
}

// Log writes one structured audit line. Codes are masked so a log reader
// cannot redeem them.
func Log(ctx context.Context, event Event) {
	logger := log.Ctx(ctx)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &log.Logger
	}

	child := logger.With().
		Str("audit", "pairing").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now())

	if event.TenantID != "" {
		child = child.Str("tenant_id", event.TenantID)
	}
	if event.KioskID != "" {
		child = child.Str("kiosk_id", event.KioskID)
	}
	if event.Code != "" {
		child = child.Str("code", util.MaskCode(event.Code))
	}
	if event.IP != "" {
		child = child.Str("ip", event.IP)
	}
	if event.UserAgent != "" {
		child = child.Str("user_agent", event.UserAgent)
	}

	l := child.Logger()
	logEvent := l.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("pairing audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	case time.Time:
		return e.Time(key, v)
	default:
		return e.Interface(key, v)
	}
}

func LogFromRequest(r *http.Request, event Event) {
	event.IP = ClientIP(r)
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}

// ClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// socket address without its port.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
