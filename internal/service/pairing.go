package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/kiosk-pairing-go/internal/audit"
	"github.com/openclaw/kiosk-pairing-go/internal/clock"
	"github.com/openclaw/kiosk-pairing-go/internal/codegen"
	"github.com/openclaw/kiosk-pairing-go/internal/config"
	apperrors "github.com/openclaw/kiosk-pairing-go/internal/errors"
	"github.com/openclaw/kiosk-pairing-go/internal/metrics"
	"github.com/openclaw/kiosk-pairing-go/internal/model"
	"github.com/openclaw/kiosk-pairing-go/internal/repository"
	"github.com/openclaw/kiosk-pairing-go/internal/util"
)

const publishTimeout = 5 * time.Second

// EventPublisher hands committed pairing events to the event bus.
type EventPublisher interface {
	Publish(ctx context.Context, event model.PairingEvent) error
}

type PairingConfig struct {
	CodeTTL               time.Duration
	RedeemTimeout         time.Duration
	OutboxGrace           time.Duration
	QRBaseURL             string
	MaxGenerationAttempts int
	RetryAttempts         int
	RetryBaseDelay        time.Duration
	SweepBatchSize        int
	OutboxBatchSize       int
}

// PairingConfigFrom derives service settings from process configuration.
func PairingConfigFrom(cfg *config.Config) PairingConfig {
	return PairingConfig{
		CodeTTL:               cfg.CodeTTL(),
		RedeemTimeout:         cfg.RedeemTimeout(),
		OutboxGrace:           cfg.OutboxGrace(),
		QRBaseURL:             cfg.QRBaseURL,
		MaxGenerationAttempts: config.MaxGenerationAttempts,
		RetryAttempts:         config.StoreRetryAttempts,
		RetryBaseDelay:        config.StoreRetryBaseDelay,
		SweepBatchSize:        config.SweepBatchSize,
		OutboxBatchSize:       config.OutboxBatchSize,
	}
}

type IssueResult struct {
	Code      string                 `json:"code"`
	KioskID   string                 `json:"kioskId"`
	QR        string                 `json:"qr"`
	State     model.CodeState        `json:"state"`
	CreatedAt time.Time              `json:"createdAt"`
	ExpiresAt time.Time              `json:"expiresAt"`
	Revoked   []string               `json:"revoked,omitempty"`
	Retired   []model.ActivationCode `json:"-"`
}

type RedemptionResult struct {
	Code       string    `json:"code"`
	KioskID    string    `json:"kioskId"`
	TenantID   string    `json:"-"`
	RedeemedAt time.Time `json:"redeemedAt"`
	Replayed   bool      `json:"replayed"`
}

type PairingService struct {
	store     repository.ActivationStore
	links     repository.AssetLinkRepository
	generator codegen.Generator
	publisher EventPublisher
	clock     clock.Clock
	cfg       PairingConfig
	retry     retryPolicy
}

func NewPairingService(
	store repository.ActivationStore,
	links repository.AssetLinkRepository,
	generator codegen.Generator,
	publisher EventPublisher,
	clk clock.Clock,
	cfg PairingConfig,
) *PairingService {
	if cfg.MaxGenerationAttempts <= 0 {
		cfg.MaxGenerationAttempts = config.MaxGenerationAttempts
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = config.SweepBatchSize
	}
	if cfg.OutboxBatchSize <= 0 {
		cfg.OutboxBatchSize = config.OutboxBatchSize
	}
	return &PairingService{
		store:     store,
		links:     links,
		generator: generator,
		publisher: publisher,
		clock:     clk,
		cfg:       cfg,
		retry:     retryPolicy{attempts: cfg.RetryAttempts, baseDelay: cfg.RetryBaseDelay},
	}
}

// Issue creates a pending code for the kiosk, retiring any code the kiosk
// was still waiting on. An empty hint gets a generated kiosk id.
func (s *PairingService) Issue(ctx context.Context, tenantID, kioskIDHint string) (*IssueResult, error) {
	kioskID := kioskIDHint
	if kioskID == "" {
		kioskID = "kiosk-" + uuid.NewString()[:8]
	}
	if !util.IsValidKioskID(kioskID) {
		return nil, apperrors.InvalidInput("kioskId", "must be 1-64 characters of letters, digits, '.', '_', ':' or '-'")
	}

	for attempt := 1; attempt <= s.cfg.MaxGenerationAttempts; attempt++ {
		code, err := s.generator.Generate()
		if err != nil {
			return nil, apperrors.Internal("Failed to generate activation code").WithCause(err)
		}

		now := s.clock.Now()
		res, err := withRetry(ctx, s.retry, "issue", func() (*repository.CreateResult, error) {
			return s.store.Create(ctx, model.CreateActivationCodeParams{
				Code:      code,
				TenantID:  tenantID,
				KioskID:   kioskID,
				CreatedAt: now,
				ExpiresAt: now.Add(s.cfg.CodeTTL),
			})
		})
		if errors.Is(err, repository.ErrCodeTaken) {
			metrics.GenerationCollisions.Inc()
			log.Debug().Int("attempt", attempt).Msg("generated code collided, retrying")
			continue
		}
		if errors.Is(err, repository.ErrKioskBusy) {
			log.Debug().Str("kioskId", kioskID).Int("attempt", attempt).Msg("concurrent issuance for kiosk, retrying")
			continue
		}
		if err != nil {
			return nil, storeError(err)
		}

		s.publishAll(ctx, res.Events)
		return s.issued(ctx, res), nil
	}

	log.Error().
		Bool("alert", true).
		Str("tenantId", tenantID).
		Str("kioskId", kioskID).
		Int("attempts", s.cfg.MaxGenerationAttempts).
		Msg("activation code generation exhausted")
	return nil, apperrors.GenerationExhausted(s.cfg.MaxGenerationAttempts)
}

func (s *PairingService) issued(ctx context.Context, res *repository.CreateResult) *IssueResult {
	ac := res.Code
	metrics.CodesIssued.Inc()

	result := &IssueResult{
		Code:      ac.Code,
		KioskID:   ac.KioskID,
		QR:        codegen.QRPayload(s.cfg.QRBaseURL, ac.Code),
		State:     ac.State,
		CreatedAt: ac.CreatedAt,
		ExpiresAt: ac.ExpiresAt,
		Retired:   res.Retired,
	}
	for _, prev := range res.Retired {
		result.Revoked = append(result.Revoked, prev.Code)
		s.countTerminal(prev.State)
		log.Info().
			Str("code", util.MaskCode(prev.Code)).
			Str("kioskId", prev.KioskID).
			Str("tenantId", prev.TenantID).
			Str("state", string(prev.State)).
			Msg("previous activation code retired")
	}

	log.Info().
		Str("code", util.MaskCode(ac.Code)).
		Str("kioskId", ac.KioskID).
		Str("tenantId", ac.TenantID).
		Time("expiresAt", ac.ExpiresAt).
		Msg("activation code issued")

	audit.Log(ctx, audit.Event{
		Type:     audit.EventCodeIssue,
		TenantID: ac.TenantID,
		KioskID:  ac.KioskID,
		Code:     ac.Code,
		Details:  map[string]interface{}{"retired": len(res.Retired)},
	})
	return result
}

// Redeem claims a code for a device. A repeat by the same device after the
// code was already claimed succeeds with Replayed set; any other device gets
// a conflict.
func (s *PairingService) Redeem(ctx context.Context, code, fingerprint string) (*RedemptionResult, error) {
	code = codegen.Normalize(code)
	if code == "" {
		return nil, apperrors.MissingRequired("code")
	}
	if fingerprint == "" {
		return nil, apperrors.MissingRequired("deviceFingerprint")
	}

	if s.cfg.RedeemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RedeemTimeout)
		defer cancel()
	}

	now := s.clock.Now()
	res, err := withRetry(ctx, s.retry, "redeem", func() (*repository.TransitionResult, error) {
		return s.store.Redeem(ctx, code, fingerprint, now)
	})
	if err == nil && len(res.Codes) == 1 {
		ac := res.Codes[0]
		s.publishAll(ctx, res.Events)
		metrics.Redemptions.WithLabelValues("accepted").Inc()

		log.Info().
			Str("code", util.MaskCode(ac.Code)).
			Str("kioskId", ac.KioskID).
			Str("tenantId", ac.TenantID).
			Msg("activation code redeemed")
		audit.Log(ctx, audit.Event{
			Type:     audit.EventCodeRedeem,
			TenantID: ac.TenantID,
			KioskID:  ac.KioskID,
			Code:     ac.Code,
		})

		return &RedemptionResult{
			Code:       ac.Code,
			KioskID:    ac.KioskID,
			TenantID:   ac.TenantID,
			RedeemedAt: *ac.RedeemedAt,
		}, nil
	}
	if err != nil && !errors.Is(err, repository.ErrNotRedeemable) {
		metrics.Redemptions.WithLabelValues("error").Inc()
		return nil, storeError(err)
	}

	return s.explainRejection(ctx, code, fingerprint, now)
}

// explainRejection runs after the conditional redeem matched nothing and
// maps the code's current state onto the caller-facing outcome.
func (s *PairingService) explainRejection(ctx context.Context, code, fingerprint string, now time.Time) (*RedemptionResult, error) {
	ac, err := withRetry(ctx, s.retry, "redeem_lookup", func() (*model.ActivationCode, error) {
		return s.store.FindByCode(ctx, code)
	})
	if err != nil {
		metrics.Redemptions.WithLabelValues("error").Inc()
		return nil, storeError(err)
	}

	reject := func(result string, appErr *apperrors.AppError) (*RedemptionResult, error) {
		metrics.Redemptions.WithLabelValues(result).Inc()
		event := audit.Event{
			Type:    audit.EventCodeReject,
			Code:    code,
			Details: map[string]interface{}{"reason": result},
		}
		if ac != nil {
			event.TenantID = ac.TenantID
			event.KioskID = ac.KioskID
		}
		audit.Log(ctx, event)
		return nil, appErr
	}

	if ac == nil {
		return reject("not_found", apperrors.NotFound("Activation code"))
	}

	switch ac.State {
	case model.CodeStateRedeemed:
		if ac.RedeemedBy(fingerprint) {
			metrics.Redemptions.WithLabelValues("replayed").Inc()
			log.Info().
				Str("code", util.MaskCode(ac.Code)).
				Str("kioskId", ac.KioskID).
				Msg("repeat redemption by the same device")
			return &RedemptionResult{
				Code:       ac.Code,
				KioskID:    ac.KioskID,
				TenantID:   ac.TenantID,
				RedeemedAt: *ac.RedeemedAt,
				Replayed:   true,
			}, nil
		}
		return reject("conflict", apperrors.CodeNoLongerValid())

	case model.CodeStateRevoked:
		return reject("revoked", apperrors.CodeNoLongerValid())

	case model.CodeStateExpired:
		return reject("expired", apperrors.CodeExpired())

	default:
		if !now.Before(ac.ExpiresAt) {
			s.expireLazily(ctx, ac.Code, now)
			return reject("expired", apperrors.CodeExpired())
		}
		metrics.Redemptions.WithLabelValues("error").Inc()
		return nil, apperrors.TransientStore(fmt.Errorf("code %s still pending after conditional redeem", util.MaskCode(code)))
	}
}

// expireLazily persists an overdue expiry discovered on the request path.
// Losing the race to the sweeper is fine; only the winner publishes.
func (s *PairingService) expireLazily(ctx context.Context, code string, now time.Time) {
	res, err := s.store.ExpireCode(ctx, code, now)
	if err != nil {
		log.Warn().Err(err).Str("code", util.MaskCode(code)).Msg("lazy expiry failed")
		return
	}
	s.afterExpire(ctx, res)
}

// Revoke invalidates the kiosk's pending code.
func (s *PairingService) Revoke(ctx context.Context, tenantID, kioskID string) (*model.ActivationCode, error) {
	if !util.IsValidKioskID(kioskID) {
		return nil, apperrors.InvalidInput("kioskId", "malformed kiosk id")
	}

	now := s.clock.Now()
	res, err := withRetry(ctx, s.retry, "revoke", func() (*repository.TransitionResult, error) {
		return s.store.Revoke(ctx, tenantID, kioskID, now)
	})
	if err != nil {
		return nil, storeError(err)
	}

	if len(res.Codes) == 0 {
		latest, err := s.store.FindLatestByKiosk(ctx, tenantID, kioskID)
		if err != nil {
			return nil, storeError(err)
		}
		if latest != nil && latest.State == model.CodeStatePending {
			s.expireLazily(ctx, latest.Code, now)
		}
		return nil, apperrors.NotFound("Pending activation code")
	}

	s.publishAll(ctx, res.Events)
	ac := res.Codes[0]
	for _, revoked := range res.Codes {
		metrics.Revocations.Inc()
		log.Info().
			Str("code", util.MaskCode(revoked.Code)).
			Str("kioskId", revoked.KioskID).
			Str("tenantId", revoked.TenantID).
			Msg("activation code revoked")
		audit.Log(ctx, audit.Event{
			Type:     audit.EventCodeRevoke,
			TenantID: revoked.TenantID,
			KioskID:  revoked.KioskID,
			Code:     revoked.Code,
		})
	}
	return &ac, nil
}

// ExpireSweep moves every overdue pending code to expired in batches. Safe
// to run from any number of replicas at once.
func (s *PairingService) ExpireSweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	total := 0

	for {
		res, err := withRetry(ctx, s.retry, "expire_sweep", func() (*repository.TransitionResult, error) {
			return s.store.ExpireDue(ctx, now, s.cfg.SweepBatchSize)
		})
		if err != nil {
			return total, storeError(err)
		}

		s.afterExpire(ctx, res)
		total += len(res.Codes)
		if len(res.Codes) < s.cfg.SweepBatchSize {
			break
		}
	}

	if total > 0 {
		log.Info().Int("count", total).Msg("expired overdue activation codes")
	}
	return total, nil
}

func (s *PairingService) afterExpire(ctx context.Context, res *repository.TransitionResult) {
	if res == nil || len(res.Codes) == 0 {
		return
	}
	s.publishAll(ctx, res.Events)
	for _, ac := range res.Codes {
		metrics.Expirations.Inc()
		log.Info().
			Str("code", util.MaskCode(ac.Code)).
			Str("kioskId", ac.KioskID).
			Str("tenantId", ac.TenantID).
			Msg("activation code expired")
		audit.Log(ctx, audit.Event{
			Type:     audit.EventCodeExpire,
			TenantID: ac.TenantID,
			KioskID:  ac.KioskID,
			Code:     ac.Code,
		})
	}
}

// Reconcile republishes outbox events that were committed but never
// acknowledged by the bus, for example after a crash between commit and
// publish.
func (s *PairingService) Reconcile(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.cfg.OutboxGrace)
	events, err := s.store.PendingEvents(ctx, cutoff, s.cfg.OutboxBatchSize)
	if err != nil {
		return 0, storeError(err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	published := s.publishAll(ctx, events)
	log.Info().
		Int("pending", len(events)).
		Int("published", published).
		Msg("reconciled undelivered pairing events")
	return published, nil
}

// Archive moves terminal codes older than retention out of the live table.
func (s *PairingService) Archive(ctx context.Context, retention time.Duration) (int64, error) {
	moved, err := s.store.ArchiveTerminal(ctx, s.clock.Now().Add(-retention))
	if err != nil {
		return 0, storeError(err)
	}
	if moved > 0 {
		log.Info().Int64("count", moved).Msg("archived terminal activation codes")
	}
	return moved, nil
}

// publishAll publishes events in order and marks the delivered ones in the
// outbox. Failures are left for Reconcile.
func (s *PairingService) publishAll(ctx context.Context, events []model.PairingEvent) int {
	if len(events) == 0 || s.publisher == nil {
		return 0
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	delivered := make([]string, 0, len(events))
	for _, ev := range events {
		if err := s.publisher.Publish(pubCtx, ev); err != nil {
			metrics.EventsPublished.WithLabelValues("failed").Inc()
			log.Warn().
				Err(err).
				Str("eventId", ev.ID).
				Str("kioskId", ev.KioskID).
				Str("type", string(ev.Type)).
				Msg("publish pairing event failed, leaving for reconciliation")
			continue
		}
		metrics.EventsPublished.WithLabelValues("ok").Inc()
		delivered = append(delivered, ev.ID)
	}

	if err := s.store.MarkPublished(pubCtx, delivered, s.clock.Now()); err != nil {
		log.Warn().Err(err).Int("count", len(delivered)).Msg("mark events published failed")
	}
	return len(delivered)
}

// KioskStatus answers the admin poll fallback. A pending code past expiry
// reports as expired before the sweeper persists it.
func (s *PairingService) KioskStatus(ctx context.Context, tenantID, kioskID string) (*model.KioskStatus, error) {
	if !util.IsValidKioskID(kioskID) {
		return nil, apperrors.InvalidInput("kioskId", "malformed kiosk id")
	}

	latest, err := s.store.FindLatestByKiosk(ctx, tenantID, kioskID)
	if err != nil {
		return nil, storeError(err)
	}
	if latest == nil {
		return nil, apperrors.NotFound("Kiosk")
	}

	redeemed := latest
	if latest.State != model.CodeStateRedeemed {
		redeemed, err = s.store.FindRedeemedByKiosk(ctx, tenantID, kioskID)
		if err != nil {
			return nil, storeError(err)
		}
	}

	now := s.clock.Now()
	effective := latest.EffectiveState(now)
	status := &model.KioskStatus{
		KioskID:   kioskID,
		State:     kioskState(effective, redeemed != nil),
		Active:    redeemed != nil,
		Code:      &latest.Code,
		CodeState: &effective,
		ExpiresAt: &latest.ExpiresAt,
		CheckedAt: now,
	}
	if redeemed != nil {
		status.RedeemedAt = redeemed.RedeemedAt
	}

	if s.links != nil {
		link, err := s.links.FindByKiosk(ctx, tenantID, kioskID)
		if err != nil {
			return nil, storeError(err)
		}
		status.AssetLink = link
	}
	return status, nil
}

func kioskState(latest model.CodeState, active bool) model.KioskState {
	if latest == model.CodeStatePending {
		return model.KioskStateWaiting
	}
	if active {
		return model.KioskStateActive
	}
	switch latest {
	case model.CodeStateExpired:
		return model.KioskStateExpired
	case model.CodeStateRevoked:
		return model.KioskStateRevoked
	default:
		return model.KioskStateUnknown
	}
}

// Lookup returns a code owned by tenantID.
func (s *PairingService) Lookup(ctx context.Context, tenantID, code string) (*model.ActivationCode, error) {
	code = codegen.Normalize(code)
	ac, err := s.store.FindByCode(ctx, code)
	if err != nil {
		return nil, storeError(err)
	}
	if ac == nil || ac.TenantID != tenantID {
		return nil, apperrors.NotFound("Activation code")
	}
	return ac, nil
}

func (s *PairingService) QRPayload(code string) string {
	return codegen.QRPayload(s.cfg.QRBaseURL, code)
}

// History returns the transition log of a code owned by tenantID.
func (s *PairingService) History(ctx context.Context, tenantID, code string) ([]model.CodeTransition, error) {
	ac, err := s.Lookup(ctx, tenantID, code)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.Transitions(ctx, ac.Code)
	if err != nil {
		return nil, storeError(err)
	}
	return rows, nil
}

// ListCodes returns the kiosk's most recent codes, newest first, with
// overdue pending codes reported as expired.
func (s *PairingService) ListCodes(ctx context.Context, tenantID, kioskID string, limit int) ([]model.ActivationCode, error) {
	if !util.IsValidKioskID(kioskID) {
		return nil, apperrors.InvalidInput("kioskId", "malformed kiosk id")
	}
	codes, err := s.store.ListByKiosk(ctx, tenantID, kioskID, limit)
	if err != nil {
		return nil, storeError(err)
	}
	now := s.clock.Now()
	for i := range codes {
		codes[i].State = codes[i].EffectiveState(now)
	}
	return codes, nil
}

// EventsSince replays outbox events for a reconnecting subscriber.
func (s *PairingService) EventsSince(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]model.PairingEvent, error) {
	events, err := s.store.EventsSince(ctx, tenantID, afterSeq, limit)
	if err != nil {
		return nil, storeError(err)
	}
	return events, nil
}

func (s *PairingService) countTerminal(state model.CodeState) {
	switch state {
	case model.CodeStateExpired:
		metrics.Expirations.Inc()
	case model.CodeStateRevoked:
		metrics.Revocations.Inc()
	}
}

func storeError(err error) error {
	if apperrors.IsAppError(err) {
		return err
	}
	if repository.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.TransientStore(err)
	}
	return apperrors.Database(err)
}
