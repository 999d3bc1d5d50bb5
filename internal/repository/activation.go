package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/openclaw/kiosk-pairing-go/internal/database"
	"github.com/openclaw/kiosk-pairing-go/internal/model"
)

var (
	// ErrCodeTaken means another row already owns the generated code.
	ErrCodeTaken = errors.New("activation code already exists")
	// ErrKioskBusy means a concurrent issuance for the same kiosk committed first.
	ErrKioskBusy = errors.New("kiosk has a concurrent pending code")
	// ErrNotRedeemable means the conditional redeem matched no pending, unexpired row.
	ErrNotRedeemable = errors.New("activation code is not redeemable")
)

const pendingPerKioskIndex = "activation_codes_one_pending_per_kiosk"

const activationColumns = `code, tenant_id, kiosk_id, state, created_at, expires_at,
	redeemed_at, redeemed_fingerprint, state_changed_at`

const eventColumns = `seq, id, tenant_id, type, kiosk_id, code, occurred_at, published_at`

// CreateResult carries the new code plus whatever it displaced.
type CreateResult struct {
	Code    *model.ActivationCode
	Retired []model.ActivationCode
	Events  []model.PairingEvent
}

// TransitionResult lists the rows this caller moved out of pending. Only the
// caller that receives a row owns publishing its event.
type TransitionResult struct {
	Codes  []model.ActivationCode
	Events []model.PairingEvent
}

// ActivationStore is the single writer of activation code state. Every
// transition is a conditional update; the transition log row and the outbox
// event are written in the same transaction.
type ActivationStore interface {
	Create(ctx context.Context, params model.CreateActivationCodeParams) (*CreateResult, error)
	FindByCode(ctx context.Context, code string) (*model.ActivationCode, error)
	FindLatestByKiosk(ctx context.Context, tenantID, kioskID string) (*model.ActivationCode, error)
	FindRedeemedByKiosk(ctx context.Context, tenantID, kioskID string) (*model.ActivationCode, error)
	ListByKiosk(ctx context.Context, tenantID, kioskID string, limit int) ([]model.ActivationCode, error)
	Redeem(ctx context.Context, code, fingerprint string, now time.Time) (*TransitionResult, error)
	Revoke(ctx context.Context, tenantID, kioskID string, now time.Time) (*TransitionResult, error)
	ExpireCode(ctx context.Context, code string, now time.Time) (*TransitionResult, error)
	ExpireDue(ctx context.Context, now time.Time, limit int) (*TransitionResult, error)
	Transitions(ctx context.Context, code string) ([]model.CodeTransition, error)
	PendingEvents(ctx context.Context, occurredBefore time.Time, limit int) ([]model.PairingEvent, error)
	MarkPublished(ctx context.Context, ids []string, at time.Time) error
	EventsSince(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]model.PairingEvent, error)
	ArchiveTerminal(ctx context.Context, before time.Time) (int64, error)
}

type activationStore struct {
	db *sqlx.DB
}

func NewActivationStore(db *sqlx.DB) ActivationStore {
	return &activationStore{db: db}
}

func (s *activationStore) Create(ctx context.Context, params model.CreateActivationCodeParams) (*CreateResult, error) {
	result := &CreateResult{}

	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		retired, events, err := s.retirePending(ctx, tx, params.TenantID, params.KioskID, params.CreatedAt)
		if err != nil {
			return err
		}

		var ac model.ActivationCode
		err = tx.GetContext(ctx, &ac, `
			INSERT INTO activation_codes (code, tenant_id, kiosk_id, state, created_at, expires_at)
			VALUES ($1, $2, $3, 'pending', $4, $5)
			ON CONFLICT (code) DO NOTHING
			RETURNING `+activationColumns,
			params.Code, params.TenantID, params.KioskID, params.CreatedAt, params.ExpiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCodeTaken
		}
		if isUniqueViolation(err, pendingPerKioskIndex) {
			return ErrKioskBusy
		}
		if err != nil {
			return fmt.Errorf("insert activation code: %w", err)
		}

		if _, err := s.recordTransition(ctx, tx, ac, nil, "issued", params.CreatedAt); err != nil {
			return err
		}

		result.Code = &ac
		result.Retired = retired
		result.Events = events
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// retirePending closes out any pending code for the kiosk: codes already
// past expiry become expired, the rest revoked.
func (s *activationStore) retirePending(ctx context.Context, tx *sqlx.Tx, tenantID, kioskID string, now time.Time) ([]model.ActivationCode, []model.PairingEvent, error) {
	var expired []model.ActivationCode
	err := tx.SelectContext(ctx, &expired, `
		UPDATE activation_codes SET state = 'expired', state_changed_at = $3
		WHERE tenant_id = $1 AND kiosk_id = $2 AND state = 'pending' AND expires_at <= $3
		RETURNING `+activationColumns, tenantID, kioskID, now)
	if err != nil {
		return nil, nil, fmt.Errorf("expire previous codes: %w", err)
	}

	var revoked []model.ActivationCode
	err = tx.SelectContext(ctx, &revoked, `
		UPDATE activation_codes SET state = 'revoked', state_changed_at = $3
		WHERE tenant_id = $1 AND kiosk_id = $2 AND state = 'pending'
		RETURNING `+activationColumns, tenantID, kioskID, now)
	if err != nil {
		return nil, nil, fmt.Errorf("revoke previous codes: %w", err)
	}

	retired := append(expired, revoked...)
	events := make([]model.PairingEvent, 0, len(retired))
	for _, ac := range retired {
		reason := "superseded"
		if ac.State == model.CodeStateExpired {
			reason = "expired"
		}
		ev, err := s.recordTransition(ctx, tx, ac, statePtr(model.CodeStatePending), reason, now)
		if err != nil {
			return nil, nil, err
		}
		events = append(events, *ev)
	}
	return retired, events, nil
}

func (s *activationStore) FindByCode(ctx context.Context, code string) (*model.ActivationCode, error) {
	var ac model.ActivationCode
	err := s.db.GetContext(ctx, &ac, `
		SELECT `+activationColumns+` FROM activation_codes WHERE code = $1
	`, code)
	return HandleNotFound(&ac, err)
}

func (s *activationStore) FindLatestByKiosk(ctx context.Context, tenantID, kioskID string) (*model.ActivationCode, error) {
	var ac model.ActivationCode
	err := s.db.GetContext(ctx, &ac, `
		SELECT `+activationColumns+` FROM activation_codes
		WHERE tenant_id = $1 AND kiosk_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, tenantID, kioskID)
	return HandleNotFound(&ac, err)
}

func (s *activationStore) FindRedeemedByKiosk(ctx context.Context, tenantID, kioskID string) (*model.ActivationCode, error) {
	var ac model.ActivationCode
	err := s.db.GetContext(ctx, &ac, `
		SELECT `+activationColumns+` FROM activation_codes
		WHERE tenant_id = $1 AND kiosk_id = $2 AND state = 'redeemed'
		ORDER BY redeemed_at DESC
		LIMIT 1
	`, tenantID, kioskID)
	return HandleNotFound(&ac, err)
}

func (s *activationStore) ListByKiosk(ctx context.Context, tenantID, kioskID string, limit int) ([]model.ActivationCode, error) {
	var codes []model.ActivationCode
	err := s.db.SelectContext(ctx, &codes, `
		SELECT `+activationColumns+` FROM activation_codes
		WHERE tenant_id = $1 AND kiosk_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, tenantID, kioskID, limit)
	return codes, err
}

func (s *activationStore) Redeem(ctx context.Context, code, fingerprint string, now time.Time) (*TransitionResult, error) {
	return s.transition(ctx, "redeemed", func(tx *sqlx.Tx) ([]model.ActivationCode, error) {
		var rows []model.ActivationCode
		err := tx.SelectContext(ctx, &rows, `
			UPDATE activation_codes SET
				state = 'redeemed',
				redeemed_at = $3,
				redeemed_fingerprint = $2,
				state_changed_at = $3
			WHERE code = $1 AND state = 'pending' AND expires_at > $3
			RETURNING `+activationColumns, code, fingerprint, now)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, ErrNotRedeemable
		}
		return rows, nil
	}, now)
}

func (s *activationStore) Revoke(ctx context.Context, tenantID, kioskID string, now time.Time) (*TransitionResult, error) {
	return s.transition(ctx, "revoked", func(tx *sqlx.Tx) ([]model.ActivationCode, error) {
		var rows []model.ActivationCode
		err := tx.SelectContext(ctx, &rows, `
			UPDATE activation_codes SET state = 'revoked', state_changed_at = $3
			WHERE tenant_id = $1 AND kiosk_id = $2 AND state = 'pending' AND expires_at > $3
			RETURNING `+activationColumns, tenantID, kioskID, now)
		return rows, err
	}, now)
}

func (s *activationStore) ExpireCode(ctx context.Context, code string, now time.Time) (*TransitionResult, error) {
	return s.transition(ctx, "expired", func(tx *sqlx.Tx) ([]model.ActivationCode, error) {
		var rows []model.ActivationCode
		err := tx.SelectContext(ctx, &rows, `
			UPDATE activation_codes SET state = 'expired', state_changed_at = $2
			WHERE code = $1 AND state = 'pending' AND expires_at <= $2
			RETURNING `+activationColumns, code, now)
		return rows, err
	}, now)
}

func (s *activationStore) ExpireDue(ctx context.Context, now time.Time, limit int) (*TransitionResult, error) {
	return s.transition(ctx, "expired", func(tx *sqlx.Tx) ([]model.ActivationCode, error) {
		var rows []model.ActivationCode
		err := tx.SelectContext(ctx, &rows, `
			UPDATE activation_codes SET state = 'expired', state_changed_at = $1
			WHERE code IN (
				SELECT code FROM activation_codes
				WHERE state = 'pending' AND expires_at <= $1
				ORDER BY expires_at
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			) AND state = 'pending'
			RETURNING `+activationColumns, now, limit)
		return rows, err
	}, now)
}

// transition runs update inside a transaction and records a transition row
// and outbox event for every row it returns.
func (s *activationStore) transition(
	ctx context.Context,
	reason string,
	update func(tx *sqlx.Tx) ([]model.ActivationCode, error),
	now time.Time,
) (*TransitionResult, error) {
	result := &TransitionResult{}

	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		rows, err := update(tx)
		if err != nil {
			return err
		}
		for _, ac := range rows {
			ev, err := s.recordTransition(ctx, tx, ac, statePtr(model.CodeStatePending), reason, now)
			if err != nil {
				return err
			}
			result.Codes = append(result.Codes, ac)
			if ev != nil {
				result.Events = append(result.Events, *ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *activationStore) recordTransition(
	ctx context.Context,
	tx *sqlx.Tx,
	ac model.ActivationCode,
	from *model.CodeState,
	reason string,
	at time.Time,
) (*model.PairingEvent, error) {
	var fromState *string
	if from != nil {
		v := string(*from)
		fromState = &v
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO activation_code_transitions (id, code, tenant_id, kiosk_id, from_state, to_state, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.NewString(), ac.Code, ac.TenantID, ac.KioskID, fromState, ac.State, reason, at)
	if err != nil {
		return nil, fmt.Errorf("record transition: %w", err)
	}

	eventType, ok := model.EventTypeFor(ac.State)
	if !ok {
		return nil, nil
	}

	var ev model.PairingEvent
	err = tx.GetContext(ctx, &ev, `
		INSERT INTO pairing_events (id, tenant_id, type, kiosk_id, code, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+eventColumns,
		uuid.NewString(), ac.TenantID, eventType, ac.KioskID, ac.Code, at)
	if err != nil {
		return nil, fmt.Errorf("enqueue pairing event: %w", err)
	}
	return &ev, nil
}

func (s *activationStore) Transitions(ctx context.Context, code string) ([]model.CodeTransition, error) {
	var rows []model.CodeTransition
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, code, tenant_id, kiosk_id, from_state, to_state, reason, occurred_at
		FROM activation_code_transitions
		WHERE code = $1
		ORDER BY occurred_at, to_state = 'pending' DESC
	`, code)
	return rows, err
}

func (s *activationStore) PendingEvents(ctx context.Context, occurredBefore time.Time, limit int) ([]model.PairingEvent, error) {
	var events []model.PairingEvent
	err := s.db.SelectContext(ctx, &events, `
		SELECT `+eventColumns+` FROM pairing_events
		WHERE published_at IS NULL AND occurred_at <= $1
		ORDER BY seq
		LIMIT $2
	`, occurredBefore, limit)
	return events, err
}

func (s *activationStore) MarkPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE pairing_events SET published_at = $2
		WHERE id = ANY($1::uuid[]) AND published_at IS NULL
	`, pq.Array(ids), at)
	return err
}

func (s *activationStore) EventsSince(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]model.PairingEvent, error) {
	var events []model.PairingEvent
	err := s.db.SelectContext(ctx, &events, `
		SELECT `+eventColumns+` FROM pairing_events
		WHERE tenant_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3
	`, tenantID, afterSeq, limit)
	return events, err
}

func (s *activationStore) ArchiveTerminal(ctx context.Context, before time.Time) (int64, error) {
	var moved int64
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			WITH moved AS (
				DELETE FROM activation_codes
				WHERE state <> 'pending' AND COALESCE(state_changed_at, created_at) < $1
				RETURNING `+activationColumns+`
			)
			INSERT INTO activation_codes_archive (`+activationColumns+`)
			SELECT `+activationColumns+` FROM moved
		`, before)
		if err != nil {
			return fmt.Errorf("archive codes: %w", err)
		}
		moved, err = res.RowsAffected()
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			DELETE FROM pairing_events
			WHERE published_at IS NOT NULL AND occurred_at < $1
		`, before)
		if err != nil {
			return fmt.Errorf("prune delivered events: %w", err)
		}
		return nil
	})
	return moved, err
}

func statePtr(s model.CodeState) *model.CodeState {
	return &s
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23505" && (constraint == "" || pqErr.Constraint == constraint)
}
