package model

import (
	"time"
)

type ActivationCode struct {
	Code                string     `db:"code" json:"code"`
	TenantID            string     `db:"tenant_id" json:"tenantId"`
	KioskID             string     `db:"kiosk_id" json:"kioskId"`
	State               CodeState  `db:"state" json:"state"`
	CreatedAt           time.Time  `db:"created_at" json:"createdAt"`
	ExpiresAt           time.Time  `db:"expires_at" json:"expiresAt"`
	RedeemedAt          *time.Time `db:"redeemed_at" json:"redeemedAt,omitempty"`
	RedeemedFingerprint *string    `db:"redeemed_fingerprint" json:"-"`
	StateChangedAt      *time.Time `db:"state_changed_at" json:"stateChangedAt,omitempty"`
}

// IsRedeemable reports whether the code can still be claimed at now.
func (c *ActivationCode) IsRedeemable(now time.Time) bool {
	return c.State == CodeStatePending && now.Before(c.ExpiresAt)
}

// EffectiveState folds a pending code past its expiry into expired, before
// the sweeper has persisted that transition.
func (c *ActivationCode) EffectiveState(now time.Time) CodeState {
	if c.State == CodeStatePending && !now.Before(c.ExpiresAt) {
		return CodeStateExpired
	}
	return c.State
}

func (c *ActivationCode) RedeemedBy(fingerprint string) bool {
	return c.State == CodeStateRedeemed && c.RedeemedFingerprint != nil && *c.RedeemedFingerprint == fingerprint
}

type CreateActivationCodeParams struct {
	Code      string
	TenantID  string
	KioskID   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// CodeTransition is one row of the append-only state history of a code.
type CodeTransition struct {
	ID         string     `db:"id" json:"id"`
	Code       string     `db:"code" json:"code"`
	TenantID   string     `db:"tenant_id" json:"tenantId"`
	KioskID    string     `db:"kiosk_id" json:"kioskId"`
	FromState  *CodeState `db:"from_state" json:"fromState,omitempty"`
	ToState    CodeState  `db:"to_state" json:"toState"`
	Reason     string     `db:"reason" json:"reason"`
	OccurredAt time.Time  `db:"occurred_at" json:"occurredAt"`
}

type KioskStatus struct {
	KioskID    string     `json:"kioskId"`
	State      KioskState `json:"state"`
	Active     bool       `json:"active"`
	Code       *string    `json:"code,omitempty"`
	CodeState  *CodeState `json:"codeState,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	RedeemedAt *time.Time `json:"redeemedAt,omitempty"`
	AssetLink  *AssetLink `json:"assetLink,omitempty"`
	CheckedAt  time.Time  `json:"checkedAt"`
}
