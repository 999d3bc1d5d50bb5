package notifier

import (
	"time"
)

type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseWaiting Phase = "waiting"
	PhasePaired  Phase = "paired"
	PhaseExpired Phase = "expired"
)

// State is the single value an admin view renders from.
type State struct {
	Phase     Phase     `json:"phase"`
	KioskID   string    `json:"kioskId,omitempty"`
	Code      string    `json:"code,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	// Reason says why a wait ended: activated, expired, revoked or superseded.
	Reason string    `json:"reason,omitempty"`
	Via    string    `json:"via,omitempty"`
	At     time.Time `json:"at,omitempty"`
}

func Idle() State {
	return State{Phase: PhaseIdle}
}

func Waiting(kioskID, code string, expiresAt time.Time) State {
	return State{Phase: PhaseWaiting, KioskID: kioskID, Code: code, ExpiresAt: expiresAt}
}

// Terminal reports whether the wait is over. Both terminal phases allow
// issuing a fresh code.
func (s State) Terminal() bool {
	return s.Phase == PhasePaired || s.Phase == PhaseExpired
}

func (s State) paired(via string, at time.Time) State {
	return State{Phase: PhasePaired, KioskID: s.KioskID, Code: s.Code, ExpiresAt: s.ExpiresAt, Reason: "activated", Via: via, At: at}
}

func (s State) expired(reason, via string, at time.Time) State {
	return State{Phase: PhaseExpired, KioskID: s.KioskID, Code: s.Code, ExpiresAt: s.ExpiresAt, Reason: reason, Via: via, At: at}
}
