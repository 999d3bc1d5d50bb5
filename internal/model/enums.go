package model

type CodeState string

const (
	CodeStatePending  CodeState = "pending"
	CodeStateRedeemed CodeState = "redeemed"
	CodeStateExpired  CodeState = "expired"
	CodeStateRevoked  CodeState = "revoked"
)

func (s CodeState) IsTerminal() bool {
	return s == CodeStateRedeemed || s == CodeStateExpired || s == CodeStateRevoked
}

type EventType string

const (
	EventActivated EventType = "activated"
	EventExpired   EventType = "expired"
	EventRevoked   EventType = "revoked"
)

// EventTypeFor returns the pairing event emitted when a code enters state.
// Pending has no event.
func EventTypeFor(state CodeState) (EventType, bool) {
	switch state {
	case CodeStateRedeemed:
		return EventActivated, true
	case CodeStateExpired:
		return EventExpired, true
	case CodeStateRevoked:
		return EventRevoked, true
	default:
		return "", false
	}
}

type KioskState string

const (
	KioskStateUnknown KioskState = "unknown"
	KioskStateWaiting KioskState = "waiting"
	KioskStateActive  KioskState = "active"
	KioskStateExpired KioskState = "expired"
	KioskStateRevoked KioskState = "revoked"
)
