package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// PairingEvent is both the outbox row and the wire payload on the kiosks topic.
type PairingEvent struct {
	ID          string     `db:"id" json:"id"`
	Seq         int64      `db:"seq" json:"seq"`
	TenantID    string     `db:"tenant_id" json:"tenantId"`
	Type        EventType  `db:"type" json:"type"`
	KioskID     string     `db:"kiosk_id" json:"kioskId"`
	Code        string     `db:"code" json:"code"`
	OccurredAt  time.Time  `db:"occurred_at" json:"occurredAt"`
	PublishedAt *time.Time `db:"published_at" json:"-"`
}

// DedupKey identifies a transition independent of delivery attempt.
func (e PairingEvent) DedupKey() string {
	return fmt.Sprintf("%s|%s|%s|%d", e.KioskID, e.Type, e.Code, e.OccurredAt.UnixNano())
}

func (e PairingEvent) ToSSEEventData() json.RawMessage {
	data, _ := json.Marshal(map[string]any{
		"id":         e.ID,
		"seq":        e.Seq,
		"type":       e.Type,
		"kioskId":    e.KioskID,
		"code":       e.Code,
		"occurredAt": e.OccurredAt.Format(time.RFC3339Nano),
	})
	return data
}
