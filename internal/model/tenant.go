package model

import "time"

type Tenant struct {
	ID           string     `db:"id" json:"id"`
	Name         string     `db:"name" json:"name"`
	APITokenHash string     `db:"api_token_hash" json:"-"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
	DisabledAt   *time.Time `db:"disabled_at" json:"disabledAt,omitempty"`
}
