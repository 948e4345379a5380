package storage

import "time"

// Versioned tab store keys. Bump the suffix when a record's shape changes.
const (
	KeyAccountDelete = "pwndepot:account_delete:v5"
	KeyCTFStatus     = "pwndepot:ctf_status:v1"
	KeyCookies       = "pwndepot:cookies:v1"
)

// StatusRecord is the persisted event status.
type StatusRecord struct {
	Active           *bool      `json:"active"`
	SecondsRemaining *int       `json:"remaining_seconds"`
	EndsAt           *time.Time `json:"ends_at,omitempty"`
	CheckedAt        time.Time  `json:"checked_at"`
}
