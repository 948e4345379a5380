package session

import "time"

// Role is a platform account role.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Identity is the authenticated account as returned by GET /users/me.
type Identity struct {
	ID         int64      `json:"id"`
	Username   string     `json:"username"`
	Email      string     `json:"email,omitempty"`
	Role       Role       `json:"role"`
	Status     string     `json:"status,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitzero"`
	IsVerified bool       `json:"is_verified"`
	TeamName   string     `json:"team_name,omitempty"`
	TeamID     int64      `json:"team_id,omitempty"`
	MFAEnabled bool       `json:"mfa_enabled"`
	TokenData  *TokenData `json:"token_data,omitempty"`
}

// TokenData is the subset of access-token claims the platform echoes back.
type TokenData struct {
	MFAVerified bool `json:"mfv"`
	MFARecovery bool `json:"mfa_recovery"`
}

// IsAdmin reports whether the identity holds the admin role.
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == RoleAdmin
}

// InRecovery reports whether the identity signed in with a backup code.
// Destructive actions are blocked in recovery sessions.
func (i *Identity) InRecovery() bool {
	return i != nil && i.TokenData != nil && i.TokenData.MFARecovery
}
