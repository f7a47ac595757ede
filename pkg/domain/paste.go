package domain

import (
	"time"
)

// Paste is the single stored record. ExpiresAt and MaxViews are nil when the
// paste carries no time limit / no view quota. Views is only ever written by
// the store's claim operation.
type Paste struct {
	ID        string     `json:"id"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at"`
	MaxViews  *int       `json:"max_views"`
	Views     int        `json:"views"`
}

type CreateParams struct {
	Content    string
	TTLSeconds *int
	MaxViews   *int
}

// Claim is the outcome of a successful consuming read. Views is the
// post-increment count; RemainingViews is nil for unlimited pastes and never
// negative otherwise.
type Claim struct {
	Content        string     `json:"content"`
	Views          int        `json:"-"`
	RemainingViews *int       `json:"remaining_views"`
	ExpiresAt      *time.Time `json:"expires_at"`
}
