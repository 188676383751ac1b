package domain

import (
	"time"
)

// WindowStatus is the clearing state of a trading window.
type WindowStatus string

const (
	WindowStatusPending WindowStatus = "PENDING"
	WindowStatusActive  WindowStatus = "ACTIVE"
	WindowStatusCleared WindowStatus = "CLEARED"
	WindowStatusSettled WindowStatus = "SETTLED"
)

// Window is a trading window (epoch) during which orders accumulate and are matched.
type Window struct {
	ID         string       `gorm:"primaryKey" json:"id"`
	StartsAt   time.Time    `json:"starts_at"`
	EndsAt     time.Time    `json:"ends_at"`
	Status     WindowStatus `gorm:"index" json:"status"`
	HaltReason string       `json:"halt_reason,omitempty"` // set when matching stopped on an invariant violation
	ClearedAt  *time.Time   `json:"cleared_at,omitempty"`
	SettledAt  *time.Time   `json:"settled_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// AcceptsOrders reports whether new orders may enter the window's book.
func (w *Window) AcceptsOrders() bool {
	return w.Status == WindowStatusActive && w.HaltReason == ""
}

// CanTransition enforces Pending -> Active -> Cleared -> Settled.
func (s WindowStatus) CanTransition(next WindowStatus) bool {
	switch s {
	case WindowStatusPending:
		return next == WindowStatusActive
	case WindowStatusActive:
		return next == WindowStatusCleared
	case WindowStatusCleared:
		return next == WindowStatusSettled
	default:
		return false
	}
}
