package models

import (
	"time"

	"github.com/google/uuid"
)

// Account is the per-user balance record. Balance never drops below zero and
// always equals TotalCredited - TotalDebited.
type Account struct {
	UserID        uuid.UUID `json:"user_id"`
	Balance       int64     `json:"balance"`
	TotalCredited int64     `json:"total_credited"`
	TotalDebited  int64     `json:"total_debited"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
