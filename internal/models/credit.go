package models

import (
	"time"

	"github.com/google/uuid"
)

// TxKind is the business reason of a ledger transaction.
type TxKind string

const (
	TxKindPurchase TxKind = "purchase"
	TxKindSpend    TxKind = "spend"
	TxKindRefund   TxKind = "refund"
	TxKindBonus    TxKind = "bonus"
)

// Valid reports whether k is one of the known kinds.
func (k TxKind) Valid() bool {
	switch k {
	case TxKindPurchase, TxKindSpend, TxKindRefund, TxKindBonus:
		return true
	}
	return false
}

// Transaction is an immutable, append-only ledger entry. Amount is signed:
// spends are negative, everything else is positive.
type Transaction struct {
	ID                     uuid.UUID  `json:"transaction_id"`
	UserID                 uuid.UUID  `json:"user_id"`
	Kind                   TxKind     `json:"kind"`
	Amount                 int64      `json:"amount"`
	BalanceAfter           int64      `json:"balance_after"`
	RelatedJobID           *uuid.UUID `json:"related_job_id,omitempty"`
	RelatedExternalEventID *string    `json:"related_external_event_id,omitempty"`
	Description            string     `json:"description"`
	CreatedAt              time.Time  `json:"timestamp"`
}

// ExternalEvent records that a payment gateway event was processed. One
// event id yields at most one purchase transaction.
type ExternalEvent struct {
	ExternalEventID        string    `json:"external_event_id"`
	ProcessedAt            time.Time `json:"processed_at"`
	ResultingTransactionID uuid.UUID `json:"resulting_transaction_id"`
}
