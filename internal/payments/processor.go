// Package payments turns payment-gateway deliveries into purchase credits,
// exactly once per gateway event id.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/genforge/credits/internal/ledger"
)

var (
	// ErrInvalidPurchaseEvent marks a delivery that must not be credited and
	// must not be redelivered either.
	ErrInvalidPurchaseEvent = errors.New("invalid purchase event")
	ErrInvalidSignature     = fmt.Errorf("%w: bad signature", ErrInvalidPurchaseEvent)
	ErrPriceMismatch        = fmt.Errorf("%w: price mismatch", ErrInvalidPurchaseEvent)
	ErrMalformedEvent       = fmt.Errorf("%w: malformed payload", ErrInvalidPurchaseEvent)
)

// DefaultVelocityMax is the advisory purchase count per account per hour.
const DefaultVelocityMax = 10

// Event is the gateway's purchase confirmation body.
type Event struct {
	EventID     string    `json:"event_id"`
	UserID      uuid.UUID `json:"user_id"`
	Package     string    `json:"package"`
	Credits     int64     `json:"credits"`
	AmountCents int64     `json:"amount_cents"`
}

// Result reports what a delivery did to the ledger.
type Result struct {
	EventID       string    `json:"event_id"`
	Credited      bool      `json:"credited"`
	TransactionID uuid.UUID `json:"transaction_id"`
}

type Config struct {
	Secret      string
	Prices      PriceTable
	VelocityMax int64
}

type Processor struct {
	ledger   ledger.Service
	velocity Velocity
	secret   string
	prices   PriceTable
	maxRate  int64
	log      *slog.Logger
}

func NewProcessor(ledgerSvc ledger.Service, velocity Velocity, cfg Config, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	if velocity == nil {
		velocity = NoopVelocity{}
	}
	if cfg.Prices == nil {
		cfg.Prices = DefaultPrices
	}
	if cfg.VelocityMax <= 0 {
		cfg.VelocityMax = DefaultVelocityMax
	}
	return &Processor{
		ledger:   ledgerSvc,
		velocity: velocity,
		secret:   cfg.Secret,
		prices:   cfg.Prices,
		maxRate:  cfg.VelocityMax,
		log:      log,
	}
}

// HandleEvent verifies, validates and credits one delivery. Errors wrapping
// ErrInvalidPurchaseEvent are final; any other error is transient and the
// gateway should redeliver.
func (p *Processor) HandleEvent(ctx context.Context, body []byte, signature string) (*Result, error) {
	if err := VerifySignature(p.secret, body, signature); err != nil {
		p.log.Error("purchase event rejected", "security_alert", true, "reason", "signature", "bytes", len(body))
		return nil, err
	}
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		p.log.Error("purchase event rejected", "security_alert", true, "reason", "malformed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if e.EventID == "" || e.UserID == uuid.Nil {
		p.log.Error("purchase event rejected", "security_alert", true, "reason", "missing fields", "event_id", e.EventID)
		return nil, fmt.Errorf("%w: event_id and user_id are required", ErrMalformedEvent)
	}
	if err := p.prices.Check(&e); err != nil {
		p.log.Error("purchase event rejected",
			"security_alert", true,
			"reason", "price",
			"event_id", e.EventID,
			"user_id", e.UserID,
			"error", err,
		)
		return nil, err
	}

	res, err := p.ledger.CreditIdempotent(ctx, e.UserID, e.Credits, e.EventID, "purchase: "+e.Package)
	if err != nil {
		return nil, fmt.Errorf("credit purchase %s: %w", e.EventID, err)
	}
	if res.Created {
		p.log.Info("purchase credited", "event_id", e.EventID, "user_id", e.UserID, "credits", e.Credits, "balance", res.Balance)
		p.checkVelocity(ctx, &e)
	} else {
		p.log.Info("purchase redelivery ignored", "event_id", e.EventID, "user_id", e.UserID)
	}
	return &Result{EventID: e.EventID, Credited: res.Created, TransactionID: res.TransactionID}, nil
}

// checkVelocity counts credited purchases only, so redeliveries do not inflate
// it. It never blocks a purchase; failures and excess are only logged.
func (p *Processor) checkVelocity(ctx context.Context, e *Event) {
	n, err := p.velocity.Record(ctx, e.UserID)
	if err != nil {
		p.log.Warn("velocity check unavailable", "event_id", e.EventID, "error", err)
		return
	}
	if n > p.maxRate {
		p.log.Warn("purchase velocity exceeded", "user_id", e.UserID, "event_id", e.EventID, "count", n, "limit", p.maxRate)
	}
}
