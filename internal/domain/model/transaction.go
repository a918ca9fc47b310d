// Package model defines the data contracts shared by the matching core:
// transactions and receipts as supplied by upstream collaborators, match
// records and candidates produced by the engine, and the per-organization
// matching configuration.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionStatus tracks where a transaction sits in the matching flow.
type TransactionStatus string

const (
	TransactionUnmatched TransactionStatus = "unmatched"
	TransactionMatched   TransactionStatus = "matched"
	TransactionSuggested TransactionStatus = "suggested"
	TransactionExcluded  TransactionStatus = "excluded"
)

// Transaction is a normalized bank/card feed entry. Upstream ingestion has
// already deduplicated these; the matching core treats everything except
// Status as immutable.
type Transaction struct {
	ID              uuid.UUID
	OrganizationID  uuid.UUID
	Amount          decimal.Decimal // signed: negative for debits
	Currency        string
	TransactionDate time.Time
	PostedDate      time.Time
	Description     string
	MerchantName    string // optional
	Category        string // optional, owned by categorization
	Location        *Location
	UserID          uuid.UUID
	AccountID       uuid.UUID
	Status          TransactionStatus
	CreatedAt       time.Time
}

// AbsAmount returns the unsigned magnitude used for amount comparison.
func (t *Transaction) AbsAmount() decimal.Decimal {
	return t.Amount.Abs()
}

// MerchantText returns the best available merchant string: the explicit
// merchant name when present, otherwise the raw description.
func (t *Transaction) MerchantText() string {
	if strings.TrimSpace(t.MerchantName) != "" {
		return t.MerchantName
	}
	return t.Description
}

// Validate rejects transactions that must never reach scoring.
func (t *Transaction) Validate() error {
	if t.ID == uuid.Nil || t.OrganizationID == uuid.Nil {
		return ErrValidation
	}
	if t.Currency == "" || len(t.Currency) != 3 {
		return ErrValidation
	}
	if t.TransactionDate.IsZero() {
		return ErrValidation
	}
	return nil
}
