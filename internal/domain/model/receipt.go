package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReceiptStatus tracks a receipt through OCR and matching.
type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptProcessed ReceiptStatus = "processed"
	ReceiptMatched   ReceiptStatus = "matched"
	ReceiptRejected  ReceiptStatus = "rejected"
)

// ExtractedField is one OCR-extracted value with its confidence. The
// matching core reads totals/dates/merchants directly off the Receipt and
// never re-parses these; they are kept for the audit surface.
type ExtractedField struct {
	Name       string
	Value      string
	Type       string
	Confidence float64
	Verified   bool
}

// Receipt is an OCR-pipeline output. Created by the OCR collaborator and
// mutated only by correction/verification actions.
type Receipt struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	TotalAmount    decimal.Decimal
	Currency       string
	ReceiptDate    time.Time
	MerchantName   string // optional
	MerchantID     string // optional
	Location       *Location
	UploaderID     uuid.UUID
	Status         ReceiptStatus
	Fields         []ExtractedField
	CreatedAt      time.Time
}

// Validate rejects receipts that must never reach scoring.
func (r *Receipt) Validate() error {
	if r.ID == uuid.Nil || r.OrganizationID == uuid.Nil {
		return ErrValidation
	}
	if r.Currency == "" || len(r.Currency) != 3 {
		return ErrValidation
	}
	if r.ReceiptDate.IsZero() {
		return ErrValidation
	}
	if r.TotalAmount.IsNegative() {
		return ErrValidation
	}
	return nil
}
