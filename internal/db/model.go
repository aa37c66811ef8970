package db

import (
	"time"

	"github.com/google/uuid"
)

// PaymentEntity is the authoritative record of one payment attempt.
// LastUpdatedAt is non-decreasing; status writes carrying an older timestamp
// are rejected by ApplyStatus.
type PaymentEntity struct {
	ID                uuid.UUID
	ExternalReference uuid.UUID
	ExternalPaymentID *string
	Amount            int64
	Currency          string
	Status            string
	StatusDetail      *string
	PayerEmail        string
	Metadata          map[string]string
	CreatedAt         time.Time
	LastUpdatedAt     time.Time
}
