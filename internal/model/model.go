package model

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// ChargeStatus is the closed set of charge lifecycle states. Only pending is
// non-terminal: pending -> paid | expired | cancelled.
type ChargeStatus string

const (
	StatusPending   ChargeStatus = "pending"
	StatusPaid      ChargeStatus = "paid"
	StatusExpired   ChargeStatus = "expired"
	StatusCancelled ChargeStatus = "cancelled"
)

// Terminal reports whether no transition leaves the status.
func (s ChargeStatus) Terminal() bool {
	return s != StatusPending
}

// ChargeTTL is how long a freshly created charge stays payable.
const ChargeTTL = 24 * time.Hour

type Charge struct {
	ID             string       `json:"id"`
	PayerName      string       `json:"payer_name"`
	PayerDocument  string       `json:"payer_document"`
	Amount         int64        `json:"amount"` // minor currency units
	Description    string       `json:"description,omitempty"`
	PixKey         string       `json:"pix_key"`
	ExpirationDate time.Time    `json:"expiration_date"`
	Status         ChargeStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// NewCharge builds a pending charge with a generated id, pix key and a 24h
// expiration window.
func NewCharge(payerName, payerDocument string, amount int64, description string) *Charge {
	now := time.Now().UTC()
	return &Charge{
		ID:             uuid.NewString(),
		PayerName:      payerName,
		PayerDocument:  payerDocument,
		Amount:         amount,
		Description:    description,
		PixKey:         generatePixKey(),
		ExpirationDate: now.Add(ChargeTTL),
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func generatePixKey() string {
	return fmt.Sprintf("pix-%s", randomSuffix())
}

func randomSuffix() string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, 11)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}
