package models

import "time"

type TxType string

const (
	TxGrant    TxType = "GRANT"
	TxReferral TxType = "REFERRAL"
	TxDeduct   TxType = "DEDUCT"
	TxRefund   TxType = "REFUND"
)

type Entitlement struct {
	UserID         string    `json:"userId"`
	Plan           string    `json:"plan"`
	CreditsBalance int       `json:"creditsBalance"`
	MonthlyCredits int       `json:"monthlyCredits"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// CreditTransaction rows are append-only; a user's amounts sum to their balance.
type CreditTransaction struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Type      TxType    `json:"type"`
	Amount    int       `json:"amount"`
	JobID     *string   `json:"jobId,omitempty"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"createdAt"`
}
