package models

import (
	"time"

	"gorm.io/gorm"
)

// Transaction types recorded in the credit ledger audit trail
type CreditTxType string

const (
	CreditTxTopUp          CreditTxType = "topup"
	CreditTxQuestionCost   CreditTxType = "question_cost"
	CreditTxProfit         CreditTxType = "profit"
	CreditTxLoss           CreditTxType = "loss"
	CreditTxMilestoneBonus CreditTxType = "milestone_bonus"
	CreditTxWithdraw       CreditTxType = "withdraw"
)

// CreditBalance holds the pre-funded balance per user, in micro-units.
// All mutations go through single conditional UPDATE statements — never
// read-then-write (see services/ledger.go).
type CreditBalance struct {
	ID             string `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalUserID string `gorm:"uniqueIndex;not null" json:"external_user_id"` // links to profile service
	BalanceMicro   int64  `json:"balance_micro" gorm:"default:0;check:balance_micro >= 0"`

	Timestamps
}

// CreditTransaction is the append-only audit trail — one row per balance
// mutation, never updated or deleted. Sum of a user's AmountMicro values
// equals the current balance.
type CreditTransaction struct {
	ID             string       `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalUserID string       `gorm:"index;not null" json:"external_user_id"`
	Type           CreditTxType `gorm:"not null" json:"type"`
	AmountMicro    int64        `json:"amount_micro"`          // signed: deductions are negative
	BalanceAfter   int64        `json:"balance_after"`         // post-mutation balance
	ChainTxID      string       `json:"chain_tx_id,omitempty"` // external tx reference (top-ups, withdrawals)
	RunID          string       `json:"run_id,omitempty"`      // run reference (settlement, question cost)
	CreatedAt      time.Time    `json:"created_at" gorm:"autoCreateTime;index"`
}

// TopUpRecord is the idempotency key for on-chain top-ups: one row per
// external transaction id ever credited. A second apply with the same
// ChainTxID finds this row and leaves the balance untouched.
type TopUpRecord struct {
	ChainTxID      string    `gorm:"primaryKey" json:"chain_tx_id"`
	ExternalUserID string    `gorm:"index;not null" json:"external_user_id"`
	AmountMicro    int64     `json:"amount_micro"`
	SenderAddress  string    `json:"sender_address"`
	CreatedAt      time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// PendingTopUp parks a top-up whose on-chain confirmation outlived the
// request's poll budget. The watcher worker re-verifies these until the
// transaction confirms or fails terminally.
type PendingTopUp struct {
	ChainTxID      string     `gorm:"primaryKey" json:"chain_tx_id"`
	ExternalUserID string     `gorm:"index;not null" json:"external_user_id"`
	Status         string     `json:"status" gorm:"default:'pending';index"` // pending | applied | failed
	FailReason     string     `json:"fail_reason,omitempty"`
	Attempts       int        `json:"attempts" gorm:"default:0"`
	LastCheckedAt  *time.Time `json:"last_checked_at,omitempty"`

	Timestamps
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
