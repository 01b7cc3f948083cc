package services

import (
	"errors"
	"fmt"
	"log"

	"chain-quiz-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MinWithdrawMicro is the smallest withdrawal the ledger accepts.
const MinWithdrawMicro int64 = 1_000_000

var (
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	ErrWithdrawBelowMin    = fmt.Errorf("withdrawal below minimum of %d micro", MinWithdrawMicro)
)

// LedgerService owns the durable credit balance, its append-only audit
// trail and the top-up idempotency records. Every balance mutation is a
// single conditional UPDATE — the balance can race between settlement,
// run-start deduction, top-up and withdrawal, and must never go negative
// even transiently.
type LedgerService struct {
	DB *gorm.DB
}

func NewLedgerService(db *gorm.DB) *LedgerService {
	return &LedgerService{DB: db}
}

// GetBalance returns the user's balance, creating a zero row on first use.
func (s *LedgerService) GetBalance(userID string) (int64, error) {
	var bal models.CreditBalance
	err := s.DB.Where(models.CreditBalance{ExternalUserID: userID}).
		Attrs(models.CreditBalance{ID: uuid.NewString()}).
		FirstOrCreate(&bal).Error
	if err != nil {
		return 0, fmt.Errorf("load balance: %w", err)
	}
	return bal.BalanceMicro, nil
}

// recordTransaction appends one audit row carrying the post-mutation
// balance. Called exactly once per balance mutation, inside the same DB
// transaction.
func recordTransaction(tx *gorm.DB, userID string, txType models.CreditTxType, amount, balanceAfter int64, chainTxID, runID string) error {
	return tx.Create(&models.CreditTransaction{
		ID:             uuid.NewString(),
		ExternalUserID: userID,
		Type:           txType,
		AmountMicro:    amount,
		BalanceAfter:   balanceAfter,
		ChainTxID:      chainTxID,
		RunID:          runID,
	}).Error
}

// balanceAfter reads the post-update balance within the surrounding DB
// transaction (our row lock is still held, so this is our own write).
func balanceAfter(tx *gorm.DB, userID string) (int64, error) {
	var bal models.CreditBalance
	if err := tx.Where("external_user_id = ?", userID).First(&bal).Error; err != nil {
		return 0, err
	}
	return bal.BalanceMicro, nil
}

// AddCredits unconditionally increments the balance (auto-creating the
// account) and appends the audit row. Returns the new balance.
func (s *LedgerService) AddCredits(userID string, amount int64, txType models.CreditTxType, chainTxID, runID string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	if _, err := s.GetBalance(userID); err != nil {
		return 0, err
	}

	var newBalance int64
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.CreditBalance{}).
			Where("external_user_id = ?", userID).
			UpdateColumn("balance_micro", gorm.Expr("balance_micro + ?", amount))
		if res.Error != nil {
			return res.Error
		}
		var err error
		if newBalance, err = balanceAfter(tx, userID); err != nil {
			return err
		}
		return recordTransaction(tx, userID, txType, amount, newBalance, chainTxID, runID)
	})
	if err != nil {
		return 0, fmt.Errorf("add credits: %w", err)
	}
	return newBalance, nil
}

// DeductCredits decrements the balance only if it covers the amount, as
// ONE conditional UPDATE (`... SET balance = balance - ? WHERE balance >= ?`).
// Two concurrent deductions can never both pass a sufficiency check
// against a stale read, because there is no separate read.
func (s *LedgerService) DeductCredits(userID string, amount int64, txType models.CreditTxType, chainTxID, runID string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("deduction amount must be positive, got %d", amount)
	}

	var newBalance int64
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.CreditBalance{}).
			Where("external_user_id = ? AND balance_micro >= ?", userID, amount).
			UpdateColumn("balance_micro", gorm.Expr("balance_micro - ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientBalance
		}
		var err error
		if newBalance, err = balanceAfter(tx, userID); err != nil {
			return err
		}
		return recordTransaction(tx, userID, txType, -amount, newBalance, chainTxID, runID)
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return 0, ErrInsufficientBalance
		}
		return 0, fmt.Errorf("deduct credits: %w", err)
	}
	return newBalance, nil
}

// ApplyTopUp credits a confirmed on-chain top-up exactly once per external
// transaction id. A duplicate apply (client retry, duplicate confirmation)
// finds the existing TopUpRecord and returns the current balance with no
// mutation. Success, not an error.
func (s *LedgerService) ApplyTopUp(chainTxID, userID string, amountMicro int64, senderAddress string) (int64, error) {
	if amountMicro <= 0 {
		return 0, fmt.Errorf("top-up amount must be positive, got %d", amountMicro)
	}
	if _, err := s.GetBalance(userID); err != nil {
		return 0, err
	}

	var newBalance int64
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var existing models.TopUpRecord
		if err := tx.Where("chain_tx_id = ?", chainTxID).First(&existing).Error; err == nil {
			log.Printf("ℹ️  [LEDGER] top-up %s already applied for %s — idempotent no-op", chainTxID, existing.ExternalUserID)
			var err error
			newBalance, err = balanceAfter(tx, userID)
			return err
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if err := tx.Create(&models.TopUpRecord{
			ChainTxID:      chainTxID,
			ExternalUserID: userID,
			AmountMicro:    amountMicro,
			SenderAddress:  senderAddress,
		}).Error; err != nil {
			// Lost a race with a concurrent apply of the same tx id: the
			// unique key did its job, treat as already applied.
			var raced models.TopUpRecord
			if lookupErr := tx.Where("chain_tx_id = ?", chainTxID).First(&raced).Error; lookupErr == nil {
				var balErr error
				newBalance, balErr = balanceAfter(tx, userID)
				return balErr
			}
			return err
		}

		res := tx.Model(&models.CreditBalance{}).
			Where("external_user_id = ?", userID).
			UpdateColumn("balance_micro", gorm.Expr("balance_micro + ?", amountMicro))
		if res.Error != nil {
			return res.Error
		}
		var err error
		if newBalance, err = balanceAfter(tx, userID); err != nil {
			return err
		}
		return recordTransaction(tx, userID, models.CreditTxTopUp, amountMicro, newBalance, chainTxID, "")
	})
	if err != nil {
		return 0, fmt.Errorf("apply top-up: %w", err)
	}
	return newBalance, nil
}

// ApplyRunSettlement credits a run's net earnings as the single
// settlement transaction. txType is profit or loss depending on the run's
// overall outcome; a run that earned nothing still gets its zero-amount
// audit row so every settled run leaves exactly one settlement entry.
func (s *LedgerService) ApplyRunSettlement(userID string, netMicro int64, txType models.CreditTxType, runID string) (int64, error) {
	if netMicro < 0 {
		return 0, fmt.Errorf("net earnings cannot be negative, got %d", netMicro)
	}
	if netMicro > 0 {
		return s.AddCredits(userID, netMicro, txType, "", runID)
	}

	current, err := s.GetBalance(userID)
	if err != nil {
		return 0, err
	}
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		return recordTransaction(tx, userID, txType, 0, current, "", runID)
	})
	if err != nil {
		return 0, fmt.Errorf("record settlement: %w", err)
	}
	return current, nil
}

// Withdraw debits the balance and appends the negative-amount withdraw
// row. The ledger debit deliberately happens BEFORE the external payout is
// broadcast (the caller does that next); a payout failure surfaces as an
// error without silently reverting the debit.
func (s *LedgerService) Withdraw(userID string, amountMicro int64) (int64, error) {
	if amountMicro < MinWithdrawMicro {
		return 0, ErrWithdrawBelowMin
	}
	return s.DeductCredits(userID, amountMicro, models.CreditTxWithdraw, "", "")
}

// GetHistory returns the newest-first audit trail.
func (s *LedgerService) GetHistory(userID string, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var txs []models.CreditTransaction
	err := s.DB.Where("external_user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}
