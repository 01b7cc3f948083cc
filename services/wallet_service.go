// services/wallet_service.go
package services

import (
	"errors"
	"fmt"
	"log"

	"chain-quiz-system/models"
	"chain-quiz-system/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// WalletService exposes the credit ledger over HTTP: balance, audit
// trail, on-chain top-ups and withdrawals.
type WalletService struct {
	DB             *gorm.DB
	Ledger         *LedgerService
	Verifier       *PaymentVerifier
	Payout         utils.ChainPayout
	DepositAddress string
}

func NewWalletService(db *gorm.DB, ledger *LedgerService, verifier *PaymentVerifier, payout utils.ChainPayout, depositAddress string) *WalletService {
	return &WalletService{
		DB:             db,
		Ledger:         ledger,
		Verifier:       verifier,
		Payout:         payout,
		DepositAddress: depositAddress,
	}
}

// GetBalance returns the user's credit balance
func (s *WalletService) GetBalance(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	balance, err := s.Ledger.GetBalance(userID)
	if err != nil {
		log.Printf("❌ Failed to load balance for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load balance"})
	}
	return c.JSON(fiber.Map{"balance_micro": balance})
}

// GetHistory returns the newest-first credit transaction trail
func (s *WalletService) GetHistory(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	limit := c.QueryInt("limit", 20)

	txs, err := s.Ledger.GetHistory(userID, limit)
	if err != nil {
		log.Printf("❌ Failed to load history for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load history"})
	}
	return c.JSON(fiber.Map{"transactions": txs})
}

// TopUp credits a confirmed on-chain deposit. Duplicate tx ids are a
// no-op success. A deposit still pending after the poll budget is parked
// for the watcher worker instead of being dropped.
func (s *WalletService) TopUp(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var req struct {
		TxID string `json:"tx_id"`
	}
	if err := c.BodyParser(&req); err != nil || req.TxID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "tx_id is required"})
	}

	sender, amount, err := s.Verifier.VerifyTopUpPoll(c.Context(), req.TxID, s.DepositAddress)
	if err != nil {
		if RetryableVerifyError(err) {
			// The transfer may still confirm. Park it and let the
			// watcher finish the job.
			if parkErr := s.parkPendingTopUp(req.TxID, userID); parkErr != nil {
				log.Printf("❌ Failed to park pending top-up %s: %v", req.TxID, parkErr)
			}
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
				"message": "transaction not confirmed yet — it will be credited automatically once it confirms",
				"reason":  ReasonPaymentPending,
				"tx_id":   req.TxID,
			})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":  err.Error(),
			"reason": ReasonPaymentRejected,
		})
	}

	balance, err := s.Ledger.ApplyTopUp(req.TxID, userID, amount, sender)
	if err != nil {
		log.Printf("❌ Failed to apply top-up %s for %s: %v", req.TxID, userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to apply top-up"})
	}
	return c.JSON(fiber.Map{
		"credited_micro": amount,
		"balance_micro":  balance,
	})
}

func (s *WalletService) parkPendingTopUp(txID, userID string) error {
	pending := models.PendingTopUp{ChainTxID: txID, ExternalUserID: userID, Status: "pending"}
	err := s.DB.Create(&pending).Error
	if err != nil {
		// Already parked by an earlier retry, fine.
		var existing models.PendingTopUp
		if lookupErr := s.DB.Where("chain_tx_id = ?", txID).First(&existing).Error; lookupErr == nil {
			return nil
		}
		return fmt.Errorf("park pending top-up: %w", err)
	}
	return nil
}

// Withdraw debits credits and broadcasts the payout. The debit happens
// first; a payout failure is surfaced with the debit standing (support
// resolves from the audit trail, never silently reverted).
func (s *WalletService) Withdraw(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var req struct {
		AmountMicro int64  `json:"amount_micro"`
		Address     string `json:"address"`
	}
	if err := c.BodyParser(&req); err != nil || req.Address == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "amount_micro and address are required"})
	}

	balance, err := s.Ledger.Withdraw(userID, req.AmountMicro)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "insufficient balance", "reason": ReasonNeedTopUp})
		}
		if errors.Is(err, ErrWithdrawBelowMin) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error(), "min_micro": MinWithdrawMicro})
		}
		log.Printf("❌ Withdrawal failed for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "withdrawal failed"})
	}

	txID, err := s.Payout.SendTransfer(c.Context(), req.Address, req.AmountMicro, "quiz-withdrawal")
	if err != nil {
		log.Printf("🚨 [WITHDRAW] Debited %d micro from %s but payout to %s failed: %v — manual reconciliation required",
			req.AmountMicro, userID, req.Address, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":         "credits debited but payout broadcast failed — contact support",
			"cause":         err.Error(),
			"balance_micro": balance,
		})
	}

	log.Printf("✅ [WITHDRAW] %s withdrew %d micro to %s (tx %s)", userID, req.AmountMicro, req.Address, txID)
	return c.JSON(fiber.Map{
		"tx_id":         txID,
		"balance_micro": balance,
	})
}
