package workers

import (
	"context"
	"log"
	"time"

	"chain-quiz-system/models"
	"chain-quiz-system/services"

	"gorm.io/gorm"
)

// maxWatchAttempts bounds how long a parked top-up is re-checked
// (at 30s cadence this is roughly an hour) before it is marked failed.
const maxWatchAttempts = 120

// TopUpWatcher finishes top-ups whose confirmation outlived the request's
// poll budget: parked PendingTopUp rows are re-verified until the
// transfer confirms (credited through the idempotent apply path) or fails
// terminally.
type TopUpWatcher struct {
	DB             *gorm.DB
	Verifier       *services.PaymentVerifier
	Ledger         *services.LedgerService
	DepositAddress string
}

func NewTopUpWatcher(db *gorm.DB, verifier *services.PaymentVerifier, ledger *services.LedgerService, depositAddress string) *TopUpWatcher {
	return &TopUpWatcher{
		DB:             db,
		Verifier:       verifier,
		Ledger:         ledger,
		DepositAddress: depositAddress,
	}
}

// PollPendingTopUps runs the watcher loop until ctx is cancelled.
func (w *TopUpWatcher) PollPendingTopUps(ctx context.Context, pollInterval time.Duration) {
	log.Println("Starting pending top-up watcher...")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Pending top-up watcher stopped.")
			return
		case <-ticker.C:
			w.checkPending(ctx)
		}
	}
}

func (w *TopUpWatcher) checkPending(ctx context.Context) {
	var pending []models.PendingTopUp
	if err := w.DB.Where("status = ?", "pending").Limit(50).Find(&pending).Error; err != nil {
		log.Printf("❌ [TOPUP_WATCH] DB error loading pending top-ups: %v", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	for _, p := range pending {
		now := time.Now()
		sender, amount, err := w.Verifier.VerifyTopUp(ctx, p.ChainTxID, w.DepositAddress)

		switch {
		case err == nil:
			if _, applyErr := w.Ledger.ApplyTopUp(p.ChainTxID, p.ExternalUserID, amount, sender); applyErr != nil {
				log.Printf("❌ [TOPUP_WATCH] Confirmed %s but apply failed: %v — will retry next tick", p.ChainTxID, applyErr)
				continue
			}
			w.mark(&p, "applied", "", now)
			log.Printf("✅ [TOPUP_WATCH] Credited late-confirming top-up %s (%d micro) for %s", p.ChainTxID, amount, p.ExternalUserID)

		case services.RetryableVerifyError(err):
			p.Attempts++
			if p.Attempts >= maxWatchAttempts {
				w.mark(&p, "failed", "confirmation wait exhausted", now)
				log.Printf("⚠️  [TOPUP_WATCH] Gave up on top-up %s after %d checks", p.ChainTxID, p.Attempts)
				continue
			}
			p.LastCheckedAt = &now
			if saveErr := w.DB.Save(&p).Error; saveErr != nil {
				log.Printf("❌ [TOPUP_WATCH] Failed to update pending top-up %s: %v", p.ChainTxID, saveErr)
			}

		default:
			// Terminal on-chain failure or mismatch — record verbatim, never retried.
			w.mark(&p, "failed", err.Error(), now)
			log.Printf("❌ [TOPUP_WATCH] Top-up %s failed terminally: %v", p.ChainTxID, err)
		}
	}
}

func (w *TopUpWatcher) mark(p *models.PendingTopUp, status, reason string, now time.Time) {
	p.Status = status
	p.FailReason = reason
	p.Attempts++
	p.LastCheckedAt = &now
	if err := w.DB.Save(p).Error; err != nil {
		log.Printf("❌ [TOPUP_WATCH] Failed to mark top-up %s as %s: %v", p.ChainTxID, status, err)
	}
}
