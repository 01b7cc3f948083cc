package services

import (
	"context"
	"fmt"
	"log"
	"strings"

	"chain-quiz-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SettlementSummary is what a finished run paid out.
type SettlementSummary struct {
	GrossMicro  int64 `json:"gross_micro"`
	NetMicro    int64 `json:"net_micro"`
	SpentMicro  int64 `json:"spent_micro"`
	ProfitMicro int64 `json:"profit_micro"` // net − spent, may be negative
	BonusMicro  int64 `json:"bonus_micro"`
	NewBalance  int64 `json:"new_balance_micro"`
}

// SettlementService converts a terminal run snapshot into ledger currency
// exactly once: one profit/loss transaction, an optional milestone bonus
// on voluntary stops, a durable CompletedRun row, and the batch cache
// cleanup. The steps are not one cross-store transaction: a crash in
// between leaves the ledger correct and history possibly missing, which
// is logged loudly and never silently retried.
type SettlementService struct {
	DB     *gorm.DB
	Ledger *LedgerService
	Batch  *BatchCache
}

func NewSettlementService(db *gorm.DB, ledger *LedgerService, batch *BatchCache) *SettlementService {
	return &SettlementService{DB: db, Ledger: ledger, Batch: batch}
}

// SettleRun settles a terminal snapshot. Practice runs produce history
// but never touch the ledger.
func (s *SettlementService) SettleRun(ctx context.Context, snap *RunSnapshot) (*SettlementSummary, error) {
	gross := GrossMicro(snap.TotalPoints)
	net := NetMicro(gross)
	summary := &SettlementSummary{
		GrossMicro:  gross,
		NetMicro:    net,
		SpentMicro:  snap.SpentMicro,
		ProfitMicro: ProfitMicro(net, snap.SpentMicro),
	}

	if !snap.Practice {
		txType := models.CreditTxProfit
		if summary.ProfitMicro < 0 {
			txType = models.CreditTxLoss
		}
		newBalance, err := s.Ledger.ApplyRunSettlement(snap.Owner, net, txType, snap.RunID)
		if err != nil {
			return nil, fmt.Errorf("settle run %s: %w", snap.RunID, err)
		}
		summary.NewBalance = newBalance

		// Milestone bonus only on voluntary stops: a run that died on a
		// wrong answer or timeout forfeits it.
		if snap.Outcome == OutcomeStopped {
			if bonus := MilestoneBonusMicro(snap.CompletedLevels); bonus > 0 {
				newBalance, err := s.Ledger.AddCredits(snap.Owner, bonus, models.CreditTxMilestoneBonus, "", snap.RunID)
				if err != nil {
					// Ledger already holds the settlement. Do not retry, surface loudly.
					log.Printf("❌ [SETTLE] run %s settled but milestone bonus failed: %v", snap.RunID, err)
					return nil, fmt.Errorf("milestone bonus for run %s: %w", snap.RunID, err)
				}
				summary.BonusMicro = bonus
				summary.NewBalance = newBalance
			}
		}
	}

	record := &models.CompletedRun{
		ID:              uuid.NewString(),
		ExternalUserID:  snap.Owner,
		Category:        snap.Category,
		Outcome:         snap.Outcome,
		CompletedLevels: snap.CompletedLevels,
		Score:           snap.TotalPoints,
		SpentMicro:      snap.SpentMicro,
		EarnedMicro:     summary.NetMicro + summary.BonusMicro,
		QuestionIDs:     strings.Join(snap.QuestionIDs, ","),
		Practice:        snap.Practice,
	}
	if err := s.DB.Create(record).Error; err != nil {
		// Ledger mutation already committed; history is the accepted gap.
		log.Printf("❌ [SETTLE] run %s: ledger settled but history write failed: %v", snap.RunID, err)
		return nil, fmt.Errorf("persist run history for %s: %w", snap.RunID, err)
	}

	s.Batch.ClearRunBatch(ctx, snap.RunID)

	log.Printf("✅ [SETTLE] run %s (%s): gross=%d net=%d spent=%d profit=%d bonus=%d",
		snap.RunID, snap.Outcome, gross, net, snap.SpentMicro, summary.ProfitMicro, summary.BonusMicro)
	return summary, nil
}

// GetCompletedRuns returns a user's settled run history, newest first.
func (s *SettlementService) GetCompletedRuns(userID string, limit int) ([]models.CompletedRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var runs []models.CompletedRun
	err := s.DB.Where("external_user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}
