package services

import (
	"context"
	"testing"

	"chain-quiz-system/models"

	"github.com/stretchr/testify/require"
)

func newSettlementFixture(t *testing.T) (*SettlementService, *LedgerService) {
	t.Helper()
	db := newTestDB(t)
	ledger := NewLedgerService(db)
	batch := NewBatchCache(NewMemoryKV(), nil)
	return NewSettlementService(db, ledger, batch), ledger
}

func TestSettleProfitableRun(t *testing.T) {
	svc, ledger := newSettlementFixture(t)

	snap := &RunSnapshot{
		RunID:           "run-1",
		Owner:           "user-1",
		Category:        "history",
		Outcome:         OutcomeStopped,
		CompletedLevels: 4,
		SpentMicro:      2_400_000, // levels 0..3 unlocked
		TotalPoints:     300,
	}
	summary, err := svc.SettleRun(context.Background(), snap)
	require.NoError(t, err)
	require.Equal(t, int64(3_000_000), summary.GrossMicro)
	require.Equal(t, int64(2_850_000), summary.NetMicro)
	require.Equal(t, int64(450_000), summary.ProfitMicro)
	require.Equal(t, int64(0), summary.BonusMicro, "4 levels earn no milestone")
	require.Equal(t, int64(2_850_000), summary.NewBalance)

	txs, err := ledger.GetHistory("user-1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, models.CreditTxProfit, txs[0].Type)
	require.Equal(t, int64(2_850_000), txs[0].AmountMicro)
	require.Equal(t, "run-1", txs[0].RunID)
}

func TestSettleLosingRunStillCreditsNet(t *testing.T) {
	svc, ledger := newSettlementFixture(t)

	// One fast correct answer, died at level 1: earned less than spent.
	snap := &RunSnapshot{
		RunID:           "run-1",
		Owner:           "user-1",
		Outcome:         OutcomeWrong,
		CompletedLevels: 1,
		SpentMicro:      300_000,
		TotalPoints:     15,
	}
	summary, err := svc.SettleRun(context.Background(), snap)
	require.NoError(t, err)
	require.Equal(t, int64(150_000), summary.GrossMicro)
	require.Equal(t, int64(142_500), summary.NetMicro)
	require.Equal(t, int64(-157_500), summary.ProfitMicro)
	require.Equal(t, int64(142_500), summary.NewBalance)

	txs, _ := ledger.GetHistory("user-1", 10)
	require.Len(t, txs, 1)
	require.Equal(t, models.CreditTxLoss, txs[0].Type)
	require.Equal(t, int64(142_500), txs[0].AmountMicro)
}

func TestSettleZeroPointRunLeavesZeroLossRow(t *testing.T) {
	svc, ledger := newSettlementFixture(t)

	snap := &RunSnapshot{
		RunID:      "run-1",
		Owner:      "user-1",
		Outcome:    OutcomeTimedOut,
		SpentMicro: 100_000,
	}
	summary, err := svc.SettleRun(context.Background(), snap)
	require.NoError(t, err)
	require.Equal(t, int64(0), summary.NetMicro)
	require.Equal(t, int64(-100_000), summary.ProfitMicro)

	txs, _ := ledger.GetHistory("user-1", 10)
	require.Len(t, txs, 1)
	require.Equal(t, models.CreditTxLoss, txs[0].Type)
	require.Equal(t, int64(0), txs[0].AmountMicro)
}

func TestMilestoneBonusOnDeepVoluntaryStop(t *testing.T) {
	svc, ledger := newSettlementFixture(t)

	snap := &RunSnapshot{
		RunID:           "run-1",
		Owner:           "user-1",
		Outcome:         OutcomeStopped,
		CompletedLevels: 7,
		SpentMicro:      8_200_000,
		TotalPoints:     900,
	}
	summary, err := svc.SettleRun(context.Background(), snap)
	require.NoError(t, err)
	require.Equal(t, MilestoneBonus, summary.BonusMicro)
	require.Equal(t, summary.NetMicro+MilestoneBonus, summary.NewBalance)

	txs, _ := ledger.GetHistory("user-1", 10)
	require.Len(t, txs, 2)
	var sawBonus bool
	for _, tx := range txs {
		if tx.Type == models.CreditTxMilestoneBonus {
			sawBonus = true
			require.Equal(t, MilestoneBonus, tx.AmountMicro)
		}
	}
	require.True(t, sawBonus)
}

func TestFullRunBonusOnPerfectStop(t *testing.T) {
	svc, _ := newSettlementFixture(t)

	snap := &RunSnapshot{
		RunID:           "run-1",
		Owner:           "user-1",
		Outcome:         OutcomeStopped,
		CompletedLevels: 10,
		SpentMicro:      17_500_000,
		TotalPoints:     2610,
	}
	summary, err := svc.SettleRun(context.Background(), snap)
	require.NoError(t, err)
	require.Equal(t, FullRunBonus, summary.BonusMicro)
}

func TestNoMilestoneBonusWhenRunDied(t *testing.T) {
	svc, ledger := newSettlementFixture(t)

	// Deep enough for a milestone, but the run ended on a wrong answer.
	snap := &RunSnapshot{
		RunID:           "run-1",
		Owner:           "user-1",
		Outcome:         OutcomeWrong,
		CompletedLevels: 8,
		SpentMicro:      12_000_000,
		TotalPoints:     1200,
	}
	summary, err := svc.SettleRun(context.Background(), snap)
	require.NoError(t, err)
	require.Equal(t, int64(0), summary.BonusMicro)

	txs, _ := ledger.GetHistory("user-1", 10)
	require.Len(t, txs, 1)
}

func TestSettleWritesRunHistory(t *testing.T) {
	svc, _ := newSettlementFixture(t)

	snap := &RunSnapshot{
		RunID:           "run-1",
		Owner:           "user-1",
		Category:        "science",
		Outcome:         OutcomeWrong,
		CompletedLevels: 2,
		SpentMicro:      700_000,
		TotalPoints:     40,
		QuestionIDs:     []string{"q-1", "q-2", "q-3"},
	}
	summary, err := svc.SettleRun(context.Background(), snap)
	require.NoError(t, err)

	runs, err := svc.GetCompletedRuns("user-1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "science", runs[0].Category)
	require.Equal(t, OutcomeWrong, runs[0].Outcome)
	require.Equal(t, 2, runs[0].CompletedLevels)
	require.Equal(t, int64(40), runs[0].Score)
	require.Equal(t, int64(700_000), runs[0].SpentMicro)
	require.Equal(t, summary.NetMicro, runs[0].EarnedMicro)
	require.Equal(t, "q-1,q-2,q-3", runs[0].QuestionIDs)
	require.False(t, runs[0].Practice)
}

func TestPracticeRunNeverTouchesLedger(t *testing.T) {
	svc, ledger := newSettlementFixture(t)

	snap := &RunSnapshot{
		RunID:           "run-1",
		Owner:           "user-1",
		Category:        "history",
		Practice:        true,
		Outcome:         OutcomeStopped,
		CompletedLevels: 4,
		TotalPoints:     200,
	}
	summary, err := svc.SettleRun(context.Background(), snap)
	require.NoError(t, err)
	require.Equal(t, int64(0), summary.NewBalance)
	require.Equal(t, int64(0), summary.BonusMicro)

	txs, err := ledger.GetHistory("user-1", 10)
	require.NoError(t, err)
	require.Empty(t, txs, "practice settles without ledger movement")

	runs, err := svc.GetCompletedRuns("user-1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.True(t, runs[0].Practice)
}
