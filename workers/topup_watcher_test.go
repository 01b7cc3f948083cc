package workers

import (
	"context"
	"testing"

	"chain-quiz-system/models"
	"chain-quiz-system/services"
	"chain-quiz-system/utils"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type lookupStub struct {
	txs map[string]*utils.ChainTransaction
}

func (s *lookupStub) GetTransaction(ctx context.Context, txID string) (*utils.ChainTransaction, error) {
	if tx, ok := s.txs[txID]; ok {
		return tx, nil
	}
	return &utils.ChainTransaction{TxID: txID, Status: utils.ChainTxNotFound}, nil
}

func newWatcherFixture(t *testing.T, chain utils.ChainLookup) (*TopUpWatcher, *services.LedgerService, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.CreditBalance{},
		&models.CreditTransaction{},
		&models.TopUpRecord{},
		&models.PendingTopUp{},
	))

	ledger := services.NewLedgerService(db)
	watcher := NewTopUpWatcher(db, services.NewPaymentVerifier(chain), ledger, "addr-deposit")
	return watcher, ledger, db
}

func parkTopUp(t *testing.T, db *gorm.DB, chainTxID, userID string) {
	t.Helper()
	require.NoError(t, db.Create(&models.PendingTopUp{
		ChainTxID:      chainTxID,
		ExternalUserID: userID,
		Status:         "pending",
	}).Error)
}

func TestWatcherCreditsLateConfirmation(t *testing.T) {
	chain := &lookupStub{txs: map[string]*utils.ChainTransaction{
		"tx-late": {
			TxID:          "tx-late",
			Status:        utils.ChainTxSuccess,
			SenderAddress: "addr-sender",
			Transfer: &utils.ChainTransfer{
				RecipientAddress: "addr-deposit",
				AmountMicro:      3_000_000,
			},
		},
	}}
	watcher, ledger, db := newWatcherFixture(t, chain)
	parkTopUp(t, db, "tx-late", "user-1")

	watcher.checkPending(context.Background())

	bal, err := ledger.GetBalance("user-1")
	require.NoError(t, err)
	require.Equal(t, int64(3_000_000), bal)

	var p models.PendingTopUp
	require.NoError(t, db.First(&p, "chain_tx_id = ?", "tx-late").Error)
	require.Equal(t, "applied", p.Status)
	require.NotNil(t, p.LastCheckedAt)
}

func TestWatcherAppliedCreditIsIdempotentAcrossTicks(t *testing.T) {
	chain := &lookupStub{txs: map[string]*utils.ChainTransaction{
		"tx-late": {
			TxID:          "tx-late",
			Status:        utils.ChainTxSuccess,
			SenderAddress: "addr-sender",
			Transfer: &utils.ChainTransfer{
				RecipientAddress: "addr-deposit",
				AmountMicro:      1_000_000,
			},
		},
	}}
	watcher, ledger, db := newWatcherFixture(t, chain)
	parkTopUp(t, db, "tx-late", "user-1")

	// The row is applied on the first tick; even if it were re-checked the
	// apply path keys on the chain tx id and cannot double-credit.
	watcher.checkPending(context.Background())
	watcher.checkPending(context.Background())
	_, err := ledger.ApplyTopUp("tx-late", "user-1", 1_000_000, "addr-sender")
	require.NoError(t, err)

	bal, err := ledger.GetBalance("user-1")
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000), bal)
}

func TestWatcherCountsAttemptsWhileUnconfirmed(t *testing.T) {
	chain := &lookupStub{txs: map[string]*utils.ChainTransaction{
		"tx-slow": {TxID: "tx-slow", Status: utils.ChainTxPending},
	}}
	watcher, ledger, db := newWatcherFixture(t, chain)
	parkTopUp(t, db, "tx-slow", "user-1")

	watcher.checkPending(context.Background())
	watcher.checkPending(context.Background())

	var p models.PendingTopUp
	require.NoError(t, db.First(&p, "chain_tx_id = ?", "tx-slow").Error)
	require.Equal(t, "pending", p.Status)
	require.Equal(t, 2, p.Attempts)

	bal, err := ledger.GetBalance("user-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), bal)
}

func TestWatcherGivesUpAfterAttemptBudget(t *testing.T) {
	chain := &lookupStub{txs: map[string]*utils.ChainTransaction{
		"tx-slow": {TxID: "tx-slow", Status: utils.ChainTxPending},
	}}
	watcher, _, db := newWatcherFixture(t, chain)
	require.NoError(t, db.Create(&models.PendingTopUp{
		ChainTxID:      "tx-slow",
		ExternalUserID: "user-1",
		Status:         "pending",
		Attempts:       maxWatchAttempts - 1,
	}).Error)

	watcher.checkPending(context.Background())

	var p models.PendingTopUp
	require.NoError(t, db.First(&p, "chain_tx_id = ?", "tx-slow").Error)
	require.Equal(t, "failed", p.Status)
	require.Equal(t, "confirmation wait exhausted", p.FailReason)
}

func TestWatcherMarksTerminalFailure(t *testing.T) {
	chain := &lookupStub{txs: map[string]*utils.ChainTransaction{
		"tx-bad": {
			TxID:          "tx-bad",
			Status:        utils.ChainTxSuccess,
			SenderAddress: "addr-sender",
			Transfer: &utils.ChainTransfer{
				RecipientAddress: "addr-someone-else",
				AmountMicro:      1_000_000,
			},
		},
	}}
	watcher, ledger, db := newWatcherFixture(t, chain)
	parkTopUp(t, db, "tx-bad", "user-1")

	watcher.checkPending(context.Background())

	var p models.PendingTopUp
	require.NoError(t, db.First(&p, "chain_tx_id = ?", "tx-bad").Error)
	require.Equal(t, "failed", p.Status)
	require.NotEmpty(t, p.FailReason)

	bal, err := ledger.GetBalance("user-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), bal)
}
