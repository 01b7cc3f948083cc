package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"chain-quiz-system/utils"
)

// Retryable verification failures: the transaction may still confirm.
var (
	ErrTxNotFound = errors.New("transaction not yet indexed")
	ErrTxPending  = errors.New("transaction pending confirmation")
)

// Terminal verification failures: never retried, reason surfaced verbatim.
var (
	ErrTxFailed          = errors.New("transaction failed on-chain")
	ErrNotATransfer      = errors.New("transaction is not a transfer")
	ErrAmountMismatch    = errors.New("transfer amount does not match expected price")
	ErrRecipientMismatch = errors.New("transfer recipient does not match")
	ErrMemoMismatch      = errors.New("transfer memo does not match challenge nonce")
)

// RetryableVerifyError reports whether a verification failure is worth
// polling on (unconfirmed) as opposed to terminal (mismatch, failed).
func RetryableVerifyError(err error) bool {
	return errors.Is(err, ErrTxNotFound) || errors.Is(err, ErrTxPending)
}

// ExpectedPayment pins down what a per-question payment must look like
// on-chain before it unlocks anything.
type ExpectedPayment struct {
	Recipient   string
	AmountMicro int64
	Nonce       string // must appear as the transfer memo
}

const (
	verifyPollInterval = 5 * time.Second
	verifyPollAttempts = 24 // ~2 minutes total before giving up
)

// PaymentVerifier checks claimed transaction ids against the external
// chain lookup. It never mutates anything; callers act on the result.
type PaymentVerifier struct {
	Chain        utils.ChainLookup
	PollInterval time.Duration
	PollAttempts int
}

func NewPaymentVerifier(chain utils.ChainLookup) *PaymentVerifier {
	return &PaymentVerifier{
		Chain:        chain,
		PollInterval: verifyPollInterval,
		PollAttempts: verifyPollAttempts,
	}
}

func classifyStatus(tx *utils.ChainTransaction) error {
	switch tx.Status {
	case utils.ChainTxNotFound:
		return ErrTxNotFound
	case utils.ChainTxPending:
		return ErrTxPending
	case utils.ChainTxSuccess:
		return nil
	default:
		return fmt.Errorf("%w: status %q", ErrTxFailed, tx.Status)
	}
}

// VerifyPayment checks a per-question payment: confirmed, right recipient,
// exact amount, memo bound to the challenge nonce. Returns the sender
// address on success.
func (v *PaymentVerifier) VerifyPayment(ctx context.Context, txID string, expect ExpectedPayment) (string, error) {
	tx, err := v.Chain.GetTransaction(ctx, txID)
	if err != nil {
		return "", fmt.Errorf("chain lookup: %w", err)
	}
	if err := classifyStatus(tx); err != nil {
		return "", err
	}
	if tx.Transfer == nil {
		return "", ErrNotATransfer
	}
	if tx.Transfer.RecipientAddress != expect.Recipient {
		return "", ErrRecipientMismatch
	}
	if tx.Transfer.AmountMicro != expect.AmountMicro {
		return "", fmt.Errorf("%w: got %d, expected %d", ErrAmountMismatch, tx.Transfer.AmountMicro, expect.AmountMicro)
	}
	if tx.Transfer.Memo != expect.Nonce {
		return "", ErrMemoMismatch
	}
	return tx.SenderAddress, nil
}

// VerifyTopUp checks a top-up transfer to the given recipient. Top-ups are
// free-form amounts with no memo binding; the credited amount is whatever
// confirmed on-chain.
func (v *PaymentVerifier) VerifyTopUp(ctx context.Context, txID, recipient string) (sender string, amountMicro int64, err error) {
	tx, err := v.Chain.GetTransaction(ctx, txID)
	if err != nil {
		return "", 0, fmt.Errorf("chain lookup: %w", err)
	}
	if err := classifyStatus(tx); err != nil {
		return "", 0, err
	}
	if tx.Transfer == nil {
		return "", 0, ErrNotATransfer
	}
	if tx.Transfer.RecipientAddress != recipient {
		return "", 0, ErrRecipientMismatch
	}
	if tx.Transfer.AmountMicro <= 0 {
		return "", 0, fmt.Errorf("%w: non-positive amount %d", ErrAmountMismatch, tx.Transfer.AmountMicro)
	}
	return tx.SenderAddress, tx.Transfer.AmountMicro, nil
}

// VerifyPaymentPoll retries VerifyPayment on retryable failures at a fixed
// interval with a hard attempt cap, so it never blocks indefinitely on a slow
// confirmation. Terminal failures are returned immediately.
func (v *PaymentVerifier) VerifyPaymentPoll(ctx context.Context, txID string, expect ExpectedPayment) (string, error) {
	var lastErr error
	for attempt := 0; attempt < v.PollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(v.PollInterval):
			}
		}
		sender, err := v.VerifyPayment(ctx, txID, expect)
		if err == nil {
			return sender, nil
		}
		if !RetryableVerifyError(err) {
			return "", err
		}
		lastErr = err
		log.Printf("⏳ [VERIFY] tx %s not confirmed yet (attempt %d/%d): %v", txID, attempt+1, v.PollAttempts, err)
	}
	return "", fmt.Errorf("confirmation wait exhausted: %w", lastErr)
}

// VerifyTopUpPoll is the top-up flavor of VerifyPaymentPoll. When the poll
// budget runs out the transaction may STILL confirm later — the caller is
// expected to park the tx id for the pending top-up watcher.
func (v *PaymentVerifier) VerifyTopUpPoll(ctx context.Context, txID, recipient string) (string, int64, error) {
	var lastErr error
	for attempt := 0; attempt < v.PollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", 0, ctx.Err()
			case <-time.After(v.PollInterval):
			}
		}
		sender, amount, err := v.VerifyTopUp(ctx, txID, recipient)
		if err == nil {
			return sender, amount, nil
		}
		if !RetryableVerifyError(err) {
			return "", 0, err
		}
		lastErr = err
		log.Printf("⏳ [VERIFY] top-up tx %s not confirmed yet (attempt %d/%d): %v", txID, attempt+1, v.PollAttempts, err)
	}
	return "", 0, fmt.Errorf("confirmation wait exhausted: %w", lastErr)
}
