// services/quiz_service.go
package services

import (
	"context"
	"errors"
	"log"

	"chain-quiz-system/models"

	"github.com/gofiber/fiber/v2"
)

// Payment methods accepted per question
const (
	PayWithCredits = "credits"
	PayOnChain     = "chain"
)

// Failure reasons clients branch on without string matching
const (
	ReasonNeedTopUp       = "need_topup"
	ReasonPaymentRejected = "payment_rejected"
	ReasonPaymentPending  = "payment_pending"
)

// PaymentRequest is the per-question payment of a start/next call.
type PaymentRequest struct {
	Method string `json:"method"` // credits | chain (ignored for practice)
	TxID   string `json:"tx_id,omitempty"`
	Nonce  string `json:"nonce,omitempty"`
}

// QuizService ties the run machine, the batch cache, the payment path and
// settlement together behind the HTTP surface.
type QuizService struct {
	Runs       *RunStore
	Batch      *BatchCache
	Challenges *ChallengeStore
	Verifier   *PaymentVerifier
	Ledger     *LedgerService
	Settlement *SettlementService
	Supplier   *QuestionSupplier
}

func NewQuizService(runs *RunStore, batch *BatchCache, challenges *ChallengeStore, verifier *PaymentVerifier, ledger *LedgerService, settlement *SettlementService, supplier *QuestionSupplier) *QuizService {
	return &QuizService{
		Runs:       runs,
		Batch:      batch,
		Challenges: challenges,
		Verifier:   verifier,
		Ledger:     ledger,
		Settlement: settlement,
		Supplier:   supplier,
	}
}

// GetCategories lists the valid quiz categories
func (s *QuizService) GetCategories(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"categories": s.Supplier.Categories()})
}

// IssueChallenge hands out a payment challenge for the question at ?level=N
func (s *QuizService) IssueChallenge(c *fiber.Ctx) error {
	level := c.QueryInt("level", -1)
	if level < 0 || level > MaxLevel {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "level must be between 0 and 9"})
	}
	ch, err := s.Challenges.Issue(c.Context(), level)
	if err != nil {
		log.Printf("❌ Failed to issue challenge: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to issue challenge"})
	}
	return c.JSON(fiber.Map{
		"nonce":        ch.Nonce,
		"amount_micro": ch.AmountMicro,
		"recipient":    ch.Recipient,
		"expires_at":   ch.ExpiresAt,
	})
}

// GetChallengeStatus reports valid | used | expired | not_found
func (s *QuizService) GetChallengeStatus(c *fiber.Ctx) error {
	nonce := c.Params("nonce")
	return c.JSON(fiber.Map{"nonce": nonce, "status": s.Challenges.Status(c.Context(), nonce)})
}

// payForQuestion unlocks one question at the given level. Returns the
// spend to record on the run, or a ready-to-send fiber error response.
// Practice questions are free and touch nothing.
func (s *QuizService) payForQuestion(ctx context.Context, c *fiber.Ctx, userID, runID string, level int, practice bool, pay PaymentRequest) (int64, error, bool) {
	if practice {
		return 0, nil, false
	}
	cost := CostMicro(level)

	switch pay.Method {
	case PayWithCredits:
		if _, err := s.Ledger.DeductCredits(userID, cost, models.CreditTxQuestionCost, "", runID); err != nil {
			if errors.Is(err, ErrInsufficientBalance) {
				balance, _ := s.Ledger.GetBalance(userID)
				return 0, c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
					"error":                  "insufficient credits for this question",
					"reason":                 ReasonNeedTopUp,
					"required_micro":         cost,
					"balance_micro":          balance,
					"suggested_amount_micro": cost - balance,
				}), true
			}
			log.Printf("❌ Credit deduction failed for %s: %v", userID, err)
			return 0, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to deduct credits"}), true
		}
		return cost, nil, false

	case PayOnChain:
		if pay.TxID == "" || pay.Nonce == "" {
			return 0, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "chain payment requires tx_id and nonce"}), true
		}
		ch, err := s.Challenges.Get(ctx, pay.Nonce)
		if err != nil {
			return 0, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":  "payment challenge invalid: " + err.Error(),
				"reason": ReasonPaymentRejected,
			}), true
		}
		if ch.AmountMicro != cost {
			return 0, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":  "challenge was issued for a different level price",
				"reason": ReasonPaymentRejected,
			}), true
		}
		if _, err := s.Verifier.VerifyPaymentPoll(ctx, pay.TxID, ExpectedPayment{
			Recipient:   ch.Recipient,
			AmountMicro: ch.AmountMicro,
			Nonce:       pay.Nonce,
		}); err != nil {
			reason := ReasonPaymentRejected
			status := fiber.StatusPaymentRequired
			if RetryableVerifyError(err) {
				reason = ReasonPaymentPending
				status = fiber.StatusAccepted
			}
			return 0, c.Status(status).JSON(fiber.Map{
				"error":  err.Error(),
				"reason": reason,
			}), true
		}
		// Consume AFTER verification: only a confirmed matching payment
		// burns the nonce, and at most one request wins it.
		if _, err := s.Challenges.Consume(ctx, pay.Nonce); err != nil {
			return 0, c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error":  "payment already used to unlock a question",
				"reason": ReasonPaymentRejected,
			}), true
		}
		return ch.AmountMicro, nil, false

	default:
		return 0, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "payment method must be credits or chain"}), true
	}
}

// StartRun begins a run: pays for the level-0 question and delivers it
func (s *QuizService) StartRun(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var req struct {
		Category string         `json:"category"`
		Practice bool           `json:"practice"`
		Payment  PaymentRequest `json:"payment"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if !s.Supplier.ValidCategory(req.Category) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown category"})
	}

	first, rest, err := s.Batch.CreateInitialBatch(c.Context(), req.Category, req.Practice)
	if err != nil {
		log.Printf("❌ Failed to build question batch for %q: %v", req.Category, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to prepare questions"})
	}

	spent, resp, handled := s.payForQuestion(c.Context(), c, userID, "", 0, req.Practice, req.Payment)
	if handled {
		return resp
	}

	allowed := AllowedSeconds(0)
	runID, err := s.Runs.CreateRun(c.Context(), userID, first, spent, allowed, req.Category, req.Practice)
	if err != nil {
		log.Printf("❌ Failed to create run for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create run"})
	}
	if err := s.Batch.SetBatch(c.Context(), runID, rest); err != nil {
		log.Printf("⚠️  Failed to queue batch for run %s: %v", runID, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"run_id":   runID,
		"question": first.Public(allowed),
		"practice": req.Practice,
	})
}

// NextQuestion pays for and delivers the next question of a live run
func (s *QuizService) NextQuestion(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var req struct {
		RunID   string         `json:"run_id"`
		Payment PaymentRequest `json:"payment"`
	}
	if err := c.BodyParser(&req); err != nil || req.RunID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	run, err := s.Runs.Get(c.Context(), req.RunID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "run not found or expired"})
	}
	if run.Owner != userID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "run does not belong to you"})
	}
	if run.Current != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "a question is already outstanding — answer it first"})
	}

	q, err := s.Batch.PopQuestion(c.Context(), req.RunID)
	if err != nil {
		log.Printf("❌ Batch pop failed for run %s: %v", req.RunID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load next question"})
	}
	if q == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "no questions left in this run — stop to settle your earnings",
		})
	}

	spent, resp, handled := s.payForQuestion(c.Context(), c, userID, req.RunID, q.Level, run.Practice, req.Payment)
	if handled {
		return resp
	}

	allowed := AllowedSeconds(q.Level)
	if ok := s.Runs.SetQuestion(c.Context(), req.RunID, *q, spent, allowed); !ok {
		// Run expired between the check and the delivery; the payment for
		// this question is the documented forfeit; do not retry blindly.
		log.Printf("⚠️  Run %s vanished during question delivery", req.RunID)
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "run not found or expired"})
	}

	return c.JSON(fiber.Map{
		"run_id":   req.RunID,
		"question": q.Public(allowed),
	})
}

// SubmitAnswer resolves the outstanding question of a run
func (s *QuizService) SubmitAnswer(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var req struct {
		RunID         string `json:"run_id"`
		SelectedIndex int    `json:"selected_index"`
		TimedOut      bool   `json:"timed_out"`
	}
	if err := c.BodyParser(&req); err != nil || req.RunID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if !req.TimedOut && (req.SelectedIndex < 0 || req.SelectedIndex > 3) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "selected_index must be between 0 and 3"})
	}

	run, err := s.Runs.Get(c.Context(), req.RunID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "run not found or expired"})
	}
	if run.Owner != userID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "run does not belong to you"})
	}

	result, snap, err := s.Runs.SubmitAnswer(c.Context(), req.RunID, req.SelectedIndex, req.TimedOut)
	if err != nil {
		if errors.Is(err, ErrNoOutstandingQuestion) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no outstanding question"})
		}
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "run not found or expired"})
	}

	if result != nil {
		return c.JSON(result)
	}

	// Terminal: wrong answer or timeout. Settle and reveal.
	summary, err := s.Settlement.SettleRun(c.Context(), snap)
	if err != nil {
		// The run is already gone from the store; the snapshot in this
		// response is the player's only copy of the reveal and totals.
		log.Printf("❌ Settlement failed for run %s: %v", snap.RunID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":    "run ended but settlement failed",
			"cause":    err.Error(),
			"outcome":  snap.Outcome,
			"snapshot": snap,
		})
	}
	return c.JSON(fiber.Map{
		"outcome":        snap.Outcome,
		"snapshot":       snap,
		"settlement":     summary,
		"correct_option": snap.CorrectOption,
		"reasoning":      snap.Reasoning,
	})
}

// StopRun cashes out a run voluntarily
func (s *QuizService) StopRun(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var req struct {
		RunID         string `json:"run_id"`
		EarlyOverride bool   `json:"early_override"`
	}
	if err := c.BodyParser(&req); err != nil || req.RunID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	run, err := s.Runs.Get(c.Context(), req.RunID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "run not found or expired"})
	}
	if run.Owner != userID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "run does not belong to you"})
	}

	snap, err := s.Runs.StopRun(c.Context(), req.RunID, req.EarlyOverride)
	if err != nil {
		if errors.Is(err, ErrStopTooEarly) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":      err.Error(),
				"min_levels": MinStopLevels,
			})
		}
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "run not found or expired"})
	}

	summary, err := s.Settlement.SettleRun(c.Context(), snap)
	if err != nil {
		log.Printf("❌ Settlement failed for stopped run %s: %v", snap.RunID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":    "run stopped but settlement failed",
			"cause":    err.Error(),
			"outcome":  snap.Outcome,
			"snapshot": snap,
		})
	}
	return c.JSON(fiber.Map{
		"outcome":    snap.Outcome,
		"snapshot":   snap,
		"settlement": summary,
	})
}

// AbortRun kills a run with no settlement and releases its batch
func (s *QuizService) AbortRun(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var req struct {
		RunID string `json:"run_id"`
	}
	if err := c.BodyParser(&req); err != nil || req.RunID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	run, err := s.Runs.Get(c.Context(), req.RunID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "run not found or expired"})
	}
	if run.Owner != userID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "run does not belong to you"})
	}

	if err := s.Runs.Abort(c.Context(), req.RunID); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "run not found or expired"})
	}
	s.Batch.ClearRunBatch(c.Context(), req.RunID)
	return c.JSON(fiber.Map{"message": "run aborted"})
}

// GetRunHistory returns the user's settled runs, newest first
func (s *QuizService) GetRunHistory(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	limit := c.QueryInt("limit", 20)

	runs, err := s.Settlement.GetCompletedRuns(userID, limit)
	if err != nil {
		log.Printf("❌ Failed to fetch run history for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch run history"})
	}
	return c.JSON(fiber.Map{"runs": runs})
}
