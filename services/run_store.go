package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"chain-quiz-system/models"

	"github.com/google/uuid"
)

const (
	// RunTTL is the inactivity window before an abandoned run expires.
	RunTTL = 30 * time.Minute

	// MinStopLevels is how many levels a non-practice run must clear
	// before a voluntary stop is allowed without an explicit override.
	MinStopLevels = 3

	// answerGraceSec pads the solve window for network latency before an
	// answer is forced into a timeout.
	answerGraceSec = 2.0
)

// Terminal run outcomes
const (
	OutcomeCorrect  = "correct"
	OutcomeWrong    = "wrong"
	OutcomeTimedOut = "timed_out"
	OutcomeStopped  = "stopped"
)

var (
	ErrRunNotFound           = errors.New("run not found or expired")
	ErrNoOutstandingQuestion = errors.New("no outstanding question for this run")
	ErrStopTooEarly          = fmt.Errorf("voluntary stop requires at least %d completed levels", MinStopLevels)
)

// Run is the ephemeral per-playthrough state. The correct answer index
// lives ONLY here, server-side, until the run ends.
type Run struct {
	ID              string                  `json:"id"`
	Owner           string                  `json:"owner"`
	Category        string                  `json:"category"`
	Practice        bool                    `json:"practice"`
	Level           int                     `json:"level"`
	CompletedLevels int                     `json:"completed_levels"`
	SpentMicro      int64                   `json:"spent_micro"`
	TotalPoints     int64                   `json:"total_points"`
	DeliveredAt     time.Time               `json:"delivered_at"`
	AllowedSec      int                     `json:"allowed_sec"`
	ExpiresAt       time.Time               `json:"expires_at"`
	QuestionIDs     []string                `json:"question_ids"`
	Results         []models.QuestionResult `json:"results"`
	// Current holds the outstanding question in full (options, correct
	// index, reasoning) so a terminal snapshot can reveal it. Nil between
	// a correct answer and the next delivery.
	Current *models.Question `json:"current,omitempty"`
}

// AnswerResult is returned for a correct answer (run continues).
type AnswerResult struct {
	Outcome         string `json:"outcome"`
	PointsEarned    int64  `json:"points_earned"`
	NextLevel       int    `json:"next_level"`
	CompletedLevels int    `json:"completed_levels"`
	TotalPoints     int64  `json:"total_points"`
}

// RunSnapshot is the full state handed to settlement when a run ends. The
// store itself never touches the ledger.
type RunSnapshot struct {
	RunID           string                  `json:"run_id"`
	Owner           string                  `json:"owner"`
	Category        string                  `json:"category"`
	Practice        bool                    `json:"practice"`
	Outcome         string                  `json:"outcome"`
	CompletedLevels int                     `json:"completed_levels"`
	SpentMicro      int64                   `json:"spent_micro"`
	TotalPoints     int64                   `json:"total_points"`
	QuestionIDs     []string                `json:"question_ids"`
	Results         []models.QuestionResult `json:"results"`
	// Reveal of the question that ended the run (empty on stop/timeout
	// with no outstanding question).
	FailedLevel   int    `json:"failed_level,omitempty"`
	CorrectOption string `json:"correct_option,omitempty"`
	Reasoning     string `json:"reasoning,omitempty"`
}

// RunStore drives the run state machine:
// no-run → awaiting-answer → {awaiting-answer | ended-wrong | ended-stopped | ended-aborted}.
// Per-run operations are serialized with an in-process lock so the lazy
// TTL check and the mutation happen as one step.
type RunStore struct {
	kv    KV
	locks sync.Map // runID → *sync.Mutex
}

func NewRunStore(kv KV) *RunStore {
	return &RunStore{kv: kv}
}

func runKey(runID string) string { return "run:" + runID }

func (s *RunStore) lock(runID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(runID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// load returns the run if present and unexpired. Expiry is re-checked
// against the clock here, never left solely to the background sweep. A
// miss also releases the lock entry lock() created for the id, so probes
// against unknown or long-gone runs cannot grow the lock map.
func (s *RunStore) load(ctx context.Context, runID string) (*Run, error) {
	raw, ok, err := s.kv.Get(ctx, runKey(runID))
	if err != nil {
		return nil, fmt.Errorf("read run: %w", err)
	}
	if !ok {
		s.locks.Delete(runID)
		return nil, ErrRunNotFound
	}
	var run Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	if time.Now().After(run.ExpiresAt) {
		_ = s.kv.Delete(ctx, runKey(runID))
		s.locks.Delete(runID)
		return nil, ErrRunNotFound
	}
	return &run, nil
}

func (s *RunStore) save(ctx context.Context, run *Run) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	return s.kv.Set(ctx, runKey(run.ID), raw, time.Until(run.ExpiresAt))
}

func (s *RunStore) remove(ctx context.Context, runID string) {
	_ = s.kv.Delete(ctx, runKey(runID))
	s.locks.Delete(runID)
}

// CreateRun starts a run at the given level with its first question
// already delivered (the spend for that question is included).
func (s *RunStore) CreateRun(ctx context.Context, owner string, question models.Question, spentMicro int64, allowedSec int, category string, practice bool) (string, error) {
	now := time.Now()
	run := &Run{
		ID:          uuid.NewString(),
		Owner:       owner,
		Category:    category,
		Practice:    practice,
		Level:       question.Level,
		SpentMicro:  spentMicro,
		DeliveredAt: now,
		AllowedSec:  allowedSec,
		ExpiresAt:   now.Add(RunTTL),
		QuestionIDs: []string{question.ID},
		Current:     &question,
	}
	if err := s.save(ctx, run); err != nil {
		return "", err
	}
	return run.ID, nil
}

// Get returns a read-only view of a live run.
func (s *RunStore) Get(ctx context.Context, runID string) (*Run, error) {
	mu := s.lock(runID)
	mu.Lock()
	defer mu.Unlock()
	return s.load(ctx, runID)
}

// SetQuestion records the delivery of the next question: accumulates the
// spend, refreshes the delivered-at timestamp and the TTL. Returns false
// if the run is missing or expired; the caller must not retry blindly.
func (s *RunStore) SetQuestion(ctx context.Context, runID string, question models.Question, addSpentMicro int64, allowedSec int) bool {
	mu := s.lock(runID)
	mu.Lock()
	defer mu.Unlock()

	run, err := s.load(ctx, runID)
	if err != nil {
		return false
	}
	now := time.Now()
	run.Level = question.Level
	run.SpentMicro += addSpentMicro
	run.DeliveredAt = now
	run.AllowedSec = allowedSec
	run.ExpiresAt = now.Add(RunTTL)
	run.QuestionIDs = append(run.QuestionIDs, question.ID)
	run.Current = &question
	return s.save(ctx, run) == nil
}

// SubmitAnswer resolves the outstanding question. Elapsed time is measured
// server-side from delivered-at, never client-supplied. timedOut marks a
// timeout explicitly; it is a distinct outcome, not a fake wrong index.
//
// Correct: points accumulate, level advances (capped), TTL extends, the
// run stays alive. Anything else ends the run and returns the snapshot;
// the caller performs settlement.
func (s *RunStore) SubmitAnswer(ctx context.Context, runID string, selectedIndex int, timedOut bool) (*AnswerResult, *RunSnapshot, error) {
	mu := s.lock(runID)
	mu.Lock()
	defer mu.Unlock()

	run, err := s.load(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if run.Current == nil {
		return nil, nil, ErrNoOutstandingQuestion
	}

	q := *run.Current
	now := time.Now()
	elapsed := now.Sub(run.DeliveredAt).Seconds()

	// An answer that lands after the solve window is a timeout no matter
	// what the client claims (small grace for network latency).
	if elapsed > float64(run.AllowedSec)+answerGraceSec {
		timedOut = true
	}

	if !timedOut && selectedIndex == q.CorrectIndex {
		points := PointsEarned(run.Level, elapsed, float64(run.AllowedSec))
		run.Results = append(run.Results, models.QuestionResult{
			QuestionID:    q.ID,
			Level:         run.Level,
			SelectedIndex: selectedIndex,
			Points:        points,
		})
		run.TotalPoints += points
		run.CompletedLevels++
		if run.Level < MaxLevel {
			run.Level++
		}
		run.Current = nil
		run.ExpiresAt = now.Add(RunTTL)
		if err := s.save(ctx, run); err != nil {
			return nil, nil, err
		}
		return &AnswerResult{
			Outcome:         OutcomeCorrect,
			PointsEarned:    points,
			NextLevel:       run.Level,
			CompletedLevels: run.CompletedLevels,
			TotalPoints:     run.TotalPoints,
		}, nil, nil
	}

	// Wrong answer or timeout: terminal. The stake for this question is
	// forfeited; everything earned before stays in the snapshot.
	outcome := OutcomeWrong
	recorded := selectedIndex
	if timedOut {
		outcome = OutcomeTimedOut
		recorded = -1
	}
	run.Results = append(run.Results, models.QuestionResult{
		QuestionID:    q.ID,
		Level:         run.Level,
		SelectedIndex: recorded,
		Points:        0,
	})
	snap := snapshotOf(run, outcome, &q)
	s.remove(ctx, runID)
	return nil, snap, nil
}

// StopRun ends a run voluntarily, keeping earnings. Non-practice runs must
// have cleared MinStopLevels unless earlyOverride is set; practice runs
// stop at any point. An outstanding unanswered question is surrendered
// without reveal.
func (s *RunStore) StopRun(ctx context.Context, runID string, earlyOverride bool) (*RunSnapshot, error) {
	mu := s.lock(runID)
	mu.Lock()
	defer mu.Unlock()

	run, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.Practice && !earlyOverride && run.CompletedLevels < MinStopLevels {
		return nil, ErrStopTooEarly
	}
	snap := snapshotOf(run, OutcomeStopped, nil)
	s.remove(ctx, runID)
	return snap, nil
}

// Abort kills a run with no snapshot and no settlement.
func (s *RunStore) Abort(ctx context.Context, runID string) error {
	mu := s.lock(runID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.load(ctx, runID); err != nil {
		return err
	}
	s.remove(ctx, runID)
	return nil
}

func snapshotOf(run *Run, outcome string, failed *models.Question) *RunSnapshot {
	snap := &RunSnapshot{
		RunID:           run.ID,
		Owner:           run.Owner,
		Category:        run.Category,
		Practice:        run.Practice,
		Outcome:         outcome,
		CompletedLevels: run.CompletedLevels,
		SpentMicro:      run.SpentMicro,
		TotalPoints:     run.TotalPoints,
		QuestionIDs:     run.QuestionIDs,
		Results:         run.Results,
	}
	if failed != nil {
		snap.FailedLevel = failed.Level
		snap.CorrectOption = failed.Options[failed.CorrectIndex]
		snap.Reasoning = failed.Reasoning
	}
	return snap
}
