package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"chain-quiz-system/models"

	"github.com/stretchr/testify/require"
)

func questionAt(level, correct int) models.Question {
	return models.Question{
		ID:           "q-lvl-" + string(rune('0'+level)),
		Text:         "pick the right one",
		Options:      [4]string{"alpha", "beta", "gamma", "delta"},
		CorrectIndex: correct,
		Level:        level,
		Reasoning:    "because the chain says so",
	}
}

func TestCreateRunDeliversFirstQuestion(t *testing.T) {
	store := NewRunStore(NewMemoryKV())
	ctx := context.Background()

	runID, err := store.CreateRun(ctx, "user-1", questionAt(0, 2), CostMicro(0), AllowedSeconds(0), "history", false)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	run, err := store.Get(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, "user-1", run.Owner)
	require.Equal(t, 0, run.Level)
	require.Equal(t, CostMicro(0), run.SpentMicro)
	require.NotNil(t, run.Current)
	require.Equal(t, 2, run.Current.CorrectIndex)
}

func TestCorrectFastAnswerEarnsBoostedPoints(t *testing.T) {
	store := NewRunStore(NewMemoryKV())
	ctx := context.Background()

	runID, err := store.CreateRun(ctx, "user-1", questionAt(0, 1), CostMicro(0), AllowedSeconds(0), "history", false)
	require.NoError(t, err)

	// Answered essentially instantly: fast bucket, 10 × 1.5 = 15.
	result, snap, err := store.SubmitAnswer(ctx, runID, 1, false)
	require.NoError(t, err)
	require.Nil(t, snap, "a correct answer must not end the run")
	require.Equal(t, OutcomeCorrect, result.Outcome)
	require.Equal(t, int64(15), result.PointsEarned)
	require.Equal(t, 1, result.NextLevel)
	require.Equal(t, 1, result.CompletedLevels)
	require.Equal(t, int64(15), result.TotalPoints)

	// The question is consumed; answering again needs a new delivery.
	_, _, err = store.SubmitAnswer(ctx, runID, 1, false)
	require.ErrorIs(t, err, ErrNoOutstandingQuestion)
}

func TestWrongAnswerEndsRunWithReveal(t *testing.T) {
	store := NewRunStore(NewMemoryKV())
	ctx := context.Background()

	runID, err := store.CreateRun(ctx, "user-1", questionAt(0, 0), CostMicro(0), AllowedSeconds(0), "history", false)
	require.NoError(t, err)

	result, _, err := store.SubmitAnswer(ctx, runID, 0, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeCorrect, result.Outcome)

	ok := store.SetQuestion(ctx, runID, questionAt(1, 3), CostMicro(1), AllowedSeconds(1))
	require.True(t, ok)

	result, snap, err := store.SubmitAnswer(ctx, runID, 0, false)
	require.NoError(t, err)
	require.Nil(t, result)
	require.NotNil(t, snap)
	require.Equal(t, OutcomeWrong, snap.Outcome)
	require.Equal(t, 1, snap.CompletedLevels)
	require.Equal(t, CostMicro(0)+CostMicro(1), snap.SpentMicro, "both unlocks count as spend")
	require.Equal(t, int64(15), snap.TotalPoints, "earlier earnings survive in the snapshot")
	require.Equal(t, 1, snap.FailedLevel)
	require.Equal(t, "delta", snap.CorrectOption)
	require.Equal(t, "because the chain says so", snap.Reasoning)
	require.Len(t, snap.Results, 2)
	require.Equal(t, 0, snap.Results[1].SelectedIndex)
	require.Equal(t, int64(0), snap.Results[1].Points)

	// Terminal: the run is gone.
	_, err = store.Get(ctx, runID)
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestExplicitTimeoutEndsRun(t *testing.T) {
	store := NewRunStore(NewMemoryKV())
	ctx := context.Background()

	runID, err := store.CreateRun(ctx, "user-1", questionAt(0, 2), CostMicro(0), AllowedSeconds(0), "history", false)
	require.NoError(t, err)

	_, snap, err := store.SubmitAnswer(ctx, runID, 0, true)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, OutcomeTimedOut, snap.Outcome)
	require.Equal(t, -1, snap.Results[0].SelectedIndex)
	require.Equal(t, "gamma", snap.CorrectOption)
}

func TestLateAnswerForcedIntoTimeout(t *testing.T) {
	kv := NewMemoryKV()
	store := NewRunStore(kv)
	ctx := context.Background()

	runID, err := store.CreateRun(ctx, "user-1", questionAt(0, 2), CostMicro(0), AllowedSeconds(0), "history", false)
	require.NoError(t, err)

	// Backdate the delivery far past the solve window. A "correct" answer
	// arriving now must be treated as a timeout regardless of the client's
	// claim.
	raw, ok, err := kv.Get(ctx, runKey(runID))
	require.NoError(t, err)
	require.True(t, ok)
	var run Run
	require.NoError(t, json.Unmarshal(raw, &run))
	run.DeliveredAt = time.Now().Add(-time.Minute)
	raw, err = json.Marshal(&run)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, runKey(runID), raw, RunTTL))

	result, snap, err := store.SubmitAnswer(ctx, runID, 2, false)
	require.NoError(t, err)
	require.Nil(t, result)
	require.NotNil(t, snap)
	require.Equal(t, OutcomeTimedOut, snap.Outcome)
	require.Equal(t, -1, snap.Results[0].SelectedIndex)
}

func TestStopRequiresMinimumProgress(t *testing.T) {
	store := NewRunStore(NewMemoryKV())
	ctx := context.Background()

	runID, err := store.CreateRun(ctx, "user-1", questionAt(0, 0), CostMicro(0), AllowedSeconds(0), "history", false)
	require.NoError(t, err)

	_, err = store.StopRun(ctx, runID, false)
	require.ErrorIs(t, err, ErrStopTooEarly)

	// Clear three levels, then the stop is allowed.
	for lvl := 0; lvl < MinStopLevels; lvl++ {
		if lvl > 0 {
			require.True(t, store.SetQuestion(ctx, runID, questionAt(lvl, 0), CostMicro(lvl), AllowedSeconds(lvl)))
		}
		result, snap, err := store.SubmitAnswer(ctx, runID, 0, false)
		require.NoError(t, err)
		require.Nil(t, snap)
		require.Equal(t, OutcomeCorrect, result.Outcome)
	}

	snap, err := store.StopRun(ctx, runID, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeStopped, snap.Outcome)
	require.Equal(t, MinStopLevels, snap.CompletedLevels)
	require.Empty(t, snap.CorrectOption, "a voluntary stop reveals nothing")

	_, err = store.Get(ctx, runID)
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestEarlyStopOverride(t *testing.T) {
	store := NewRunStore(NewMemoryKV())
	ctx := context.Background()

	runID, err := store.CreateRun(ctx, "user-1", questionAt(0, 0), CostMicro(0), AllowedSeconds(0), "history", false)
	require.NoError(t, err)

	snap, err := store.StopRun(ctx, runID, true)
	require.NoError(t, err)
	require.Equal(t, OutcomeStopped, snap.Outcome)
	require.Equal(t, 0, snap.CompletedLevels)
}

func TestPracticeRunStopsAnytime(t *testing.T) {
	store := NewRunStore(NewMemoryKV())
	ctx := context.Background()

	runID, err := store.CreateRun(ctx, "user-1", questionAt(0, 0), 0, AllowedSeconds(0), "history", true)
	require.NoError(t, err)

	snap, err := store.StopRun(ctx, runID, false)
	require.NoError(t, err)
	require.True(t, snap.Practice)
	require.Equal(t, OutcomeStopped, snap.Outcome)
}

func TestLevelCapsAtTop(t *testing.T) {
	store := NewRunStore(NewMemoryKV())
	ctx := context.Background()

	runID, err := store.CreateRun(ctx, "user-1", questionAt(MaxLevel, 0), CostMicro(MaxLevel), AllowedSeconds(MaxLevel), "history", false)
	require.NoError(t, err)

	result, snap, err := store.SubmitAnswer(ctx, runID, 0, false)
	require.NoError(t, err)
	require.Nil(t, snap)
	require.Equal(t, MaxLevel, result.NextLevel, "level never exceeds the top tier")
}

func TestAbortLeavesNoTrace(t *testing.T) {
	store := NewRunStore(NewMemoryKV())
	ctx := context.Background()

	runID, err := store.CreateRun(ctx, "user-1", questionAt(0, 0), CostMicro(0), AllowedSeconds(0), "history", false)
	require.NoError(t, err)

	require.NoError(t, store.Abort(ctx, runID))
	_, err = store.Get(ctx, runID)
	require.ErrorIs(t, err, ErrRunNotFound)

	require.ErrorIs(t, store.Abort(ctx, runID), ErrRunNotFound)
}

func TestExpiredRunIsGone(t *testing.T) {
	kv := NewMemoryKV()
	store := NewRunStore(kv)
	ctx := context.Background()

	runID, err := store.CreateRun(ctx, "user-1", questionAt(0, 0), CostMicro(0), AllowedSeconds(0), "history", false)
	require.NoError(t, err)

	// Rewrite the stored run with an already-past expiry; the lazy clock
	// check must refuse it even though the backend still holds the bytes.
	raw, ok, err := kv.Get(ctx, runKey(runID))
	require.NoError(t, err)
	require.True(t, ok)
	var run Run
	require.NoError(t, json.Unmarshal(raw, &run))
	run.ExpiresAt = time.Now().Add(-time.Second)
	raw, err = json.Marshal(&run)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, runKey(runID), raw, time.Hour))

	_, err = store.Get(ctx, runID)
	require.ErrorIs(t, err, ErrRunNotFound)

	_, _, err = store.SubmitAnswer(ctx, runID, 0, false)
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestUnknownRunProbesDoNotAccumulateLocks(t *testing.T) {
	kv := NewMemoryKV()
	store := NewRunStore(kv)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := store.Get(ctx, fmt.Sprintf("ghost-%d", i))
		require.ErrorIs(t, err, ErrRunNotFound)
	}

	locks := 0
	store.locks.Range(func(_, _ any) bool { locks++; return true })
	require.Zero(t, locks, "misses must release their lock entries")

	// Same for a run that expired in place rather than never existing.
	runID, err := store.CreateRun(ctx, "user-1", questionAt(0, 0), CostMicro(0), AllowedSeconds(0), "history", false)
	require.NoError(t, err)
	raw, ok, err := kv.Get(ctx, runKey(runID))
	require.NoError(t, err)
	require.True(t, ok)
	var run Run
	require.NoError(t, json.Unmarshal(raw, &run))
	run.ExpiresAt = time.Now().Add(-time.Second)
	raw, err = json.Marshal(&run)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, runKey(runID), raw, time.Hour))

	_, err = store.Get(ctx, runID)
	require.ErrorIs(t, err, ErrRunNotFound)

	locks = 0
	store.locks.Range(func(_, _ any) bool { locks++; return true })
	require.Zero(t, locks)
}

func TestUnknownRun(t *testing.T) {
	store := NewRunStore(NewMemoryKV())
	ctx := context.Background()

	_, err := store.Get(ctx, "no-such-run")
	require.ErrorIs(t, err, ErrRunNotFound)
	require.False(t, store.SetQuestion(ctx, "no-such-run", questionAt(1, 0), CostMicro(1), 30))
	_, err = store.StopRun(ctx, "no-such-run", true)
	require.ErrorIs(t, err, ErrRunNotFound)
}
