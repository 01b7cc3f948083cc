package services

import (
	"context"
	"encoding/json"
	"fmt"

	"chain-quiz-system/models"
)

// BatchCache queues the pre-selected questions of a run, in delivery
// order. Backed by the injected KV: a shared Redis list across instances,
// or local memory on a single instance; pop/append/clear behave
// identically either way.
type BatchCache struct {
	kv       KV
	supplier *QuestionSupplier
}

func NewBatchCache(kv KV, supplier *QuestionSupplier) *BatchCache {
	return &BatchCache{kv: kv, supplier: supplier}
}

func batchKey(runID string) string { return "batch:" + runID }

// CreateInitialBatch selects the run's questions, returning the first for
// immediate delivery and the rest for queueing once the run id exists.
func (c *BatchCache) CreateInitialBatch(ctx context.Context, category string, practice bool) (models.Question, []models.Question, error) {
	batch, err := c.supplier.LoadBatch(ctx, category, practice)
	if err != nil {
		return models.Question{}, nil, err
	}
	return batch[0], batch[1:], nil
}

// SetBatch queues the remaining questions under the run id.
func (c *BatchCache) SetBatch(ctx context.Context, runID string, rest []models.Question) error {
	vals := make([][]byte, 0, len(rest))
	for _, q := range rest {
		raw, err := json.Marshal(q)
		if err != nil {
			return fmt.Errorf("marshal question: %w", err)
		}
		vals = append(vals, raw)
	}
	return c.kv.PushList(ctx, batchKey(runID), vals, RunTTL)
}

// PopQuestion dequeues the next question, nil when the queue is exhausted.
func (c *BatchCache) PopQuestion(ctx context.Context, runID string) (*models.Question, error) {
	raw, ok, err := c.kv.PopList(ctx, batchKey(runID))
	if err != nil {
		return nil, fmt.Errorf("pop question: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var q models.Question
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, fmt.Errorf("decode question: %w", err)
	}
	return &q, nil
}

// ClearRunBatch drops the queue. Called on every run termination, abort
// included.
func (c *BatchCache) ClearRunBatch(ctx context.Context, runID string) {
	_ = c.kv.Delete(ctx, batchKey(runID))
}
