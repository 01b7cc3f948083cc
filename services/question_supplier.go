package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"

	"chain-quiz-system/models"

	"github.com/gosimple/slug"
)

var ErrUnknownCategory = errors.New("unknown quiz category")

// PackFetcher loads a question pack document by object key. Satisfied by
// utils.FetchJSONFromR2 in production, by fixtures in tests.
type PackFetcher func(ctx context.Context, key string, v interface{}) error

// QuestionSupplier hands out pre-generated question batches from the R2
// pack bucket (one JSON document per category, one question list per
// level). Question authoring and storage format are external; we only
// validate shape and pick from it.
type QuestionSupplier struct {
	categories []string
	fetch      PackFetcher
}

func NewQuestionSupplier(fetch PackFetcher) *QuestionSupplier {
	raw := os.Getenv("QUIZ_CATEGORIES")
	if raw == "" {
		log.Fatal("QUIZ_CATEGORIES environment variable is required (comma-separated category names)")
	}
	var categories []string
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			categories = append(categories, c)
		}
	}
	return &QuestionSupplier{categories: categories, fetch: fetch}
}

// Categories lists the valid category names.
func (s *QuestionSupplier) Categories() []string {
	out := make([]string, len(s.categories))
	copy(out, s.categories)
	return out
}

// ValidCategory checks catalog membership only.
func (s *QuestionSupplier) ValidCategory(name string) bool {
	for _, c := range s.categories {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// packKey maps a category name to its R2 object key.
func packKey(category string) string {
	return fmt.Sprintf("packs/%s.json", slug.Make(category))
}

// LoadBatch assembles an ordered ascending-difficulty batch for a new run:
// one randomly chosen question per level. Full runs cover all 10 levels,
// practice runs the first 5.
func (s *QuestionSupplier) LoadBatch(ctx context.Context, category string, practice bool) ([]models.Question, error) {
	if !s.ValidCategory(category) {
		return nil, ErrUnknownCategory
	}

	var pack models.QuestionPack
	if err := s.fetch(ctx, packKey(category), &pack); err != nil {
		return nil, fmt.Errorf("load question pack: %w", err)
	}

	levels := MaxLevel + 1
	if practice {
		levels = 5
	}
	if len(pack.Levels) < levels {
		return nil, fmt.Errorf("question pack for %q has %d levels, need %d", category, len(pack.Levels), levels)
	}

	batch := make([]models.Question, 0, levels)
	for lvl := 0; lvl < levels; lvl++ {
		candidates := pack.Levels[lvl]
		if len(candidates) == 0 {
			return nil, fmt.Errorf("question pack for %q has no questions at level %d", category, lvl)
		}
		for _, cand := range candidates {
			if cand.CorrectIndex < 0 || cand.CorrectIndex > 3 {
				return nil, fmt.Errorf("question pack for %q has question %s at level %d with correct index %d out of range", category, cand.ID, lvl, cand.CorrectIndex)
			}
		}
		q := candidates[rand.Intn(len(candidates))]
		q.Level = lvl
		batch = append(batch, q)
	}
	return batch, nil
}
