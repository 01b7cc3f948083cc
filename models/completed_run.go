package models

import "time"

// CompletedRun is the durable history row written once per settled run.
type CompletedRun struct {
	ID              string    `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalUserID  string    `gorm:"index;not null" json:"external_user_id"`
	Category        string    `json:"category"`
	Outcome         string    `json:"outcome"` // wrong | timed_out | stopped
	CompletedLevels int       `json:"completed_levels"`
	Score           int64     `json:"score"` // total points
	SpentMicro      int64     `json:"spent_micro"`
	EarnedMicro     int64     `json:"earned_micro"` // net earned incl. milestone bonus
	QuestionIDs     string    `json:"question_ids"` // comma-joined delivered question ids
	Practice        bool      `json:"practice"`
	CreatedAt       time.Time `json:"created_at" gorm:"autoCreateTime;index"`
}
