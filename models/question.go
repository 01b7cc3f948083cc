package models

// Question is one entry of a question pack as stored in R2. The correct
// index and reasoning NEVER leave the server before the run is over.
type Question struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	Options      [4]string `json:"options"`
	CorrectIndex int       `json:"correct_index"`
	Level        int       `json:"level"`
	Reasoning    string    `json:"reasoning,omitempty"`
}

// QuestionPack is the JSON document keyed by category slug in the pack
// bucket: Levels[i] holds the candidate questions for difficulty level i.
type QuestionPack struct {
	Category string       `json:"category"`
	Levels   [][]Question `json:"levels"`
}

// PublicQuestion is the client-facing view of a delivered question.
type PublicQuestion struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Options    [4]string `json:"options"`
	Level      int       `json:"level"`
	AllowedSec int       `json:"allowed_sec"`
}

// Public strips the hidden fields for delivery.
func (q Question) Public(allowedSec int) PublicQuestion {
	return PublicQuestion{
		ID:         q.ID,
		Text:       q.Text,
		Options:    q.Options,
		Level:      q.Level,
		AllowedSec: allowedSec,
	}
}

// QuestionResult records the outcome of a single answered question inside
// a run, kept for the end-of-run snapshot.
type QuestionResult struct {
	QuestionID    string `json:"question_id"`
	Level         int    `json:"level"`
	SelectedIndex int    `json:"selected_index"` // -1 when timed out
	Points        int64  `json:"points"`
}
