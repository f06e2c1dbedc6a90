package models

import (
	"time"

	"github.com/google/uuid"
)

type QuestionStatus string

const (
	QuestionPending   QuestionStatus = "pending"
	QuestionClaimed   QuestionStatus = "claimed"
	QuestionCompleted QuestionStatus = "completed"
	QuestionFailed    QuestionStatus = "failed"
)

// Question is an exam question awaiting commentary. Questions are created
// outside this service; the engine only moves ai_commentary_status.
type Question struct {
	ID        uuid.UUID      `db:"id"                   json:"id"`
	Text      string         `db:"question"             json:"question"`
	OptionA   string         `db:"option_a"             json:"option_a"`
	OptionB   string         `db:"option_b"             json:"option_b"`
	OptionC   string         `db:"option_c"             json:"option_c"`
	OptionD   string         `db:"option_d"             json:"option_d"`
	OptionE   string         `db:"option_e"             json:"option_e"`
	Status    QuestionStatus `db:"ai_commentary_status" json:"ai_commentary_status"`
	Attempts  int            `db:"attempts"             json:"attempts"`
	CreatedAt time.Time      `db:"created_at"           json:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"           json:"updated_at"`
}

// Options returns the answer options in A..E order.
func (q *Question) Options() []string {
	return []string{q.OptionA, q.OptionB, q.OptionC, q.OptionD, q.OptionE}
}
