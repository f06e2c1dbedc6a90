package models

import (
	"time"

	"github.com/google/uuid"
)

// Commentary is the structured body a provider returns for one question.
// The regenerated fields are only requested from providers that rewrite questions.
type Commentary struct {
	ChosenAnswer        string  `json:"chosen_answer"`
	GeneralComment      string  `json:"general_comment"`
	CommentA            string  `json:"comment_a"`
	CommentB            string  `json:"comment_b"`
	CommentC            string  `json:"comment_c"`
	CommentD            string  `json:"comment_d"`
	CommentE            string  `json:"comment_e"`
	RegeneratedQuestion *string `json:"regenerated_question,omitempty"`
	RegeneratedOptionA  *string `json:"regenerated_option_a,omitempty"`
	RegeneratedOptionB  *string `json:"regenerated_option_b,omitempty"`
	RegeneratedOptionC  *string `json:"regenerated_option_c,omitempty"`
	RegeneratedOptionD  *string `json:"regenerated_option_d,omitempty"`
	RegeneratedOptionE  *string `json:"regenerated_option_e,omitempty"`
}

// Comment is the persisted commentary for one (question, provider) pair.
type Comment struct {
	ID         uuid.UUID    `db:"id"          json:"id"`
	QuestionID uuid.UUID    `db:"question_id" json:"question_id"`
	Provider   ProviderName `db:"provider"    json:"provider"`
	Model      string       `db:"model"       json:"model"`
	Body       Commentary   `db:"body"        json:"body"`
	CreatedAt  time.Time    `db:"created_at"  json:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at"  json:"updated_at"`
}
