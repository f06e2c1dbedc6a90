package models

import (
	"time"

	"github.com/google/uuid"
)

type BatchJobStatus string

const (
	BatchJobPending    BatchJobStatus = "pending"
	BatchJobSubmitted  BatchJobStatus = "submitted"
	BatchJobInProgress BatchJobStatus = "in_progress"
	BatchJobCompleted  BatchJobStatus = "completed"
	BatchJobFailed     BatchJobStatus = "failed"
	BatchJobExpired    BatchJobStatus = "expired"
)

// IsOpen reports whether the job is still awaiting a provider outcome.
func (s BatchJobStatus) IsOpen() bool {
	return s == BatchJobSubmitted || s == BatchJobInProgress
}

// OpenBatchJobStatuses lists the statuses the consume cycle polls.
func OpenBatchJobStatuses() []BatchJobStatus {
	return []BatchJobStatus{BatchJobSubmitted, BatchJobInProgress}
}

// BatchJob records one submission of a set of claimed questions to a batch provider.
type BatchJob struct {
	ID              uuid.UUID      `db:"id"                json:"id"`
	Provider        ProviderName   `db:"provider"          json:"provider"`
	ExternalBatchID string         `db:"external_batch_id" json:"external_batch_id"`
	Status          BatchJobStatus `db:"status"            json:"status"`
	QuestionIDs     []uuid.UUID    `db:"question_ids"      json:"question_ids"`
	InputRef        string         `db:"input_ref"         json:"input_ref,omitempty"`
	OutputRef       string         `db:"output_ref"        json:"output_ref,omitempty"`
	ErrorRef        string         `db:"error_ref"         json:"error_ref,omitempty"`
	LastError       *string        `db:"last_error"        json:"last_error,omitempty"`
	CreatedAt       time.Time      `db:"created_at"        json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"        json:"updated_at"`
}
