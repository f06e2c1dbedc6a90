// Package openai adapts the OpenAI Batch API to models.BatchProvider.
package openai

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jeskokaiser/altfragen-io-backend/internal/commentary"
	"github.com/jeskokaiser/altfragen-io-backend/internal/config"
	"github.com/jeskokaiser/altfragen-io-backend/internal/prompts"
	"github.com/jeskokaiser/altfragen-io-backend/internal/provider/openaicompat"
	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
)

const completionWindow = "24h"

// Provider implements models.BatchProvider using OpenAI.
type Provider struct {
	client  *openaicompat.Client
	model   string
	prompts *prompts.Catalogue
	logger  *slog.Logger
}

func NewProvider(cfg config.ProviderConfig, timeout time.Duration, catalogue *prompts.Catalogue, logger *slog.Logger) *Provider {
	return &Provider{
		client:  openaicompat.NewClient(models.ProviderOpenAI, cfg.BaseURL, cfg.APIKey, timeout),
		model:   cfg.Model,
		prompts: catalogue,
		logger:  logger,
	}
}

func (p *Provider) Name() models.ProviderName { return models.ProviderOpenAI }

func (p *Provider) Model() string { return p.model }

// request asks for the regenerated question as well and enforces the
// commentary schema through structured output.
func (p *Provider) request(q *models.Question) openaicompat.ChatRequest {
	return openaicompat.ChatRequest{
		Model: p.model,
		Messages: []openaicompat.Message{
			{Role: "system", Content: p.prompts.System(true)},
			{Role: "user", Content: p.prompts.User(q)},
		},
		ResponseFormat: &openaicompat.ResponseFormat{
			Type: "json_schema",
			JSONSchema: &openaicompat.JSONSchema{
				Name:   "answer_comments_with_choice_and_regen",
				Schema: commentary.Schema(),
			},
		},
	}
}

type createBatchRequest struct {
	InputFileID      string            `json:"input_file_id"`
	Endpoint         string            `json:"endpoint"`
	CompletionWindow string            `json:"completion_window"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type batchObject struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	InputFileID  string `json:"input_file_id"`
	OutputFileID string `json:"output_file_id"`
	ErrorFileID  string `json:"error_file_id"`
	Errors       *struct {
		Data []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"data"`
	} `json:"errors"`
}

func (p *Provider) Submit(ctx context.Context, questions []*models.Question) (models.Submission, error) {
	data, err := openaicompat.BuildJSONL(questions, openaicompat.ChatCompletionsEndpoint, p.request)
	if err != nil {
		return models.Submission{}, err
	}

	filename := fmt.Sprintf("ai-commentary-%d.jsonl", time.Now().UTC().Unix())
	fileID, err := p.client.UploadBatchFile(ctx, filename, data)
	if err != nil {
		return models.Submission{}, err
	}

	var batch batchObject
	err = p.client.PostJSON(ctx, "/batches", createBatchRequest{
		InputFileID:      fileID,
		Endpoint:         openaicompat.ChatCompletionsEndpoint,
		CompletionWindow: completionWindow,
		Metadata:         map[string]string{"job_type": "ai_commentary"},
	}, &batch)
	if err != nil {
		return models.Submission{}, err
	}

	p.logger.Info("openai batch created", "external_batch_id", batch.ID, "questions", len(questions), "input_file_id", fileID)
	return models.Submission{ExternalBatchID: batch.ID, InputRef: fileID}, nil
}

func (p *Provider) Poll(ctx context.Context, externalBatchID string) (models.PollResult, error) {
	var batch batchObject
	if err := p.client.GetJSON(ctx, "/batches/"+externalBatchID, &batch); err != nil {
		return models.PollResult{}, err
	}

	res := models.PollResult{
		Status:    mapStatus(batch.Status),
		RawStatus: batch.Status,
		OutputRef: batch.OutputFileID,
		ErrorRef:  batch.ErrorFileID,
	}
	switch res.Status {
	case models.BatchJobFailed, models.BatchJobExpired:
		res.Err = p.batchError(&batch)
	}
	return res, nil
}

func (p *Provider) batchError(b *batchObject) *models.ProviderError {
	pe := &models.ProviderError{Provider: models.ProviderOpenAI, Code: "batch_" + b.Status, Message: "batch ended with status " + b.Status}
	if b.Errors != nil && len(b.Errors.Data) > 0 {
		pe.Code = b.Errors.Data[0].Code
		pe.Message = b.Errors.Data[0].Message
	}
	return pe
}

// mapStatus folds the OpenAI batch vocabulary onto the BatchJob enum.
// Unknown statuses are treated as failures so a job never stays open forever.
func mapStatus(s string) models.BatchJobStatus {
	switch s {
	case "validating", "in_progress", "finalizing", "cancelling":
		return models.BatchJobInProgress
	case "completed":
		return models.BatchJobCompleted
	case "expired":
		return models.BatchJobExpired
	default:
		return models.BatchJobFailed
	}
}

func (p *Provider) FetchResults(ctx context.Context, ref string) ([]models.ResultItem, error) {
	data, err := p.client.Download(ctx, "/files/"+ref+"/content")
	if err != nil {
		return nil, err
	}
	items, skipped := openaicompat.ParseResults(models.ProviderOpenAI, data)
	for _, s := range skipped {
		p.logger.Warn("skipping unreadable batch result line", "provider", models.ProviderOpenAI, "file_id", ref, "detail", s)
	}
	return items, nil
}

var _ models.BatchProvider = (*Provider)(nil)
