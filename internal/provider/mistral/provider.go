// Package mistral adapts the Mistral batch jobs API to models.BatchProvider.
package mistral

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jeskokaiser/altfragen-io-backend/internal/config"
	"github.com/jeskokaiser/altfragen-io-backend/internal/prompts"
	"github.com/jeskokaiser/altfragen-io-backend/internal/provider/openaicompat"
	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
)

const maxTokens = 4096

// Provider implements models.BatchProvider using Mistral.
type Provider struct {
	client  *openaicompat.Client
	model   string
	prompts *prompts.Catalogue
	logger  *slog.Logger
}

func NewProvider(cfg config.ProviderConfig, timeout time.Duration, catalogue *prompts.Catalogue, logger *slog.Logger) *Provider {
	return &Provider{
		client:  openaicompat.NewClient(models.ProviderMistral, cfg.BaseURL, cfg.APIKey, timeout),
		model:   cfg.Model,
		prompts: catalogue,
		logger:  logger,
	}
}

func (p *Provider) Name() models.ProviderName { return models.ProviderMistral }

func (p *Provider) Model() string { return p.model }

// Lines carry no model; the job sets it for every request.
func (p *Provider) request(q *models.Question) openaicompat.ChatRequest {
	return openaicompat.ChatRequest{
		Messages: []openaicompat.Message{
			{Role: "system", Content: p.prompts.System(false)},
			{Role: "user", Content: p.prompts.User(q)},
		},
		MaxTokens:      maxTokens,
		ResponseFormat: &openaicompat.ResponseFormat{Type: "json_object"},
	}
}

type createJobRequest struct {
	InputFiles []string          `json:"input_files"`
	Model      string            `json:"model"`
	Endpoint   string            `json:"endpoint"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type jobObject struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	OutputFile string `json:"output_file"`
	ErrorFile  string `json:"error_file"`
	Errors     []struct {
		Message string `json:"message"`
		Count   int    `json:"count"`
	} `json:"errors"`
}

func (p *Provider) Submit(ctx context.Context, questions []*models.Question) (models.Submission, error) {
	data, err := openaicompat.BuildJSONL(questions, "", p.request)
	if err != nil {
		return models.Submission{}, err
	}

	filename := fmt.Sprintf("ai-commentary-%d.jsonl", time.Now().UTC().Unix())
	fileID, err := p.client.UploadBatchFile(ctx, filename, data)
	if err != nil {
		return models.Submission{}, err
	}

	var job jobObject
	err = p.client.PostJSON(ctx, "/batch/jobs", createJobRequest{
		InputFiles: []string{fileID},
		Model:      p.model,
		Endpoint:   openaicompat.ChatCompletionsEndpoint,
		Metadata:   map[string]string{"job_type": "ai_commentary"},
	}, &job)
	if err != nil {
		return models.Submission{}, err
	}

	p.logger.Info("mistral batch job created", "external_batch_id", job.ID, "questions", len(questions), "input_file_id", fileID)
	return models.Submission{ExternalBatchID: job.ID, InputRef: fileID}, nil
}

func (p *Provider) Poll(ctx context.Context, externalBatchID string) (models.PollResult, error) {
	var job jobObject
	if err := p.client.GetJSON(ctx, "/batch/jobs/"+externalBatchID, &job); err != nil {
		return models.PollResult{}, err
	}

	res := models.PollResult{
		Status:    mapStatus(job.Status),
		RawStatus: job.Status,
		OutputRef: job.OutputFile,
		ErrorRef:  job.ErrorFile,
	}
	if res.Status == models.BatchJobFailed || res.Status == models.BatchJobExpired {
		pe := &models.ProviderError{Provider: models.ProviderMistral, Code: job.Status, Message: "batch job ended with status " + job.Status}
		if len(job.Errors) > 0 && job.Errors[0].Message != "" {
			pe.Message = job.Errors[0].Message
		}
		res.Err = pe
	}
	return res, nil
}

func mapStatus(s string) models.BatchJobStatus {
	switch s {
	case "QUEUED", "RUNNING", "CANCELLATION_REQUESTED":
		return models.BatchJobInProgress
	case "SUCCESS":
		return models.BatchJobCompleted
	case "TIMEOUT_EXCEEDED":
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
	items, skipped := openaicompat.ParseResults(models.ProviderMistral, data)
	for _, s := range skipped {
		p.logger.Warn("skipping unreadable batch result line", "provider", models.ProviderMistral, "file_id", ref, "detail", s)
	}
	return items, nil
}

var _ models.BatchProvider = (*Provider)(nil)
