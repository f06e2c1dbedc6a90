// Package gemini adapts the Gemini Batch API to models.BatchProvider.
// Requests are submitted inline; results come back inline on the batch or,
// for large batches, as a JSONL responses file.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jeskokaiser/altfragen-io-backend/internal/commentary"
	"github.com/jeskokaiser/altfragen-io-backend/internal/config"
	"github.com/jeskokaiser/altfragen-io-backend/internal/prompts"
	"github.com/jeskokaiser/altfragen-io-backend/internal/provider/openaicompat"
	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
)

const (
	apiVersion  = "/v1beta"
	keyHeader   = "x-goog-api-key"
	displayName = "ai_commentary_gemini"
	batchPrefix = "batches/"
	filePrefix  = "files/"
)

// Provider implements models.BatchProvider using Gemini.
type Provider struct {
	client  *openaicompat.Client
	model   string
	prompts *prompts.Catalogue
	logger  *slog.Logger
}

func NewProvider(cfg config.ProviderConfig, timeout time.Duration, catalogue *prompts.Catalogue, logger *slog.Logger) *Provider {
	return &Provider{
		client:  openaicompat.NewClient(models.ProviderGemini, cfg.BaseURL, cfg.APIKey, timeout, openaicompat.WithAPIKeyHeader(keyHeader)),
		model:   strings.TrimPrefix(cfg.Model, "models/"),
		prompts: catalogue,
		logger:  logger,
	}
}

func (p *Provider) Name() models.ProviderName { return models.ProviderGemini }

func (p *Provider) Model() string { return p.model }

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	ResponseMIMEType string         `json:"responseMimeType"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type generateRequest struct {
	Contents          []content        `json:"contents"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type inlinedRequest struct {
	Request  generateRequest   `json:"request"`
	Metadata map[string]string `json:"metadata"`
}

type createBatchRequest struct {
	Batch struct {
		DisplayName string `json:"displayName"`
		InputConfig struct {
			Requests struct {
				Requests []inlinedRequest `json:"requests"`
			} `json:"requests"`
		} `json:"inputConfig"`
	} `json:"batch"`
}

// rpcStatus is google.rpc.Status as it appears on operations and items.
type rpcStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type operation struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	Metadata struct {
		Name  string `json:"name"`
		State string `json:"state"`
	} `json:"metadata"`
	Response *struct {
		ResponsesFile    string `json:"responsesFile"`
		InlinedResponses *struct {
			InlinedResponses []resultRecord `json:"inlinedResponses"`
		} `json:"inlinedResponses"`
	} `json:"response"`
	Error *rpcStatus `json:"error"`
}

// resultRecord is one result, either inlined on the batch (keyed through
// metadata) or a line of the responses file (keyed directly).
type resultRecord struct {
	Key      string            `json:"key"`
	Metadata map[string]any    `json:"metadata"`
	Response *generateResponse `json:"response"`
	Error    *rpcStatus        `json:"error"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func (r *generateResponse) text() (string, bool) {
	if len(r.Candidates) == 0 {
		return "", false
	}
	var b strings.Builder
	for _, pt := range r.Candidates[0].Content.Parts {
		b.WriteString(pt.Text)
	}
	return b.String(), b.Len() > 0
}

func (p *Provider) request(q *models.Question) generateRequest {
	return generateRequest{
		Contents:          []content{{Role: "user", Parts: []part{{Text: p.prompts.User(q)}}}},
		SystemInstruction: &content{Parts: []part{{Text: p.prompts.System(true)}}},
		GenerationConfig: generationConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   responseSchema(),
		},
	}
}

// responseSchema adapts the commentary schema to the OpenAPI subset Gemini
// accepts: upper-case type names and no pattern keyword.
func responseSchema() map[string]any {
	s := commentary.Schema()
	s["type"] = "OBJECT"
	props, _ := s["properties"].(map[string]any)
	for _, v := range props {
		prop, ok := v.(map[string]any)
		if !ok {
			continue
		}
		delete(prop, "pattern")
		if t, ok := prop["type"].(string); ok {
			prop["type"] = strings.ToUpper(t)
		}
	}
	return s
}

func (p *Provider) Submit(ctx context.Context, questions []*models.Question) (models.Submission, error) {
	var req createBatchRequest
	req.Batch.DisplayName = displayName
	reqs := make([]inlinedRequest, 0, len(questions))
	for _, q := range questions {
		reqs = append(reqs, inlinedRequest{
			Request:  p.request(q),
			Metadata: map[string]string{"key": openaicompat.CustomID(q.ID)},
		})
	}
	req.Batch.InputConfig.Requests.Requests = reqs

	var op operation
	if err := p.client.PostJSON(ctx, apiVersion+"/models/"+p.model+":batchGenerateContent", req, &op); err != nil {
		return models.Submission{}, err
	}
	name := op.Metadata.Name
	if name == "" {
		name = op.Name
	}
	if name == "" {
		return models.Submission{}, &models.ProviderError{Provider: models.ProviderGemini, Code: "invalid_response", Message: "batch create returned no name"}
	}

	p.logger.Info("gemini batch created", "external_batch_id", name, "questions", len(questions))
	return models.Submission{ExternalBatchID: name}, nil
}

func batchPath(name string) string {
	if !strings.HasPrefix(name, batchPrefix) {
		name = batchPrefix + name
	}
	return apiVersion + "/" + name
}

func (p *Provider) Poll(ctx context.Context, externalBatchID string) (models.PollResult, error) {
	var op operation
	if err := p.client.GetJSON(ctx, batchPath(externalBatchID), &op); err != nil {
		return models.PollResult{}, err
	}

	state := op.Metadata.State
	res := models.PollResult{Status: mapState(state), RawStatus: state}
	if res.Status == models.BatchJobInProgress && op.Done && op.Error != nil {
		res.Status = models.BatchJobFailed
	}

	switch res.Status {
	case models.BatchJobCompleted:
		res.OutputRef = externalBatchID
		if op.Response != nil && op.Response.ResponsesFile != "" {
			res.OutputRef = op.Response.ResponsesFile
		}
	case models.BatchJobFailed, models.BatchJobExpired:
		pe := &models.ProviderError{Provider: models.ProviderGemini, Code: state, Message: "batch ended with state " + state}
		if op.Error != nil {
			pe = statusError(op.Error)
		}
		res.Err = pe
	}
	return res, nil
}

// mapState accepts both the REST BATCH_STATE_* names and the JOB_STATE_*
// names the SDKs report.
func mapState(s string) models.BatchJobStatus {
	name := strings.TrimPrefix(strings.TrimPrefix(s, "BATCH_STATE_"), "JOB_STATE_")
	switch name {
	case "", "UNSPECIFIED", "PENDING", "QUEUED", "RUNNING":
		return models.BatchJobInProgress
	case "SUCCEEDED":
		return models.BatchJobCompleted
	case "EXPIRED":
		return models.BatchJobExpired
	default:
		return models.BatchJobFailed
	}
}

// rpcCodes maps the google.rpc codes a batch can report to their names and
// HTTP equivalents so classification sees the same shape as a response error.
var rpcCodes = map[int]struct {
	name string
	http int
}{
	3:  {"INVALID_ARGUMENT", http.StatusBadRequest},
	4:  {"DEADLINE_EXCEEDED", http.StatusGatewayTimeout},
	7:  {"PERMISSION_DENIED", http.StatusForbidden},
	8:  {"RESOURCE_EXHAUSTED", http.StatusTooManyRequests},
	13: {"INTERNAL", http.StatusInternalServerError},
	14: {"UNAVAILABLE", http.StatusServiceUnavailable},
}

func statusError(st *rpcStatus) *models.ProviderError {
	pe := &models.ProviderError{Provider: models.ProviderGemini, Message: st.Message}
	if c, ok := rpcCodes[st.Code]; ok {
		pe.Code = c.name
		pe.StatusCode = c.http
	} else if st.Code != 0 {
		pe.Code = fmt.Sprintf("rpc_%d", st.Code)
	}
	if pe.Message == "" {
		pe.Message = "batch request failed"
	}
	return pe
}

// FetchResults reads inline results from the batch itself, or downloads the
// responses file when ref names one.
func (p *Provider) FetchResults(ctx context.Context, ref string) ([]models.ResultItem, error) {
	var records []resultRecord
	if strings.HasPrefix(ref, filePrefix) {
		data, err := p.client.Download(ctx, "/download"+apiVersion+"/"+ref+":download?alt=media")
		if err != nil {
			return nil, err
		}
		var skipped []string
		records, skipped = splitLines(data)
		for _, s := range skipped {
			p.logger.Warn("skipping unreadable batch result line", "provider", models.ProviderGemini, "file", ref, "detail", s)
		}
	} else {
		var op operation
		if err := p.client.GetJSON(ctx, batchPath(ref), &op); err != nil {
			return nil, err
		}
		if op.Response != nil && op.Response.InlinedResponses != nil {
			records = op.Response.InlinedResponses.InlinedResponses
		}
	}

	items := make([]models.ResultItem, 0, len(records))
	for i, rec := range records {
		qid, err := openaicompat.ParseCustomID(rec.key())
		if err != nil {
			p.logger.Warn("skipping batch result without question key", "provider", models.ProviderGemini, "ref", ref, "index", i, "error", err)
			continue
		}
		item := models.ResultItem{QuestionID: qid}
		c, pe := rec.commentary()
		if pe != nil {
			item.Err = pe
		} else {
			item.Commentary = &c
		}
		items = append(items, item)
	}
	return items, nil
}

func (r *resultRecord) key() string {
	if r.Key != "" {
		return r.Key
	}
	k, _ := r.Metadata["key"].(string)
	return k
}

func (r *resultRecord) commentary() (models.Commentary, *models.ProviderError) {
	if r.Error != nil {
		return models.Commentary{}, statusError(r.Error)
	}
	if r.Response == nil {
		return models.Commentary{}, &models.ProviderError{Provider: models.ProviderGemini, Code: "invalid_response", Message: "result has no response"}
	}
	text, ok := r.Response.text()
	if !ok {
		if fb := r.Response.PromptFeedback; fb != nil && fb.BlockReason != "" {
			return models.Commentary{}, &models.ProviderError{Provider: models.ProviderGemini, Code: "prompt_blocked", Message: "prompt blocked: " + fb.BlockReason}
		}
		return models.Commentary{}, &models.ProviderError{Provider: models.ProviderGemini, Code: "invalid_response", Message: "result has no content"}
	}
	c, err := commentary.Parse(text)
	if err != nil {
		return models.Commentary{}, openaicompat.InvalidPayload(models.ProviderGemini, err)
	}
	return c, nil
}

func splitLines(data []byte) ([]resultRecord, []string) {
	var (
		records []resultRecord
		skipped []string
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec resultRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped = append(skipped, fmt.Sprintf("line %d: %v", n, err))
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		skipped = append(skipped, err.Error())
	}
	return records, skipped
}

var _ models.BatchProvider = (*Provider)(nil)
