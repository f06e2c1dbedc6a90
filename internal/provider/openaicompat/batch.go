package openaicompat

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jeskokaiser/altfragen-io-backend/internal/commentary"
	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
)

const customIDPrefix = "q-"

// ChatCompletionsEndpoint is the target URL recorded in each batch line.
const ChatCompletionsEndpoint = "/v1/chat/completions"

// CustomID maps a question id to the batch line identifier.
func CustomID(id uuid.UUID) string {
	return customIDPrefix + id.String()
}

// ParseCustomID reverses CustomID.
func ParseCustomID(s string) (uuid.UUID, error) {
	if !strings.HasPrefix(s, customIDPrefix) {
		return uuid.Nil, fmt.Errorf("unexpected custom_id %q", s)
	}
	return uuid.Parse(strings.TrimPrefix(s, customIDPrefix))
}

// BatchLine is one request in a JSONL batch input file.
type BatchLine struct {
	CustomID string      `json:"custom_id"`
	Method   string      `json:"method,omitempty"`
	URL      string      `json:"url,omitempty"`
	Body     ChatRequest `json:"body"`
}

// BuildJSONL renders one batch line per question. When endpoint is empty the
// method and url fields are omitted, for providers that set them per job.
func BuildJSONL(questions []*models.Question, endpoint string, build func(*models.Question) ChatRequest) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, q := range questions {
		line := BatchLine{CustomID: CustomID(q.ID), Body: build(q)}
		if endpoint != "" {
			line.Method = http.MethodPost
			line.URL = endpoint
		}
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("encode batch line for %s: %w", q.ID, err)
		}
	}
	return buf.Bytes(), nil
}

type resultLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error json.RawMessage `json:"error"`
}

// ParseResults splits a batch output or error file into per-question items.
// Lines that cannot be attributed to a question are skipped and returned as
// the second value so callers can log them.
func ParseResults(provider models.ProviderName, data []byte) ([]models.ResultItem, []string) {
	var (
		items   []models.ResultItem
		skipped []string
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rl resultLine
		if err := json.Unmarshal(line, &rl); err != nil {
			skipped = append(skipped, fmt.Sprintf("line %d: %v", n, err))
			continue
		}
		qid, err := ParseCustomID(rl.CustomID)
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("line %d: %v", n, err))
			continue
		}
		items = append(items, parseResultLine(provider, qid, &rl))
	}
	if err := sc.Err(); err != nil {
		skipped = append(skipped, err.Error())
	}
	return items, skipped
}

func parseResultLine(provider models.ProviderName, qid uuid.UUID, rl *resultLine) models.ResultItem {
	item := models.ResultItem{QuestionID: qid}

	if len(rl.Error) > 0 && string(rl.Error) != "null" {
		status := 0
		if rl.Response != nil {
			status = rl.Response.StatusCode
		}
		item.Err = ErrorFromResponse(provider, status, wrapError(rl.Error))
		return item
	}
	if rl.Response == nil {
		item.Err = &models.ProviderError{Provider: provider, Code: "invalid_response", Message: "result line has no response"}
		return item
	}
	if rl.Response.StatusCode < 200 || rl.Response.StatusCode >= 300 {
		item.Err = ErrorFromResponse(provider, rl.Response.StatusCode, rl.Response.Body)
		return item
	}

	var chat ChatResponse
	if err := json.Unmarshal(rl.Response.Body, &chat); err != nil {
		item.Err = &models.ProviderError{Provider: provider, Code: "invalid_response", Message: "decode result body", Err: err}
		return item
	}
	content, ok := chat.Content()
	if !ok {
		item.Err = &models.ProviderError{Provider: provider, Code: "invalid_response", Message: "result has no content"}
		return item
	}
	c, err := commentary.Parse(content)
	if err != nil {
		item.Err = InvalidPayload(provider, err)
		return item
	}
	item.Commentary = &c
	return item
}

// wrapError turns a per-line error value into the {"error": ...} envelope
// ErrorFromResponse understands.
func wrapError(raw json.RawMessage) []byte {
	b, _ := json.Marshal(map[string]json.RawMessage{"error": raw})
	return b
}

// InvalidPayload reports model output that failed commentary validation.
func InvalidPayload(provider models.ProviderName, err error) *models.ProviderError {
	return &models.ProviderError{Provider: provider, Code: "invalid_payload", Message: err.Error(), Err: err}
}
