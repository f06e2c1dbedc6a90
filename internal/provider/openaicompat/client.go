// Package openaicompat implements the OpenAI-compatible HTTP surface shared by
// every supported provider: chat completions, batch JSONL files and file upload.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
)

// maxErrorBody caps how much of an error response is kept in a ProviderError.
const maxErrorBody = 4096

// Client issues authenticated requests against one provider.
type Client struct {
	provider  models.ProviderName
	baseURL   string
	apiKey    string
	keyHeader string
	client    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKeyHeader sends the API key in the named header instead of a bearer
// Authorization header.
func WithAPIKeyHeader(name string) ClientOption {
	return func(c *Client) {
		c.keyHeader = name
	}
}

// NewClient creates a client for provider rooted at baseURL.
func NewClient(provider models.ProviderName, baseURL, apiKey string, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider returns the provider this client talks to.
func (c *Client) Provider() models.ProviderName { return c.provider }

// PostJSON sends in as a JSON body and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(body), out)
}

// GetJSON fetches path and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, "", nil, out)
}

// Download returns the raw body at path.
func (c *Client) Download(ctx context.Context, path string) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.do(ctx, http.MethodGet, path, "", nil, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type fileObject struct {
	ID string `json:"id"`
}

// UploadBatchFile uploads a JSONL batch input file and returns its file id.
func (c *Client) UploadBatchFile(ctx context.Context, filename string, data []byte) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("purpose", "batch"); err != nil {
		return "", fmt.Errorf("write purpose field: %w", err)
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart body: %w", err)
	}

	var f fileObject
	if err := c.do(ctx, http.MethodPost, "/files", w.FormDataContentType(), &body, &f); err != nil {
		return "", err
	}
	if f.ID == "" {
		return "", &models.ProviderError{Provider: c.provider, Message: "file upload returned no id"}
	}
	return f.ID, nil
}

// do performs the request. out may be nil, an io.Writer receiving the raw
// body, or a value to decode JSON into. All failures are *models.ProviderError.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &models.ProviderError{Provider: c.provider, Message: "build request", Err: err}
	}
	c.setHeaders(req, contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return transportError(c.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return ErrorFromResponse(c.provider, resp.StatusCode, raw)
	}

	switch dst := out.(type) {
	case nil:
		return nil
	case io.Writer:
		if _, err := io.Copy(dst, resp.Body); err != nil {
			return transportError(c.provider, err)
		}
		return nil
	default:
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return &models.ProviderError{
				Provider:   c.provider,
				StatusCode: resp.StatusCode,
				Code:       "invalid_response",
				Message:    "decode response body",
				Err:        err,
			}
		}
		return nil
	}
}

func (c *Client) setHeaders(req *http.Request, contentType string) {
	if c.keyHeader != "" {
		req.Header.Set(c.keyHeader, c.apiKey)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
}

// transportError wraps failures that never produced an HTTP response.
func transportError(provider models.ProviderName, err error) *models.ProviderError {
	pe := &models.ProviderError{Provider: provider, Transport: true, Err: err}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		pe.Message = "request timed out"
	case errors.Is(err, context.Canceled):
		pe.Message = "request cancelled"
	default:
		pe.Message = "provider unreachable"
	}
	return pe
}

// apiError covers the error envelopes the supported providers use:
// {"error": {"message", "type", "code"}}, Google's {"error": {"code",
// "message", "status"}}, {"error": "text"}, {"message": ...} and {"detail": ...}.
type apiError struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
	Code    json.RawMessage `json:"code"`
	Type    string          `json:"type"`
	Detail  json.RawMessage `json:"detail"`
}

type apiErrorBody struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Code    json.RawMessage `json:"code"`
	Status  string          `json:"status"`
}

// ErrorFromResponse converts a non-2xx response into a ProviderError without
// interpreting it; classification happens elsewhere.
func ErrorFromResponse(provider models.ProviderName, status int, body []byte) *models.ProviderError {
	pe := &models.ProviderError{Provider: provider, StatusCode: status}

	var env apiError
	if err := json.Unmarshal(body, &env); err != nil {
		pe.Message = strings.TrimSpace(string(body))
		if pe.Message == "" {
			pe.Message = http.StatusText(status)
		}
		return pe
	}

	if len(env.Error) > 0 && env.Error[0] == '{' {
		var inner apiErrorBody
		if err := json.Unmarshal(env.Error, &inner); err == nil {
			pe.Message = inner.Message
			pe.Code = firstNonEmpty(inner.Status, rawString(inner.Code), inner.Type)
		}
	} else if s := rawString(env.Error); s != "" {
		pe.Message = s
	}
	if pe.Message == "" {
		pe.Message = firstNonEmpty(env.Message, rawString(env.Detail))
	}
	if pe.Code == "" {
		pe.Code = firstNonEmpty(rawString(env.Code), env.Type)
	}
	if pe.Message == "" {
		pe.Message = http.StatusText(status)
	}
	return pe
}

// rawString renders a JSON scalar or object as plain text.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
