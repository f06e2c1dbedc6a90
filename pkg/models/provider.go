// Package models contains shared data models used across the commentary engine.
package models

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ProviderName identifies one member of the closed provider set.
type ProviderName string

const (
	ProviderOpenAI     ProviderName = "openai"
	ProviderMistral    ProviderName = "mistral"
	ProviderGemini     ProviderName = "gemini"
	ProviderPerplexity ProviderName = "perplexity"
	ProviderDeepSeek   ProviderName = "deepseek"
)

// ProviderKind separates asynchronous batch APIs from synchronous instant APIs.
type ProviderKind int

const (
	KindUnknown ProviderKind = iota
	KindBatch
	KindInstant
)

func (k ProviderKind) String() string {
	switch k {
	case KindBatch:
		return "batch"
	case KindInstant:
		return "instant"
	default:
		return "unknown"
	}
}

// AllProviders returns every supported provider in canonical order.
func AllProviders() []ProviderName {
	return []ProviderName{ProviderOpenAI, ProviderMistral, ProviderGemini, ProviderPerplexity, ProviderDeepSeek}
}

// Kind returns the capability set the provider implements.
func (p ProviderName) Kind() ProviderKind {
	switch p {
	case ProviderOpenAI, ProviderMistral, ProviderGemini:
		return KindBatch
	case ProviderPerplexity, ProviderDeepSeek:
		return KindInstant
	default:
		return KindUnknown
	}
}

// ParseProviderName normalises s and rejects names outside the provider set.
func ParseProviderName(s string) (ProviderName, error) {
	p := ProviderName(strings.ToLower(strings.TrimSpace(s)))
	if p.Kind() == KindUnknown {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return p, nil
}

// BatchProvider is implemented by providers with an asynchronous
// submit -> poll -> fetch-results lifecycle. Adapters never classify errors;
// every provider failure is returned as *ProviderError.
type BatchProvider interface {
	Name() ProviderName
	Model() string
	// Submit uploads one request per question and starts a batch.
	Submit(ctx context.Context, questions []*Question) (Submission, error)
	// Poll reports the batch status mapped onto the BatchJob status enum.
	Poll(ctx context.Context, externalBatchID string) (PollResult, error)
	// FetchResults downloads an output or error file and splits it per question.
	FetchResults(ctx context.Context, ref string) ([]ResultItem, error)
}

// InstantProvider is implemented by providers answering one question per call.
type InstantProvider interface {
	Name() ProviderName
	Model() string
	Invoke(ctx context.Context, question *Question) (Commentary, error)
}

// Submission is what a batch provider hands back after accepting a batch.
type Submission struct {
	ExternalBatchID string
	InputRef        string
}

// PollResult is a batch status snapshot. Err carries the provider's own
// explanation when the batch ended without results.
type PollResult struct {
	Status    BatchJobStatus
	RawStatus string
	OutputRef string
	ErrorRef  string
	Err       *ProviderError
}

// ResultItem is the outcome for a single question inside a batch result file.
// Exactly one of Commentary and Err is set.
type ResultItem struct {
	QuestionID uuid.UUID
	Commentary *Commentary
	Err        *ProviderError
}

// ProviderError is the single error shape adapters return for provider failures.
type ProviderError struct {
	Provider   ProviderName
	StatusCode int    // HTTP status, 0 when no response was received
	Code       string // provider machine code, e.g. "insufficient_quota"
	Message    string
	Transport  bool // the request never produced an HTTP response
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Provider))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, ": %s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil && e.Message == "" {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }
