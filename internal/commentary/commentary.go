// Package commentary turns raw model output into a validated models.Commentary.
package commentary

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidPayload is returned when model output cannot be turned into a commentary.
var ErrInvalidPayload = errors.New("invalid commentary payload")

// Placeholder stored for comment fields the model left out.
const MissingComment = "Keine Bewertung verfügbar."

//go:embed schema.json
var schemaJSON []byte

var schema = mustCompile(schemaJSON)

var commentFields = []string{"general_comment", "comment_a", "comment_b", "comment_c", "comment_d", "comment_e"}

func mustCompile(src []byte) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("commentary.json", bytes.NewReader(src)); err != nil {
		panic(fmt.Sprintf("add commentary schema: %v", err))
	}
	return compiler.MustCompile("commentary.json")
}

// Schema returns the commentary JSON schema as a generic map, suitable for
// structured-output request parameters.
func Schema() map[string]any {
	var m map[string]any
	if err := json.Unmarshal(schemaJSON, &m); err != nil {
		panic(fmt.Sprintf("decode commentary schema: %v", err))
	}
	return m
}

// Parse extracts the JSON object from content, fills missing comment fields
// with MissingComment, normalises chosen_answer and validates the result.
func Parse(content string) (models.Commentary, error) {
	raw, err := extractObject(content)
	if err != nil {
		return models.Commentary{}, err
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return models.Commentary{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	for _, field := range commentFields {
		if v, ok := doc[field]; !ok || v == nil || v == "" {
			doc[field] = MissingComment
		}
	}
	switch v := doc["chosen_answer"].(type) {
	case nil:
		doc["chosen_answer"] = ""
	case string:
		doc["chosen_answer"] = normaliseAnswer(v)
	}
	for k, v := range doc {
		if v == nil {
			delete(doc, k)
		}
	}

	if err := schema.Validate(doc); err != nil {
		return models.Commentary{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return models.Commentary{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var c models.Commentary
	if err := json.Unmarshal(b, &c); err != nil {
		return models.Commentary{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return c, nil
}

func normaliseAnswer(s string) string {
	s = strings.Trim(strings.ToUpper(s), "().: ")
	if len(s) == 1 && s[0] >= 'A' && s[0] <= 'E' {
		return s
	}
	return ""
}

// extractObject strips markdown fences and returns the outermost JSON object.
func extractObject(content string) (string, error) {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return "", fmt.Errorf("%w: no JSON object in model output", ErrInvalidPayload)
	}
	return s[start : end+1], nil
}
