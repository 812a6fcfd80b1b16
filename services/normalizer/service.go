package normalizer

import (
	"encoding/json"
	"strings"

	"github.com/agentsim/decisiond/models"
	"github.com/agentsim/decisiond/services"
)

// Service extracts a candidate structured payload from raw backend text
// and reports whether it is well-formed against the decision schema.
// The queue treats a malformed result as an attempt failure.
type Service struct{}

// NewService creates a new response normalizer
func NewService() *Service {
	return &Service{}
}

// Parse returns the first JSON object found in raw after stripping any
// reasoning block, validated against the schema's required fields.
func (s *Service) Parse(raw string, schema models.DecisionSchema) (json.RawMessage, error) {
	text := stripThinking(raw)

	payload, ok := extractJSONObject(text)
	if !ok {
		return nil, services.NewDomainError(services.ErrorTypeMalformedOutput, "no JSON object in backend output", nil).
			WithDetail("schema", schema.Name)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, services.NewDomainError(services.ErrorTypeMalformedOutput, "backend output is not a JSON object", err).
			WithDetail("schema", schema.Name)
	}

	for _, required := range schema.Required {
		value, present := fields[required]
		if !present || string(value) == "null" {
			return nil, services.NewDomainError(services.ErrorTypeMalformedOutput, "required field missing from backend output", nil).
				WithDetail("schema", schema.Name).
				WithDetail("field", required)
		}
	}

	return payload, nil
}

// stripThinking removes <think>...</think> blocks that reasoning models
// emit before the answer.
func stripThinking(raw string) string {
	if !strings.Contains(raw, "<think>") {
		return raw
	}
	if idx := strings.LastIndex(raw, "</think>"); idx >= 0 {
		return strings.TrimSpace(raw[idx+len("</think>"):])
	}
	return raw
}

// extractJSONObject finds the first balanced JSON object in text. Using a
// decoder rather than a regex keeps nested objects intact.
func extractJSONObject(text string) (json.RawMessage, bool) {
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var candidate json.RawMessage
		if err := dec.Decode(&candidate); err == nil {
			return candidate, true
		}
	}
	return nil, false
}
