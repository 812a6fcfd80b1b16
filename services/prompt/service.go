package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentsim/decisiond/models"
	"github.com/agentsim/decisiond/services"
)

// Service renders an agent context and a decision schema into
// backend-ready prompt text. Rendering is a pure function with no I/O.
type Service struct{}

// NewService creates a new prompt templater
func NewService() *Service {
	return &Service{}
}

// Render builds the prompt text for one decision request. Fails only on
// structurally unusable input (empty observation and state).
func (s *Service) Render(ctx models.AgentContext, schema models.DecisionSchema) (string, error) {
	if ctx.Observation == "" && len(ctx.State) == 0 {
		return "", services.NewDomainError(services.ErrorTypeValidation, "agent context has no observation or state", nil)
	}

	var b strings.Builder

	b.WriteString("You are an autonomous agent in a simulated world. ")
	b.WriteString("Decide your next action based on the observation below.\n\n")

	if ctx.Observation != "" {
		b.WriteString("Observation:\n")
		b.WriteString(ctx.Observation)
		b.WriteString("\n\n")
	}

	if len(ctx.State) > 0 {
		b.WriteString("State:\n")
		for _, key := range sortedKeys(ctx.State) {
			fmt.Fprintf(&b, "- %s: %s\n", key, ctx.State[key])
		}
		b.WriteString("\n")
	}

	if schema.Instruction != "" {
		b.WriteString(schema.Instruction)
		b.WriteString("\n\n")
	}

	b.WriteString("Respond with a single JSON object")
	if len(schema.Required) > 0 {
		fmt.Fprintf(&b, " containing the fields %s", quoteJoin(schema.Required))
	}
	b.WriteString(". Do not include any text outside the JSON object. Be decisive.")

	return b.String(), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func quoteJoin(fields []string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + f + `"`
	}
	return strings.Join(quoted, ", ")
}
