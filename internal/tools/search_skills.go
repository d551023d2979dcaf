package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/hearth/internal/registry"
)

const defaultSearchSkillsTimeout = 5 * time.Second

// SearchSkillsTool lets the LLM discover what the user's devices can do.
type SearchSkillsTool struct {
	registry *registry.Registry
	timeout  time.Duration
}

// NewSearchSkillsTool builds the tool. timeout <= 0 falls back to 5s.
func NewSearchSkillsTool(reg *registry.Registry, timeout time.Duration) *SearchSkillsTool {
	if timeout <= 0 {
		timeout = defaultSearchSkillsTimeout
	}
	return &SearchSkillsTool{registry: reg, timeout: timeout}
}

func (t *SearchSkillsTool) Name() string { return "search_skills" }

func (t *SearchSkillsTool) Description() string {
	return "Search the user's device skills by keyword. Returns matching functions with their " +
		"paths, signatures and hosting devices. Call with an empty query to list everything."
}

func (t *SearchSkillsTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Keywords describing the capability, e.g. 'lights' or 'temperature'",
			},
		},
		"required": []string{"query"},
	}
}

func (t *SearchSkillsTool) Timeout() time.Duration { return t.timeout }

func (t *SearchSkillsTool) Execute(ctx context.Context, args map[string]any) *Result {
	caller, ok := CallerFrom(ctx)
	if !ok {
		return ErrorResult("no caller identity on request")
	}
	query, _ := args["query"].(string)

	hits, err := t.registry.Search(ctx, caller.UserID, query, caller.DeviceID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("skill search failed: %v", err)).WithError(err)
	}
	if len(hits) == 0 {
		return NewResult("No matching skills found. The user may have no devices online.")
	}

	type hitJSON struct {
		Path      string   `json:"path"`
		Signature string   `json:"signature"`
		Summary   string   `json:"summary,omitempty"`
		Devices   []string `json:"devices"`
	}
	out := make([]hitJSON, len(hits))
	for i, h := range hits {
		out[i] = hitJSON{Path: h.Path, Signature: h.Signature, Summary: h.Summary, Devices: h.Devices}
	}
	data, _ := json.Marshal(out)
	return NewResult(string(data))
}
