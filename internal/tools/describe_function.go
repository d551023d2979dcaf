package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/hearth/internal/registry"
)

const defaultDescribeFunctionTimeout = 5 * time.Second

// DescribeFunctionTool returns the full signature and docstring for one
// skill path so the LLM can construct a correct call.
type DescribeFunctionTool struct {
	registry *registry.Registry
	timeout  time.Duration
}

// NewDescribeFunctionTool builds the tool. timeout <= 0 falls back to 5s.
func NewDescribeFunctionTool(reg *registry.Registry, timeout time.Duration) *DescribeFunctionTool {
	if timeout <= 0 {
		timeout = defaultDescribeFunctionTimeout
	}
	return &DescribeFunctionTool{registry: reg, timeout: timeout}
}

func (t *DescribeFunctionTool) Name() string { return "describe_function" }

func (t *DescribeFunctionTool) Description() string {
	return "Get the exact signature and documentation for a skill returned by search_skills. " +
		"Path is Device.Class.method, or Class.method when the user has a single device."
}

func (t *DescribeFunctionTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Skill path, e.g. kitchen.Lights.turn_on",
			},
		},
		"required": []string{"path"},
	}
}

func (t *DescribeFunctionTool) Timeout() time.Duration { return t.timeout }

func (t *DescribeFunctionTool) Execute(ctx context.Context, args map[string]any) *Result {
	caller, ok := CallerFrom(ctx)
	if !ok {
		return ErrorResult("no caller identity on request")
	}
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}

	sk, err := t.registry.Describe(ctx, caller.UserID, path)
	if err != nil {
		if errors.Is(err, registry.ErrSkillNotFound) {
			return ErrorResult(fmt.Sprintf("no live skill at %q; try search_skills first", path))
		}
		return ErrorResult(fmt.Sprintf("describe failed: %v", err)).WithError(err)
	}

	out := map[string]any{
		"path":      path,
		"signature": sk.Signature,
	}
	if sk.Docstring != "" {
		out["docstring"] = sk.Docstring
	}
	if sk.ClassSummary != "" {
		out["class_summary"] = sk.ClassSummary
	}
	data, _ := json.Marshal(out)
	return NewResult(string(data))
}
