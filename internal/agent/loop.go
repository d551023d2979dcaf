// Package agent runs the infer → act → observe loop for one user turn:
// call the LLM, execute requested tools, feed results back, repeat until
// the model answers in plain text or the iteration budget runs out.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/hearth/internal/providers"
	"github.com/nextlevelbuilder/hearth/internal/sessions"
	"github.com/nextlevelbuilder/hearth/internal/store"
	"github.com/nextlevelbuilder/hearth/internal/tools"
	"github.com/nextlevelbuilder/hearth/pkg/protocol"
)

const defaultSystemPrompt = "You are a voice assistant that controls the user's devices. " +
	"Use search_skills to discover what the devices can do, describe_function to check an " +
	"exact signature, and python_exec to act. Keep spoken replies short and natural."

// Event is emitted during a run for the SSE writer. Fields carries the
// wire-format keys alongside "type" when the event is serialized.
type Event struct {
	Type   string
	Fields map[string]any
}

// Loop executes agent turns. Safe for concurrent use; per-session write
// ordering is the session service's job.
type Loop struct {
	provider      providers.Provider
	tools         *tools.Registry
	sessions      *sessions.Service
	maxIterations int
	turnDeadline  time.Duration
	systemPrompt  string
	logger        *slog.Logger
}

// LoopConfig configures a new Loop.
type LoopConfig struct {
	Provider      providers.Provider
	Tools         *tools.Registry
	Sessions      *sessions.Service
	MaxIterations int           // default 5
	TurnDeadline  time.Duration // default 60s, wall clock per turn
	SystemPrompt  string
	Logger        *slog.Logger
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 5
	}
	if cfg.TurnDeadline <= 0 {
		cfg.TurnDeadline = 60 * time.Second
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		provider:      cfg.Provider,
		tools:         cfg.Tools,
		sessions:      cfg.Sessions,
		maxIterations: cfg.MaxIterations,
		turnDeadline:  cfg.TurnDeadline,
		systemPrompt:  cfg.SystemPrompt,
		logger:        cfg.Logger,
	}
}

// RunRequest is one user turn.
type RunRequest struct {
	SessionID string
	UserID    string
	DeviceID  string // empty for plain API clients
	Message   string
	Model     string
	Stream    bool
	OnEvent   func(Event) // may be nil
}

// RunResult is the outcome of a completed turn.
type RunResult struct {
	Content    string           `json:"content"`
	Iterations int              `json:"iterations"`
	Usage      *providers.Usage `json:"usage,omitempty"`
}

// Run processes one turn. Exactly one done event is emitted, last, whether
// the turn succeeds or fails. Tool-level failures are fed to the LLM as
// results; only LLM transport failures abort the turn.
func (l *Loop) Run(ctx context.Context, req RunRequest) (result *RunResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, l.turnDeadline)
	defer cancel()

	emit := func(e Event) {
		if req.OnEvent != nil {
			req.OnEvent(e)
		}
	}
	defer func() {
		if err != nil {
			emit(Event{Type: protocol.SSEError, Fields: map[string]any{"error": err.Error()}})
		}
		emit(Event{Type: protocol.SSEDone})
	}()

	ctx = tools.WithCaller(ctx, tools.Caller{UserID: req.UserID, DeviceID: req.DeviceID})
	ctx = tools.WithTurnCache(ctx, tools.NewTurnCache())

	history, err := l.sessions.Messages(ctx, req.UserID, req.SessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	messages := make([]providers.Message, 0, len(history)+2)
	messages = append(messages, providers.Message{Role: "system", Content: l.systemPrompt})
	messages = append(messages, toProviderMessages(history)...)
	messages = append(messages, providers.Message{Role: "user", Content: req.Message})

	// Buffer transcript writes; flush after the run so concurrent turns
	// never observe a half-written exchange.
	pending := []*store.Message{{Role: "user", Content: req.Message}}

	var totalUsage providers.Usage
	var finalContent string
	iteration := 0
	exhausted := true

	for iteration < l.maxIterations {
		iteration++
		// Client disconnects cancel between LLM round-trips.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		resp, err := l.infer(ctx, req, messages)
		if err != nil {
			return nil, fmt.Errorf("llm call failed (iteration %d): %w", iteration, err)
		}
		totalUsage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			exhausted = false
			break
		}

		assistantMsg := providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistantMsg)
		pending = append(pending, storeAssistantMessage(assistantMsg))

		// Tools run sequentially in the order the model emitted them;
		// device skills are not assumed safe to run in parallel.
		for _, tc := range resp.ToolCalls {
			emit(Event{Type: protocol.SSEToolCallStarted, Fields: map[string]any{
				"tool_call_id": tc.ID, "tool_name": tc.Name, "arguments": tc.Arguments,
			}})

			res := l.tools.Execute(ctx, tc.Name, tc.Arguments)
			if res.IsError {
				l.logger.Warn("tool error", "tool", tc.Name, "error", res.ForLLM)
			}

			resultFields := map[string]any{
				"tool_call_id": tc.ID, "tool_name": tc.Name,
				"success": !res.IsError, "cached": res.Cached,
			}
			if res.IsError {
				resultFields["error"] = res.ForLLM
			} else {
				resultFields["result"] = res.ForLLM
			}
			emit(Event{Type: protocol.SSEToolCallResult, Fields: resultFields})

			toolMsg := providers.Message{Role: "tool", Content: res.ForLLM, ToolCallID: tc.ID}
			messages = append(messages, toolMsg)
			pending = append(pending, &store.Message{Role: "tool", Content: res.ForLLM, ToolCallID: tc.ID})
		}
	}

	if exhausted {
		finalContent = fmt.Sprintf(
			"I couldn't finish that within %d tool steps. Here's where I got to; please try a more specific request.",
			l.maxIterations)
	}
	if finalContent != "" {
		fields := map[string]any{"content": finalContent}
		if req.Model != "" {
			fields["model"] = req.Model
		}
		if totalUsage.TotalTokens > 0 {
			fields["usage"] = totalUsage
		}
		emit(Event{Type: protocol.SSEAssistantMessage, Fields: fields})
	}
	pending = append(pending, &store.Message{Role: "assistant", Content: finalContent})

	if err := l.sessions.AppendAll(ctx, req.SessionID, pending); err != nil {
		return nil, fmt.Errorf("persist transcript: %w", err)
	}

	return &RunResult{
		Content:    finalContent,
		Iterations: iteration,
		Usage:      &totalUsage,
	}, nil
}

func (l *Loop) infer(ctx context.Context, req RunRequest, messages []providers.Message) (*providers.ChatResponse, error) {
	chatReq := providers.ChatRequest{
		Messages: messages,
		Tools:    l.tools.ProviderDefs(),
		Model:    req.Model,
		Options: map[string]any{
			providers.OptMaxTokens:   4096,
			providers.OptTemperature: 0.7,
		},
	}
	if req.Stream {
		// Chunk granularity stays internal; listeners get whole
		// assistant_message events.
		return l.provider.ChatStream(ctx, chatReq, nil)
	}
	return l.provider.Chat(ctx, chatReq)
}

// toProviderMessages rebuilds LLM messages from transcript rows, including
// the tool-call JSON persisted on assistant rows.
func toProviderMessages(history []store.Message) []providers.Message {
	out := make([]providers.Message, 0, len(history))
	for _, m := range history {
		pm := providers.Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		if m.ToolCalls != "" {
			json.Unmarshal([]byte(m.ToolCalls), &pm.ToolCalls)
		}
		out = append(out, pm)
	}
	return out
}

func storeAssistantMessage(m providers.Message) *store.Message {
	row := &store.Message{Role: m.Role, Content: m.Content}
	if len(m.ToolCalls) > 0 {
		data, err := json.Marshal(m.ToolCalls)
		if err == nil {
			row.ToolCalls = string(data)
		}
	}
	return row
}
