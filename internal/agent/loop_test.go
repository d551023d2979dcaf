package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/hearth/internal/providers"
	"github.com/nextlevelbuilder/hearth/internal/sessions"
	"github.com/nextlevelbuilder/hearth/internal/store"
	"github.com/nextlevelbuilder/hearth/internal/store/memstore"
	"github.com/nextlevelbuilder/hearth/internal/tools"
	"github.com/nextlevelbuilder/hearth/pkg/protocol"
)

// scriptedProvider replays canned responses and records every request.
type scriptedProvider struct {
	mu       sync.Mutex
	script   []*providers.ChatResponse
	err      error // returned once the script is exhausted
	requests []providers.ChatRequest
}

func (p *scriptedProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.script) == 0 {
		if p.err != nil {
			return nil, p.err
		}
		return &providers.ChatResponse{Content: "done", FinishReason: "stop"}, nil
	}
	resp := p.script[0]
	p.script = p.script[1:]
	return resp, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, _ func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *scriptedProvider) DefaultModel() string { return "scripted" }
func (p *scriptedProvider) Name() string         { return "scripted" }

// echoTool records invocations and returns a fixed result.
type echoTool struct {
	mu      sync.Mutex
	calls   []map[string]any
	failing bool
}

func (t *echoTool) Name() string               { return "echo" }
func (t *echoTool) Description() string        { return "echoes" }
func (t *echoTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (t *echoTool) Timeout() time.Duration     { return time.Second }

func (t *echoTool) Execute(_ context.Context, args map[string]any) *tools.Result {
	t.mu.Lock()
	t.calls = append(t.calls, args)
	t.mu.Unlock()
	if t.failing {
		return tools.ErrorResult("device_offline: no channel")
	}
	return tools.NewResult(`{"ok":true}`)
}

type loopEnv struct {
	loop     *Loop
	provider *scriptedProvider
	tool     *echoTool
	sessions *sessions.Service
	session  *store.Session
	events   []Event
}

func (e *loopEnv) eventTypes() []string {
	out := make([]string, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

func newLoopEnv(t *testing.T, script ...*providers.ChatResponse) *loopEnv {
	t.Helper()
	stores := memstore.New()
	svc := sessions.NewService(stores.Sessions, 15*time.Minute)
	sess, err := svc.Create(context.Background(), "u1", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	tool := &echoTool{}
	reg := tools.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	reg.Register(tool)

	provider := &scriptedProvider{script: script}
	loop := NewLoop(LoopConfig{
		Provider:      provider,
		Tools:         reg,
		Sessions:      svc,
		MaxIterations: 5,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &loopEnv{loop: loop, provider: provider, tool: tool, sessions: svc, session: sess}
}

func (e *loopEnv) run(t *testing.T, message string) (*RunResult, error) {
	t.Helper()
	return e.loop.Run(context.Background(), RunRequest{
		SessionID: e.session.ID,
		UserID:    "u1",
		Message:   message,
		OnEvent:   func(ev Event) { e.events = append(e.events, ev) },
	})
}

func toolCallResponse(id string, args map[string]any) *providers.ChatResponse {
	return &providers.ChatResponse{
		FinishReason: "tool_calls",
		ToolCalls:    []providers.ToolCall{{ID: id, Name: "echo", Arguments: args}},
	}
}

func TestRunPlainAnswer(t *testing.T) {
	env := newLoopEnv(t, &providers.ChatResponse{Content: "Hello there.", FinishReason: "stop"})

	result, err := env.run(t, "hi")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Content != "Hello there." || result.Iterations != 1 {
		t.Fatalf("got %+v", result)
	}

	want := []string{protocol.SSEAssistantMessage, protocol.SSEDone}
	if got := env.eventTypes(); !equalStrings(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	msgs, _ := env.sessions.Messages(context.Background(), "u1", env.session.ID, 0)
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("transcript = %+v", msgs)
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	env := newLoopEnv(t,
		toolCallResponse("c1", map[string]any{"query": "lights"}),
		&providers.ChatResponse{Content: "The lights are on.", FinishReason: "stop"},
	)

	result, err := env.run(t, "turn on the lights")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Iterations != 2 {
		t.Fatalf("iterations = %d, want 2", result.Iterations)
	}

	want := []string{
		protocol.SSEToolCallStarted,
		protocol.SSEToolCallResult,
		protocol.SSEAssistantMessage,
		protocol.SSEDone,
	}
	if got := env.eventTypes(); !equalStrings(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	// The tool result must reach the second LLM round as a tool message.
	second := env.provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "c1" || last.Content != `{"ok":true}` {
		t.Fatalf("second round last message = %+v", last)
	}

	// Transcript: user, assistant (tool calls), tool, assistant.
	msgs, _ := env.sessions.Messages(context.Background(), "u1", env.session.ID, 0)
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	if !equalStrings(roles, []string{"user", "assistant", "tool", "assistant"}) {
		t.Fatalf("transcript roles = %v", roles)
	}
	if msgs[1].ToolCalls == "" {
		t.Fatal("assistant row lost its tool_calls JSON")
	}
}

func TestRunExhaustsIterationBudget(t *testing.T) {
	script := make([]*providers.ChatResponse, 5)
	for i := range script {
		script[i] = toolCallResponse("c", map[string]any{"n": i})
	}
	env := newLoopEnv(t, script...)

	result, err := env.run(t, "loop forever")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Iterations != 5 {
		t.Fatalf("iterations = %d, want 5", result.Iterations)
	}
	if !strings.Contains(result.Content, "5 tool steps") {
		t.Fatalf("content = %q, want synthetic exhaustion message", result.Content)
	}

	types := env.eventTypes()
	if countOf(types, protocol.SSEDone) != 1 {
		t.Fatalf("want exactly one done, got events %v", types)
	}
	if types[len(types)-1] != protocol.SSEDone {
		t.Fatalf("done must be last, got %v", types)
	}
	if countOf(types, protocol.SSEToolCallStarted) != 5 {
		t.Fatalf("want 5 tool rounds, got %v", types)
	}
}

func TestToolErrorFlowsBackToLLM(t *testing.T) {
	env := newLoopEnv(t,
		toolCallResponse("c1", map[string]any{}),
		&providers.ChatResponse{Content: "That device is offline right now.", FinishReason: "stop"},
	)
	env.tool.failing = true

	result, err := env.run(t, "open the garage")
	if err != nil {
		t.Fatalf("tool errors must not abort the run: %v", err)
	}
	if result.Content != "That device is offline right now." {
		t.Fatalf("content = %q", result.Content)
	}

	second := env.provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, "device_offline") {
		t.Fatalf("LLM never saw the tool error: %+v", last)
	}

	var resultEvent *Event
	for i := range env.events {
		if env.events[i].Type == protocol.SSEToolCallResult {
			resultEvent = &env.events[i]
		}
	}
	if resultEvent.Fields["success"] != false {
		t.Fatalf("tool_call_result fields = %+v", resultEvent.Fields)
	}
	if msg, _ := resultEvent.Fields["error"].(string); !strings.Contains(msg, "device_offline") {
		t.Fatalf("tool_call_result fields = %+v", resultEvent.Fields)
	}
}

func TestLLMFailureEmitsErrorThenDone(t *testing.T) {
	env := newLoopEnv(t)
	env.provider.script = nil
	env.provider.err = errors.New("all providers failed")

	_, err := env.run(t, "hi")
	if err == nil {
		t.Fatal("expected error")
	}
	want := []string{protocol.SSEError, protocol.SSEDone}
	if got := env.eventTypes(); !equalStrings(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestUsageAccumulatesAcrossIterations(t *testing.T) {
	first := toolCallResponse("c1", map[string]any{})
	first.Usage = &providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	second := &providers.ChatResponse{
		Content: "ok", FinishReason: "stop",
		Usage: &providers.Usage{PromptTokens: 20, CompletionTokens: 3, TotalTokens: 23},
	}
	env := newLoopEnv(t, first, second)

	result, err := env.run(t, "hi")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Usage.TotalTokens != 38 || result.Usage.PromptTokens != 30 {
		t.Fatalf("usage = %+v", result.Usage)
	}
}

func TestHistoryReplayedToProvider(t *testing.T) {
	env := newLoopEnv(t, &providers.ChatResponse{Content: "first", FinishReason: "stop"})
	if _, err := env.run(t, "one"); err != nil {
		t.Fatalf("run: %v", err)
	}

	env.provider.script = []*providers.ChatResponse{{Content: "second", FinishReason: "stop"}}
	if _, err := env.run(t, "two"); err != nil {
		t.Fatalf("run: %v", err)
	}

	second := env.provider.requests[1]
	// system + (user, assistant) history + new user message.
	if len(second.Messages) != 4 {
		t.Fatalf("got %d messages: %+v", len(second.Messages), second.Messages)
	}
	if second.Messages[0].Role != "system" || second.Messages[1].Content != "one" ||
		second.Messages[2].Content != "first" || second.Messages[3].Content != "two" {
		t.Fatalf("unexpected replay: %+v", second.Messages)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func countOf(list []string, s string) int {
	n := 0
	for _, v := range list {
		if v == s {
			n++
		}
	}
	return n
}
