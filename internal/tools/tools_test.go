package tools

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/hearth/internal/registry"
	"github.com/nextlevelbuilder/hearth/internal/spoke"
	"github.com/nextlevelbuilder/hearth/internal/store"
	"github.com/nextlevelbuilder/hearth/internal/store/memstore"
	"github.com/nextlevelbuilder/hearth/pkg/protocol"
)

type fakePresence map[string]bool

func (p fakePresence) IsOnline(id string) bool { return p[id] }

type fakeForwarder struct {
	lastDeviceID string
	lastTool     string
	lastArgs     json.RawMessage
	lastTimeout  time.Duration
	resp         *protocol.SkillCallResponse
	err          error
}

func (f *fakeForwarder) ForwardToolCall(_ context.Context, deviceID, toolName string, args json.RawMessage, timeout time.Duration) (*protocol.SkillCallResponse, error) {
	f.lastDeviceID = deviceID
	f.lastTool = toolName
	f.lastArgs = args
	f.lastTimeout = timeout
	return f.resp, f.err
}

type countingTool struct {
	calls atomic.Int32
	fail  bool
}

func (t *countingTool) Name() string               { return "counting" }
func (t *countingTool) Description() string        { return "counts calls" }
func (t *countingTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (t *countingTool) Timeout() time.Duration     { return time.Second }
func (t *countingTool) Execute(context.Context, map[string]any) *Result {
	n := t.calls.Add(1)
	if t.fail {
		return ErrorResult("boom")
	}
	return NewResult("call " + string(rune('0'+n)))
}

type toolEnv struct {
	stores   *store.Stores
	registry *registry.Registry
	presence fakePresence
	kitchen  *store.Device
	garage   *store.Device
}

func setupEnv(t *testing.T) *toolEnv {
	t.Helper()
	ctx := context.Background()
	stores := memstore.New()
	reg := registry.New(stores.Skills, stores.Devices, 30*time.Minute)
	presence := fakePresence{}
	reg.SetPresence(presence)

	env := &toolEnv{stores: stores, registry: reg, presence: presence}
	for _, name := range []string{"kitchen", "garage"} {
		d := &store.Device{
			ID: store.NewID(), UserID: "u1", DisplayName: name,
			IsActive: true, CreatedAt: time.Now().UTC(),
		}
		if err := stores.Devices.Create(ctx, d); err != nil {
			t.Fatalf("create device: %v", err)
		}
		presence[d.ID] = true
		if name == "kitchen" {
			env.kitchen = d
		} else {
			env.garage = d
		}
	}

	if _, _, err := reg.Register(ctx, env.kitchen.ID, []protocol.SkillInfo{
		{ClassName: "Lights", MethodName: "turn_on", Signature: "turn_on(room: str)", Docstring: "Turn on the lights."},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, _, err := reg.Register(ctx, env.garage.ID, []protocol.SkillInfo{
		{ClassName: "Door", MethodName: "open", Signature: "open()", Docstring: "Open the garage door."},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return env
}

func callerCtx(env *toolEnv) context.Context {
	return WithCaller(context.Background(), Caller{UserID: "u1", DeviceID: env.kitchen.ID})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExecuteUnknownTool(t *testing.T) {
	reg := NewRegistry(testLogger())
	res := reg.Execute(context.Background(), "nope", nil)
	if !res.IsError || !strings.Contains(res.ForLLM, "unknown tool") {
		t.Fatalf("got %+v", res)
	}
}

func TestTurnCacheHitsIdenticalCalls(t *testing.T) {
	reg := NewRegistry(testLogger())
	counter := &countingTool{}
	reg.Register(counter)

	ctx := WithTurnCache(context.Background(), NewTurnCache())
	args := map[string]any{"a": 1, "b": "x"}

	first := reg.Execute(ctx, "counting", args)
	if first.Cached {
		t.Fatal("first call must not be cached")
	}
	second := reg.Execute(ctx, "counting", args)
	if !second.Cached || second.ForLLM != first.ForLLM {
		t.Fatalf("got %+v, want cached replay of %+v", second, first)
	}
	if counter.calls.Load() != 1 {
		t.Fatalf("tool ran %d times, want 1", counter.calls.Load())
	}

	// Different args miss the cache.
	reg.Execute(ctx, "counting", map[string]any{"a": 2})
	if counter.calls.Load() != 2 {
		t.Fatalf("tool ran %d times, want 2", counter.calls.Load())
	}
}

func TestTurnCacheSkipsErrors(t *testing.T) {
	reg := NewRegistry(testLogger())
	counter := &countingTool{fail: true}
	reg.Register(counter)

	ctx := WithTurnCache(context.Background(), NewTurnCache())
	reg.Execute(ctx, "counting", nil)
	reg.Execute(ctx, "counting", nil)
	if counter.calls.Load() != 2 {
		t.Fatalf("errors must not be cached, got %d calls", counter.calls.Load())
	}
}

func TestTurnCacheIsolatedAcrossTurns(t *testing.T) {
	reg := NewRegistry(testLogger())
	counter := &countingTool{}
	reg.Register(counter)

	reg.Execute(WithTurnCache(context.Background(), NewTurnCache()), "counting", nil)
	reg.Execute(WithTurnCache(context.Background(), NewTurnCache()), "counting", nil)
	if counter.calls.Load() != 2 {
		t.Fatalf("separate turns must not share cache, got %d calls", counter.calls.Load())
	}
}

func TestProviderDefsStableOrder(t *testing.T) {
	env := setupEnv(t)
	reg := NewRegistry(testLogger())
	reg.Register(NewSearchSkillsTool(env.registry, 0))
	reg.Register(NewDescribeFunctionTool(env.registry, 0))
	reg.Register(NewPythonExecTool(env.registry, &fakeForwarder{}, 0))

	defs := reg.ProviderDefs()
	want := []string{"search_skills", "describe_function", "python_exec"}
	if len(defs) != len(want) {
		t.Fatalf("got %d defs", len(defs))
	}
	for i, name := range want {
		if defs[i].Function.Name != name {
			t.Fatalf("defs[%d] = %q, want %q", i, defs[i].Function.Name, name)
		}
		if defs[i].Type != "function" {
			t.Fatalf("defs[%d].Type = %q", i, defs[i].Type)
		}
	}
}

func TestSearchSkillsTool(t *testing.T) {
	env := setupEnv(t)
	tool := NewSearchSkillsTool(env.registry, 0)

	res := tool.Execute(callerCtx(env), map[string]any{"query": "lights"})
	if res.IsError {
		t.Fatalf("got error: %s", res.ForLLM)
	}
	var hits []struct {
		Path      string   `json:"path"`
		Signature string   `json:"signature"`
		Devices   []string `json:"devices"`
	}
	if err := json.Unmarshal([]byte(res.ForLLM), &hits); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, res.ForLLM)
	}
	if len(hits) != 1 || hits[0].Path != "kitchen.Lights.turn_on" {
		t.Fatalf("got %+v", hits)
	}

	// No matches is a normal result, not an error.
	res = tool.Execute(callerCtx(env), map[string]any{"query": "teleport"})
	if res.IsError || !strings.Contains(res.ForLLM, "No matching skills") {
		t.Fatalf("got %+v", res)
	}
}

func TestSearchSkillsRequiresCaller(t *testing.T) {
	env := setupEnv(t)
	tool := NewSearchSkillsTool(env.registry, 0)
	if res := tool.Execute(context.Background(), map[string]any{"query": "x"}); !res.IsError {
		t.Fatal("expected error without caller identity")
	}
}

func TestDescribeFunctionTool(t *testing.T) {
	env := setupEnv(t)
	tool := NewDescribeFunctionTool(env.registry, 0)

	res := tool.Execute(callerCtx(env), map[string]any{"path": "kitchen.Lights.turn_on"})
	if res.IsError {
		t.Fatalf("got error: %s", res.ForLLM)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(res.ForLLM), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["signature"] != "turn_on(room: str)" || out["docstring"] != "Turn on the lights." {
		t.Fatalf("got %+v", out)
	}

	res = tool.Execute(callerCtx(env), map[string]any{"path": "kitchen.Lights.explode"})
	if !res.IsError || !strings.Contains(res.ForLLM, "search_skills") {
		t.Fatalf("got %+v, want not-found hint", res)
	}
}

func TestPythonExecTargetResolution(t *testing.T) {
	env := setupEnv(t)

	tests := []struct {
		name       string
		args       map[string]any
		wantDevice string
	}{
		{
			name:       "explicit device argument wins",
			args:       map[string]any{"code": "devices.kitchen.Lights.turn_on()", "device": "garage"},
			wantDevice: "", // filled below
		},
		{
			name:       "device parsed from code",
			args:       map[string]any{"code": "print(devices.garage.Door.open())"},
			wantDevice: "",
		},
		{
			name:       "falls back to caller's device",
			args:       map[string]any{"code": "print(1+1)"},
			wantDevice: "",
		},
	}
	tests[0].wantDevice = env.garage.ID
	tests[1].wantDevice = env.garage.ID
	tests[2].wantDevice = env.kitchen.ID

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fwd := &fakeForwarder{resp: &protocol.SkillCallResponse{Success: true, Result: "42"}}
			tool := NewPythonExecTool(env.registry, fwd, 0)
			res := tool.Execute(callerCtx(env), tt.args)
			if res.IsError {
				t.Fatalf("got error: %s", res.ForLLM)
			}
			if fwd.lastDeviceID != tt.wantDevice {
				t.Fatalf("forwarded to %q, want %q", fwd.lastDeviceID, tt.wantDevice)
			}
			if fwd.lastTool != "python_exec" {
				t.Fatalf("tool name = %q", fwd.lastTool)
			}
		})
	}
}

func TestPythonExecUnknownDevice(t *testing.T) {
	env := setupEnv(t)
	tool := NewPythonExecTool(env.registry, &fakeForwarder{}, 0)
	res := tool.Execute(callerCtx(env), map[string]any{"code": "x", "device": "attic"})
	if !res.IsError || !strings.Contains(res.ForLLM, "unknown device") {
		t.Fatalf("got %+v", res)
	}
}

func TestPythonExecTransportErrorsBecomeToolResults(t *testing.T) {
	env := setupEnv(t)
	tests := []struct {
		err  error
		want string
	}{
		{spoke.ErrDeviceOffline, "device_offline"},
		{spoke.ErrBackpressure, "device_backpressure"},
		{spoke.ErrToolTimeout, "tool_timeout"},
		{spoke.ErrShuttingDown, "shutting_down"},
	}
	for _, tt := range tests {
		tool := NewPythonExecTool(env.registry, &fakeForwarder{err: tt.err}, 0)
		res := tool.Execute(callerCtx(env), map[string]any{"code": "x"})
		if !res.IsError || !strings.Contains(res.ForLLM, tt.want) {
			t.Fatalf("err %v: got %+v, want %s in result", tt.err, res, tt.want)
		}
	}
}

func TestPythonExecSpokeFailure(t *testing.T) {
	env := setupEnv(t)
	fwd := &fakeForwarder{resp: &protocol.SkillCallResponse{Success: false, Error: "NameError: foo"}}
	tool := NewPythonExecTool(env.registry, fwd, 0)

	res := tool.Execute(callerCtx(env), map[string]any{"code": "foo()"})
	if !res.IsError {
		t.Fatal("spoke failure should be an error result")
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(res.ForLLM), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["success"] != false || out["error"] != "NameError: foo" {
		t.Fatalf("got %+v", out)
	}
}

func TestConfiguredTimeoutsApply(t *testing.T) {
	env := setupEnv(t)

	fwd := &fakeForwarder{resp: &protocol.SkillCallResponse{Success: true, Result: "ok"}}
	exec := NewPythonExecTool(env.registry, fwd, 90*time.Second)
	if exec.Timeout() != 90*time.Second {
		t.Fatalf("python_exec timeout = %v", exec.Timeout())
	}
	if res := exec.Execute(callerCtx(env), map[string]any{"code": "x"}); res.IsError {
		t.Fatalf("got error: %s", res.ForLLM)
	}
	// The configured deadline also travels with the forwarded call.
	if fwd.lastTimeout != 90*time.Second {
		t.Fatalf("forwarded timeout = %v, want 90s", fwd.lastTimeout)
	}

	if got := NewSearchSkillsTool(env.registry, 2*time.Second).Timeout(); got != 2*time.Second {
		t.Fatalf("search_skills timeout = %v", got)
	}
	if got := NewDescribeFunctionTool(env.registry, 2*time.Second).Timeout(); got != 2*time.Second {
		t.Fatalf("describe_function timeout = %v", got)
	}

	// Zero falls back to the defaults.
	if got := NewPythonExecTool(env.registry, fwd, 0).Timeout(); got != defaultPythonExecTimeout {
		t.Fatalf("default python_exec timeout = %v", got)
	}
	if got := NewSearchSkillsTool(env.registry, 0).Timeout(); got != defaultSearchSkillsTimeout {
		t.Fatalf("default search_skills timeout = %v", got)
	}
}

func TestPythonExecPayload(t *testing.T) {
	env := setupEnv(t)
	fwd := &fakeForwarder{resp: &protocol.SkillCallResponse{Success: true, Result: "ok"}}
	tool := NewPythonExecTool(env.registry, fwd, 0)

	code := "print('hello')"
	if res := tool.Execute(callerCtx(env), map[string]any{"code": code}); res.IsError {
		t.Fatalf("got error: %s", res.ForLLM)
	}
	var payload map[string]string
	if err := json.Unmarshal(fwd.lastArgs, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["code"] != code {
		t.Fatalf("payload code = %q", payload["code"])
	}
}
